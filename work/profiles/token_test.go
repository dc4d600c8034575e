package profiles

import (
	"strings"
	"testing"
)

func TestTokenRoundTrip(t *testing.T) {
	cat := NewCatalog(Capabilities{}, nil)
	for _, kind := range []Kind{KindAudio, KindVideo, KindImage} {
		for _, p := range cat.Enabled(kind) {
			tok := Token(p)
			if strings.ContainsAny(tok, "+/=;") {
				t.Errorf("%s: token %q is not URL safe", p.Name, tok)
			}
			got, ok := cat.ProfileByToken(tok)
			if !ok {
				t.Fatalf("%s: token did not resolve", p.Name)
			}
			if got.Name != p.Name || got.Kind != p.Kind || got.order != p.order {
				t.Fatalf("%s: resolved to %s", p.Name, got.Name)
			}
		}
	}
}

func TestProfileByTokenAcceptsRawFeatures(t *testing.T) {
	cat := NewCatalog(Capabilities{}, nil)

	p, ok := cat.ProfileByToken("DLNA.ORG_PN=MPEG_TS_HD_NA;DLNA.ORG_OP=01")
	if !ok || p.Name != "MPEG_TS_HD_NA" {
		t.Fatalf("got %v %v", p.Name, ok)
	}
	p, ok = cat.ProfileByToken("DLNA.ORG_PN=JPEG_SM")
	if !ok || p.Name != "JPEG_SM" {
		t.Fatalf("got %v %v", p.Name, ok)
	}

	for _, bad := range []string{"", "!!!", "DLNA.ORG_PN=NOPE", "DLNA.ORG_OP=01", Token(DeliveryProfile{})} {
		if _, ok := cat.ProfileByToken(bad); ok {
			t.Errorf("token %q should not resolve", bad)
		}
	}
}

func TestProfileByTokenSkipsDisabledProfiles(t *testing.T) {
	cat := NewCatalog(Capabilities{AudioCodecs: []string{"MP3"}, Formats: []string{"mp3"}}, nil)

	mp3, _ := cat.Lookup("MP3")
	if p, ok := cat.ProfileByToken(Token(mp3)); !ok || p.Name != "MP3" {
		t.Fatalf("enabled profile: %v %v", p.Name, ok)
	}
	lpcm, ok := cat.Lookup("LPCM")
	if !ok {
		t.Fatal("lookup should find declared profiles")
	}
	if _, ok := cat.ProfileByToken(Token(lpcm)); ok {
		t.Fatal("disabled profile resolved from its token")
	}
	if _, ok := cat.ProfileByToken("DLNA.ORG_PN=MPEG_TS_HD_NA"); ok {
		t.Fatal("disabled profile resolved from raw features")
	}
}

func TestProtocolInfo(t *testing.T) {
	cat := NewCatalog(Capabilities{}, nil)
	p, _ := cat.Lookup("MPEG_TS_SD_EU_ISO")

	got := ProtocolInfo(p, false)
	want := "http-get:*:video/x-mpegts:DLNA.ORG_PN=MPEG_TS_SD_EU_ISO;DLNA.ORG_PS=0;DLNA.ORG_CI=1;DLNA.ORG_OP=00;DLNA.ORG_FLAGS=" + dlnaFlags
	if got != want {
		t.Fatalf("protocol info\n got %s\nwant %s", got, want)
	}
	if p.Suffix != ".ts" || p.Container != "mpegts" {
		t.Errorf("container = %s %s", p.Container, p.Suffix)
	}
}

func TestResolveKind(t *testing.T) {
	cases := []struct {
		item ItemType
		mode MusicMode
		want ResolvedKind
	}{
		{ItemMusic, MusicModeNone, ResolvedKind{Kind: KindAudio, Type: ItemMusic}},
		{ItemMusic, MusicModeAddVideo, ResolvedKind{Kind: KindVideo, Type: ItemMusicVideo, AddVideo: true}},
		{ItemMovie, MusicModeRemoveVideo, ResolvedKind{Kind: KindAudio, Type: ItemMusic, RemoveVideo: true}},
		{ItemMovie, MusicModeAddVideo, ResolvedKind{Kind: KindVideo, Type: ItemMovie}},
		{ItemPhoto, MusicModeRemoveVideo, ResolvedKind{Kind: KindImage, Type: ItemPhoto}},
		{ItemContainer, MusicModeNone, ResolvedKind{Type: ItemContainer}},
	}
	for _, c := range cases {
		if got := ResolveKind(c.item, c.mode); got != c.want {
			t.Errorf("ResolveKind(%v, %q) = %+v, want %+v", c.item, c.mode, got, c.want)
		}
	}
}
