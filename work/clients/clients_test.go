package clients

import (
	"testing"

	"lanmedia/work/config"
	"lanmedia/work/logger"
	"lanmedia/work/profiles"
)

func testDevices() []config.DeviceProfile {
	return []config.DeviceProfile{
		{Name: "Bravia", UserAgent: "SEC_HHP_.*|Bravia", Version: "1.0", VideoProfiles: []string{"MPEG_PS_PAL"}},
		{Name: "Bravia", UserAgent: "SEC_HHP_.*|Bravia", Version: "2.0", VideoProfiles: []string{"MPEG_TS_HD_EU"}},
		{Name: "Bravia", UserAgent: "SEC_HHP_.*|Bravia", Version: "4.0", VideoProfiles: []string{"MPEG_TS_HD_EU", "MPEG4_P2_MATROSKA_AAC_HD_NONSTD"}},
		{Name: "Radio", UserAgent: "Radio", AudioProfiles: []string{"MP3"}},
		{Name: "Broken", UserAgent: "(unclosed"},
	}
}

func TestParseClientID(t *testing.T) {
	cases := []struct {
		id, ua, version string
	}{
		{"Bravia/2.5@192.168.1.4", "Bravia", "2.5"},
		{"Some Player/1.0b", "Some Player", "1.0B"},
		{"plain@host", "plain", ""},
		{"/1.0", "/1.0", ""},
	}
	for _, c := range cases {
		ua, v := ParseClientID(c.id)
		if ua != c.ua || v != c.version {
			t.Errorf("ParseClientID(%q) = %q %q, want %q %q", c.id, ua, v, c.ua, c.version)
		}
	}
	if ClientID("Bravia/2.0", "10.0.0.4") != "Bravia/2.0@10.0.0.4" {
		t.Error("ClientID should join with @")
	}
}

func TestBestClientPicksClosestVersion(t *testing.T) {
	m := NewMatcher(testDevices(), 16, logger.Discard())

	cases := []struct {
		id, want string
	}{
		{"Bravia/2.5@h", "Bravia/2.0"},
		{"bravia/4.1@h", "Bravia/4.0"},
		{"Bravia/0.5@h", "Bravia/1.0"},
		{"SEC_HHP_TV/3.0@h", "Bravia/2.0"},
		{"Radio@h", "Radio"},
		{"Unknown/1.0@h", ""},
		{"", ""},
	}
	for _, c := range cases {
		if got := m.BestClient(c.id); got != c.want {
			t.Errorf("BestClient(%q) = %q, want %q", c.id, got, c.want)
		}
	}
}

func TestSupportedByKind(t *testing.T) {
	m := NewMatcher(testDevices(), 16, logger.Discard())

	got := m.Supported("Bravia/4.2@tv", profiles.KindVideo)
	if len(got) != 2 || got[1] != "MPEG4_P2_MATROSKA_AAC_HD_NONSTD" {
		t.Fatalf("video = %v", got)
	}
	if m.Supported("Bravia/4.2@tv", profiles.KindAudio) != nil {
		t.Fatal("no audio list means no restriction")
	}
	if m.Supported("Radio@kitchen", profiles.KindAudio)[0] != "MP3" {
		t.Fatal("radio should be limited to MP3")
	}

	// cached answers stay the same
	again := m.Supported("Bravia/4.2@tv", profiles.KindVideo)
	if len(again) != 2 {
		t.Fatalf("cached video = %v", again)
	}
	m.Reset()
	if m.BestClient("Bravia/4.2@tv") != "Bravia/4.0" {
		t.Fatal("resolution after reset differs")
	}
}

func TestMatcherRestrictsCatalog(t *testing.T) {
	m := NewMatcher(testDevices(), 16, logger.Discard())
	cat := profiles.NewCatalog(profiles.Capabilities{}, m)

	offers, err := cat.ProfilesFor(profiles.KindAudio, "Radio@kitchen", profiles.Source{
		Audio: profiles.AudioFormat{SampleRate: 44100, Channels: profiles.ChannelsStereo},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(offers) != 1 || offers[0].Profile.Name != "MP3" {
		t.Fatalf("offers = %+v", offers)
	}
}
