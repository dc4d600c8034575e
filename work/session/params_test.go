package session

import (
	"encoding/hex"
	"errors"
	"net/url"
	"testing"
	"time"

	"lanmedia/work/pipeline"
	"lanmedia/work/profiles"
)

func TestParseParams(t *testing.T) {
	extra := hex.EncodeToString([]byte("priority=high&encode=slow"))
	v := url.Values{
		"size":      {"1280x720x1.5/box"},
		"channels":  {"3"},
		"language":  {"1a"},
		"subtitles": {""},
		"position":  {"12.5"},
		"musicmode": {"removevideo"},
		"query":     {extra},
	}
	p, err := ParseParams(v, ".TS")
	if err != nil {
		t.Fatal(err)
	}

	if p.Width != 1280 || p.Height != 720 || p.Aspect != 1.5 || p.Fit != pipeline.FitBox {
		t.Errorf("size = %dx%d %f %d", p.Width, p.Height, p.Aspect, p.Fit)
	}
	if p.Channels != profiles.ChannelsStereo || p.ForceChannels {
		t.Errorf("channels = %s force=%v", p.Channels, p.ForceChannels)
	}
	if p.Language != "26" || p.Subtitles != "off" {
		t.Errorf("streams = %q %q", p.Language, p.Subtitles)
	}
	if p.Position != 12500*time.Millisecond {
		t.Errorf("position = %v", p.Position)
	}
	if p.MusicMode != profiles.MusicModeRemoveVideo || p.Suffix != "ts" {
		t.Errorf("mode = %q suffix = %q", p.MusicMode, p.Suffix)
	}
	if p.Priority != pipeline.PriorityHigh || p.Fast {
		t.Errorf("merged query not applied: %+v", p)
	}
}

func TestParseParamsDefaultsAndErrors(t *testing.T) {
	p, err := ParseParams(url.Values{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if !p.Fast || p.Width != 0 || p.Subtitles != "" || p.Priority != pipeline.PriorityNormal {
		t.Errorf("defaults = %+v", p)
	}
	p, _ = ParseParams(url.Values{"size": {"640x480"}}, "")
	if p.Aspect != 1 || p.Fit != pipeline.FitStretch {
		t.Errorf("aspect = %f fit = %d", p.Aspect, p.Fit)
	}

	for _, bad := range []url.Values{
		{"size": {"640"}},
		{"size": {"640x480/crop"}},
		{"size": {"0x480"}},
		{"channels": {"zz"}},
		{"position": {"-1"}},
		{"language": {"xyz"}},
	} {
		if _, err := ParseParams(bad, ""); err == nil {
			t.Errorf("%v accepted", bad)
		}
	}
}

func TestChannelMaskOnlyDownmixesUnlessForced(t *testing.T) {
	src := profiles.Source{Audio: profiles.AudioFormat{SampleRate: 48000, Channels: profiles.ChannelsStereo}}

	surround := Params{Channels: profiles.ChannelsSurround51}
	if got := surround.apply(profiles.KindAudio, src); got.Audio.Channels != profiles.ChannelsStereo {
		t.Errorf("upmix without music=true: %s", got.Audio.Channels)
	}
	surround.ForceChannels = true
	if got := surround.apply(profiles.KindAudio, src); got.Audio.Channels != profiles.ChannelsSurround51 {
		t.Errorf("forced layout ignored: %s", got.Audio.Channels)
	}

	wide := profiles.Source{Audio: profiles.AudioFormat{SampleRate: 48000, Channels: profiles.ChannelsSurround51}}
	if got := (Params{RequestChannels: 2}).apply(profiles.KindAudio, wide); got.Audio.Channels != profiles.ChannelsStereo {
		t.Errorf("requestchannels: %s", got.Audio.Channels)
	}
	if got := (Params{RequestChannels: 8}).apply(profiles.KindAudio, wide); got.Audio.Channels != profiles.ChannelsSurround51 {
		t.Errorf("requestchannels must not upmix: %s", got.Audio.Channels)
	}
	if got := (Params{ForceChannelCount: 1}).apply(profiles.KindAudio, wide); got.Audio.Channels != profiles.ChannelsMono {
		t.Errorf("forcechannels: %s", got.Audio.Channels)
	}
}

func TestTargetForSuffix(t *testing.T) {
	movie := profiles.Source{
		Audio: profiles.AudioFormat{SampleRate: 44100, Channels: profiles.ChannelsSurround71},
		Video: profiles.VideoFormat{Width: 1280, Height: 720, FrameRate: profiles.NTSC(24)},
	}

	cases := []struct {
		kind      profiles.Kind
		suffix    string
		audio     string
		video     string
		container string
		mime      string
		channels  profiles.ChannelSetup
	}{
		{profiles.KindVideo, "", "AC3", "MPEG2", "vob", "video/MP2P", profiles.ChannelsSurround51},
		{profiles.KindVideo, "ts", "AC3", "MPEG2", "mpegts", "video/MP2T", profiles.ChannelsSurround51},
		{profiles.KindVideo, "ogv", "FLAC", "THEORA", "ogg", "video/ogg", profiles.ChannelsStereo},
		{profiles.KindVideo, "flv", "PCM/S16LE", "FLV1", "flv", "video/x-flv", profiles.ChannelsStereo},
		{profiles.KindAudio, "", "MP2", "", "mp2", "audio/mpeg", profiles.ChannelsStereo},
		{profiles.KindAudio, "lpcm", "PCM/S16BE", "", "s16be", "audio/L16;rate=48000;channels=2", profiles.ChannelsStereo},
		{profiles.KindAudio, "wav", "PCM/S16LE", "", "wav", "audio/wave", profiles.ChannelsSurround71},
	}
	for _, c := range cases {
		tg, err := targetForSuffix(c.kind, c.suffix, movie)
		if err != nil {
			t.Fatalf("%s %q: %v", c.kind, c.suffix, err)
		}
		if tg.audioCodec != c.audio || tg.videoCodec != c.video || tg.container != c.container || tg.mime != c.mime {
			t.Errorf("%s %q: %+v", c.kind, c.suffix, tg)
		}
		if tg.format.Audio.Channels != c.channels {
			t.Errorf("%s %q: channels %s", c.kind, c.suffix, tg.format.Audio.Channels)
		}
		if c.kind == profiles.KindVideo && tg.format.Video.FrameRate != 24 {
			t.Errorf("%s %q: frame rate %f", c.kind, c.suffix, tg.format.Video.FrameRate)
		}
	}

	quad := movie
	quad.Audio.Channels = profiles.ChannelsQuadraphonic
	if tg, _ := targetForSuffix(profiles.KindVideo, "mpg", quad); tg.format.Audio.Channels != profiles.ChannelsQuadraphonic {
		t.Errorf("quad source -> %s", tg.format.Audio.Channels)
	}

	if _, err := targetForSuffix(profiles.KindVideo, "avi", movie); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("avi err = %v", err)
	}
	if _, err := targetForSuffix(profiles.KindImage, "", movie); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("image err = %v", err)
	}
}

func TestBuildSpecForProfile(t *testing.T) {
	cat := profiles.NewCatalog(profiles.Capabilities{}, nil)
	p, _ := cat.Lookup("MPEG_TS_HD_EU")
	src := profiles.Source{
		Audio: profiles.AudioFormat{SampleRate: 48000, Channels: profiles.ChannelsSurround51},
		Video: profiles.VideoFormat{Width: 1920, Height: 1080, FrameRate: 25},
	}
	params := Params{Fast: true, Language: "2", Subtitles: "3", Position: time.Minute}

	spec := buildSpec("/m.mkv", targetForProfile(p, src), src, params)

	if spec.Source != "/m.mkv" || spec.Start != time.Minute || spec.Target.Profile != "MPEG_TS_HD_EU" {
		t.Fatalf("spec = %+v", spec)
	}
	kinds := make([]pipeline.StageKind, 0, len(spec.Stages))
	for _, st := range spec.Stages {
		kinds = append(kinds, st.Kind)
	}
	want := []pipeline.StageKind{
		pipeline.StageDemux, pipeline.StageDecode, pipeline.StageSubtitles, pipeline.StageResample,
		pipeline.StageResize, pipeline.StageFrameSync, pipeline.StageEncode, pipeline.StageMux,
	}
	if len(kinds) != len(want) {
		t.Fatalf("stages = %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("stages = %v", kinds)
		}
	}

	enc, _ := spec.Stage(pipeline.StageEncode)
	if enc.AudioCodec != "AC3" || enc.VideoCodec != "MPEG2" {
		t.Errorf("encode = %+v", enc)
	}
	rs, _ := spec.Stage(pipeline.StageResample)
	if rs.Channels != 6 || rs.SampleRate != 48000 {
		t.Errorf("resample = %+v", rs)
	}
	mux, _ := spec.Stage(pipeline.StageMux)
	if mux.Container != "m2ts" {
		t.Errorf("mux = %+v", mux)
	}
	fs, _ := spec.Stage(pipeline.StageFrameSync)
	if fs.FrameRate != 25 || fs.Stretch != 1 {
		t.Errorf("framesync = %+v", fs)
	}
}
