package session

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"lanmedia/work/pipeline"
	"lanmedia/work/profiles"
)

// Params are the playback parameters carried on a stream URL.
type Params struct {
	Priority pipeline.Priority

	// Requested frame size; zero means the source size. Aspect is the pixel
	// aspect of the requested frame.
	Width, Height int
	Aspect        float64
	Fit           pipeline.Fit

	// Channels is the layout from the hex channel mask. ForceChannels is set
	// by music=true and allows upmixing; otherwise the mask only downmixes.
	Channels      profiles.ChannelSetup
	ForceChannels bool

	// RequestChannels downmixes audio-only streams; ForceChannelCount sets
	// their channel count unconditionally.
	RequestChannels   int
	ForceChannelCount int

	Fast      bool
	Language  string
	Subtitles string
	Position  time.Duration
	MusicMode profiles.MusicMode

	// Suffix is the container requested through the file suffix, without dot.
	Suffix string
}

// key is a canonical encoding of every parameter. Requests that differ in
// any of them get their own pipeline.
func (p Params) key() string {
	return fmt.Sprintf("%d|%dx%dx%g/%d|%d:%t|%d:%d|%t|%s|%s|%d|%s|%s",
		p.Priority, p.Width, p.Height, p.Aspect, p.Fit,
		uint8(p.Channels), p.ForceChannels, p.RequestChannels, p.ForceChannelCount,
		p.Fast, p.Language, p.Subtitles, int64(p.Position), p.MusicMode, p.Suffix)
}

func hexStream(v string) (string, error) {
	if v == "" {
		return "", nil
	}
	n, err := strconv.ParseUint(v, 16, 32)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(n, 10), nil
}

// parseSize reads "WxH[xAR][/box|zoom]".
func parseSize(v string, p *Params) error {
	spec, mode, _ := strings.Cut(v, "/")
	parts := strings.Split(spec, "x")
	if len(parts) < 2 || len(parts) > 3 {
		return fmt.Errorf("size %q", v)
	}
	w, err := strconv.Atoi(parts[0])
	if err != nil || w <= 0 {
		return fmt.Errorf("size %q", v)
	}
	h, err := strconv.Atoi(parts[1])
	if err != nil || h <= 0 {
		return fmt.Errorf("size %q", v)
	}
	aspect := 1.0
	if len(parts) == 3 {
		if aspect, err = strconv.ParseFloat(parts[2], 64); err != nil || aspect <= 0 {
			return fmt.Errorf("size aspect %q", v)
		}
	}

	p.Width, p.Height, p.Aspect = w, h, aspect
	switch mode {
	case "box":
		p.Fit = pipeline.FitBox
	case "zoom":
		p.Fit = pipeline.FitZoom
	case "":
		p.Fit = pipeline.FitStretch
	default:
		return fmt.Errorf("size mode %q", mode)
	}
	return nil
}

// ParseParams reads the playback parameters of a stream request. suffix is
// the file suffix of the requested path ("" when absent). The hex "query"
// parameter carries extra parameters that are merged in first.
func ParseParams(values url.Values, suffix string) (Params, error) {
	values = mergeQuery(values)
	p := Params{Fast: true, Suffix: strings.ToLower(strings.TrimPrefix(suffix, "."))}

	switch values.Get("priority") {
	case "low":
		p.Priority = pipeline.PriorityLow
	case "high":
		p.Priority = pipeline.PriorityHigh
	}

	size := values.Get("size")
	if size == "" {
		size = values.Get("resolution")
	}
	if size != "" {
		if err := parseSize(size, &p); err != nil {
			return Params{}, err
		}
	}

	if v := values.Get("channels"); v != "" {
		mask, err := strconv.ParseUint(v, 16, 32)
		if err != nil {
			return Params{}, fmt.Errorf("channels %q: %w", v, err)
		}
		p.Channels = profiles.ChannelsFromMask(uint32(mask))
		p.ForceChannels = values.Get("music") == "true"
	}
	if v := values.Get("requestchannels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Params{}, fmt.Errorf("requestchannels %q: %w", v, err)
		}
		p.RequestChannels = n
	}
	if v := values.Get("forcechannels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Params{}, fmt.Errorf("forcechannels %q: %w", v, err)
		}
		p.ForceChannelCount = n
	}

	if values.Get("encode") == "slow" {
		p.Fast = false
	}

	var err error
	if p.Language, err = hexStream(values.Get("language")); err != nil {
		return Params{}, fmt.Errorf("language: %w", err)
	}
	if values.Has("subtitles") {
		if p.Subtitles, err = hexStream(values.Get("subtitles")); err != nil {
			return Params{}, fmt.Errorf("subtitles: %w", err)
		}
		if p.Subtitles == "" {
			p.Subtitles = "off"
		}
	}

	if v := values.Get("position"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil || secs < 0 {
			return Params{}, fmt.Errorf("position %q", v)
		}
		p.Position = time.Duration(secs * float64(time.Second))
	}

	switch m := profiles.MusicMode(values.Get("musicmode")); m {
	case profiles.MusicModeAddVideo, profiles.MusicModeRemoveVideo:
		p.MusicMode = m
	}

	return p, nil
}

func mergeQuery(values url.Values) url.Values {
	raw := values.Get("query")
	if raw == "" {
		return values
	}
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return values
	}
	extra, err := url.ParseQuery(string(decoded))
	if err != nil {
		return values
	}
	merged := url.Values{}
	for k, v := range values {
		merged[k] = append([]string(nil), v...)
	}
	for k, v := range extra {
		merged[k] = append(merged[k], v...)
	}
	return merged
}

// apply narrows the source format according to the requested size and
// channel layout.
func (p Params) apply(kind profiles.Kind, src profiles.Source) profiles.Source {
	if p.Width > 0 && p.Height > 0 {
		switch kind {
		case profiles.KindVideo:
			v := src.Video.Resized(p.Width, p.Height)
			v.PixelAspect = p.Aspect
			src.Video = v
		case profiles.KindImage:
			src.Image = profiles.ImageSize{Width: p.Width, Height: p.Height}
		}
	}

	if c := p.Channels; c != profiles.ChannelsUnknown {
		if p.ForceChannels || c.Count() < src.Audio.Channels.Count() {
			src.Audio.Channels = c
		}
	}
	if kind == profiles.KindAudio {
		if n := p.ForceChannelCount; n > 0 {
			src.Audio.Channels = profiles.ChannelsForCount(n)
		} else if n := p.RequestChannels; n > 0 && n < src.Audio.Channels.Count() {
			src.Audio.Channels = profiles.ChannelsForCount(n)
		}
	}
	return src
}

// target is the resolved encoding of one session.
type target struct {
	name       string
	kind       profiles.Kind
	container  string
	mime       string
	audioCodec string
	videoCodec string
	imageCodec string
	format     profiles.Source
}

func stereo(rate int) profiles.AudioFormat {
	return profiles.AudioFormat{SampleRate: rate, Channels: profiles.ChannelsStereo}
}

// targetForSuffix selects the encoding for a plain file-suffix request.
func targetForSuffix(kind profiles.Kind, suffix string, src profiles.Source) (target, error) {
	if suffix == "" {
		suffix = "mpa"
		if kind == profiles.KindVideo {
			suffix = "mpeg"
		}
	}

	t := target{name: suffix, kind: kind, format: src}
	if kind == profiles.KindVideo {
		rate, _ := profiles.SnapFrameRate(src.Video.FrameRate)
		t.format.Video.FrameRate = rate

		switch suffix {
		case "mpeg", "mpg", "ts":
			switch n := src.Audio.Channels.Count(); {
			case n <= 2:
				t.audioCodec, t.format.Audio = "MP2", stereo(48000)
			case n == 4:
				t.audioCodec = "AC3"
				t.format.Audio = profiles.AudioFormat{SampleRate: 48000, Channels: profiles.ChannelsQuadraphonic}
			default:
				t.audioCodec = "AC3"
				t.format.Audio = profiles.AudioFormat{SampleRate: 48000, Channels: profiles.ChannelsSurround51}
			}
			t.videoCodec = "MPEG2"
			t.container, t.mime = "vob", "video/MP2P"
			if suffix == "ts" {
				t.container, t.mime = "mpegts", "video/MP2T"
			}
		case "ogg", "ogv":
			t.audioCodec, t.format.Audio = "FLAC", stereo(44100)
			t.videoCodec, t.container, t.mime = "THEORA", "ogg", "video/ogg"
		case "flv":
			t.audioCodec, t.format.Audio = "PCM/S16LE", stereo(44100)
			t.videoCodec, t.container, t.mime = "FLV1", "flv", "video/x-flv"
		default:
			return target{}, fmt.Errorf("video suffix %q: %w", suffix, ErrUnsupportedFormat)
		}
		return t, nil
	}

	if kind != profiles.KindAudio {
		return target{}, fmt.Errorf("%s suffix %q: %w", kind, suffix, ErrUnsupportedFormat)
	}
	switch suffix {
	case "mpa", "mp2":
		t.audioCodec, t.format.Audio, t.container, t.mime = "MP2", stereo(48000), "mp2", "audio/mpeg"
	case "mp3":
		t.audioCodec, t.format.Audio, t.container, t.mime = "MP3", stereo(48000), "mp3", "audio/mp3"
	case "ogg", "oga":
		t.audioCodec, t.container, t.mime = "FLAC", "ogg", "audio/ogg"
		t.format.Audio.SampleRate = 44100
	case "lpcm":
		t.audioCodec, t.format.Audio, t.container = "PCM/S16BE", stereo(48000), "s16be"
		t.mime = "audio/L16;rate=48000;channels=2"
	case "wav":
		t.audioCodec, t.container, t.mime = "PCM/S16LE", "wav", "audio/wave"
		t.format.Audio.SampleRate = 44100
	case "flv":
		t.audioCodec, t.container, t.mime = "PCM/S16LE", "flv", "video/x-flv"
		t.format.Audio.SampleRate = 44100
	default:
		return target{}, fmt.Errorf("audio suffix %q: %w", suffix, ErrUnsupportedFormat)
	}
	return t, nil
}

// targetForProfile corrects src for a delivery profile.
func targetForProfile(p profiles.DeliveryProfile, src profiles.Source) target {
	corrected, _ := profiles.CorrectedFormat(p, src)
	t := target{
		name:       p.Name,
		kind:       p.Kind,
		container:  p.Container,
		mime:       p.MimeType,
		videoCodec: p.VideoCodec,
		imageCodec: p.ImageCodec,
		format:     corrected,
	}
	if p.Kind != profiles.KindImage {
		t.audioCodec = p.AudioCodecFor(corrected.Audio.Channels)
	}
	return t
}

// buildSpec lays out the explicit stage list for one session.
func buildSpec(sourcePath string, t target, src profiles.Source, p Params) pipeline.Spec {
	spec := pipeline.Spec{
		Source: sourcePath,
		Start:  p.Position,
		Target: pipeline.Target{Profile: t.name, MimeType: t.mime, Priority: p.Priority},
	}
	add := func(st pipeline.StageSpec) { spec.Stages = append(spec.Stages, st) }

	add(pipeline.StageSpec{Kind: pipeline.StageDemux, Stream: p.Language})
	add(pipeline.StageSpec{Kind: pipeline.StageDecode})

	switch t.kind {
	case profiles.KindImage:
		add(pipeline.StageSpec{Kind: pipeline.StageResize,
			Width: t.format.Image.Width, Height: t.format.Image.Height, Fit: pipeline.FitBox})
		add(pipeline.StageSpec{Kind: pipeline.StageEncode, ImageCodec: t.imageCodec})

	case profiles.KindVideo:
		if p.Subtitles != "" {
			add(pipeline.StageSpec{Kind: pipeline.StageSubtitles, Stream: p.Subtitles})
		}
		add(pipeline.StageSpec{Kind: pipeline.StageResample,
			SampleRate: t.format.Audio.SampleRate, Channels: t.format.Audio.NumChannels()})
		add(pipeline.StageSpec{Kind: pipeline.StageResize,
			Width: t.format.Video.Width, Height: t.format.Video.Height, Fit: p.Fit})
		if rate := t.format.Video.FrameRate; rate > 0 {
			stretch := 1.0
			if src.Video.FrameRate > 0 {
				stretch = rate / src.Video.FrameRate
			}
			add(pipeline.StageSpec{Kind: pipeline.StageFrameSync, FrameRate: rate, Stretch: stretch})
		}
		add(pipeline.StageSpec{Kind: pipeline.StageEncode,
			AudioCodec: t.audioCodec, VideoCodec: t.videoCodec, Fast: p.Fast})

	default:
		add(pipeline.StageSpec{Kind: pipeline.StageResample,
			SampleRate: t.format.Audio.SampleRate, Channels: t.format.Audio.NumChannels()})
		add(pipeline.StageSpec{Kind: pipeline.StageEncode, AudioCodec: t.audioCodec, Fast: p.Fast})
	}

	add(pipeline.StageSpec{Kind: pipeline.StageMux, Container: t.container})
	return spec
}
