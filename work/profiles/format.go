package profiles

import (
	"fmt"
	"math"
	"math/bits"
)

// ChannelSetup is a speaker layout.
type ChannelSetup uint8

const (
	ChannelsUnknown ChannelSetup = iota
	ChannelsMono
	ChannelsStereo
	ChannelsQuadraphonic
	ChannelsSurround30
	ChannelsSurround31
	ChannelsSurround40
	ChannelsSurround41
	ChannelsSurround50
	ChannelsSurround51
	ChannelsSurround60
	ChannelsSurround61
	ChannelsSurround70
	ChannelsSurround71
)

type channelInfo struct {
	name  string
	count int
	lfe   bool
}

var channelTable = [...]channelInfo{
	ChannelsUnknown:      {"unknown", 0, false},
	ChannelsMono:         {"mono", 1, false},
	ChannelsStereo:       {"stereo", 2, false},
	ChannelsQuadraphonic: {"quadraphonic", 4, false},
	ChannelsSurround30:   {"3.0", 3, false},
	ChannelsSurround31:   {"3.1", 4, true},
	ChannelsSurround40:   {"4.0", 4, false},
	ChannelsSurround41:   {"4.1", 5, true},
	ChannelsSurround50:   {"5.0", 5, false},
	ChannelsSurround51:   {"5.1", 6, true},
	ChannelsSurround60:   {"6.0", 6, false},
	ChannelsSurround61:   {"6.1", 7, true},
	ChannelsSurround70:   {"7.0", 7, false},
	ChannelsSurround71:   {"7.1", 8, true},
}

func (c ChannelSetup) info() channelInfo {
	if int(c) < len(channelTable) {
		return channelTable[c]
	}
	return channelTable[ChannelsUnknown]
}

// Count is the number of channels in the layout.
func (c ChannelSetup) Count() int { return c.info().count }

// HasLFE reports whether the layout carries a low frequency effects channel.
func (c ChannelSetup) HasLFE() bool { return c.info().lfe }

func (c ChannelSetup) String() string { return c.info().name }

// ChannelsForCount returns the conventional layout for n channels.
func ChannelsForCount(n int) ChannelSetup {
	switch {
	case n <= 0:
		return ChannelsUnknown
	case n == 1:
		return ChannelsMono
	case n == 2:
		return ChannelsStereo
	case n == 3:
		return ChannelsSurround30
	case n == 4:
		return ChannelsQuadraphonic
	case n == 5:
		return ChannelsSurround50
	case n == 6:
		return ChannelsSurround51
	case n == 7:
		return ChannelsSurround61
	default:
		return ChannelsSurround71
	}
}

// Speaker position bits used by the channel masks of playback URLs.
const (
	speakerLeftFront  uint32 = 0x00000001
	speakerCenter     uint32 = 0x00000004
	speakerRightFront uint32 = 0x00000010
	speakerLeftSide   uint32 = 0x00001000
	speakerRightSide  uint32 = 0x00002000
	speakerLeftBack   uint32 = 0x00100000
	speakerBack       uint32 = 0x00200000
	speakerRightBack  uint32 = 0x00400000
	speakerLFEMask    uint32 = 0x70000000
	speakerLFE        uint32 = 0x20000000
)

const (
	maskStereo = speakerLeftFront | speakerRightFront
	maskQuad   = maskStereo | speakerLeftBack | speakerRightBack
	mask30     = maskStereo | speakerBack
	mask40     = maskStereo | speakerCenter | speakerBack
	mask50     = maskQuad | speakerCenter
	mask51     = mask50 | speakerLFE
	mask60     = mask50 | speakerBack
	mask61     = mask60 | speakerLFE
	mask71     = mask51 | speakerLeftSide | speakerRightSide
)

var channelMasks = map[uint32]ChannelSetup{
	speakerCenter: ChannelsMono,
	maskStereo:    ChannelsStereo,
	maskQuad:      ChannelsQuadraphonic,
	mask30:        ChannelsSurround30,
	mask40:        ChannelsSurround40,
	mask50:        ChannelsSurround50,
	mask51:        ChannelsSurround51,
	mask60:        ChannelsSurround60,
	mask61:        ChannelsSurround61,
	mask71:        ChannelsSurround71,
}

// Mask returns the speaker position bits of the layout.
func (c ChannelSetup) Mask() uint32 {
	for m, setup := range channelMasks {
		if setup == c {
			return m
		}
	}
	return 0
}

// ChannelsFromMask decodes a speaker position bit mask. Unknown combinations
// map onto the conventional layout for their channel count, keeping the LFE
// channel when one is present.
func ChannelsFromMask(mask uint32) ChannelSetup {
	if c, ok := channelMasks[mask]; ok {
		return c
	}
	n := bits.OnesCount32(mask)
	if mask&speakerLFEMask != 0 {
		switch n {
		case 4:
			return ChannelsSurround31
		case 5:
			return ChannelsSurround41
		}
	} else if n == 7 {
		return ChannelsSurround70
	}
	return ChannelsForCount(n)
}

// AudioFormat is the shape of an audio stream.
type AudioFormat struct {
	SampleRate int          `json:"sampleRate"`
	Channels   ChannelSetup `json:"channels"`
}

// NumChannels is shorthand for Channels.Count().
func (f AudioFormat) NumChannels() int { return f.Channels.Count() }

func (f AudioFormat) String() string {
	return fmt.Sprintf("%dHz %s", f.SampleRate, f.Channels)
}

// VideoFormat is the shape of a video stream. PixelAspect is the width of a
// pixel relative to its height; zero means square pixels.
type VideoFormat struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	PixelAspect float64 `json:"pixelAspect,omitempty"`
	FrameRate   float64 `json:"frameRate"`
}

func (f VideoFormat) aspect() float64 {
	if f.PixelAspect <= 0 {
		return 1
	}
	return f.PixelAspect
}

// AbsoluteWidth is the width in square pixels.
func (f VideoFormat) AbsoluteWidth() float64 { return float64(f.Width) * f.aspect() }

// DisplayAspect is the display aspect ratio, or 0 for an empty frame.
func (f VideoFormat) DisplayAspect() float64 {
	if f.Height == 0 {
		return 0
	}
	return f.AbsoluteWidth() / float64(f.Height)
}

// Scaled returns the format resized to w x h while keeping the display aspect
// ratio, compensating through the pixel aspect.
func (f VideoFormat) Scaled(w, h int) VideoFormat {
	out := f
	out.Width, out.Height = w, h
	if dar := f.DisplayAspect(); dar > 0 && w > 0 && h > 0 {
		out.PixelAspect = dar / (float64(w) / float64(h))
	} else {
		out.PixelAspect = 1
	}
	return out
}

// Resized sets the frame size with square pixels.
func (f VideoFormat) Resized(w, h int) VideoFormat {
	out := f
	out.Width, out.Height, out.PixelAspect = w, h, 1
	return out
}

func (f VideoFormat) String() string {
	return fmt.Sprintf("%dx%d@%.3f", f.Width, f.Height, f.FrameRate)
}

// ImageSize is the pixel size of a still image.
type ImageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (s ImageSize) String() string { return fmt.Sprintf("%dx%d", s.Width, s.Height) }

// NTSC returns the 1000/1001 variant of an integer rate, e.g. 29.97 for 30.
func NTSC(hz int) float64 { return float64(hz) * 1000 / 1001 }

type rateBand struct {
	target  float64
	low, up float64
}

// frame rates close enough to a broadcast rate are played at that rate
var rateBands = []rateBand{
	{15, 3, 3},
	{24, 2, 0.6},
	{25, 2, 2.1},
	{30, 3, 4},
	{50, 5, 5},
	{60, 5, 5},
}

// SnapFrameRate maps a source frame rate onto the broadcast rate whose
// tolerance band contains it, falling back to 25. The second value is the
// factor by which the playback duration stretches.
func SnapFrameRate(source float64) (float64, float64) {
	target := 25.0
	for _, b := range rateBands {
		if source > b.target-b.low && source < b.target+b.up {
			target = b.target
			break
		}
	}
	if source <= 0 || math.IsNaN(source) {
		return target, 1
	}
	return target, target / source
}
