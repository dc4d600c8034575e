package profiles

import (
	"errors"
	"slices"
	"strings"
)

var (
	// ErrNoCompatibleFormat is returned when no enabled profile can carry the
	// content for the requesting client.
	ErrNoCompatibleFormat = errors.New("no compatible format")

	// ErrUnknownProfile is returned for a token that names no enabled profile.
	ErrUnknownProfile = errors.New("unknown delivery profile")
)

const (
	// HiddenPriority is the rank at and above which an offer is rejected.
	HiddenPriority = 128

	priorityBoost = 32
	hide          = HiddenPriority * 2
)

// Kind is the media kind a profile delivers.
type Kind int

const (
	KindAudio Kind = iota + 1
	KindVideo
	KindImage
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	case KindImage:
		return "image"
	default:
		return "unknown"
	}
}

type audioRule int

const (
	audioStereo audioRule = iota + 1
	audioSurround51
	audioLPCM
)

type audioSide struct {
	rate int
	rule audioRule
}

type videoRule int

const (
	videoMPEG1 videoRule = iota + 1
	videoPAL
	videoNTSC
	videoSDNA
	videoHDEU
	videoHDNA
	videoSPQVGA
	videoSPVGA
	videoASP
	videoWMV
	videoMatroskaSD
	videoMatroskaHD
)

type imageRule int

const (
	imageThumbnail imageRule = iota + 1
	imageSmall
	imageMedium
	imageLarge
	imagePNGLarge
)

// DeliveryProfile is one concrete output encoding. Profiles are statically
// declared; the zero value is not a valid profile.
type DeliveryProfile struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`

	// AudioCodec is used for mono and stereo output; SurroundCodec, when set,
	// replaces it for multichannel output.
	AudioCodec    string `json:"audioCodec,omitempty"`
	SurroundCodec string `json:"surroundCodec,omitempty"`
	VideoCodec    string `json:"videoCodec,omitempty"`
	ImageCodec    string `json:"imageCodec,omitempty"`

	Container string `json:"container"`
	MimeType  string `json:"mimeType"`
	Suffix    string `json:"suffix"`
	Priority  int    `json:"priority"`

	order int
	audio audioSide
	video videoRule
	image imageRule
}

// AudioCodecFor returns the audio codec used for the given output layout.
func (p DeliveryProfile) AudioCodecFor(c ChannelSetup) string {
	if p.SurroundCodec != "" && c != ChannelsMono && c != ChannelsStereo {
		return p.SurroundCodec
	}
	return p.AudioCodec
}

// Valid reports whether p is a declared profile.
func (p DeliveryProfile) Valid() bool { return p.Name != "" }

var (
	stereo44   = audioSide{44100, audioStereo}
	stereo48   = audioSide{48000, audioStereo}
	surround44 = audioSide{44100, audioSurround51}
	surround48 = audioSide{48000, audioSurround51}
)

type containerInfo struct {
	mime, suffix string
}

var videoContainers = map[string]containerInfo{
	"mpeg":     {"video/mpeg", ".mpeg"},
	"vob":      {"video/mpeg", ".mpeg"},
	"m2ts":     {"video/vnd.dlna.mpeg-tts", ".m2ts"},
	"mpegts":   {"video/x-mpegts", ".ts"},
	"asf":      {"video/x-ms-wmv", ".wmv"},
	"matroska": {"video/x-matroska", ".mkv"},
}

func audio(name, codec, container, mime, suffix string, priority int, side audioSide) DeliveryProfile {
	return DeliveryProfile{
		Name: name, Kind: KindAudio,
		AudioCodec: codec, Container: container, MimeType: mime, Suffix: suffix,
		Priority: priority, audio: side,
	}
}

func video(name, videoCodec, audioCodec, container string, priority int, side audioSide, rule videoRule) DeliveryProfile {
	info := videoContainers[container]
	return DeliveryProfile{
		Name: name, Kind: KindVideo,
		AudioCodec: audioCodec, VideoCodec: videoCodec,
		Container: container, MimeType: info.mime, Suffix: info.suffix,
		Priority: priority, audio: side, video: rule,
	}
}

// europe carries MP2 for mono and stereo and AC3 otherwise.
func europe(p DeliveryProfile) DeliveryProfile {
	p.AudioCodec, p.SurroundCodec = "MP2", "AC3"
	return p
}

func image(name, codec string, priority int, rule imageRule) DeliveryProfile {
	p := DeliveryProfile{Name: name, Kind: KindImage, ImageCodec: codec, Priority: priority, image: rule}
	switch codec {
	case "JPEG":
		p.Container, p.MimeType, p.Suffix = "jpeg", "image/jpeg", ".jpeg"
	case "PNG":
		p.Container, p.MimeType, p.Suffix = "png", "image/png", ".png"
	}
	return p
}

// declared lists every profile in declaration order.
func declared() []DeliveryProfile {
	all := []DeliveryProfile{
		audio("LPCM", "PCM/S16BE", "s16be", "audio/L16;rate=48000;channels=2", ".lpcm", -2, audioSide{48000, audioLPCM}),
		audio("MP2", "MP2", "mp2", "audio/mpeg", ".mp2", 0, stereo44),
		audio("MP3", "MP3", "mp3", "audio/mpeg", ".mp3", -1, stereo44),
		audio("AAC_ADTS", "AAC", "adts", "audio/aac", ".aac", 0, stereo44),
		audio("AC3", "AC3", "ac3", "audio/x-ac3", ".ac3", -2, audioSide{48000, audioSurround51}),
		audio("WMABASE", "WMAV2", "asf", "audio/x-ms-wma", ".wma", 1, stereo44),
		audio("VORBIS", "VORBIS", "ogg", "audio/ogg", ".oga", 0, stereo48),

		video("MPEG1", "MPEG1", "MP2", "mpeg", 18, stereo44, videoMPEG1),
		video("MPEG_PS_PAL", "MPEG2", "MP2", "vob", 0, stereo44, videoPAL),
		video("MPEG_PS_PAL_XAC3", "MPEG2", "AC3", "vob", -1, surround44, videoPAL),
		video("MPEG_PS_NTSC", "MPEG2", "MP2", "vob", 0, stereo44, videoNTSC),
		video("MPEG_PS_NTSC_XAC3", "MPEG2", "AC3", "vob", -1, surround44, videoNTSC),
		europe(video("MPEG_TS_SD_EU", "MPEG2", "", "m2ts", 3, surround44, videoPAL)),
		europe(video("MPEG_TS_SD_EU_ISO", "MPEG2", "", "mpegts", 3, surround44, videoPAL)),
		europe(video("MPEG_TS_HD_EU", "MPEG2", "", "m2ts", -9, surround48, videoHDEU)),
		europe(video("MPEG_TS_HD_EU_ISO", "MPEG2", "", "mpegts", -9, surround48, videoHDEU)),
		video("MPEG_TS_SD_NA", "MPEG2", "AC3", "m2ts", 6, surround44, videoSDNA),
		video("MPEG_TS_SD_NA_ISO", "MPEG2", "AC3", "mpegts", 6, surround44, videoSDNA),
		video("MPEG_TS_HD_NA", "MPEG2", "AC3", "m2ts", -6, surround48, videoHDNA),
		video("MPEG_TS_HD_NA_ISO", "MPEG2", "AC3", "mpegts", -6, surround48, videoHDNA),
		video("MPEG4_P2_TS_SP_AAC", "MPEG4", "AAC", "m2ts", 12, stereo44, videoSPQVGA),
		video("MPEG4_P2_TS_SP_AAC_ISO", "MPEG4", "AAC", "mpegts", 12, stereo44, videoSPQVGA),
		video("MPEG4_P2_TS_SP_MPEG1_L3", "MPEG4", "MP3", "m2ts", 12, stereo44, videoSPVGA),
		video("MPEG4_P2_TS_SP_MPEG1_L3_ISO", "MPEG4", "MP3", "mpegts", 12, stereo44, videoSPVGA),
		video("MPEG4_P2_TS_SP_MPEG2_L2", "MPEG4", "MP2", "m2ts", 12, stereo44, videoSPQVGA),
		video("MPEG4_P2_TS_SP_MPEG2_L2_ISO", "MPEG4", "MP2", "mpegts", 12, stereo44, videoSPQVGA),
		video("MPEG4_P2_TS_SP_AC3_L3", "MPEG4", "AC3", "m2ts", 12, surround44, videoSPVGA),
		video("MPEG4_P2_TS_SP_AC3_ISO", "MPEG4", "AC3", "mpegts", 12, surround44, videoSPQVGA),
		video("MPEG4_P2_TS_ASP_AAC", "MPEG4", "AAC", "m2ts", 15, stereo44, videoASP),
		video("MPEG4_P2_TS_ASP_AAC_ISO", "MPEG4", "AAC", "mpegts", 15, stereo44, videoASP),
		video("MPEG4_P2_TS_ASP_MPEG1_L3", "MPEG4", "MP3", "m2ts", 15, stereo44, videoASP),
		video("MPEG4_P2_TS_ASP_MPEG1_L3_ISO", "MPEG4", "MP3", "mpegts", 15, stereo44, videoASP),
		video("MPEG4_P2_TS_ASP_AC3_L3", "MPEG4", "AC3", "m2ts", 15, surround44, videoASP),
		video("MPEG4_P2_TS_ASP_AC3_ISO", "MPEG4", "AC3", "mpegts", 15, surround44, videoASP),
		video("WMVMED_BASE", "WMV3", "WMAV2", "asf", 9, stereo44, videoWMV),
		europe(video("MPEG_PS_SD_EU_NONSTD", "MPEG2", "", "vob", 4, surround44, videoPAL)),
		europe(video("MPEG_PS_HD_EU_NONSTD", "MPEG2", "", "vob", -8, surround48, videoHDEU)),
		video("MPEG_PS_SD_NA_NONSTD", "MPEG2", "AC3", "vob", 7, surround44, videoSDNA),
		video("MPEG_PS_HD_NA_NONSTD", "MPEG2", "AC3", "vob", -5, surround48, videoHDNA),
		video("MPEG4_P2_MATROSKA_MP3_SD_NONSTD", "MPEG4", "MP3", "matroska", 8, stereo44, videoMatroskaSD),
		video("MPEG4_P2_MATROSKA_MP3_HD_NONSTD", "MPEG4", "MP3", "matroska", -4, stereo48, videoMatroskaHD),
		video("MPEG4_P2_MATROSKA_AAC_SD_NONSTD", "MPEG4", "AAC", "matroska", 8, stereo44, videoMatroskaSD),
		video("MPEG4_P2_MATROSKA_AAC_HD_NONSTD", "MPEG4", "AAC", "matroska", -4, stereo48, videoMatroskaHD),
		video("MPEG4_P2_MATROSKA_AC3_SD_NONSTD", "MPEG4", "AC3", "matroska", 8, surround44, videoMatroskaSD),
		video("MPEG4_P2_MATROSKA_AC3_HD_NONSTD", "MPEG4", "AC3", "matroska", -4, surround48, videoMatroskaHD),

		image("JPEG_TN", "JPEG", 0, imageThumbnail),
		image("JPEG_SM", "JPEG", -1, imageSmall),
		image("JPEG_MED", "JPEG", -2, imageMedium),
		image("JPEG_LRG", "JPEG", -3, imageLarge),
		image("PNG_TN", "PNG", 0, imageThumbnail),
		image("PNG_LRG", "PNG", -2, imagePNGLarge),
	}
	for i := range all {
		all[i].order = i
	}
	return all
}

// Capabilities are the codec and container names the transcode pipeline can
// produce. An empty set places no restriction.
type Capabilities struct {
	AudioCodecs []string
	VideoCodecs []string
	ImageCodecs []string
	Formats     []string
}

func allows(set []string, name string) bool {
	return len(set) == 0 || slices.ContainsFunc(set, func(s string) bool { return strings.EqualFold(s, name) })
}

func (c Capabilities) enables(p DeliveryProfile) bool {
	switch p.Kind {
	case KindAudio, KindVideo:
		if !allows(c.AudioCodecs, p.AudioCodecFor(ChannelsStereo)) ||
			!allows(c.AudioCodecs, p.AudioCodecFor(ChannelsSurround51)) ||
			!allows(c.Formats, p.Container) {
			return false
		}
		return p.Kind == KindAudio || allows(c.VideoCodecs, p.VideoCodec)
	case KindImage:
		return allows(c.ImageCodecs, p.ImageCodec)
	}
	return false
}

// ClientProfiles restricts offers to what a client device accepts. An empty
// result allows every profile.
type ClientProfiles interface {
	Supported(clientID string, kind Kind) []string
}

// Catalog is the immutable set of enabled profiles. All methods are safe for
// concurrent use.
type Catalog struct {
	enabled   map[Kind][]DeliveryProfile
	byName    map[string]DeliveryProfile
	enabledBy map[string]DeliveryProfile
	clients   ClientProfiles
}

// NewCatalog enables every declared profile the capabilities can produce.
// clients may be nil.
func NewCatalog(caps Capabilities, clients ClientProfiles) *Catalog {
	c := &Catalog{
		enabled:   make(map[Kind][]DeliveryProfile),
		byName:    make(map[string]DeliveryProfile),
		enabledBy: make(map[string]DeliveryProfile),
		clients:   clients,
	}
	for _, p := range declared() {
		c.byName[p.Name] = p
		if caps.enables(p) {
			c.enabled[p.Kind] = append(c.enabled[p.Kind], p)
			c.enabledBy[p.Name] = p
		}
	}
	return c
}

// Enabled returns the enabled profiles of a kind in declaration order.
func (c *Catalog) Enabled(kind Kind) []DeliveryProfile {
	return slices.Clone(c.enabled[kind])
}

// EnabledNames returns the names of the enabled profiles of a kind.
func (c *Catalog) EnabledNames(kind Kind) []string {
	names := make([]string, 0, len(c.enabled[kind]))
	for _, p := range c.enabled[kind] {
		names = append(names, p.Name)
	}
	return names
}

// Lookup returns a declared profile by name, enabled or not.
func (c *Catalog) Lookup(name string) (DeliveryProfile, bool) {
	p, ok := c.byName[name]
	return p, ok
}

func (c *Catalog) allowed(clientID string, kind Kind) func(DeliveryProfile) bool {
	if c.clients == nil {
		return func(DeliveryProfile) bool { return true }
	}
	supported := c.clients.Supported(clientID, kind)
	if len(supported) == 0 {
		return func(DeliveryProfile) bool { return true }
	}
	return func(p DeliveryProfile) bool { return slices.Contains(supported, p.Name) }
}
