package profiles

// ItemType is the catalog classification of an item.
type ItemType int

const (
	ItemUnknown ItemType = iota
	ItemContainer
	ItemPlaylist
	ItemAudio
	ItemMusic
	ItemAudioBroadcast
	ItemAudioBook
	ItemVideo
	ItemMovie
	ItemVideoBroadcast
	ItemMusicVideo
	ItemImage
	ItemPhoto
)

// IsAudio reports whether the type carries audio only.
func (t ItemType) IsAudio() bool { return t >= ItemAudio && t <= ItemAudioBook }

// IsVideo reports whether the type carries video.
func (t ItemType) IsVideo() bool { return t >= ItemVideo && t <= ItemMusicVideo }

// IsImage reports whether the type is a still image.
func (t ItemType) IsImage() bool { return t == ItemImage || t == ItemPhoto }

// MusicMode changes how audio and video items are delivered.
type MusicMode string

const (
	MusicModeNone        MusicMode = ""
	MusicModeAddVideo    MusicMode = "addvideo"
	MusicModeRemoveVideo MusicMode = "removevideo"
)

// ResolvedKind is the delivery classification of an item for one client.
// Kind selects the profile family; Type is the class reported to the client;
// the flags record which transformation produced it.
type ResolvedKind struct {
	Kind        Kind
	Type        ItemType
	AddVideo    bool
	RemoveVideo bool
}

// ResolveKind classifies an item for delivery. Adding video turns audio into
// a music video; removing video turns video into music. Other combinations
// keep the item's own type.
func ResolveKind(t ItemType, mode MusicMode) ResolvedKind {
	switch {
	case mode == MusicModeAddVideo && t.IsAudio():
		return ResolvedKind{Kind: KindVideo, Type: ItemMusicVideo, AddVideo: true}
	case mode == MusicModeRemoveVideo && t.IsVideo():
		return ResolvedKind{Kind: KindAudio, Type: ItemMusic, RemoveVideo: true}
	case t.IsAudio():
		return ResolvedKind{Kind: KindAudio, Type: t}
	case t.IsVideo():
		return ResolvedKind{Kind: KindVideo, Type: t}
	case t.IsImage():
		return ResolvedKind{Kind: KindImage, Type: t}
	}
	return ResolvedKind{Type: t}
}
