package catalog

import (
	"cmp"
	"context"
	"errors"
	"path"
	"strings"
	"time"

	"lanmedia/work/profiles"
)

// ErrNotFound is returned for a path the catalog does not hold.
var ErrNotFound = errors.New("catalog entry not found")

// RootPath is the path of the top container.
const RootPath = "/"

const containerType = profiles.ItemContainer

// Entry is one item or container of the media catalog.
type Entry struct {
	Path     string               `json:"path"`
	Parent   string               `json:"parent"`
	Title    string               `json:"title"`
	Type     profiles.ItemType    `json:"type"`
	Duration time.Duration        `json:"duration,omitempty"`
	Audio    profiles.AudioFormat `json:"audio"`
	Video    profiles.VideoFormat `json:"video"`
	Image    profiles.ImageSize   `json:"image"`
	Played   bool                 `json:"played,omitempty"`
	Date     time.Time            `json:"date,omitzero"`
	Artist   string               `json:"artist,omitempty"`
	Album    string               `json:"album,omitempty"`
	Track    int                  `json:"track,omitempty"`
	Size     int64                `json:"size,omitempty"`
}

// IsContainer reports whether the entry holds other entries.
func (e Entry) IsContainer() bool {
	return e.Type == profiles.ItemContainer || e.Type == profiles.ItemPlaylist
}

// Source returns the intrinsic media format of the entry.
func (e Entry) Source() profiles.Source {
	return profiles.Source{Audio: e.Audio, Video: e.Video, Image: e.Image}
}

// Match selects entries in a search.
type Match func(Entry) bool

// Reader is read access to the media catalog. Counts of 0 return every
// remaining entry. The int result is the total number of matches.
type Reader interface {
	ListChildren(ctx context.Context, path string, start, count int) ([]Entry, int, error)
	GetItem(ctx context.Context, path string) (Entry, error)
	Search(ctx context.Context, path string, match Match, start, count int) ([]Entry, int, error)
}

// Versioned is implemented by readers that can report a revision number which
// changes whenever the catalog content changes.
type Versioned interface {
	Revision(ctx context.Context) (int64, error)
}

// Clean normalizes a catalog path; the empty path is the root.
func Clean(p string) string {
	if p == "" {
		return RootPath
	}
	return path.Clean("/" + strings.TrimPrefix(p, "/"))
}

// ParentOf returns the parent path, "" for the root.
func ParentOf(p string) string {
	p = Clean(p)
	if p == RootPath {
		return ""
	}
	return path.Dir(p)
}

// compareEntries orders containers first, then by title and path.
func compareEntries(a, b Entry) int {
	ac, bc := a.IsContainer(), b.IsContainer()
	if ac != bc {
		if ac {
			return -1
		}
		return 1
	}
	return cmp.Or(
		cmp.Compare(strings.ToLower(a.Title), strings.ToLower(b.Title)),
		cmp.Compare(a.Path, b.Path),
	)
}

// page slices a sorted list.
func page(all []Entry, start, count int) []Entry {
	if start < 0 {
		start = 0
	}
	if start >= len(all) {
		return nil
	}
	end := len(all)
	if count > 0 && start+count < end {
		end = start + count
	}
	return all[start:end]
}

func baseName(p string) string {
	if p == RootPath {
		return "Root"
	}
	return path.Base(p)
}

func isBelow(p, dir string) bool {
	if dir == RootPath {
		return p != RootPath
	}
	return strings.HasPrefix(p, dir+"/")
}
