package content

import (
	"context"
	"fmt"
	"io"

	"github.com/grafov/m3u8"

	"lanmedia/work/catalog"
)

// WritePlaylist writes the playable children of a container as an M3U8
// playlist. Each entry points at the best offer for the client; entries
// without any offer are left out.
func (s *Service) WritePlaylist(ctx context.Context, w io.Writer, client Client, path string) error {
	parent, err := s.catalog.GetItem(ctx, path)
	if err != nil {
		return err
	}
	if !parent.IsContainer() {
		return fmt.Errorf("%s is not a container: %w", path, catalog.ErrNotFound)
	}

	page, err := s.ListChildren(ctx, client, parent.Path, 0, s.opts.DefaultPageSize)
	if err != nil {
		return err
	}

	playlist, err := m3u8.NewMediaPlaylist(0, uint(max(len(page.Items), 1)))
	if err != nil {
		return err
	}
	playlist.MediaType = m3u8.VOD

	for _, it := range page.Items {
		if it.Container || len(it.Resources) == 0 {
			continue
		}
		best := it.Resources[0]
		if err := playlist.Append(best.URL, best.Duration.Seconds(), it.Title); err != nil {
			return err
		}
	}
	playlist.Close()

	_, err = playlist.Encode().WriteTo(w)
	return err
}
