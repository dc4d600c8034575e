package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"lanmedia/work/logger"
	"lanmedia/work/profiles"
)

func sampleEntries() []Entry {
	return []Entry{
		{
			Path: "/Music/Band/b-side.mp3", Title: "b-side", Type: profiles.ItemMusic,
			Duration: 3 * time.Minute,
			Audio:    profiles.AudioFormat{SampleRate: 44100, Channels: profiles.ChannelsStereo},
			Artist:   "Band", Track: 2,
		},
		{
			Path: "/Music/Band/A-side.mp3", Title: "A-side", Type: profiles.ItemMusic,
			Audio: profiles.AudioFormat{SampleRate: 44100, Channels: profiles.ChannelsStereo},
		},
		{
			Path: "/Movies/film.mkv", Title: "Film", Type: profiles.ItemMovie,
			Duration: 2 * time.Hour,
			Audio:    profiles.AudioFormat{SampleRate: 48000, Channels: profiles.ChannelsSurround51},
			Video:    profiles.VideoFormat{Width: 1920, Height: 1080, PixelAspect: 1, FrameRate: 25},
			Date:     time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			Path: "/Photos/cat.jpg", Title: "cat", Type: profiles.ItemPhoto,
			Image: profiles.ImageSize{Width: 4000, Height: 3000},
		},
	}
}

type store interface {
	Reader
	Versioned
}

func testStores(t *testing.T) map[string]store {
	t.Helper()

	mem := NewMemory()
	mem.Add(sampleEntries()...)

	db, err := OpenSQLite(filepath.Join(t.TempDir(), "catalog.db"), logger.Discard())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Put(context.Background(), sampleEntries()...); err != nil {
		t.Fatal(err)
	}

	return map[string]store{"memory": mem, "sqlite": db}
}

func TestListChildren(t *testing.T) {
	ctx := context.Background()
	for name, s := range testStores(t) {
		root, total, err := s.ListChildren(ctx, "", 0, 0)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if total != 3 || len(root) != 3 || root[0].Title != "Movies" || !root[0].IsContainer() {
			t.Errorf("%s: root = %+v (%d)", name, root, total)
		}

		band, total, err := s.ListChildren(ctx, "/Music/Band", 0, 1)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if total != 2 || len(band) != 1 || band[0].Title != "A-side" {
			t.Errorf("%s: band page = %+v (%d)", name, band, total)
		}
		rest, _, _ := s.ListChildren(ctx, "/Music/Band", 1, 5)
		if len(rest) != 1 || rest[0].Title != "b-side" {
			t.Errorf("%s: second page = %+v", name, rest)
		}
		if past, _, _ := s.ListChildren(ctx, "/Music/Band", 9, 5); len(past) != 0 {
			t.Errorf("%s: page past the end = %+v", name, past)
		}

		if items, total, err := s.ListChildren(ctx, "/Photos/cat.jpg", 0, 0); err != nil || total != 0 || items != nil {
			t.Errorf("%s: item children = %v %d %v", name, items, total, err)
		}
		if _, _, err := s.ListChildren(ctx, "/nope", 0, 0); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: missing container err = %v", name, err)
		}
	}
}

func TestGetItemKeepsFormats(t *testing.T) {
	ctx := context.Background()
	for name, s := range testStores(t) {
		film, err := s.GetItem(ctx, "Movies/film.mkv")
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if film.Parent != "/Movies" || film.Duration != 2*time.Hour || film.Audio.Channels != profiles.ChannelsSurround51 {
			t.Errorf("%s: film = %+v", name, film)
		}
		if film.Video.FrameRate != 25 || film.Video.Width != 1920 || !film.Date.Equal(time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC)) {
			t.Errorf("%s: film video = %+v date %v", name, film.Video, film.Date)
		}

		cat, err := s.GetItem(ctx, "/Photos/cat.jpg")
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if cat.Image.Width != 4000 || cat.Video.Width != 0 {
			t.Errorf("%s: image = %+v video = %+v", name, cat.Image, cat.Video)
		}

		if _, err := s.GetItem(ctx, "/Movies/other.mkv"); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: err = %v", name, err)
		}
	}
}

func TestSearchBelowPath(t *testing.T) {
	ctx := context.Background()
	music := func(e Entry) bool { return e.Type.IsAudio() }
	for name, s := range testStores(t) {
		found, total, err := s.Search(ctx, "/", music, 0, 0)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if total != 2 || found[0].Title != "A-side" {
			t.Errorf("%s: search = %+v", name, found)
		}

		all, total, _ := s.Search(ctx, "/Music", nil, 0, 0)
		if total != 3 {
			t.Errorf("%s: everything below /Music = %+v", name, all)
		}
		for _, e := range all {
			if !strings.HasPrefix(e.Path, "/Music/") {
				t.Errorf("%s: %s outside search root", name, e.Path)
			}
		}

		if _, _, err := s.Search(ctx, "/gone", nil, 0, 0); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: err = %v", name, err)
		}
	}
}

func TestRevisionChangesOnWrite(t *testing.T) {
	ctx := context.Background()
	stores := testStores(t)

	mem := stores["memory"].(*Memory)
	before, _ := mem.Revision(ctx)
	mem.Remove("/Music")
	after, _ := mem.Revision(ctx)
	if after == before {
		t.Error("memory revision unchanged after remove")
	}
	if _, err := mem.GetItem(ctx, "/Music/Band/A-side.mp3"); !errors.Is(err, ErrNotFound) {
		t.Errorf("remove left children behind: %v", err)
	}

	db := stores["sqlite"].(*SQLite)
	before, err := db.Revision(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Delete(ctx, "/Music"); err != nil {
		t.Fatal(err)
	}
	after, _ = db.Revision(ctx)
	if after == before {
		t.Error("sqlite revision unchanged after delete")
	}
	if _, err := db.GetItem(ctx, "/Music/Band"); !errors.Is(err, ErrNotFound) {
		t.Errorf("delete left children behind: %v", err)
	}
	if err := db.Delete(ctx, "/"); err == nil {
		t.Error("root deleted")
	}
}

func TestSQLiteReopenKeepsMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	db, err := OpenSQLite(path, logger.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Put(context.Background(), Entry{Path: "/a.mp3", Title: "a", Type: profiles.ItemAudio}); err != nil {
		t.Fatal(err)
	}
	db.Close()

	db, err = OpenSQLite(path, logger.Discard())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	if _, err := db.GetItem(context.Background(), "/a.mp3"); err != nil {
		t.Errorf("entry lost after reopen: %v", err)
	}
}

func TestPathHelpers(t *testing.T) {
	if Clean("") != "/" || Clean("a/b/") != "/a/b" || Clean("/a/../b") != "/b" {
		t.Error("Clean")
	}
	if ParentOf("/") != "" || ParentOf("/a") != "/" || ParentOf("/a/b") != "/a" {
		t.Error("ParentOf")
	}
	if !isBelow("/a/b", "/a") || isBelow("/ab", "/a") || isBelow("/", "/") {
		t.Error("isBelow")
	}
}
