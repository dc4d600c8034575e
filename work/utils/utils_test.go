package utils

import (
	"testing"
	"time"
)

func TestObfuscatePath(t *testing.T) {
	cases := map[string]string{
		"":                        "",
		"/":                       "/",
		"/Movies":                 "/Movies",
		"/Movies/Holiday/day.mkv": "/Movies/***.mkv",
		"/Music/band/album":       "/Music/***",
	}
	for in, want := range cases {
		if got := ObfuscatePath(in); got != want {
			t.Errorf("ObfuscatePath(%q) = %q, want %q", in, got, want)
		}
	}
	if LogPath(false, "/a/b.mp3") != "/a/b.mp3" {
		t.Error("LogPath without obfuscation changed the path")
	}
}

func TestFormatBytes(t *testing.T) {
	cases := map[int64]string{
		512:             "512 B",
		1536:            "1.5 KiB",
		5 * 1024 * 1024: "5.0 MiB",
	}
	for in, want := range cases {
		if got := FormatBytes(in); got != want {
			t.Errorf("FormatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatUptime(t *testing.T) {
	cases := map[time.Duration]string{
		42 * time.Second:                   "42s",
		3*time.Minute + 5*time.Second:      "3m 5s",
		26*time.Hour + 61*time.Second:      "1d 2h 1m 1s",
		2*time.Hour + 500*time.Millisecond: "2h 0m 1s",
	}
	for in, want := range cases {
		if got := FormatUptime(in); got != want {
			t.Errorf("FormatUptime(%v) = %q, want %q", in, got, want)
		}
	}
}
