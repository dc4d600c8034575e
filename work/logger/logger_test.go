package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"Warn":    WARN,
		"error":   ERROR,
		"":        INFO,
		"verbose": INFO,
	}
	for in, want := range cases {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New("warn", &buf)

	l.Debug("{logger_test - TestLevelFiltering} hidden debug")
	l.Info("{logger_test - TestLevelFiltering} hidden info")
	l.Warn("{logger_test - TestLevelFiltering} shown %d", 1)
	l.Error("{logger_test - TestLevelFiltering} shown %d", 2)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("filtered messages were written: %q", out)
	}
	if !strings.Contains(out, "[WARN] {logger_test - TestLevelFiltering} shown 1") {
		t.Fatalf("missing warn line: %q", out)
	}
	if !strings.Contains(out, "[ERROR] {logger_test - TestLevelFiltering} shown 2") {
		t.Fatalf("missing error line: %q", out)
	}

	l.SetLevel("debug")
	if l.GetLevel() != "DEBUG" || !l.IsDebug() {
		t.Fatalf("SetLevel did not take effect, got %s", l.GetLevel())
	}
}

func TestDiscard(t *testing.T) {
	l := Discard()
	if l.IsDebug() {
		t.Fatal("discard logger should not report debug")
	}
	l.Error("nothing %s", "happens")
}
