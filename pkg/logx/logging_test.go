package logx

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"DEBUG":   zerolog.DebugLevel,
		" info ":  zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"ERROR":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in, zerolog.InfoLevel); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero value should report IsZero")
	}
	// Must not panic.
	l.Info("ignored", String("k", "v"))
	l.With(Int("n", 1)).Error("also ignored")
}

func TestNopLoggerIsNotZero(t *testing.T) {
	l := Nop()
	if l.IsZero() {
		t.Fatal("Nop logger must be distinguishable from the zero value")
	}
	l.Warn("discarded")
}

func TestFormatAlertJSON(t *testing.T) {
	line := `{"level":"error","time":"2026-01-01T00:00:00Z","message":"dispatch failed","session":"alice","err":"transport down"}`
	got := formatAlertJSON([]byte(line))

	if !strings.HasPrefix(got, "[ERROR] dispatch failed") {
		t.Fatalf("unexpected header: %q", got)
	}
	if !strings.Contains(got, "session=alice") {
		t.Fatalf("missing field: %q", got)
	}
	if strings.Contains(got, "time=") {
		t.Fatalf("time must be stripped: %q", got)
	}
}

func TestFormatAlertJSONNonJSON(t *testing.T) {
	if got := formatAlertJSON([]byte("plain text\n")); got != "plain text" {
		t.Fatalf("got %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdef", 0); got != "abcdef" {
		t.Fatalf("maxN<=0 means unlimited, got %q", got)
	}
	if got := truncate("abcdef", 6); got != "abcdef" {
		t.Fatalf("got %q", got)
	}
	got := truncate(strings.Repeat("x", 100), 20)
	if len(got) != 20 || !strings.HasSuffix(got, "...") {
		t.Fatalf("got %q", got)
	}
}
