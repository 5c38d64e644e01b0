package logx

import (
	"strings"
	"testing"
)

func TestFormatChatLine(t *testing.T) {
	line := []byte(`{"level":"warn","time":"x","message":"snapshot failed","comp":"detector","err":"timeout"}` + "\n")
	got := formatChatLine(line)
	want := "[WARN] snapshot failed\n- comp=detector\n- err=timeout"
	if got != want {
		t.Fatalf("formatChatLine() = %q, want %q", got, want)
	}
}

func TestFormatChatLineNotJSON(t *testing.T) {
	got := formatChatLine([]byte("  plain text \n"))
	if got != "plain text" {
		t.Fatalf("got %q", got)
	}
}

func TestTruncate(t *testing.T) {
	s := strings.Repeat("a", 50)
	if got := truncate(s, 20); len(got) != 20 || !strings.HasSuffix(got, "...") {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("short", 20); got != "short" {
		t.Fatalf("truncate short = %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		" WARN ":  LevelWarn,
		"warning": LevelWarn,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in, LevelInfo); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("dropped", String("k", "v"))
	l.With(Int("n", 1)).Error("dropped")
}
