package app

import (
	"context"
	"log/slog"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewLoggerAppliesLevel(t *testing.T) {
	// NewLogger sets the slog default, so no t.Parallel.
	log := NewLogger("warn", "json")

	if log.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatalf("info enabled on a warn-level logger")
	}
	if !log.Enabled(context.Background(), slog.LevelWarn) {
		t.Fatalf("warn disabled on a warn-level logger")
	}
}
