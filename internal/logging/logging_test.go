package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"github.com/sigumaa/apexrank/internal/config"
)

func TestEventFromLine(t *testing.T) {
	t.Parallel()

	line := "2026-03-01T12:00:00.000Z\tWARN\ttask_failed\t{\"component\": \"dispatch\"}\n"
	if got := eventFromLine(line); got != "task_failed" {
		t.Fatalf("eventFromLine() = %q, want task_failed", got)
	}
	if got := eventFromLine("no tabs here"); got != "" {
		t.Fatalf("eventFromLine() = %q, want empty", got)
	}
}

func TestColorForEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		event string
		want  *color.Color
	}{
		{event: "task_failed", want: failedColor},
		{event: "scheduler_entity_gone", want: skippedColor},
		{event: "dispatch_slow_queue", want: queueColor},
		{event: "rank_panel_posted", want: doneColor},
		{event: "bot_started", want: startColor},
		{event: "scheduler_tick", want: tickColor},
		{event: "something_else", want: nil},
		{event: "", want: nil},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.event, func(t *testing.T) {
			t.Parallel()
			if got := colorForEvent(tc.event); got != tc.want {
				t.Fatalf("colorForEvent(%q) returned unexpected color", tc.event)
			}
		})
	}
}

func TestNewWritesPlainLinesWhenColorDisabled(t *testing.T) {
	t.Parallel()

	off := false
	var buf bytes.Buffer
	logger, err := New(config.LogConfig{Level: "info", Color: &off}, &buf)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Debug("hidden_event")
	logger.Info("bot_started", zap.String("guilds", "3"))
	_ = logger.Sync()

	out := buf.String()
	if strings.Contains(out, "hidden_event") {
		t.Fatalf("debug line written at info level: %q", out)
	}
	if !strings.Contains(out, "\tbot_started\t") {
		t.Fatalf("output missing event column: %q", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("output contains ANSI codes: %q", out)
	}
}

func TestNewColorsLinesWhenForced(t *testing.T) {
	t.Parallel()

	on := true
	var buf bytes.Buffer
	logger, err := New(config.LogConfig{Level: "info", Color: &on}, &buf)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Warn("task_failed")
	_ = logger.Sync()

	if !strings.HasPrefix(buf.String(), "\x1b[31m") {
		t.Fatalf("failed event not red: %q", buf.String())
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	if _, err := New(config.LogConfig{Level: "loud"}, &bytes.Buffer{}); err == nil {
		t.Fatal("New() error = nil, want error")
	}
}

func TestShouldEnableColorFollowsDestination(t *testing.T) {
	t.Setenv("NO_COLOR", "")
	os.Unsetenv("NO_COLOR")

	if shouldEnableColor(nil, &bytes.Buffer{}) {
		t.Fatal("buffer destination colored, want plain")
	}

	f, err := os.Create(filepath.Join(t.TempDir(), "log.txt"))
	if err != nil {
		t.Fatalf("create log file: %v", err)
	}
	defer f.Close()
	if shouldEnableColor(nil, f) {
		t.Fatal("regular file destination colored, want plain")
	}

	forced := true
	if !shouldEnableColor(&forced, &bytes.Buffer{}) {
		t.Fatal("forced color ignored")
	}
}
