// Package logging builds the process logger: zap with a console encoder whose
// lines are tinted by event name when writing to a terminal.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sigumaa/apexrank/internal/config"
)

var (
	failedColor  = newColor(color.FgRed)
	skippedColor = newColor(color.FgYellow)
	doneColor    = newColor(color.FgGreen)
	startColor   = newColor(color.FgBlue)
	tickColor    = newColor(color.FgCyan)
	queueColor   = newColor(color.FgMagenta)
)

func newColor(attr color.Attribute) *color.Color {
	c := color.New(attr)
	c.EnableColor()
	return c
}

// New returns a logger writing to dst at cfg.Level.
func New(cfg config.LogConfig, dst io.Writer) (*zap.Logger, error) {
	if dst == nil {
		dst = os.Stdout
	}
	levelName := cfg.Level
	if levelName == "" {
		levelName = "info"
	}
	level, err := zapcore.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encCfg.CallerKey = ""

	enabled := shouldEnableColor(cfg.Color, dst)
	sink := zapcore.AddSync(&colorWriter{dst: dst, enabled: enabled})
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), sink, level)
	return zap.New(core), nil
}

type colorWriter struct {
	dst     io.Writer
	enabled bool
}

func (w *colorWriter) Write(p []byte) (int, error) {
	if !w.enabled {
		return w.dst.Write(p)
	}
	if _, err := io.WriteString(w.dst, colorizeLine(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}

// shouldEnableColor colors only terminals unless forced. Writers without a
// file descriptor are never terminals.
func shouldEnableColor(forced *bool, dst io.Writer) bool {
	if forced != nil {
		return *forced
	}
	if _, disabled := os.LookupEnv("NO_COLOR"); disabled {
		return false
	}
	f, ok := dst.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func colorizeLine(line string) string {
	c := colorForEvent(eventFromLine(line))
	if c == nil {
		return line
	}
	body := strings.TrimSuffix(line, "\n")
	suffix := line[len(body):]
	return c.Sprint(body) + suffix
}

func colorForEvent(event string) *color.Color {
	if event == "" {
		return nil
	}
	switch {
	case strings.Contains(event, "failed") || strings.Contains(event, "error"):
		return failedColor
	case strings.Contains(event, "skipped") || strings.Contains(event, "gone"):
		return skippedColor
	case strings.Contains(event, "dispatch") || strings.Contains(event, "queue"):
		return queueColor
	case strings.Contains(event, "completed") || strings.Contains(event, "posted") || strings.Contains(event, "ready"):
		return doneColor
	case strings.Contains(event, "started"):
		return startColor
	case strings.Contains(event, "tick"):
		return tickColor
	default:
		return nil
	}
}

// eventFromLine extracts the message column of a console-encoded line:
// time, level, message, fields.
func eventFromLine(line string) string {
	parts := strings.SplitN(line, "\t", 4)
	if len(parts) < 3 {
		return ""
	}
	return strings.TrimSpace(parts[2])
}
