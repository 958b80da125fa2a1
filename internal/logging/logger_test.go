package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"notifier/internal/config"
)

func TestNewRequiresOneSink(t *testing.T) {
	if _, _, err := New(config.LogConfig{}, "notifier"); err == nil {
		t.Fatalf("expected error without sinks")
	}
}

func TestNewRejectsUnknownLevelAndFormat(t *testing.T) {
	cases := map[string]config.LogSinkConfig{
		"level":  {Enabled: true, Level: "loud", Format: "line"},
		"format": {Enabled: true, Level: "info", Format: "xml"},
	}
	for name, sink := range cases {
		t.Run(name, func(t *testing.T) {
			if _, _, err := newLogger(config.LogConfig{Console: sink}, "", &bytes.Buffer{}); err == nil {
				t.Fatalf("expected error for %+v", sink)
			}
		})
	}
}

func TestConsoleJSONCarriesServiceAndDropsTime(t *testing.T) {
	var out bytes.Buffer
	logger, closeFn, err := newLogger(config.LogConfig{
		Console: config.LogSinkConfig{Enabled: true, Level: "warning", Format: "json"},
	}, "notifier-a", &out)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closeFn()

	logger.Info("hidden")
	logger.Warn("notification outcome", "status", "failed")

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one record above warn, got %q", out.String())
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record["service"] != "notifier-a" || record["status"] != "failed" {
		t.Fatalf("unexpected record %v", record)
	}
	if _, ok := record[slog.TimeKey]; ok {
		t.Fatalf("console records must not carry time: %v", record)
	}
}

func TestTeeWritesConsoleAndFile(t *testing.T) {
	var out bytes.Buffer
	path := filepath.Join(t.TempDir(), "notifier.log")
	logger, closeFn, err := newLogger(config.LogConfig{
		Console: config.LogSinkConfig{Enabled: true, Level: "info", Format: "line"},
		File:    config.LogSinkConfig{Enabled: true, Level: "debug", Format: "json", Path: path},
	}, "", &out)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	logger.Debug("file only")
	logger.Info("both", "rule_id", "r1")
	closeFn()

	if strings.Contains(out.String(), "file only") || !strings.Contains(out.String(), "both") {
		t.Fatalf("unexpected console output %q", out.String())
	}
	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(body), "file only") || !strings.Contains(string(body), `"rule_id":"r1"`) {
		t.Fatalf("unexpected file output %q", string(body))
	}
}

type failingHandler struct {
	slog.Handler
	calls *int
}

func (h failingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h failingHandler) Handle(context.Context, slog.Record) error {
	*h.calls++
	return errors.New("sink down")
}

func TestTeeKeepsWritingAfterSinkFailure(t *testing.T) {
	var out bytes.Buffer
	calls := 0
	tee := teeHandler{handlers: []slog.Handler{
		failingHandler{calls: &calls},
		slog.NewTextHandler(&out, nil),
	}}

	err := tee.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "delivered", 0))
	if err == nil || !strings.Contains(err.Error(), "sink down") {
		t.Fatalf("expected joined sink error, got %v", err)
	}
	if calls != 1 || !strings.Contains(out.String(), "delivered") {
		t.Fatalf("second sink must still receive the record: calls=%d out=%q", calls, out.String())
	}
}

func TestColorLineWriterHighlightsStatus(t *testing.T) {
	var out bytes.Buffer
	writer := &colorLineWriter{dst: &out}
	line := "level=INFO msg=\"notification outcome\" status=sent attempts=2\n"

	n, err := writer.Write([]byte(line))
	if err != nil || n != len(line) {
		t.Fatalf("write: n=%d err=%v", n, err)
	}
	rendered := out.String()
	if !strings.HasPrefix(rendered, ansiBlue) {
		t.Fatalf("expected info base color, got %q", rendered)
	}
	if !strings.Contains(rendered, ansiGreen+"status=sent"+ansiReset) {
		t.Fatalf("expected green sent status, got %q", rendered)
	}
	if !strings.Contains(rendered, ansiYellow+"2"+ansiReset) {
		t.Fatalf("expected highlighted number, got %q", rendered)
	}
}

func TestColorLineWriterPassesUnknownLines(t *testing.T) {
	var out bytes.Buffer
	writer := &colorLineWriter{dst: &out}
	if _, err := writer.Write([]byte("plain text\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if out.String() != "plain text\n" {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestCollectColorRegionsPrefersStatusOverNumbers(t *testing.T) {
	regions := collectColorRegions(`status=failed "a 1" 7`)
	if len(regions) != 3 {
		t.Fatalf("expected 3 regions, got %+v", regions)
	}
	if regions[0].color != ansiRed || regions[1].color != ansiGreen || regions[2].color != ansiYellow {
		t.Fatalf("unexpected colors %+v", regions)
	}
}
