package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestRotatingDefaultsApplied(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manager.log")
	var o *lj.Logger = Config{File: FileConfig{Path: path}}.rotating(path)
	if o.Filename != path {
		t.Fatalf("filename: %s", o.Filename)
	}
	if o.MaxSize != DefaultMaxSizeMB || o.MaxBackups != DefaultMaxBackups || o.MaxAge != DefaultMaxAgeDays {
		t.Fatalf("defaults not applied: %+v", o)
	}

	o = Config{File: FileConfig{MaxSizeMB: 50, MaxBackups: 9, MaxAgeDays: 30, Compress: true}}.rotating(path)
	if o.MaxSize != 50 || o.MaxBackups != 9 || o.MaxAge != 30 || !o.Compress {
		t.Fatalf("explicit rotation ignored: %+v", o)
	}
}

func TestNewSloggerToJSON(t *testing.T) {
	var buf bytes.Buffer
	l := Config{Slog: SlogConfig{Level: LevelDebug, Format: FormatJSON}}.NewSloggerTo(&buf)
	Component(l, "service").Debug("polled", "state", "RUNNING")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("not json: %v: %s", err, buf.String())
	}
	if rec["component"] != "service" || rec["state"] != "RUNNING" || rec["msg"] != "polled" {
		t.Fatalf("unexpected record: %v", rec)
	}
	if _, ok := rec["time"]; ok {
		t.Fatalf("time should be dropped when TimeStamps is false")
	}
}

func TestNewSloggerToLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := Config{Slog: SlogConfig{Level: LevelWarn, Format: FormatText, TimeStamps: true}}.NewSloggerTo(&buf)
	l.Info("hidden")
	l.Warn("shown")
	s := buf.String()
	if strings.Contains(s, "hidden") || !strings.Contains(s, "shown") {
		t.Fatalf("level filter broken: %q", s)
	}
	if !strings.Contains(s, "time=") {
		t.Fatalf("expected timestamp: %q", s)
	}
}

func TestColorTextHandlerKeepsColorThroughWith(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewColorTextHandler(&buf, nil)).With("k", "v")
	l.Error("boom")
	s := buf.String()
	if !strings.Contains(s, "\033[31mERROR"+colorReset) {
		t.Fatalf("missing colour prefix: %q", s)
	}
	if !strings.Contains(s, "k=v") {
		t.Fatalf("missing attrs: %q", s)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"DEBUG":   LevelDebug,
		"warning": LevelWarn,
		" error ": LevelError,
		"":        LevelInfo,
		"verbose": LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDiscardAndNilComponent(t *testing.T) {
	l := Discard()
	l.Error("nothing happens")
	if l.Enabled(t.Context(), slog.LevelError) {
		t.Fatalf("discard logger should not be enabled")
	}

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)
	Component(nil, "cron").Info("tick")
	if !strings.Contains(buf.String(), "component=cron") {
		t.Fatalf("nil logger should fall back to the default: %q", buf.String())
	}
}

func TestNewSloggerFileOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "manager.log")
	cfg := Config{
		Slog: SlogConfig{Level: LevelInfo, Format: FormatText, NoStderr: true},
		File: FileConfig{Path: path},
	}
	cfg.NewSlogger().Info("hidden run", "pid", 7)
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read manager log: %v", err)
	}
	if !strings.Contains(string(b), "hidden run") || !strings.Contains(string(b), "pid=7") {
		t.Fatalf("unexpected log content: %q", b)
	}
}
