package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"info", slog.LevelInfo},
		{"DEBUG", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"Error", slog.LevelError},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseLevel(tc.in)
			if err != nil {
				t.Fatalf("ParseLevel(%q) error: %v", tc.in, err)
			}

			if got != tc.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}

	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("want error for unknown log level")
	}
}

func TestNewWritesJSONToStderrAndFile(t *testing.T) {
	dir := t.TempDir()
	var stderr bytes.Buffer

	l := New(Options{Level: "debug", Dir: dir, Stderr: &stderr})
	l.Debug("step", "global_step", 7)
	l.Banner()

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	first, _, _ := strings.Cut(stderr.String(), "\n")
	var rec map[string]any
	if err := json.Unmarshal([]byte(first), &rec); err != nil {
		t.Fatalf("stderr line is not JSON: %v (%q)", err, first)
	}

	if rec["msg"] != "step" || rec["global_step"] != float64(7) {
		t.Errorf("record = %v", rec)
	}

	if l.LogFile != filepath.Join(dir, FileName) {
		t.Errorf("LogFile = %q", l.LogFile)
	}

	data, err := os.ReadFile(l.LogFile)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}

	if !bytes.Contains(data, []byte(`"msg":"system information"`)) {
		t.Errorf("log file missing banner: %s", data)
	}
}

func TestNewUnknownLevelFallsBackToInfo(t *testing.T) {
	var stderr bytes.Buffer

	l := New(Options{Level: "loud", Stderr: &stderr})
	if !strings.Contains(stderr.String(), "unknown log level") {
		t.Errorf("stderr = %q, want level warning", stderr.String())
	}

	stderr.Reset()
	l.Debug("hidden")
	l.Info("shown")

	if strings.Contains(stderr.String(), "hidden") || !strings.Contains(stderr.String(), "shown") {
		t.Errorf("stderr = %q", stderr.String())
	}

	if err := l.Close(); err != nil {
		t.Errorf("Close without file: %v", err)
	}
}
