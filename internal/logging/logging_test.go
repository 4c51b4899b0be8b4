package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWithSession(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	base := slog.New(handler)

	logger := WithSession(base, "harbor-town")
	logger.Info("test message")

	output := buf.String()
	if !strings.Contains(output, "session_id=harbor-town") {
		t.Errorf("Expected session_id in output, got: %s", output)
	}
	if !strings.Contains(output, "test message") {
		t.Errorf("Expected message in output, got: %s", output)
	}
}

func TestWithSession_NilLogger(t *testing.T) {
	if logger := WithSession(nil, "s"); logger != nil {
		t.Error("WithSession(nil, ...) should return nil")
	}
}

func TestWithConnection(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger := WithConnection(base, "harbor-town", "conn-7")
	logger.Info("connection test", "extra_key", "extra_value")

	output := buf.String()
	for _, want := range []string{"session_id=harbor-town", "connection_id=conn-7", "extra_key=extra_value"} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected %q in output, got: %s", want, output)
		}
	}
}

func TestWithConnection_NilLogger(t *testing.T) {
	if logger := WithConnection(nil, "s", "c"); logger != nil {
		t.Error("WithConnection(nil, ...) should return nil")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestInitialize_ComponentFilter(t *testing.T) {
	var buf bytes.Buffer
	if err := Initialize(Config{Level: "debug", Components: []string{ComponentConn}, Console: &buf}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() {
		_ = Initialize(Config{Level: "info"})
	})

	Conn().Info("conn message")
	Stream().Info("stream message")

	output := buf.String()
	if !strings.Contains(output, "conn message") {
		t.Errorf("Expected conn component to be logged, got: %s", output)
	}
	if !strings.Contains(output, "component=conn") {
		t.Errorf("Expected component attribute, got: %s", output)
	}
	if strings.Contains(output, "stream message") {
		t.Errorf("Stream component should be filtered out, got: %s", output)
	}
}

func TestInitialize_FileWithSeparateLevel(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "storyplay.log")

	err := Initialize(Config{
		Level:     "warn",
		FileLevel: "debug",
		File:      &FileConfig{Path: path},
		Console:   &console,
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() {
		_ = Initialize(Config{Level: "info"})
	})

	Get().Debug("only in file")
	Get().Warn("everywhere")

	if err := Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "only in file") || !strings.Contains(string(data), "everywhere") {
		t.Errorf("File log missing records: %s", data)
	}
	if strings.Contains(console.String(), "only in file") {
		t.Errorf("Console should not contain debug records: %s", console.String())
	}
	if !strings.Contains(console.String(), "everywhere") {
		t.Errorf("Console should contain warn records: %s", console.String())
	}
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	logger.Error("dropped")
	if logger.Enabled(context.Background(), slog.LevelError) {
		t.Error("Discard logger should not be enabled for any level")
	}
}
