package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input    string
		expected Format
		hasError bool
	}{
		{"", FormatAuto, false},
		{"auto", FormatAuto, false},
		{"TEXT", FormatText, false},
		{"json", FormatJSON, false},
		{"xml", FormatAuto, true},
	}

	for _, test := range tests {
		format, err := ParseFormat(test.input)
		if test.hasError != (err != nil) {
			t.Errorf("ParseFormat(%q) error = %v, want error %v", test.input, err, test.hasError)
		}
		if format != test.expected {
			t.Errorf("ParseFormat(%q) = %v, want %v", test.input, format, test.expected)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("expected level info, got %v", cfg.Level)
	}
	if cfg.Format != FormatAuto {
		t.Errorf("expected auto format, got %v", cfg.Format)
	}
	if cfg.Component != "maskcreator" {
		t.Errorf("expected component maskcreator, got %s", cfg.Component)
	}
	if !strings.HasSuffix(cfg.FilePath, filepath.Join("maskcreator", "maskcreator.log")) {
		t.Errorf("unexpected log path %s", cfg.FilePath)
	}
}

func newBufferLogger(buf *bytes.Buffer) *Logger {
	l := Discard()
	l.Logger = slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{ReplaceAttr: summarizePayload}))
	return l
}

func TestLoggerWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferLogger(&buf).WithComponent("segment")
	logger.Info("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry["component"] != "segment" {
		t.Errorf("expected component segment, got %v", entry["component"])
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-1")
	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Errorf("expected req-1, got %q", got)
	}
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
	//nolint:staticcheck
	if got := RequestIDFromContext(nil); got != "" {
		t.Errorf("expected empty for nil context, got %q", got)
	}
}

func TestLoggerWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferLogger(&buf)

	ctx := ContextWithRequestID(context.Background(), "abc")
	logger.WithContext(ctx).Info("scoped")

	if !strings.Contains(buf.String(), `"request_id":"abc"`) {
		t.Errorf("request id missing from %s", buf.String())
	}

	if logger.WithContext(context.Background()) != logger {
		t.Error("expected same logger when context has no request id")
	}
}

func TestNewRequestID(t *testing.T) {
	logger := Discard()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := logger.NewRequestID()
		if seen[id] {
			t.Fatalf("duplicate request id %s", id)
		}
		seen[id] = true
		if !strings.HasPrefix(id, "maskcreator-") {
			t.Errorf("unexpected request id %s", id)
		}
	}
}

func TestSummarizePayload(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferLogger(&buf)
	logger.Info("mask", "png", make([]byte, 2048), "name", "layer")

	out := buf.String()
	if !strings.Contains(out, `"png":"<2048 bytes>"`) {
		t.Errorf("payload not summarized: %s", out)
	}
	if !strings.Contains(out, `"name":"layer"`) {
		t.Errorf("string attribute altered: %s", out)
	}
}

func TestJSONFormat(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Format = FormatJSON
	cfg.Output = "file"
	cfg.FilePath = filepath.Join(dir, "app.log")

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("structured", "count", 3)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(cfg.FilePath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &entry); err != nil {
		t.Fatalf("invalid JSON %q: %v", data, err)
	}
	if entry["msg"] != "structured" {
		t.Errorf("unexpected msg %v", entry["msg"])
	}
	if entry["component"] != "maskcreator" {
		t.Errorf("unexpected component %v", entry["component"])
	}
}

func TestFileRotator(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.FilePath = filepath.Join(dir, "logs", "test.log")

	r, err := NewFileRotator(cfg)
	if err != nil {
		t.Fatalf("NewFileRotator: %v", err)
	}
	defer r.Close()

	if _, err := r.Write([]byte("line one\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	data, err := os.ReadFile(cfg.FilePath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "line one\n" {
		t.Errorf("unexpected content %q", data)
	}
}

func TestFileRotatorRotation(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.FilePath = filepath.Join(dir, "test.log")
	cfg.MaxSize = 1
	cfg.Compress = false

	r, err := NewFileRotator(cfg)
	if err != nil {
		t.Fatalf("NewFileRotator: %v", err)
	}
	defer r.Close()

	chunk := bytes.Repeat([]byte("x"), 600*1024)
	for i := 0; i < 2; i++ {
		if _, err := r.Write(chunk); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	rotated, _ := filepath.Glob(filepath.Join(dir, "test-*.log"))
	if len(rotated) == 0 {
		t.Error("expected a rotated file")
	}

	info, err := os.Stat(cfg.FilePath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != int64(len(chunk)) {
		t.Errorf("expected current file to hold one chunk, got %d bytes", info.Size())
	}
}
