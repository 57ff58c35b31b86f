package obslog

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"

	"bytes"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"invalid", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSetupWriter(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   interface{}
	}{
		{"stdout", Config{Output: "stdout"}, os.Stdout},
		{"stderr", Config{Output: "stderr"}, os.Stderr},
		{"default", Config{Output: ""}, os.Stdout},
		{"file without filename", Config{Output: "file"}, os.Stdout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SetupWriter(tt.config); got != tt.want {
				t.Errorf("SetupWriter(%+v) = %v, want %v", tt.config, got, tt.want)
			}
		})
	}
}

func TestNew(t *testing.T) {
	logger := New(Config{Level: "info", Format: "json", Output: "stdout"})
	if logger == nil {
		t.Fatal("New returned nil")
	}
	logger.Info("test message", "key", "value")
}

func TestGenerateOperationID(t *testing.T) {
	id1 := GenerateOperationID()
	id2 := GenerateOperationID()

	if id1 == id2 {
		t.Error("GenerateOperationID should generate unique IDs")
	}
	if !strings.HasPrefix(id1, "op_") {
		t.Errorf("operation id should start with 'op_', got: %s", id1)
	}
}

func TestWithOperationID(t *testing.T) {
	ctx := WithOperationID(context.Background(), "test-op-id")
	if got := OperationID(ctx); got != "test-op-id" {
		t.Errorf("expected test-op-id, got %s", got)
	}
}

func TestOperationIDEmpty(t *testing.T) {
	if got := OperationID(context.Background()); got != "" {
		t.Errorf("expected empty string, got %s", got)
	}
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx := WithOperationID(context.Background(), "op-1")
	FromContext(ctx, base).Info("test message")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log JSON: %v", err)
	}
	if entry["operation_id"] != "op-1" {
		t.Errorf("expected operation_id op-1, got %v", entry["operation_id"])
	}

	buf.Reset()
	FromContext(context.Background(), base).Info("test message")
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log JSON: %v", err)
	}
	if _, exists := entry["operation_id"]; exists {
		t.Error("operation_id should not be present when not in context")
	}
}

func TestRedacted(t *testing.T) {
	secret := Redacted("hunter2")
	if secret.String() != "[redacted]" {
		t.Errorf("expected [redacted], got %s", secret.String())
	}
	if secret.LogValue().String() != "[redacted]" {
		t.Errorf("expected [redacted] log value, got %s", secret.LogValue().String())
	}
}
