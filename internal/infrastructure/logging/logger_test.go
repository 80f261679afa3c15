package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewLoggerFormats(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		want   string
	}{
		{"json format", FormatJSON, `"msg":"hello"`},
		{"text format", FormatText, `msg=hello`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := New(Config{
				Level:  LevelInfo,
				Format: tt.format,
				Output: &buf,
			})

			logger.Info("hello")

			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("output %q does not contain %q", buf.String(), tt.want)
			}
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{
		Level:  LevelWarn,
		Format: FormatText,
		Output: &buf,
	})

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")

	out := buf.String()
	if strings.Contains(out, "debug message") {
		t.Error("debug message should be filtered at warn level")
	}
	if strings.Contains(out, "info message") {
		t.Error("info message should be filtered at warn level")
	}
	if !strings.Contains(out, "warn message") {
		t.Error("warn message should be logged at warn level")
	}
}

func TestContextEnrichment(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{
		Level:  LevelInfo,
		Format: FormatJSON,
		Output: &buf,
	})

	ctx := WithCollection(context.Background(), "tasks")
	ctx = WithCycleID(ctx, "cycle-42")
	ctx = WithDeviceID(ctx, "device-a")

	logger.InfoContext(ctx, "syncing")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}

	if entry["collection"] != "tasks" {
		t.Errorf("collection = %v, want tasks", entry["collection"])
	}
	if entry["cycle_id"] != "cycle-42" {
		t.Errorf("cycle_id = %v, want cycle-42", entry["cycle_id"])
	}
	if entry["device_id"] != "device-a" {
		t.Errorf("device_id = %v, want device-a", entry["device_id"])
	}
}

func TestWithAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{
		Level:  LevelInfo,
		Format: FormatJSON,
		Output: &buf,
	})

	child := logger.With("component", "queue")
	child.Info("enqueued")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}
	if entry["component"] != "queue" {
		t.Errorf("component = %v, want queue", entry["component"])
	}
}
