package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewLoggerJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(NewLoggerTo(&buf, Config{Level: "debug", Format: "json"}), "scheduler")
	logger.Debug().Str("ticker", "QQQ").Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if entry["component"] != "scheduler" {
		t.Fatalf("component field missing: %#v", entry)
	}
	if entry["level"] != "debug" {
		t.Fatalf("unexpected level: %#v", entry)
	}
}

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, Config{Level: "verbose"})
	logger.Debug().Msg("dropped")
	if buf.Len() != 0 {
		t.Fatalf("debug should be filtered at info level, got %q", buf.String())
	}
	logger.Info().Msg("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("info line missing: %q", buf.String())
	}
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, Config{Format: "console"})
	logger.Info().Msg("pretty")
	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Fatalf("console format should not emit JSON: %q", buf.String())
	}
}

func TestWithServiceFields(t *testing.T) {
	var buf bytes.Buffer
	logger := WithService(NewLoggerTo(&buf, Config{}), "exitwatch", "prod")
	logger.Info().Msg("tagged")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["service"] != "exitwatch" || entry["env"] != "prod" {
		t.Fatalf("service fields missing: %#v", entry)
	}
}
