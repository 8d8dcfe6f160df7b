package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type testStringer string

func (s testStringer) String() string { return string(s) }

func TestInitAndLoggingToFile(t *testing.T) {
	tempDir := t.TempDir()
	logPath := filepath.Join(tempDir, "nested", "toolchat.log")

	if err := Init(logPath, "debug", false); err != nil {
		t.Fatalf("Init error: %v", err)
	}
	t.Cleanup(func() {
		_ = Close()
	})

	LogEvent("hello %s", "world")
	LogRequest("toolchat->mcp", "weather", "", "get_forecast", map[string]any{"lat": 37.7})
	_ = Close()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "hello world") {
		t.Fatalf("expected LogEvent content, got: %s", content)
	}
	if !strings.Contains(content, "direction=TOOLCHAT->MCP") {
		t.Fatalf("expected LogRequest direction, got: %s", content)
	}
	if !strings.Contains(content, "tool=get_forecast") {
		t.Fatalf("expected LogRequest tool, got: %s", content)
	}
}

func TestInitLevelFiltersDebug(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "toolchat.log")
	if err := Init(logPath, "warn", false); err != nil {
		t.Fatalf("Init error: %v", err)
	}
	LogEvent("informational")
	_ = Close()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(data), "informational") {
		t.Fatalf("expected info line to be filtered at warn level, got: %s", data)
	}
}

func TestRequestFieldsDefaults(t *testing.T) {
	fields := requestFields(" in ", " ", "", " tool ")
	if fields["direction"] != "IN" {
		t.Fatalf("expected uppercased direction, got: %v", fields["direction"])
	}
	if fields["provider"] != "unknown" {
		t.Fatalf("expected default provider, got: %v", fields["provider"])
	}
	if fields["model"] != "unknown" {
		t.Fatalf("expected default model, got: %v", fields["model"])
	}
	if fields["tool"] != "tool" {
		t.Fatalf("expected trimmed tool, got: %v", fields["tool"])
	}
	if _, ok := requestFields("in", "p", "m", "")["tool"]; ok {
		t.Fatalf("expected empty tool to be omitted")
	}
}

func TestFormatPayloadVariants(t *testing.T) {
	if got := formatPayload(nil); got != "null" {
		t.Fatalf("nil payload: %s", got)
	}
	if got := formatPayload(" "); got != `""` {
		t.Fatalf("empty string payload: %s", got)
	}
	if got := formatPayload([]byte("hi")); got != "hi" {
		t.Fatalf("byte payload: %s", got)
	}
	if got := formatPayload(testStringer("ok")); got != "ok" {
		t.Fatalf("stringer payload: %s", got)
	}
	if got := formatPayload(map[string]any{"ok": true}); got != `{"ok":true}` {
		t.Fatalf("map payload: %s", got)
	}
}
