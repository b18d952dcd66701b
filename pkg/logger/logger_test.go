package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesJSONToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.log")

	if err := Init(Config{Level: "debug", OutputPaths: []string{path}}); err != nil {
		t.Fatalf("init logger: %v", err)
	}
	t.Cleanup(func() { _ = Sync() })

	Named("engine").Debug("tick processed", "error", "boom")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := strings.TrimSpace(string(content))
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", line, err)
	}
	if entry["component"] != "engine" {
		t.Fatalf("expected component attribute, got %v", entry["component"])
	}
	if entry["err"] != "boom" {
		t.Fatalf("expected error key to be normalised to err, got %v", entry)
	}
}

func TestAuditRequiresPath(t *testing.T) {
	if err := Init(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatal("expected error when audit path is empty")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{
		"debug":   "DEBUG",
		"WARNING": "WARN",
		"error":   "ERROR",
		"":        "INFO",
	}
	for in, want := range cases {
		if got := parseLevel(in).String(); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestSetReplacesGlobalLoggers(t *testing.T) {
	var base, audit bytes.Buffer
	Set(slog.New(slog.NewTextHandler(&base, nil)), slog.New(slog.NewTextHandler(&audit, nil)))
	t.Cleanup(func() { Set(nil, nil) })

	Named("engine").Info("base line")
	Audit().Info("audit line")
	if !strings.Contains(base.String(), "base line") || strings.Contains(base.String(), "audit line") {
		t.Fatalf("unexpected base output %q", base.String())
	}
	if !strings.Contains(audit.String(), "audit line") {
		t.Fatalf("unexpected audit output %q", audit.String())
	}

	base.Reset()
	Set(slog.New(slog.NewTextHandler(&base, nil)), nil)
	Audit().Info("fallback line")
	if !strings.Contains(base.String(), "fallback line") {
		t.Fatalf("audit should fall back to base, got %q", base.String())
	}
}
