package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoggerShapesRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, Options{Service: "agentd", Env: "test", Level: "debug"})
	logger.Debug("hello", MaskField("api_key", "secret"), MaskField("chain", "home"))

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	for key, want := range map[string]string{
		"message":  "hello",
		"severity": "DEBUG",
		"service":  "agentd",
		"env":      "test",
		"api_key":  RedactedValue,
		"chain":    "home",
	} {
		if got := record[key]; got != want {
			t.Fatalf("%s = %v, want %q", key, got, want)
		}
	}
	if _, ok := record["timestamp"]; !ok {
		t.Fatalf("timestamp missing from %v", record)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")
	logger, closer := SetupWithOptions(Options{Service: "agentd", File: path})
	defer slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	logger.Info("to file")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !bytes.Contains(contents, []byte(`"message":"to file"`)) {
		t.Fatalf("log file missing record: %s", contents)
	}
}

func TestMaskFieldKeepsEmptyValues(t *testing.T) {
	if attr := MaskField("webhook_secret", ""); attr.Value.String() != "" {
		t.Fatalf("empty secret rendered as %q", attr.Value.String())
	}
	if IsAllowlisted("api_key") {
		t.Fatalf("api_key must not be allowlisted")
	}
	if !IsAllowlisted(" Chain ") {
		t.Fatalf("chain should be allowlisted regardless of case")
	}
}
