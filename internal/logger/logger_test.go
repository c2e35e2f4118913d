package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestSetup_JSONFile(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)
	path := filepath.Join(t.TempDir(), "app.log")

	closer, err := Setup(Config{Level: "warn", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	log.Info().Msg("dropped")
	log.Warn().Str("ticker", "AAPL").Msg("kept")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line above warn level, got %d: %s", len(lines), data)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("expected JSON line: %v", err)
	}
	if entry["ticker"] != "AAPL" || entry["message"] != "kept" || entry["level"] != "warn" {
		t.Errorf("unexpected entry %v", entry)
	}
}

func TestSetup_InvalidLevel(t *testing.T) {
	if _, err := Setup(Config{Level: "loud"}); err == nil {
		t.Error("expected error for unknown level")
	}
}
