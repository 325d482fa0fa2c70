package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := DefaultConfig()
	if cfg.DefaultAgent != want.DefaultAgent || cfg.StreamBufferSize != want.StreamBufferSize {
		t.Fatalf("missing file must yield defaults: %+v", cfg)
	}
}

func TestLoadOverlaysOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentdeck.yaml")
	body := `
default_agent: opencode
opencode_base_url: http://127.0.0.1:5000
reconnect_delay: 3s
stream_buffer_size: 50
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DefaultAgent != "opencode" || cfg.OpenCodeBaseURL != "http://127.0.0.1:5000" {
		t.Fatalf("overlay not applied: %+v", cfg)
	}
	if cfg.ReconnectDelay != 3*time.Second || cfg.StreamBufferSize != 50 {
		t.Fatalf("overlay not applied: %+v", cfg)
	}
	// Untouched keys keep their defaults.
	if cfg.CodexExecutable != "codex" || cfg.RequestTimeout != 30*time.Second {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentdeck.yaml")
	if err := os.WriteFile(path, []byte("no_such_key: 1\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("unknown keys must be rejected")
	}
}

func TestLoadValidatesValues(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"zero buffer", "stream_buffer_size: 0\n", "stream_buffer_size"},
		{"negative delay", "reconnect_delay: -1s\n", "reconnect_delay"},
		{"empty db path", "db_path: \"\"\n", "db_path"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "agentdeck.yaml")
			if err := os.WriteFile(path, []byte(tc.body), 0o600); err != nil {
				t.Fatalf("write: %v", err)
			}
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error = %v, want mention of %s", err, tc.want)
			}
		})
	}
}
