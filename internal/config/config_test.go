package config

import (
	"testing"
	"time"
)

func TestGetDuration(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"plain seconds", "45", 45 * time.Second},
		{"go duration", "100ms", 100 * time.Millisecond},
		{"minutes", "2m", 2 * time.Minute},
		{"garbage falls back", "soon", 7 * time.Second},
		{"unset falls back", "", 7 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_DURATION", tt.value)
			if got := getDuration("TEST_DURATION", 7*time.Second); got != tt.want {
				t.Errorf("getDuration(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DOCSTORE_BACKEND", "")
	t.Setenv("PRESENCE_STALE_THRESHOLD", "")
	t.Setenv("PRESENCE_CURSOR_INTERVAL", "")
	t.Setenv("PRESENCE_HEARTBEAT_INTERVAL", "")
	t.Setenv("JWT_SECRET", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Docstore.Backend != BackendRedis {
		t.Errorf("Expected redis backend, got %q", cfg.Docstore.Backend)
	}
	if cfg.Presence.StaleThreshold != 30*time.Second {
		t.Errorf("Expected 30s stale threshold, got %v", cfg.Presence.StaleThreshold)
	}
	if cfg.Presence.CursorInterval != 100*time.Millisecond {
		t.Errorf("Expected 100ms cursor interval, got %v", cfg.Presence.CursorInterval)
	}
	if cfg.Presence.HeartbeatInterval != 10*time.Second {
		t.Errorf("Expected 10s heartbeat interval, got %v", cfg.Presence.HeartbeatInterval)
	}
}

func TestLoad_RejectsUnknownBackend(t *testing.T) {
	t.Setenv("DOCSTORE_BACKEND", "firestore")

	if _, err := Load(); err == nil {
		t.Error("Expected error for unknown backend")
	}
}

func TestLoad_RejectsIntervalAboveThreshold(t *testing.T) {
	t.Setenv("DOCSTORE_BACKEND", "memory")
	t.Setenv("PRESENCE_STALE_THRESHOLD", "1s")
	t.Setenv("PRESENCE_CURSOR_INTERVAL", "2s")

	if _, err := Load(); err == nil {
		t.Error("Expected error when cursor interval exceeds stale threshold")
	}
}

func TestLoad_RejectsHeartbeatAtThreshold(t *testing.T) {
	t.Setenv("DOCSTORE_BACKEND", "memory")
	t.Setenv("PRESENCE_STALE_THRESHOLD", "30s")
	t.Setenv("PRESENCE_CURSOR_INTERVAL", "")
	t.Setenv("PRESENCE_HEARTBEAT_INTERVAL", "30s")

	if _, err := Load(); err == nil {
		t.Error("Expected error when heartbeat interval reaches the stale threshold")
	}
}
