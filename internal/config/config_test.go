package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("BASE_URL", "https://expo.example/")
	t.Setenv("CURRENT_EVENT_ID", "2025")
	t.Setenv("LEADERBOARD_DEFAULT_SCOPE", "galaxy")
	t.Setenv("LEADERBOARD_POINTS_PANEL", "-3")
	t.Setenv("LEADERBOARD_EXCLUDE_ROLES", "staff,admin")
	t.Setenv("QR_SECRET", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BaseURL != "https://expo.example" {
		t.Fatalf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.Leaderboard.DefaultScope != "event" || cfg.Leaderboard.PointsPanel != 0 || cfg.Leaderboard.PointsSession != 1 {
		t.Fatalf("leaderboard = %+v", cfg.Leaderboard)
	}
	if strings.Join(cfg.Leaderboard.ExcludeRoles, ",") != "staff,admin" {
		t.Fatalf("ExcludeRoles = %v", cfg.Leaderboard.ExcludeRoles)
	}
	if cfg.Location() != time.UTC {
		t.Fatalf("Location = %v, want UTC", cfg.Location())
	}
	if len(cfg.QRSecret) < 32 {
		t.Fatalf("generated secret too short: %q", cfg.QRSecret)
	}
}

func TestLoadRejects(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"unknown driver", map[string]string{"DATABASE_DRIVER": "mysql"}},
		{"unknown queue", map[string]string{"QUEUE_BACKEND": "kafka"}},
		{"production without secret", map[string]string{"APP_ENV": "production", "QR_SECRET": ""}},
		{"slash in event id", map[string]string{"CURRENT_EVENT_ID": "2025/spring"}},
		{"unknown timezone", map[string]string{"DISPLAY_TIMEZONE": "Mars/Olympus"}},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatal("Load succeeded")
			}
		})
	}
}
