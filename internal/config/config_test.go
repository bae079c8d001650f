package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/gpportal")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.S3Bucket != "patient-uploads" {
		t.Errorf("S3Bucket = %q", cfg.S3Bucket)
	}
	if cfg.MaxUploadSize != 50*1024*1024 {
		t.Errorf("MaxUploadSize = %d", cfg.MaxUploadSize)
	}
	if cfg.WebhookTimeout != 5*time.Second {
		t.Errorf("WebhookTimeout = %v", cfg.WebhookTimeout)
	}
	if cfg.UploadWebhookURL != "" {
		t.Errorf("UploadWebhookURL = %q", cfg.UploadWebhookURL)
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing DATABASE_URL")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://db/x")
	t.Setenv("LISTEN_ADDR", ":9999")
	t.Setenv("MAX_UPLOAD_SIZE", "1048576")
	t.Setenv("S3_USE_SSL", "true")
	t.Setenv("WEBHOOK_TIMEOUT", "30s")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.MaxUploadSize != 1048576 {
		t.Errorf("MaxUploadSize = %d", cfg.MaxUploadSize)
	}
	if !cfg.S3UseSSL {
		t.Error("S3UseSSL not set")
	}
	if cfg.WebhookTimeout != 30*time.Second {
		t.Errorf("WebhookTimeout = %v", cfg.WebhookTimeout)
	}
}

func TestEnvHelpersBadValues(t *testing.T) {
	t.Setenv("BAD_BOOL", "nope")
	t.Setenv("BAD_INT", "abc")
	t.Setenv("BAD_DUR", "soon")

	if got := envBool("BAD_BOOL", true); !got {
		t.Error("envBool did not fall back")
	}
	if got := envInt64("BAD_INT", 42); got != 42 {
		t.Errorf("envInt64 = %d", got)
	}
	if got := envDuration("BAD_DUR", time.Minute); got != time.Minute {
		t.Errorf("envDuration = %v", got)
	}
}
