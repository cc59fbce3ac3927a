package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danielsht11/riley/internal/bridge"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STATE_PATH", "/tmp/riley-state")
	t.Setenv("DATASTORE_DRIVER", "")
	t.Setenv("DATASTORE_DSN", "")
	t.Setenv("SMTP_PORT", "not-a-port")
	t.Setenv("EVENT_RETENTION", "")
	t.Setenv("IN_PROCESS_ROUTER", "yes")
	t.Setenv("TWILIO_VERIFY_SIGNATURE", "")

	cfg := Load()

	if cfg.DataStoreDriver != "sqlite" || cfg.DataStoreDSN != filepath.Join("/tmp/riley-state", "riley.db") {
		t.Fatalf("unexpected datastore %s %s", cfg.DataStoreDriver, cfg.DataStoreDSN)
	}
	if cfg.SMTPPort != 587 {
		t.Fatalf("invalid SMTP_PORT should fall back to 587, got %d", cfg.SMTPPort)
	}
	if cfg.EventRetention != 24*time.Hour {
		t.Fatalf("unexpected retention %s", cfg.EventRetention)
	}
	if !cfg.InProcessRouter {
		t.Fatalf("expected in-process router enabled")
	}
	if cfg.ModelURL != bridge.DefaultModelURL {
		t.Fatalf("unexpected model url %s", cfg.ModelURL)
	}
	if !cfg.VerifyTwilioSignature {
		t.Fatalf("webhook signature verification must default to on")
	}
}

func TestLoadPostgresDSN(t *testing.T) {
	t.Setenv("DATASTORE_DRIVER", "postgres")
	t.Setenv("DATASTORE_DSN", "")
	t.Setenv("POSTGRES_DSN", "postgres://riley@db/riley")
	t.Setenv("REDIS_URL", "redis://cache:6379/0")

	cfg := Load()
	if cfg.DataStoreDSN != "postgres://riley@db/riley" {
		t.Fatalf("unexpected dsn %s", cfg.DataStoreDSN)
	}
	if !cfg.RedisConfigured() {
		t.Fatalf("expected redis configured")
	}
}

func TestLoadAgentProfile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "agent.yaml")
	content := "voice: sage\ntemperature: 0.6\nlanguage: en-US\nfallbackNumber: \"+97235550000\"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}

	profile, err := LoadAgentProfile(path)
	if err != nil {
		t.Fatalf("LoadAgentProfile: %v", err)
	}
	if profile.Voice != "sage" || profile.Temperature != 0.6 || profile.Language != "en-US" {
		t.Fatalf("unexpected profile %+v", profile)
	}
	if profile.DefaultScope != bridge.DefaultProfile().DefaultScope {
		t.Fatalf("unset fields should keep their defaults, got %q", profile.DefaultScope)
	}
	if profile.FallbackNumber != "+97235550000" {
		t.Fatalf("unexpected fallback number %q", profile.FallbackNumber)
	}
}

func TestLoadAgentProfileRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte("voice: sage\nvolume: 11\n"), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	if _, err := LoadAgentProfile(path); err == nil || !strings.Contains(err.Error(), "parse") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestAgentProfileEnvironmentOverrides(t *testing.T) {
	cfg := &Config{FallbackBusinessNumber: "+15550001111", AgentTemperature: 1.1}
	profile, err := cfg.AgentProfile()
	if err != nil {
		t.Fatalf("AgentProfile: %v", err)
	}
	if profile.FallbackNumber != "+15550001111" || profile.Temperature != 1.1 {
		t.Fatalf("unexpected profile %+v", profile)
	}
	if profile.Voice != bridge.DefaultProfile().Voice {
		t.Fatalf("expected default voice, got %q", profile.Voice)
	}
}
