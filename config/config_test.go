package config

import (
	"testing"
	"time"
)

func TestParseRoster(t *testing.T) {
	entries := ParseRoster(" 8012802187:SheikhK2 , 1234567890, 3456789012:Moderator_3!,, :nobody")
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].ID != "8012802187" || entries[0].Name != "SheikhK2" || !entries[0].Available {
		t.Fatalf("unexpected first entry %+v", entries[0])
	}
	if entries[1].Name != "1234567890" {
		t.Fatalf("expected name to default to id, got %q", entries[1].Name)
	}
	if entries[2].Available {
		t.Fatalf("expected trailing ! to mark unavailable")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ADMIN_IDS", "42:root,43")
	t.Setenv("DB_URL", "sqlite://test.db")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("RATE_LIMIT_WINDOW", "not-a-duration")

	cfg := Load()
	if cfg.Bot.RootAdminID != "42" {
		t.Fatalf("expected first admin as root, got %q", cfg.Bot.RootAdminID)
	}
	if cfg.RateLimit.Window != 60*time.Second || cfg.RateLimit.Quota != 30 {
		t.Fatalf("unexpected rate limit defaults %+v", cfg.RateLimit)
	}
	if cfg.Bot.PollInterval != 2*time.Second {
		t.Fatalf("unexpected poll interval %v", cfg.Bot.PollInterval)
	}
	if cfg.ModerationPolicy.WarnThreshold != 3 {
		t.Fatalf("unexpected warn threshold %d", cfg.ModerationPolicy.WarnThreshold)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateRequiresBackend(t *testing.T) {
	cfg := Load()
	cfg.DatabaseURL = ""
	cfg.StrapiURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error without a content backend")
	}
}

func TestValidateBotNeedsAdmins(t *testing.T) {
	cfg := Load()
	cfg.DatabaseURL = "sqlite://x.db"
	cfg.JWTSecret = "secret"
	cfg.Bot.Token = "123:abc"
	cfg.Bot.Admins = nil
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for bot without admins")
	}
}

func TestValidateRejectsBadQuota(t *testing.T) {
	cfg := Load()
	cfg.DatabaseURL = "sqlite://x.db"
	cfg.JWTSecret = "secret"
	cfg.RateLimit.Quota = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for zero quota")
	}
}

func TestValidateDatabaseNeedsJWTSecret(t *testing.T) {
	cfg := Load()
	cfg.DatabaseURL = "sqlite://x.db"
	cfg.JWTSecret = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error without a JWT secret")
	}
	cfg.JWTSecret = "secret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadValidatedReportsErrors(t *testing.T) {
	t.Setenv("DB_URL", "")
	t.Setenv("STRAPI_URL", "")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("TELEGRAM_BOT_TOKEN", "")

	cfg, err := LoadValidated()
	if err == nil {
		t.Fatalf("expected error without a content backend")
	}
	if cfg == nil || cfg.LogLevel != "debug" {
		t.Fatalf("expected the loaded config alongside the error, got %+v", cfg)
	}

	t.Setenv("DB_URL", "sqlite://x.db")
	t.Setenv("JWT_SECRET", "secret")
	if _, err := LoadValidated(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
