package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("tauth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("unexpected address %q", cfg.HTTPAddress)
	}
	if cfg.DatabaseDriver != DatabaseDriverSQLite || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected database settings %q %q", cfg.DatabaseDriver, cfg.DatabasePath)
	}
	if cfg.PresenceTTL != 45*time.Second || cfg.ReaperInterval != 30*time.Second {
		t.Fatalf("unexpected presence timings %s %s", cfg.PresenceTTL, cfg.ReaperInterval)
	}
	if cfg.ChatRateLimit != 10 || cfg.ChatRateWindow != time.Minute || cfg.ChatMaxLength != 2000 {
		t.Fatalf("unexpected chat settings %+v", cfg)
	}
	if cfg.TAuthIssuer != "tauth" || cfg.TAuthCookieName != "app_session" {
		t.Fatalf("unexpected tauth settings %q %q", cfg.TAuthIssuer, cfg.TAuthCookieName)
	}
	if cfg.NATSEnabled() {
		t.Fatal("expected nats backbone disabled by default")
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("READINGROOM_TAUTH_SIGNING_SECRET", "from-env")
	t.Setenv("READINGROOM_PRESENCE_TTL", "90s")
	t.Setenv("READINGROOM_CHAT_RATE_LIMIT", "3")
	t.Setenv("READINGROOM_NATS_URL", "nats://127.0.0.1:4222")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.TAuthSigningKey != "from-env" {
		t.Fatalf("expected secret from env, got %q", cfg.TAuthSigningKey)
	}
	if cfg.PresenceTTL != 90*time.Second {
		t.Fatalf("expected ttl from env, got %s", cfg.PresenceTTL)
	}
	if cfg.ChatRateLimit != 3 {
		t.Fatalf("expected rate limit from env, got %d", cfg.ChatRateLimit)
	}
	if !cfg.NATSEnabled() || cfg.NATSRosterBucket != defaultNATSRosterBucket {
		t.Fatalf("expected nats backbone enabled, got %+v", cfg)
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	testCases := []struct {
		name    string
		key     string
		value   any
		message string
	}{
		{name: "missing secret", key: "tauth.signing_secret", value: "", message: "tauth.signing_secret"},
		{name: "unknown driver", key: "database.driver", value: "mysql", message: "database.driver"},
		{name: "postgres without dsn", key: "database.driver", value: "postgres", message: "database.dsn"},
		{name: "zero ttl", key: "presence.ttl", value: "0s", message: "presence.ttl"},
		{name: "zero workers", key: "presence.write_workers", value: 0, message: "presence.write_workers"},
		{name: "zero rate limit", key: "chat.rate_limit", value: 0, message: "chat.rate_limit"},
		{name: "zero max length", key: "chat.max_length", value: 0, message: "chat.max_length"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set("tauth.signing_secret", "secret")
			configViper.Set(testCase.key, testCase.value)

			_, err := Load(configViper)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), testCase.message) {
				t.Fatalf("expected error mentioning %q, got %v", testCase.message, err)
			}
		})
	}
}
