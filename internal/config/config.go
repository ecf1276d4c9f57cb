package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "READINGROOM"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabaseDriver      = DatabaseDriverSQLite
	defaultDatabasePath        = "readingroom.db"
	defaultLogLevel            = "info"
	defaultCookieName          = "app_session"
	defaultIssuer              = "tauth"
	defaultPresenceTTL         = 45 * time.Second
	defaultReaperInterval      = 30 * time.Second
	defaultWriteWorkers        = 4
	defaultChatRateLimit       = 10
	defaultChatRateWindow      = 60 * time.Second
	defaultChatMaxLength       = 2000
	defaultNATSRosterBucket    = "READINGROOM_ROSTER"
	defaultTelemetryService    = "readingroom-api"
	defaultShutdownGracePeriod = 10 * time.Second
)

// Supported database drivers.
const (
	DatabaseDriverSQLite   = "sqlite"
	DatabaseDriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	TAuthSigningKey  string
	TAuthCookieName  string
	TAuthIssuer      string
	DatabaseDriver   string
	DatabasePath     string
	DatabaseDSN      string
	LogLevel         string
	PresenceTTL      time.Duration
	ReaperInterval   time.Duration
	WriteWorkers     int
	ChatRateLimit    int
	ChatRateWindow   time.Duration
	ChatMaxLength    int
	NATSURL          string
	NATSRosterBucket string
	OTLPEndpoint     string
	ServiceName      string
	ShutdownGrace    time.Duration
}

// NATSEnabled reports whether the distributed backbone is configured.
func (c AppConfig) NATSEnabled() bool {
	return c.NATSURL != ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.shutdown_grace", defaultShutdownGracePeriod)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("tauth.signing_secret", "")
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.issuer", defaultIssuer)
	configViper.SetDefault("presence.ttl", defaultPresenceTTL)
	configViper.SetDefault("presence.reaper_interval", defaultReaperInterval)
	configViper.SetDefault("presence.write_workers", defaultWriteWorkers)
	configViper.SetDefault("chat.rate_limit", defaultChatRateLimit)
	configViper.SetDefault("chat.rate_window", defaultChatRateWindow)
	configViper.SetDefault("chat.max_length", defaultChatMaxLength)
	configViper.SetDefault("nats.url", "")
	configViper.SetDefault("nats.kv_bucket", defaultNATSRosterBucket)
	configViper.SetDefault("telemetry.otlp_endpoint", "")
	configViper.SetDefault("telemetry.service_name", defaultTelemetryService)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      strings.TrimSpace(configViper.GetString("http.address")),
		TAuthSigningKey:  configViper.GetString("tauth.signing_secret"),
		TAuthCookieName:  strings.TrimSpace(configViper.GetString("tauth.cookie_name")),
		TAuthIssuer:      strings.TrimSpace(configViper.GetString("tauth.issuer")),
		DatabaseDriver:   strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:     strings.TrimSpace(configViper.GetString("database.path")),
		DatabaseDSN:      strings.TrimSpace(configViper.GetString("database.dsn")),
		LogLevel:         strings.TrimSpace(configViper.GetString("log.level")),
		PresenceTTL:      configViper.GetDuration("presence.ttl"),
		ReaperInterval:   configViper.GetDuration("presence.reaper_interval"),
		WriteWorkers:     configViper.GetInt("presence.write_workers"),
		ChatRateLimit:    configViper.GetInt("chat.rate_limit"),
		ChatRateWindow:   configViper.GetDuration("chat.rate_window"),
		ChatMaxLength:    configViper.GetInt("chat.max_length"),
		NATSURL:          strings.TrimSpace(configViper.GetString("nats.url")),
		NATSRosterBucket: strings.TrimSpace(configViper.GetString("nats.kv_bucket")),
		OTLPEndpoint:     strings.TrimSpace(configViper.GetString("telemetry.otlp_endpoint")),
		ServiceName:      strings.TrimSpace(configViper.GetString("telemetry.service_name")),
		ShutdownGrace:    configViper.GetDuration("http.shutdown_grace"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	if c.TAuthCookieName == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	if c.HTTPAddress == "" {
		return fmt.Errorf("http.address is required")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if c.DatabasePath == "" {
			return fmt.Errorf("database.path is required")
		}
	case DatabaseDriverPostgres:
		if c.DatabaseDSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.PresenceTTL <= 0 {
		return fmt.Errorf("presence.ttl must be positive")
	}
	if c.ReaperInterval <= 0 {
		return fmt.Errorf("presence.reaper_interval must be positive")
	}
	if c.WriteWorkers < 1 {
		return fmt.Errorf("presence.write_workers must be at least 1")
	}
	if c.ChatRateLimit < 1 {
		return fmt.Errorf("chat.rate_limit must be at least 1")
	}
	if c.ChatRateWindow <= 0 {
		return fmt.Errorf("chat.rate_window must be positive")
	}
	if c.ChatMaxLength < 1 {
		return fmt.Errorf("chat.max_length must be at least 1")
	}
	if c.NATSEnabled() && c.NATSRosterBucket == "" {
		return fmt.Errorf("nats.kv_bucket is required when nats.url is set")
	}
	return nil
}
