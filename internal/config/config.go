package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Port                      int      `env:"PORT" envDefault:"8080"`
	StreamPort                int      `env:"STREAM_PORT" envDefault:"5500"`
	DatabaseURL               string   `env:"DATABASE_URL,required"`
	RedisURL                  string   `env:"REDIS_URL,required"`
	LogLevel                  string   `env:"LOG_LEVEL" envDefault:"info"`
	PublicBaseURL             string   `env:"PUBLIC_BASE_URL" envDefault:""`
	ApprovalTimeoutSeconds    int      `env:"APPROVAL_TIMEOUT_SECONDS" envDefault:"30"`
	PairingTTLSeconds         int      `env:"PAIRING_TTL_SECONDS" envDefault:"600"`
	AutoSessionWindowMinutes  int      `env:"AUTO_SESSION_WINDOW_MINUTES" envDefault:"60"`
	SessionExpiryMinutes      int      `env:"SESSION_EXPIRY_MINUTES" envDefault:"60"`
	StreamBufferBytes         int      `env:"STREAM_BUFFER_BYTES" envDefault:"1048576"`
	SignalMaxMessageBytes     int64    `env:"SIGNAL_MAX_MESSAGE_BYTES" envDefault:"262144"`
	IntentRateLimitPerMin     int      `env:"INTENT_RATE_LIMIT_PER_MIN" envDefault:"30"`
	UnsupportedSessionColumns []string `env:"UNSUPPORTED_SESSION_COLUMNS" envSeparator:","`
	// Static addr=sessionId pairs for agents that never announce a stream intent.
	LegacyStreamMap map[string]string `env:"LEGACY_STREAM_MAP" envSeparator:"," envKeyValSeparator:"="`
}

func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.ApprovalTimeoutSeconds) * time.Second
}

func (c *Config) PairingTTL() time.Duration {
	return time.Duration(c.PairingTTLSeconds) * time.Second
}

func (c *Config) AutoSessionWindow() time.Duration {
	return time.Duration(c.AutoSessionWindowMinutes) * time.Minute
}

func (c *Config) SessionExpiry() time.Duration {
	return time.Duration(c.SessionExpiryMinutes) * time.Minute
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) StreamAddr() string {
	return fmt.Sprintf(":%d", c.StreamPort)
}

// ShareLink builds the link handed to dashboards for an auto-created session.
func (c *Config) ShareLink(sessionID string) string {
	base := strings.TrimRight(c.PublicBaseURL, "/")
	return fmt.Sprintf("%s/s/%s", base, sessionID)
}

func (c *Config) Validate(isProduction bool) error {
	if c.Port == c.StreamPort {
		return fmt.Errorf("PORT and STREAM_PORT must differ (both %d)", c.Port)
	}
	if c.ApprovalTimeoutSeconds <= 0 {
		return fmt.Errorf("APPROVAL_TIMEOUT_SECONDS must be positive")
	}
	if c.PairingTTLSeconds <= 0 {
		return fmt.Errorf("PAIRING_TTL_SECONDS must be positive")
	}
	if c.StreamBufferBytes < MinStreamBufferBytes {
		return fmt.Errorf("STREAM_BUFFER_BYTES must be at least %d", MinStreamBufferBytes)
	}
	for addr, sessionID := range c.LegacyStreamMap {
		if strings.TrimSpace(addr) == "" || strings.TrimSpace(sessionID) == "" {
			return fmt.Errorf("LEGACY_STREAM_MAP entries must be addr=sessionId (got %q=%q)", addr, sessionID)
		}
	}

	if isProduction {
		if c.PublicBaseURL == "" {
			log.Warn().Msg("PUBLIC_BASE_URL is empty in production: share links will be relative")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
