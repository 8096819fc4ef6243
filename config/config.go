// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// For required credentials (e.g., Twitch chat), use ValidateChatReady.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	// Twitch
	TwitchChannel      string   `env:"TWITCH_CHANNEL"`
	TwitchBotUsername  string   `env:"TWITCH_BOT_USERNAME"`
	TwitchOAuthToken   string   `env:"TWITCH_OAUTH_TOKEN"`
	TwitchRefreshToken string   `env:"TWITCH_REFRESH_TOKEN"`
	TwitchClientID     string   `env:"TWITCH_CLIENT_ID"`
	TwitchClientSecret string   `env:"TWITCH_CLIENT_SECRET"`
	BotIgnoreUsers     []string `env:"BOT_IGNORE_USERS" envSeparator:","`

	// Event
	Event EventConfig

	// Replies
	GoogleAPIKey        string `env:"GOOGLE_API_KEY"`
	GeminiModel         string `env:"GEMINI_MODEL" envDefault:"gemini-2.5-flash"`
	GeminiFallbackModel string `env:"GEMINI_FALLBACK_MODEL" envDefault:"gemini-2.5-flash-lite"`
	SerpAPIKey          string `env:"SERPAPI_KEY"`
	ReplyChunkRunes     int    `env:"REPLY_CHUNK_RUNES" envDefault:"500"`

	// Database; empty disables the chat log and session history.
	DBDsn string `env:"DB_DSN"`

	// HTTP
	HTTPAddr               string        `env:"HTTP_ADDR" envDefault:":8080"`
	AdminUsername          string        `env:"ADMIN_USERNAME"`
	AdminPassword          string        `env:"ADMIN_PASSWORD"`
	AdminToken             string        `env:"ADMIN_TOKEN"`
	RateLimitEnabled       bool          `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	RateLimitRequestsPerIP int           `env:"RATE_LIMIT_REQUESTS_PER_IP" envDefault:"10"`
	RateLimitWindow        time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`

	// Telemetry
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"LOG_FORMAT" envDefault:"text"`
	LogFile      string `env:"LOG_FILE"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// EventConfig holds the event tunables.
type EventConfig struct {
	SessionTTL      time.Duration `env:"EVENT_SESSION_TTL" envDefault:"30m"`
	GraceWindow     time.Duration `env:"EVENT_GRACE_WINDOW" envDefault:"5m"`
	Cooldown        time.Duration `env:"EVENT_COOLDOWN" envDefault:"1h"`
	Threshold       int           `env:"EVENT_THRESHOLD" envDefault:"10"` // <=0 disables the automatic start
	PollInterval    time.Duration `env:"EVENT_POLL_INTERVAL" envDefault:"5m"`
	RevealDelay     time.Duration `env:"EVENT_REVEAL_DELAY" envDefault:"20s"`
	FinaleStepDelay time.Duration `env:"EVENT_FINALE_STEP_DELAY" envDefault:"4s"`
	ManualPhrase    string        `env:"EVENT_MANUAL_PHRASE" envDefault:"なでこ、観測を始めて"`
}

// Load reads environment variables and applies defaults. It doesn't fail if Twitch creds are missing;
// use ValidateChatReady() when you require chat. Missing optional variables disable features
// (GOOGLE_API_KEY: generated replies, SERPAPI_KEY: search, DB_DSN: chat log).
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.TwitchChannel = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(cfg.TwitchChannel)), "#")
	cfg.TwitchBotUsername = strings.ToLower(strings.TrimSpace(cfg.TwitchBotUsername))
	if err := cfg.Event.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (e EventConfig) validate() error {
	if e.SessionTTL <= 0 {
		return errors.New("EVENT_SESSION_TTL must be positive")
	}
	if e.GraceWindow < 0 || e.GraceWindow > e.SessionTTL {
		return fmt.Errorf("EVENT_GRACE_WINDOW %s must be within EVENT_SESSION_TTL %s", e.GraceWindow, e.SessionTTL)
	}
	if e.PollInterval <= 0 {
		return errors.New("EVENT_POLL_INTERVAL must be positive")
	}
	return nil
}

// ValidateChatReady checks the fields the Twitch chat connection needs.
func (c *Config) ValidateChatReady() error {
	var missing []string
	for name, v := range map[string]string{
		"TWITCH_CHANNEL":       c.TwitchChannel,
		"TWITCH_BOT_USERNAME":  c.TwitchBotUsername,
		"TWITCH_OAUTH_TOKEN":   c.TwitchOAuthToken,
		"TWITCH_CLIENT_ID":     c.TwitchClientID,
		"TWITCH_CLIENT_SECRET": c.TwitchClientSecret,
	} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("missing twitch env: %s", strings.Join(missing, ", "))
	}
	return nil
}
