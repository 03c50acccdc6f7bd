package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// AppConfig is the full process configuration, read from the environment
type AppConfig struct {
	HTTPAddr         string `validate:"required"`
	DatabaseURL      string
	StrapiURL        string `validate:"omitempty,url"`
	StrapiToken      string `validate:"required_with=StrapiURL"`
	JWTSecret        string
	WebhookSecret    string
	AllowedOrigins   []string
	LogLevel         string `validate:"omitempty,oneof=trace debug info warn warning error disabled"`
	LogFormat        string `validate:"omitempty,oneof=json console"`
	Bot              BotConfig
	RateLimit        RateLimitConfig
	Chat             ChatConfig
	BackendTimeout   time.Duration `validate:"gt=0"`
	ModerationPolicy ModerationPolicy
}

// BotConfig configures the moderation bot transport and roster
type BotConfig struct {
	Token        string
	Admins       []RosterEntry `validate:"dive"`
	Moderators   []RosterEntry `validate:"dive"`
	RootAdminID  string
	PollInterval time.Duration `validate:"gt=0"`
	BatchSize    int           `validate:"min=1,max=100"`
	SendTimeout  time.Duration `validate:"gt=0"`
}

// Enabled reports whether the bot has a token to poll with
func (b BotConfig) Enabled() bool {
	return b.Token != ""
}

// RosterEntry is one statically configured admin or moderator
type RosterEntry struct {
	ID        string `validate:"required,max=64"`
	Name      string
	Available bool
}

type RateLimitConfig struct {
	Quota  int           `validate:"min=1"`
	Window time.Duration `validate:"gt=0"`
}

type ChatConfig struct {
	MessageRate  float64 `validate:"gt=0"`
	MessageBurst int     `validate:"min=1"`
}

type ModerationPolicy struct {
	WarnThreshold int `validate:"min=1"`
}

// Load reads the configuration from the environment without validating it
func Load() *AppConfig {
	admins := ParseRoster(getEnv("ADMIN_IDS", ""))
	rootAdmin := getEnv("ROOT_ADMIN_ID", "")
	if rootAdmin == "" && len(admins) > 0 {
		rootAdmin = admins[0].ID
	}

	return &AppConfig{
		HTTPAddr:       getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:    getEnv("DB_URL", ""),
		StrapiURL:      strings.TrimRight(getEnv("STRAPI_URL", ""), "/"),
		StrapiToken:    getEnv("STRAPI_API_TOKEN", ""),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		WebhookSecret:  getEnv("WEBHOOK_SECRET", ""),
		AllowedOrigins: ParseList(getEnv("CORS_ALLOW_ORIGINS", "")),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "json"),
		Bot: BotConfig{
			Token:        getEnv("TELEGRAM_BOT_TOKEN", ""),
			Admins:       admins,
			Moderators:   ParseRoster(getEnv("MODERATOR_IDS", "")),
			RootAdminID:  rootAdmin,
			PollInterval: getDuration("POLL_INTERVAL", 2*time.Second),
			BatchSize:    getInt("POLL_BATCH_SIZE", 50),
			SendTimeout:  getDuration("SEND_TIMEOUT", 10*time.Second),
		},
		RateLimit: RateLimitConfig{
			Quota:  getInt("RATE_LIMIT_QUOTA", 30),
			Window: getDuration("RATE_LIMIT_WINDOW", 60*time.Second),
		},
		Chat: ChatConfig{
			MessageRate:  getFloat("CHAT_MESSAGE_RATE", 5),
			MessageBurst: getInt("CHAT_MESSAGE_BURST", 10),
		},
		BackendTimeout: getDuration("BACKEND_TIMEOUT", 10*time.Second),
		ModerationPolicy: ModerationPolicy{
			WarnThreshold: getInt("WARN_THRESHOLD", 3),
		},
	}
}

// Validate checks field constraints and the cross-field rules
func (c *AppConfig) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return err
	}
	if c.DatabaseURL == "" && c.StrapiURL == "" {
		return fmt.Errorf("one of DB_URL or STRAPI_URL is required")
	}
	if c.DatabaseURL != "" && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required with DB_URL to verify chat tokens")
	}
	if c.Bot.Enabled() && len(c.Bot.Admins) == 0 {
		return fmt.Errorf("ADMIN_IDS is required when TELEGRAM_BOT_TOKEN is set")
	}
	return nil
}

// LoadValidated loads and validates the configuration. The loaded config is
// returned with the error so the caller can still set up logging from it.
func LoadValidated() (*AppConfig, error) {
	cfg := Load()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ParseList splits a comma separated value, dropping empty entries
func ParseList(raw string) []string {
	items := []string{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			items = append(items, part)
		}
	}
	return items
}

// ParseRoster parses "id[:name][!]" entries. A trailing "!" marks the
// member as unavailable for new-listing notifications.
func ParseRoster(raw string) []RosterEntry {
	entries := []RosterEntry{}
	for _, item := range ParseList(raw) {
		entry := RosterEntry{Available: true}
		if strings.HasSuffix(item, "!") {
			entry.Available = false
			item = strings.TrimSuffix(item, "!")
		}
		id, name, _ := strings.Cut(item, ":")
		entry.ID = strings.TrimSpace(id)
		entry.Name = strings.TrimSpace(name)
		if entry.ID == "" {
			continue
		}
		if entry.Name == "" {
			entry.Name = entry.ID
		}
		entries = append(entries, entry)
	}
	return entries
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return def
	}
	return v
}

func getFloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return def
	}
	return v
}

func getDuration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return def
	}
	return v
}
