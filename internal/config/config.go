package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     string
	Env      string
	LogLevel string
	DBPath   string

	AssistantAPIURL  string
	AssistantTimeout time.Duration

	SupportEmail  string
	SchedulingURL string
	FollowUpDelay time.Duration
	CopyPath      string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SessionTTL    time.Duration

	AllowedOrigins     []string
	RateLimitPerMinute int
	AdminToken         string

	MetaVerifyToken   string
	MetaAppSecret     string
	MetaAccessToken   string
	MetaPhoneNumberID string

	SlackWebhookURL    string
	SlackSigningSecret string
}

// Load reads configuration from the environment, seeded from .env when one
// exists. Fails fast on missing or malformed values.
func Load() (*Config, error) {
	_ = godotenv.Load()

	c := &Config{
		Port:               getEnvDefault("PORT", "8080"),
		Env:                getEnvDefault("ENV", "development"),
		LogLevel:           getEnvDefault("LOG_LEVEL", "info"),
		DBPath:             getEnvDefault("DB_PATH", "/data/db.sqlite"), // Docker volume path
		AssistantAPIURL:    strings.TrimRight(os.Getenv("ASSISTANT_API_URL"), "/"),
		SupportEmail:       getEnvDefault("SUPPORT_EMAIL", "info@dealdeskadvisory.com"),
		SchedulingURL:      getEnvDefault("SCHEDULING_URL", "https://calendly.com/dealdesk/consultation"),
		CopyPath:           getEnvDefault("COPY_PATH", "templates/assistant_copy.yaml"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		AllowedOrigins:     getEnvListDefault("ALLOWED_ORIGINS", []string{"*"}),
		AdminToken:         os.Getenv("ADMIN_TOKEN"),
		MetaVerifyToken:    os.Getenv("META_VERIFY_TOKEN"),
		MetaAppSecret:      os.Getenv("META_APP_SECRET"),
		MetaAccessToken:    os.Getenv("META_ACCESS_TOKEN"),
		MetaPhoneNumberID:  os.Getenv("META_PHONE_NUMBER_ID"),
		SlackWebhookURL:    os.Getenv("SLACK_WEBHOOK_URL"),
		SlackSigningSecret: os.Getenv("SLACK_SIGNING_SECRET"),
	}

	if c.AssistantAPIURL == "" {
		return nil, fmt.Errorf("missing required environment variable: ASSISTANT_API_URL")
	}

	var err error
	if c.AssistantTimeout, err = getEnvDuration("ASSISTANT_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if c.FollowUpDelay, err = getEnvDuration("FOLLOW_UP_DELAY", 2*time.Second); err != nil {
		return nil, err
	}
	if c.SessionTTL, err = getEnvDuration("SESSION_TTL", 30*time.Minute); err != nil {
		return nil, err
	}
	if c.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if c.RateLimitPerMinute, err = getEnvInt("RATE_LIMIT_PER_MINUTE", 30); err != nil {
		return nil, err
	}

	// The WhatsApp channel is optional, but only as a whole.
	meta := map[string]string{
		"META_VERIFY_TOKEN":    c.MetaVerifyToken,
		"META_APP_SECRET":      c.MetaAppSecret,
		"META_ACCESS_TOKEN":    c.MetaAccessToken,
		"META_PHONE_NUMBER_ID": c.MetaPhoneNumberID,
	}
	if c.WhatsAppEnabled() {
		for key, val := range meta {
			if val == "" {
				return nil, fmt.Errorf("missing required environment variable: %s", key)
			}
		}
	}

	return c, nil
}

// WhatsAppEnabled reports whether any Meta credential is configured.
func (c *Config) WhatsAppEnabled() bool {
	return c.MetaVerifyToken != "" || c.MetaAppSecret != "" || c.MetaAccessToken != "" || c.MetaPhoneNumberID != ""
}

func (c *Config) SlackEnabled() bool { return c.SlackWebhookURL != "" }

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvListDefault(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
