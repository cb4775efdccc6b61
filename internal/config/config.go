package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	HTTPAddr    string `envconfig:"HTTP_ADDR" default:":8080"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"10"`
	AutoMigrate bool   `envconfig:"AUTO_MIGRATE" default:"false"`

	JWTSecret          string        `envconfig:"JWT_SECRET" required:"true"`
	TokenTTL           time.Duration `envconfig:"TOKEN_TTL" default:"24h"`
	AdminEmails        string        `envconfig:"ADMIN_EMAILS" default:""`
	CORSAllowedOrigins string        `envconfig:"CORS_ALLOWED_ORIGINS" default:""`

	TaskPrice       int64 `envconfig:"TASK_PRICE" default:"1"`
	MaxTextLength   int   `envconfig:"MAX_TEXT_LENGTH" default:"5000"`
	DailySpendLimit int64 `envconfig:"DAILY_SPEND_LIMIT" default:"0"`

	RunWorkers        bool          `envconfig:"RUN_WORKERS" default:"true"`
	WorkerConcurrency int           `envconfig:"WORKER_CONCURRENCY" default:"4"`
	QueueName         string        `envconfig:"QUEUE_NAME" default:"translations"`
	MaxAttempts       int           `envconfig:"MAX_ATTEMPTS" default:"5"`
	TranslateTimeout  time.Duration `envconfig:"TRANSLATE_TIMEOUT" default:"30s"`

	ReservedDeadline   time.Duration `envconfig:"RESERVED_DEADLINE" default:"1m"`
	QueuedDeadline     time.Duration `envconfig:"QUEUED_DEADLINE" default:"15m"`
	ProcessingDeadline time.Duration `envconfig:"PROCESSING_DEADLINE" default:"2m"`
	ReaperInterval     time.Duration `envconfig:"REAPER_INTERVAL" default:"30s"`

	TranslationProvider string `envconfig:"TRANSLATION_PROVIDER" default:"local"`
	TranslationEndpoint string `envconfig:"TRANSLATION_ENDPOINT" default:"http://localhost:8000/v1"`
	TranslationModel    string `envconfig:"TRANSLATION_MODEL" default:""`

	RedisURL       string        `envconfig:"REDIS_URL" default:""`
	IdempotencyTTL time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`

	NATSURL           string `envconfig:"NATS_URL" default:""`
	NATSSubjectPrefix string `envconfig:"NATS_SUBJECT_PREFIX" default:"tasks"`
}

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.DBMaxConns < 1 {
		return errors.New("DB_MAX_CONNS must be >= 1")
	}
	if len(c.JWTSecret) < 16 {
		return errors.New("JWT_SECRET must be at least 16 characters")
	}
	if c.TokenTTL <= 0 {
		return errors.New("TOKEN_TTL must be > 0")
	}
	if c.TaskPrice < 1 {
		return errors.New("TASK_PRICE must be >= 1")
	}
	if c.MaxTextLength < 1 {
		return errors.New("MAX_TEXT_LENGTH must be >= 1")
	}
	if c.DailySpendLimit < 0 {
		return errors.New("DAILY_SPEND_LIMIT must be >= 0")
	}
	if c.WorkerConcurrency < 1 {
		return errors.New("WORKER_CONCURRENCY must be >= 1")
	}
	if strings.TrimSpace(c.QueueName) == "" {
		return errors.New("QUEUE_NAME is required")
	}
	if c.MaxAttempts < 1 {
		return errors.New("MAX_ATTEMPTS must be >= 1")
	}
	for name, d := range map[string]time.Duration{
		"TRANSLATE_TIMEOUT":   c.TranslateTimeout,
		"RESERVED_DEADLINE":   c.ReservedDeadline,
		"QUEUED_DEADLINE":     c.QueuedDeadline,
		"PROCESSING_DEADLINE": c.ProcessingDeadline,
		"REAPER_INTERVAL":     c.ReaperInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if c.ProcessingDeadline <= c.TranslateTimeout {
		return fmt.Errorf("PROCESSING_DEADLINE (%s) must exceed TRANSLATE_TIMEOUT (%s)", c.ProcessingDeadline, c.TranslateTimeout)
	}
	if c.IdempotencyTTL <= 0 {
		return errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	switch c.TranslationProvider {
	case "local", "dictionary":
	default:
		return fmt.Errorf("TRANSLATION_PROVIDER %q must be 'local' or 'dictionary'", c.TranslationProvider)
	}
	return nil
}

func (c *Config) CORSAllowedOriginsList() []string {
	return splitList(c.CORSAllowedOrigins)
}

func (c *Config) AdminEmailList() []string {
	return splitList(c.AdminEmails)
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		v := strings.TrimSpace(part)
		if v == "" {
			continue
		}
		if _, exists := seen[v]; exists {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
