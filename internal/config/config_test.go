package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/parlance")
	t.Setenv("JWT_SECRET", "0123456789abcdef")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(1), cfg.TaskPrice)
	assert.Equal(t, 5000, cfg.MaxTextLength)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.TranslateTimeout)
	assert.Equal(t, "local", cfg.TranslationProvider)
	assert.True(t, cfg.RunWorkers)
	assert.Empty(t, cfg.CORSAllowedOriginsList())
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "0123456789abcdef")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("TASK_PRICE", "3")
	t.Setenv("TRANSLATE_TIMEOUT", "5s")
	t.Setenv("PROCESSING_DEADLINE", "10s")
	t.Setenv("TRANSLATION_PROVIDER", "dictionary")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example,https://a.example")
	t.Setenv("ADMIN_EMAILS", "root@example.com")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(3), cfg.TaskPrice)
	assert.Equal(t, 5*time.Second, cfg.TranslateTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOriginsList())
	assert.Equal(t, []string{"root@example.com"}, cfg.AdminEmailList())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			DatabaseURL:         "postgres://x",
			DBMaxConns:          1,
			JWTSecret:           "0123456789abcdef",
			TokenTTL:            time.Hour,
			TaskPrice:           1,
			MaxTextLength:       10,
			WorkerConcurrency:   1,
			QueueName:           "q",
			MaxAttempts:         1,
			TranslateTimeout:    time.Second,
			ReservedDeadline:    time.Second,
			QueuedDeadline:      time.Second,
			ProcessingDeadline:  2 * time.Second,
			ReaperInterval:      time.Second,
			IdempotencyTTL:      time.Hour,
			TranslationProvider: "local",
		}
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(*Config){
		"short secret":              func(c *Config) { c.JWTSecret = "short" },
		"zero price":                func(c *Config) { c.TaskPrice = 0 },
		"negative spend limit":      func(c *Config) { c.DailySpendLimit = -1 },
		"no attempts":               func(c *Config) { c.MaxAttempts = 0 },
		"deadline below timeout":    func(c *Config) { c.ProcessingDeadline = c.TranslateTimeout },
		"zero reaper interval":      func(c *Config) { c.ReaperInterval = 0 },
		"unknown provider":          func(c *Config) { c.TranslationProvider = "deepl" },
		"zero worker concurrency":   func(c *Config) { c.WorkerConcurrency = 0 },
		"blank queue name":          func(c *Config) { c.QueueName = " " },
		"zero idempotency lifetime": func(c *Config) { c.IdempotencyTTL = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
