package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Webhook provider variants supported by the reconciler.
const (
	ProviderWayForPay = "wayforpay"
	ProviderToken     = "token"
	ProviderStripe    = "stripe"
)

// Config holds all service configuration.
type Config struct {
	DataDir     string
	BindAddress string
	Port        int

	// Entitlement limits. PaidTierLimit of -1 means unlimited.
	FreeTierLimit  int
	TrialTierLimit int
	PaidTierLimit  int

	// Payment provider webhook settings.
	WebhookProvider string // "wayforpay", "token", or "stripe"
	WebhookSecret   string // signing secret (wayforpay, stripe)
	WebhookToken    string // static client token (token provider)
	GracePeriod     time.Duration

	// Conversion settings.
	ConvertTimeout time.Duration
	MaxUploadBytes int64
	MaxTextChars   int
	MaxChunks      int
	ChunkSize      int
	ChunkOverlap   int
	MaxConcurrent  int64

	// Operational settings.
	AdminKey      string
	PublicMetrics bool
	LogLevel      string
	LogFormat     string
}

// StoreDir returns the directory holding the service database.
func (c *Config) StoreDir() string {
	return c.DataDir
}

// Load reads configuration from environment variables.
// A .env file is loaded if present but not required.
func Load() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("RAGCONVERT_PORT", 8080)
	if err != nil {
		return nil, err
	}
	freeLimit, err := envOrDefaultInt("RAGCONVERT_FREE_LIMIT", 3)
	if err != nil {
		return nil, err
	}
	trialLimit, err := envOrDefaultInt("RAGCONVERT_TRIAL_LIMIT", 25)
	if err != nil {
		return nil, err
	}
	paidLimit, err := envOrDefaultInt("RAGCONVERT_PAID_LIMIT", -1)
	if err != nil {
		return nil, err
	}
	maxUpload, err := envOrDefaultInt64("RAGCONVERT_MAX_UPLOAD_BYTES", 32*1024*1024) // 32 MiB
	if err != nil {
		return nil, err
	}
	maxTextChars, err := envOrDefaultInt("RAGCONVERT_MAX_TEXT_CHARS", 500_000)
	if err != nil {
		return nil, err
	}
	maxChunks, err := envOrDefaultInt("RAGCONVERT_MAX_CHUNKS", 5000)
	if err != nil {
		return nil, err
	}
	chunkSize, err := envOrDefaultInt("RAGCONVERT_CHUNK_SIZE", 1000)
	if err != nil {
		return nil, err
	}
	chunkOverlap, err := envOrDefaultInt("RAGCONVERT_CHUNK_OVERLAP", 200)
	if err != nil {
		return nil, err
	}
	maxConcurrent, err := envOrDefaultInt64("RAGCONVERT_MAX_CONCURRENT_CONVERSIONS", 4)
	if err != nil {
		return nil, err
	}
	gracePeriod, err := envOrDefaultDuration("RAGCONVERT_GRACE_PERIOD", 14*24*time.Hour)
	if err != nil {
		return nil, err
	}
	convertTimeout, err := envOrDefaultDuration("RAGCONVERT_CONVERT_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:         envOrDefault("RAGCONVERT_DATA_DIR", "/var/lib/ragconvert"),
		BindAddress:     envOrDefault("RAGCONVERT_BIND_ADDRESS", "0.0.0.0"),
		Port:            port,
		FreeTierLimit:   freeLimit,
		TrialTierLimit:  trialLimit,
		PaidTierLimit:   paidLimit,
		WebhookProvider: envOrDefault("RAGCONVERT_WEBHOOK_PROVIDER", ProviderWayForPay),
		WebhookSecret:   strings.TrimSpace(os.Getenv("RAGCONVERT_WEBHOOK_SECRET")),
		WebhookToken:    strings.TrimSpace(os.Getenv("RAGCONVERT_WEBHOOK_TOKEN")),
		GracePeriod:     gracePeriod,
		ConvertTimeout:  convertTimeout,
		MaxUploadBytes:  maxUpload,
		MaxTextChars:    maxTextChars,
		MaxChunks:       maxChunks,
		ChunkSize:       chunkSize,
		ChunkOverlap:    chunkOverlap,
		MaxConcurrent:   maxConcurrent,
		AdminKey:        strings.TrimSpace(os.Getenv("RAGCONVERT_ADMIN_KEY")),
		PublicMetrics:   envOrDefault("RAGCONVERT_PUBLIC_METRICS", "") == "true",
		LogLevel:        envOrDefault("RAGCONVERT_LOG_LEVEL", "info"),
		LogFormat:       envOrDefault("RAGCONVERT_LOG_FORMAT", "auto"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var missing []string
	if c.AdminKey == "" {
		missing = append(missing, "RAGCONVERT_ADMIN_KEY")
	}
	switch c.WebhookProvider {
	case ProviderWayForPay, ProviderStripe:
		if c.WebhookSecret == "" {
			missing = append(missing, "RAGCONVERT_WEBHOOK_SECRET")
		}
	case ProviderToken:
		if c.WebhookToken == "" {
			missing = append(missing, "RAGCONVERT_WEBHOOK_TOKEN")
		}
	default:
		return fmt.Errorf("RAGCONVERT_WEBHOOK_PROVIDER must be one of %q, %q, %q; got %q",
			ProviderWayForPay, ProviderToken, ProviderStripe, c.WebhookProvider)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("RAGCONVERT_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.FreeTierLimit < 0 {
		return fmt.Errorf("RAGCONVERT_FREE_LIMIT must not be negative, got %d", c.FreeTierLimit)
	}
	if c.PaidTierLimit < -1 {
		return fmt.Errorf("RAGCONVERT_PAID_LIMIT must be -1 (unlimited) or non-negative, got %d", c.PaidTierLimit)
	}
	if c.TrialTierLimit < -1 {
		return fmt.Errorf("RAGCONVERT_TRIAL_LIMIT must be -1 (unlimited) or non-negative, got %d", c.TrialTierLimit)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("RAGCONVERT_MAX_UPLOAD_BYTES must be greater than 0, got %d", c.MaxUploadBytes)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("RAGCONVERT_CHUNK_SIZE must be greater than 0, got %d", c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("RAGCONVERT_CHUNK_OVERLAP must be in [0, chunk size), got %d", c.ChunkOverlap)
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("RAGCONVERT_MAX_CONCURRENT_CONVERSIONS must be greater than 0, got %d", c.MaxConcurrent)
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("RAGCONVERT_GRACE_PERIOD must be greater than 0, got %s", c.GracePeriod)
	}
	if c.ConvertTimeout <= 0 {
		return fmt.Errorf("RAGCONVERT_CONVERT_TIMEOUT must be greater than 0, got %s", c.ConvertTimeout)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultInt64(key string, fallback int64) (int64, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
