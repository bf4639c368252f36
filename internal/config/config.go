package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds every knob the engine recognizes. Anything else in the
// environment is ignored; anything malformed here is fatal at startup.
type Config struct {
	Env  string `validate:"oneof=dev staging prod"`
	Port int    `validate:"gte=1,lte=65535"`

	DBURL     string `validate:"required"`
	RedisAddr string // optional; empty disables the shared consent cache

	// Engine cadence and delivery policy.
	ScanPeriod        time.Duration `validate:"gt=0"`
	ReminderPeriod    time.Duration `validate:"gt=0"`
	WorkerCount       int           `validate:"gte=1"`
	MaxAttempts       int           `validate:"gte=1"`
	BackoffBase       time.Duration `validate:"gt=0"`
	BackoffCap        time.Duration `validate:"gt=0"`
	VisibilityTimeout time.Duration `validate:"gt=0"`
	SOSCountdown      time.Duration `validate:"gt=0"`
	AdapterTimeout    time.Duration `validate:"gt=0"`

	// Queue depth above which the scanner halves its batch and the
	// reminder scheduler skips ticks.
	QueueDepthThreshold int `validate:"gte=1"`
	ScanBatchSize       int `validate:"gte=1"`

	// Provider credentials. Required outside dev; dev falls back to the
	// log adapter when empty.
	EmailProviderURL string
	EmailAPIKey      string
	EmailFrom        string
	PushProviderURL  string
	PushAPIKey       string

	// 32-byte key (base64) for opening stored personal messages and vault
	// entries marked include-in-alert. Optional: without it encrypted
	// payloads are omitted from alerts.
	PayloadKeyB64 string

	OTLPEndpoint string
}

func Load() (Config, error) {
	cfg := Config{
		Env:  getEnv("APP_ENV", "dev"),
		Port: getEnvInt("PORT", 8090),

		DBURL:     buildDBURL(),
		RedisAddr: getEnv("REDIS_ADDR", ""),

		ScanPeriod:        getEnvDuration("SCAN_PERIOD", 60*time.Second),
		ReminderPeriod:    getEnvDuration("REMINDER_PERIOD", 5*time.Minute),
		WorkerCount:       getEnvInt("WORKER_COUNT", 8),
		MaxAttempts:       getEnvInt("MAX_ATTEMPTS", 5),
		BackoffBase:       getEnvDuration("BACKOFF_BASE", 30*time.Second),
		BackoffCap:        getEnvDuration("BACKOFF_CAP", 30*time.Minute),
		VisibilityTimeout: getEnvDuration("VISIBILITY_TIMEOUT", 60*time.Second),
		SOSCountdown:      getEnvDuration("SOS_COUNTDOWN", 5*time.Second),
		AdapterTimeout:    getEnvDuration("ADAPTER_TIMEOUT", 10*time.Second),

		QueueDepthThreshold: getEnvInt("QUEUE_DEPTH_THRESHOLD", 5000),
		ScanBatchSize:       getEnvInt("SCAN_BATCH_SIZE", 500),

		EmailProviderURL: getEnv("EMAIL_PROVIDER_URL", ""),
		EmailAPIKey:      getEnv("EMAIL_API_KEY", ""),
		EmailFrom:        getEnv("EMAIL_FROM", "alerts@solocheck.app"),
		PushProviderURL:  getEnv("PUSH_PROVIDER_URL", ""),
		PushAPIKey:       getEnv("PUSH_API_KEY", ""),

		PayloadKeyB64: getEnv("PAYLOAD_KEY", ""),

		OTLPEndpoint: getEnv("OTLP_ENDPOINT", ""),
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	// Missing adapter credentials are a configuration error outside dev:
	// fail at startup rather than dead-letter every job.
	if cfg.Env != "dev" {
		if cfg.EmailProviderURL == "" || cfg.EmailAPIKey == "" {
			return Config{}, fmt.Errorf("config: email provider credentials required when APP_ENV=%s", cfg.Env)
		}
		if cfg.PushProviderURL == "" || cfg.PushAPIKey == "" {
			return Config{}, fmt.Errorf("config: push provider credentials required when APP_ENV=%s", cfg.Env)
		}
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	v := validator.New()

	err := v.Struct(cfg)
	if err == nil {
		return nil
	}

	if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
		fields := make([]string, 0, len(errs))
		for _, fe := range errs {
			fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
		}
		return fmt.Errorf("config: invalid fields: %s", strings.Join(fields, ", "))
	}

	return fmt.Errorf("config: %w", err)
}

func buildDBURL() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}

	host := getEnv("DB_HOST", "127.0.0.1")
	port := getEnv("DB_PORT", "5432")
	user := getEnv("DB_USER", "solocheck")
	pass := getEnv("DB_PASSWORD", "solocheck")
	name := getEnv("DB_NAME", "solocheck")
	ssl := getEnv("DB_SSLMODE", "disable")

	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + name + "?sslmode=" + ssl
}

func WithTimeout(duration time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), duration)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		num, err := strconv.Atoi(v)
		if err != nil {
			return fallback
		}
		return num
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fallback
		}
		return d
	}
	return fallback
}
