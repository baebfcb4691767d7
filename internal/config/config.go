package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	OSRMEndpoint string
	PushEndpoint string

	DefaultSpeedMps float64
	BaseFareCents   int64
	Currency        string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":5000",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "drivers_geo",
		KafkaTopic:      "driver-locations",
		DefaultSpeedMps: 10,
		BaseFareCents:   500,
		Currency:        "usd",
		LogLevel:        "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")

	setFloatFromEnv(&cfg.DefaultSpeedMps, "ETA_DEFAULT_SPEED_MPS", &errs)
	setInt64FromEnv(&cfg.BaseFareCents, "BASE_FARE_CENTS", &errs)
	setStringFromEnv(&cfg.Currency, "FARE_CURRENCY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.DefaultSpeedMps <= 0 {
		errs = append(errs, fmt.Errorf("ETA_DEFAULT_SPEED_MPS must be > 0"))
	}
	if cfg.BaseFareCents < 0 {
		errs = append(errs, fmt.Errorf("BASE_FARE_CENTS must be >= 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
