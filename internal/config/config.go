package config

import (
	"os"
	"strconv"
)

type Config struct {
	Port        int
	JWTSecret   string
	DatabaseURL string

	ActivityRetentionDays  int
	RetentionIntervalHours int
}

func Load() Config {
	cfg := Config{
		Port:                   8080,
		JWTSecret:              os.Getenv("QUEUE_JWT_SECRET"),
		DatabaseURL:            os.Getenv("QUEUE_DATABASE_URL"),
		ActivityRetentionDays:  90,
		RetentionIntervalHours: 24,
	}

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}

	if v := os.Getenv("QUEUE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 && p < 65536 {
			cfg.Port = p
		}
	}

	if v := os.Getenv("QUEUE_ACTIVITY_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.ActivityRetentionDays = n
		}
	}

	if v := os.Getenv("QUEUE_RETENTION_INTERVAL_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RetentionIntervalHours = n
		}
	}

	return cfg
}

func (c Config) ListenAddr() string {
	return ":" + strconv.Itoa(c.Port)
}
