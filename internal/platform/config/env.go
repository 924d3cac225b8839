// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Config is the reader study service configuration.
type Config struct {
	Addr     string `env:"READERSTUDY_ADDR" envDefault:":8888"`
	LogLevel string `env:"READERSTUDY_LOG_LEVEL" envDefault:"info"`

	DebugMode   bool `env:"READERSTUDY_DEBUG_MODE" envDefault:"false"`
	TotalTrials int  `env:"READERSTUDY_TOTAL_TRIALS" envDefault:"50"`
	DebugTrials int  `env:"READERSTUDY_DEBUG_TRIALS" envDefault:"5"`

	DatasetSource   string `env:"READERSTUDY_DATASET_SOURCE" envDefault:"dataset/predictions.csv"`
	DatasetBoxUnits string `env:"READERSTUDY_DATASET_BOX_UNITS" envDefault:"normalized"`
	DatasetImageDir string `env:"READERSTUDY_DATASET_IMAGE_DIR" envDefault:"dataset/no_map"`
	DatasetMapDir   string `env:"READERSTUDY_DATASET_MAP_DIR" envDefault:"dataset/map"`

	StoreDriver      string `env:"READERSTUDY_STORE" envDefault:"memory"`
	SQLitePath       string `env:"READERSTUDY_SQLITE_PATH" envDefault:"data/readerstudy.db"`
	ParticipantsSeed string `env:"READERSTUDY_PARTICIPANTS_SEED"`

	JWTSecret string `env:"READERSTUDY_JWT_SECRET"`

	KafkaBrokers []string `env:"READERSTUDY_KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"READERSTUDY_KAFKA_TOPIC" envDefault:"readerstudy.trials"`

	ShutdownTimeout time.Duration `env:"READERSTUDY_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.TotalTrials <= 0 {
		return Config{}, fmt.Errorf("READERSTUDY_TOTAL_TRIALS must be positive, got %d", cfg.TotalTrials)
	}
	if cfg.DebugTrials <= 0 {
		return Config{}, fmt.Errorf("READERSTUDY_DEBUG_TRIALS must be positive, got %d", cfg.DebugTrials)
	}
	return cfg, nil
}

// Trials is the number of trials per phase.
func (c Config) Trials() int {
	if c.DebugMode {
		return c.DebugTrials
	}
	return c.TotalTrials
}

// SlogLevel maps LogLevel onto a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
