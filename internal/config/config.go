// Package config reads the server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

type Config struct {
	Host   string `env:"HOST,default=0.0.0.0"`
	Port   int    `env:"PORT,default=8080"`
	DBPath string `env:"DB_PATH,default=./data/realscribe.db"`

	LogLevel string `env:"LOG_LEVEL,default=INFO"`

	// Empty keeps fan-out in process.
	NATSURL string `env:"NATS_URL"`

	OrphanSweepInterval time.Duration `env:"ORPHAN_SWEEP_INTERVAL,default=5m"`
	ChatTrimInterval    time.Duration `env:"CHAT_TRIM_INTERVAL,default=10m"`
	ChatRetainMessages  int           `env:"CHAT_RETAIN_MESSAGES,default=1000"`
	ChatHistoryLimit    int           `env:"CHAT_HISTORY_LIMIT,default=50"`

	MessagesPerSecond float64 `env:"MESSAGES_PER_SECOND,default=100"`
	MessageBurst      int     `env:"MESSAGE_BURST,default=200"`
	MaxRateViolations int     `env:"MAX_RATE_VIOLATIONS,default=1000"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
}

// Load reads an optional .env file, then the environment. Variables
// already set in the environment win over the file.
func Load(dotenvFiles ...string) (Config, error) {
	if err := godotenv.Load(dotenvFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT out of range: %d", c.Port))
	}
	if c.OrphanSweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("ORPHAN_SWEEP_INTERVAL must be positive"))
	}
	if c.ChatHistoryLimit <= 0 {
		errs = append(errs, fmt.Errorf("CHAT_HISTORY_LIMIT must be positive"))
	}
	if c.MessagesPerSecond <= 0 || c.MessageBurst <= 0 {
		errs = append(errs, fmt.Errorf("MESSAGES_PER_SECOND and MESSAGE_BURST must be positive"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SHUTDOWN_TIMEOUT must be positive"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Logger builds a text logger at the configured level.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(s)))); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}
