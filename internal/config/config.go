package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig
	Sending   SendingConfig
	Channel   ChannelConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address string
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type DatabaseConfig struct {
	Driver      string
	SQLitePath  string
	PostgresURL string
}

type RedisConfig struct {
	Enabled       bool
	Address       string
	Password      string
	DB            int
	TTL           time.Duration
	EventsChannel string
}

type SchedulerConfig struct {
	Interval time.Duration
}

// SendingConfig holds the defaults used when no runtime setting overrides them.
type SendingConfig struct {
	DailyLimit    int
	MinDelay      time.Duration
	MaxDelay      time.Duration
	ContactsLimit int
}

const (
	ChannelWhatsApp = "whatsapp"
	ChannelWebhook  = "webhook"
)

type ChannelConfig struct {
	Kind              string
	WhatsAppStorePath string
	WebhookURL        string
}

type LogConfig struct {
	Level  slog.Level
	Format string
}

// LoadAll reads the environment and reports every problem at once.
func LoadAll() (*Config, error) {
	var errs []error

	intVar := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	seconds := func(key string, def int) time.Duration {
		return time.Duration(intVar(key, def)) * time.Second
	}
	millis := func(key string, def int) time.Duration {
		return time.Duration(intVar(key, def)) * time.Millisecond
	}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			Driver:     strings.ToLower(getEnv("DATABASE_DRIVER", DriverSQLite)),
			SQLitePath: getEnv("SQLITE_PATH", "data/wasched.db"),
		},
		Scheduler: SchedulerConfig{
			Interval: seconds("SCHED_INTERVAL_SECONDS", 10),
		},
		Sending: SendingConfig{
			DailyLimit:    intVar("DAILY_MESSAGE_LIMIT", 1000),
			MinDelay:      millis("MESSAGE_DELAY_MIN_MS", 2000),
			MaxDelay:      millis("MESSAGE_DELAY_MAX_MS", 5000),
			ContactsLimit: intVar("CONTACTS_LIMIT", 100),
		},
		Channel: ChannelConfig{
			Kind:              strings.ToLower(getEnv("CHANNEL", ChannelWhatsApp)),
			WhatsAppStorePath: getEnv("WHATSAPP_STORE_PATH", "data/whatsapp-session.db"),
		},
	}

	switch cfg.Database.Driver {
	case DriverSQLite:
	case DriverPostgres:
		url, err := requireEnv("POSTGRES_URL")
		if err != nil {
			errs = append(errs, err)
		}
		cfg.Database.PostgresURL = url
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER must be %s or %s, got %q", DriverSQLite, DriverPostgres, cfg.Database.Driver))
	}

	switch cfg.Channel.Kind {
	case ChannelWhatsApp:
	case ChannelWebhook:
		url, err := requireEnv("WEBHOOK_URL")
		if err != nil {
			errs = append(errs, err)
		}
		cfg.Channel.WebhookURL = url
	default:
		errs = append(errs, fmt.Errorf("CHANNEL must be %s or %s, got %q", ChannelWhatsApp, ChannelWebhook, cfg.Channel.Kind))
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis = RedisConfig{
			Enabled:       true,
			Address:       addr,
			Password:      os.Getenv("REDIS_PASSWORD"),
			DB:            intVar("REDIS_DB", 0),
			TTL:           seconds("REDIS_TTL_SECONDS", 172800),
			EventsChannel: getEnv("REDIS_EVENTS_CHANNEL", "wasched:events"),
		}
	}

	logCfg, err := loadLogConfig()
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Log = logCfg

	errs = append(errs, validate(cfg)...)
	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadLogConfig() (LogConfig, error) {
	lc := LogConfig{Level: slog.LevelInfo, Format: strings.ToLower(getEnv("LOG_FORMAT", "text"))}
	if lc.Format != "text" && lc.Format != "json" {
		return lc, fmt.Errorf("LOG_FORMAT must be text or json, got %q", lc.Format)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if err := lc.Level.UnmarshalText([]byte(v)); err != nil {
			return lc, fmt.Errorf("invalid LOG_LEVEL %q", v)
		}
	}
	return lc, nil
}

func validate(cfg *Config) []error {
	var errs []error
	if cfg.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("SCHED_INTERVAL_SECONDS must be > 0"))
	}
	if cfg.Sending.DailyLimit <= 0 {
		errs = append(errs, errors.New("DAILY_MESSAGE_LIMIT must be > 0"))
	}
	if cfg.Sending.MinDelay < 0 {
		errs = append(errs, errors.New("MESSAGE_DELAY_MIN_MS must be >= 0"))
	}
	if cfg.Sending.MaxDelay < cfg.Sending.MinDelay {
		errs = append(errs, errors.New("MESSAGE_DELAY_MAX_MS must be >= MESSAGE_DELAY_MIN_MS"))
	}
	if cfg.Sending.ContactsLimit <= 0 {
		errs = append(errs, errors.New("CONTACTS_LIMIT must be > 0"))
	}
	if cfg.Redis.Enabled && cfg.Redis.TTL <= 0 {
		errs = append(errs, errors.New("REDIS_TTL_SECONDS must be > 0"))
	}
	return errs
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid int for env %s: %s", key, v)
	}
	return i, nil
}

func joinErrors(errs []error) error {
	return errors.Join(errs...)
}
