package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"

	EventsNone  = "none"
	EventsNATS  = "nats"
	EventsKafka = "kafka"
)

type Config struct {
	App      AppConfig      `yaml:"app"`
	Postgres PostgresConfig `yaml:"postgres"`
	Events   EventsConfig   `yaml:"events"`
	Seed     SeedConfig     `yaml:"seed"`
}

type AppConfig struct {
	Name     string `yaml:"name"`
	Port     string `yaml:"port"`
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`
	Storage  string `yaml:"storage"`
}

type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	DBName          string        `yaml:"dbname"`
	SSLMode         string        `yaml:"sslmode"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MigrationsPath  string        `yaml:"migrations_path"`
}

type EventsConfig struct {
	Driver       string   `yaml:"driver"`
	NATSURL      string   `yaml:"nats_url"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
	BufferSize   int      `yaml:"buffer_size"`
}

// SeedConfig lists records loaded into memory storage on start.
type SeedConfig struct {
	Products []SeedProduct `yaml:"products"`
	Accounts []SeedAccount `yaml:"accounts"`
}

type SeedProduct struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Unit     string `yaml:"unit"`
	Category string `yaml:"category"`
	Price    string `yaml:"price"`
	Stock    int    `yaml:"stock"`
	Active   bool   `yaml:"active"`
}

type SeedAccount struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Role   string `yaml:"role"`
	Active bool   `yaml:"active"`
}

func defaults() Config {
	return Config{
		App: AppConfig{
			Name:     "grocery-service",
			Port:     "8080",
			Env:      "development",
			LogLevel: "info",
			Storage:  StoragePostgres,
		},
		Postgres: PostgresConfig{
			Port:            "5432",
			SSLMode:         "disable",
			MaxConns:        10,
			MinConns:        2,
			MaxConnLifetime: 30 * time.Minute,
			MigrationsPath:  "migrations",
		},
		Events: EventsConfig{
			Driver:     EventsNone,
			KafkaTopic: "grocery.events",
			BufferSize: 1024,
		},
	}
}

// NewConfig reads an optional .env file, an optional YAML file named by
// CONFIG_PATH, and finally environment variables, each layer overriding the last.
func NewConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := defaults()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed open config file: %w", err)
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
		return fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.App.Port, "APP_PORT")
	setString(&cfg.App.Env, "APP_ENV")
	setString(&cfg.App.LogLevel, "LOG_LEVEL")
	setString(&cfg.App.Storage, "STORAGE")

	setString(&cfg.Postgres.Host, "DB_HOST")
	setString(&cfg.Postgres.Port, "DB_PORT")
	setString(&cfg.Postgres.User, "DB_USER")
	setString(&cfg.Postgres.Password, "DB_PASSWORD")
	setString(&cfg.Postgres.DBName, "DB_NAME")
	setString(&cfg.Postgres.SSLMode, "DB_SSLMODE")
	setString(&cfg.Postgres.MigrationsPath, "DB_MIGRATIONS_PATH")

	if v, ok := lookup("DB_MAX_CONNS"); ok {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return fmt.Errorf("DB_MAX_CONNS: %w", err)
		}
		cfg.Postgres.MaxConns = int32(n)
	}
	if v, ok := lookup("DB_MAX_CONN_LIFETIME"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("DB_MAX_CONN_LIFETIME: %w", err)
		}
		cfg.Postgres.MaxConnLifetime = d
	}

	setString(&cfg.Events.Driver, "EVENTS_DRIVER")
	setString(&cfg.Events.NATSURL, "NATS_URL")
	setString(&cfg.Events.KafkaTopic, "KAFKA_TOPIC")
	if v, ok := lookup("KAFKA_BROKERS"); ok {
		cfg.Events.KafkaBrokers = splitCSV(v)
	}
	if v, ok := lookup("EVENTS_BUFFER_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("EVENTS_BUFFER_SIZE: %w", err)
		}
		cfg.Events.BufferSize = n
	}

	return nil
}

// Validate reports the first missing or contradictory setting.
func (c *Config) Validate() error {
	if c.App.Port == "" {
		return errors.New("APP_PORT is required")
	}

	switch c.App.Storage {
	case StorageMemory:
	case StoragePostgres:
		if c.Postgres.Host == "" {
			return errors.New("DB_HOST is required")
		}
		if c.Postgres.User == "" {
			return errors.New("DB_USER is required")
		}
		if c.Postgres.DBName == "" {
			return errors.New("DB_NAME is required")
		}
	default:
		return fmt.Errorf("unknown storage %q", c.App.Storage)
	}

	switch c.Events.Driver {
	case EventsNone:
	case EventsNATS:
		if c.Events.NATSURL == "" {
			return errors.New("NATS_URL is required for the nats events driver")
		}
	case EventsKafka:
		if len(c.Events.KafkaBrokers) == 0 {
			return errors.New("KAFKA_BROKERS is required for the kafka events driver")
		}
	default:
		return fmt.Errorf("unknown events driver %q", c.Events.Driver)
	}

	if c.Events.BufferSize <= 0 {
		return errors.New("EVENTS_BUFFER_SIZE must be positive")
	}

	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func setString(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
