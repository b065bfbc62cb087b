// Package config loads the service configuration.
//
// Values come from, in increasing precedence: built-in defaults, the YAML file
// named by the --config flag or ACASINHA_CONFIG, and ACASINHA_* environment
// variables. A .env file in the working directory is loaded into the
// environment first when present; it never overrides variables that are
// already set.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

const (
	SinkSQL   = "sql"
	SinkKafka = "kafka"
	SinkNone  = "none"
)

const envPrefix = "ACASINHA_"

type Config struct {
	Environment Environment    `yaml:"environment"`
	HTTP        HTTPConfig     `yaml:"http"`
	Database    DatabaseConfig `yaml:"database"`
	Ledger      LedgerConfig   `yaml:"ledger"`
	Session     SessionConfig  `yaml:"session"`
	Events      EventsConfig   `yaml:"events"`
}

type HTTPConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	// Migrate creates missing tables at startup.
	Migrate bool `yaml:"migrate"`
}

type LedgerConfig struct {
	// TxTimeout bounds every balance-mutating transaction.
	TxTimeout time.Duration `yaml:"tx_timeout"`
	// RecentExpenses is how many expenses the personal dashboard lists.
	RecentExpenses int `yaml:"recent_expenses"`
}

type SessionConfig struct {
	Duration   time.Duration `yaml:"duration"`
	CookieName string        `yaml:"cookie_name"`
}

type EventsConfig struct {
	// Sink is one of "sql", "kafka" or "none".
	Sink       string   `yaml:"sink"`
	BufferSize int      `yaml:"buffer_size"`
	Brokers    []string `yaml:"brokers"`
	Topic      string   `yaml:"topic"`
}

func Default() *Config {
	return &Config{
		Environment: Development,
		HTTP: HTTPConfig{
			Addr:         ":5000",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			URL:          "host=localhost port=5432 user=postgres password=postgres dbname=expenses sslmode=disable",
			MaxOpenConns: 20,
			Migrate:      true,
		},
		Ledger: LedgerConfig{
			TxTimeout:      10 * time.Second,
			RecentExpenses: 5,
		},
		Session: SessionConfig{
			Duration:   7 * 24 * time.Hour,
			CookieName: "session_token",
		},
		Events: EventsConfig{
			Sink:       SinkSQL,
			BufferSize: 100,
			Topic:      "acasinha.ledger-events",
		},
	}
}

// Load builds the configuration. An empty path falls back to ACASINHA_CONFIG;
// with neither set only defaults and environment variables apply.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := Default()
	if path == "" {
		path = os.Getenv(envPrefix + "CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// applyEnv overrides file values with ACASINHA_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok {
			*dst = v
		}
	}
	var errs []error
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(envPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(envPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}

	var env string
	str("ENVIRONMENT", &env)
	if env != "" {
		c.Environment = Environment(env)
	}
	str("HTTP_ADDR", &c.HTTP.Addr)
	dur("HTTP_READ_TIMEOUT", &c.HTTP.ReadTimeout)
	dur("HTTP_WRITE_TIMEOUT", &c.HTTP.WriteTimeout)
	str("DATABASE_URL", &c.Database.URL)
	num("DATABASE_MAX_OPEN_CONNS", &c.Database.MaxOpenConns)
	if v, ok := lookup(envPrefix + "DATABASE_MIGRATE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sDATABASE_MIGRATE: %w", envPrefix, err))
		} else {
			c.Database.Migrate = b
		}
	}
	dur("LEDGER_TX_TIMEOUT", &c.Ledger.TxTimeout)
	num("LEDGER_RECENT_EXPENSES", &c.Ledger.RecentExpenses)
	dur("SESSION_DURATION", &c.Session.Duration)
	str("SESSION_COOKIE_NAME", &c.Session.CookieName)
	str("EVENTS_SINK", &c.Events.Sink)
	num("EVENTS_BUFFER_SIZE", &c.Events.BufferSize)
	str("EVENTS_TOPIC", &c.Events.Topic)
	if v, ok := lookup(envPrefix + "EVENTS_BROKERS"); ok {
		c.Events.Brokers = splitList(v)
	}

	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.Ledger.TxTimeout <= 0 {
		errs = append(errs, errors.New("ledger.tx_timeout must be positive"))
	}
	if c.Ledger.RecentExpenses <= 0 {
		errs = append(errs, errors.New("ledger.recent_expenses must be positive"))
	}
	if c.Session.Duration <= 0 {
		errs = append(errs, errors.New("session.duration must be positive"))
	}
	if c.Session.CookieName == "" {
		errs = append(errs, errors.New("session.cookie_name is required"))
	}
	if c.Events.BufferSize <= 0 {
		errs = append(errs, errors.New("events.buffer_size must be positive"))
	}
	switch c.Events.Sink {
	case SinkSQL, SinkNone:
	case SinkKafka:
		if len(c.Events.Brokers) == 0 {
			errs = append(errs, errors.New("events.brokers is required for the kafka sink"))
		}
		if c.Events.Topic == "" {
			errs = append(errs, errors.New("events.topic is required for the kafka sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid events.sink: %q", c.Events.Sink))
	}

	return errors.Join(errs...)
}
