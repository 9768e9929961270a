package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"readTimeout"`
		WriteTimeout    time.Duration `yaml:"writeTimeout"`
		IdleTimeout     time.Duration `yaml:"idleTimeout"`
		ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
		AllowedOrigins  []string      `yaml:"allowedOrigins"`
	} `yaml:"server"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	Database struct {
		// Driver is one of mysql, postgres, sqlite, mongo
		Driver   string `yaml:"driver"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
		SSLMode  string `yaml:"sslMode"`
		// Path is the database file for sqlite
		Path string `yaml:"path"`
		// URI overrides the discrete fields for postgres and mongo
		URI string `yaml:"uri"`
	} `yaml:"database"`

	Ledger struct {
		UndoWindow     time.Duration `yaml:"undoWindow"`
		StorageTimeout time.Duration `yaml:"storageTimeout"`
		FeedPageSize   int           `yaml:"feedPageSize"`
	} `yaml:"ledger"`

	Minio struct {
		Endpoint   string        `yaml:"endpoint"`
		AccessKey  string        `yaml:"accessKey"`
		SecretKey  string        `yaml:"secretKey"`
		BucketName string        `yaml:"bucketName"`
		Region     string        `yaml:"region"`
		UseSSL     bool          `yaml:"useSSL"`
		LinkTTL    time.Duration `yaml:"linkTTL"`
	} `yaml:"minio"`

	OpenAI struct {
		APIKey string `yaml:"apiKey"`
		Model  string `yaml:"model"`
	} `yaml:"openai"`

	Operators []Operator `yaml:"operators"`

	RateLimit struct {
		Capacity   int `yaml:"capacity"`
		RefillRate int `yaml:"refillRate"`
	} `yaml:"rateLimit"`
}

// Operator maps an API key to the staff member or device using it.
type Operator struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	APIKey string `yaml:"apiKey"`
}

// Load reads .env (when present) and the YAML file at path, applies
// environment overrides and defaults, then validates.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse builds a Config from YAML bytes plus the process environment.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	override(&c.Database.Driver, "DB_DRIVER")
	override(&c.Database.Password, "DB_PASSWORD")
	override(&c.Database.URI, "DATABASE_URL")
	override(&c.Minio.SecretKey, "MINIO_SECRET_KEY")
	override(&c.OpenAI.APIKey, "OPENAI_API_KEY")
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "checkin.db"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Ledger.UndoWindow == 0 {
		c.Ledger.UndoWindow = 5 * time.Minute
	}
	if c.Ledger.StorageTimeout == 0 {
		c.Ledger.StorageTimeout = 3 * time.Second
	}
	if c.Ledger.FeedPageSize == 0 {
		c.Ledger.FeedPageSize = 100
	}
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = "gpt-4o-mini"
	}
	if c.RateLimit.Capacity == 0 {
		c.RateLimit.Capacity = 120
	}
	if c.RateLimit.RefillRate == 0 {
		c.RateLimit.RefillRate = 20
	}
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite", "mysql", "postgres":
	case "mongo":
		if c.Database.URI == "" {
			errs = append(errs, errors.New("database.uri is required for mongo"))
		}
		if c.Database.Name == "" {
			errs = append(errs, errors.New("database.name is required for mongo"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not one of sqlite, mysql, postgres, mongo", c.Database.Driver))
	}
	if c.Ledger.UndoWindow < 0 {
		errs = append(errs, errors.New("ledger.undoWindow must be positive"))
	}
	if c.Ledger.StorageTimeout < 0 {
		errs = append(errs, errors.New("ledger.storageTimeout must be positive"))
	}
	if c.Ledger.FeedPageSize < 0 || c.Ledger.FeedPageSize > 500 {
		errs = append(errs, errors.New("ledger.feedPageSize must be between 1 and 500"))
	}

	ids := map[string]bool{}
	keys := map[string]bool{}
	for i, op := range c.Operators {
		if op.ID == "" || op.APIKey == "" {
			errs = append(errs, fmt.Errorf("operators[%d]: id and apiKey are required", i))
			continue
		}
		if ids[op.ID] {
			errs = append(errs, fmt.Errorf("operators[%d]: duplicate id %q", i, op.ID))
		}
		if keys[op.APIKey] {
			errs = append(errs, fmt.Errorf("operators[%d]: apiKey reused", i))
		}
		ids[op.ID], keys[op.APIKey] = true, true
	}
	return errors.Join(errs...)
}

// ArchiveEnabled reports whether ledger exports can be uploaded.
func (c *Config) ArchiveEnabled() bool { return c.Minio.Endpoint != "" && c.Minio.BucketName != "" }

// ReviewEnabled reports whether the AI ledger review is configured.
func (c *Config) ReviewEnabled() bool { return c.OpenAI.APIKey != "" }

// MySQLDSN builds the go-sql-driver DSN; parseTime and loc=UTC are required by the ledger store.
func (c *Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
		c.Database.User,
		c.Database.Password,
		net.JoinHostPort(c.Database.Host, strconv.Itoa(c.portOr(3306))),
		c.Database.Name,
	)
}

// PostgresDSN returns database.uri when set, otherwise a postgres:// URL.
func (c *Config) PostgresDSN() string {
	if c.Database.URI != "" {
		return c.Database.URI
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Database.User, c.Database.Password),
		Host:     net.JoinHostPort(c.Database.Host, strconv.Itoa(c.portOr(5432))),
		Path:     "/" + c.Database.Name,
		RawQuery: url.Values{"sslmode": {c.Database.SSLMode}}.Encode(),
	}
	return u.String()
}

func (c *Config) portOr(def int) int {
	if c.Database.Port == 0 {
		return def
	}
	return c.Database.Port
}
