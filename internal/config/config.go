package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DSN returns the lib/pq connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return c.Host + ":" + c.Port
}

type SMTPConfig struct {
	Host        string
	Port        string
	Username    string
	Password    string
	SenderEmail string
}

type LedgerConfig struct {
	AutoApprove       bool
	MaxAmount         int64
	EventBufferSize   int
	IdempotencyTTL    time.Duration
	ReconcileSchedule string
	// BootstrapApprover is a handle opened with the approver role at start-up
	// when no such account exists yet.
	BootstrapApprover string
}

type Config struct {
	Port        string
	LogLevel    string
	StoreDriver string
	JWTSecret   string

	Database DatabaseConfig
	Redis    RedisConfig
	SMTP     SMTPConfig
	Ledger   LedgerConfig
}

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

var envBindings = map[string]string{
	"port":                       "PORT",
	"log.level":                  "LOG_LEVEL",
	"store.driver":               "STORE_DRIVER",
	"jwt.secret_key":             "JWT_SECRET_KEY",
	"database.host":              "DATABASE_HOST",
	"database.port":              "DATABASE_PORT",
	"database.user":              "DATABASE_USER",
	"database.password":          "DATABASE_PASSWORD",
	"database.name":              "DATABASE_NAME",
	"database.ssl_mode":          "DATABASE_SSL_MODE",
	"database.max_open_conns":    "DATABASE_MAX_OPEN_CONNS",
	"database.max_idle_conns":    "DATABASE_MAX_IDLE_CONNS",
	"database.conn_max_lifetime": "DATABASE_CONN_MAX_LIFETIME",
	"redis.host":                 "REDIS_HOST",
	"redis.port":                 "REDIS_PORT",
	"redis.password":             "REDIS_PASSWORD",
	"redis.db":                   "REDIS_DB",
	"smtp.host":                  "SMTP_HOST",
	"smtp.port":                  "SMTP_PORT",
	"smtp.username":              "SMTP_USERNAME",
	"smtp.password":              "SMTP_PASSWORD",
	"smtp.sender_email":          "SENDER_EMAIL",
	"ledger.auto_approve":        "LEDGER_AUTO_APPROVE",
	"ledger.max_amount":          "LEDGER_MAX_AMOUNT",
	"ledger.event_buffer_size":   "EVENT_BUFFER_SIZE",
	"ledger.idempotency_ttl":     "IDEMPOTENCY_TTL",
	"ledger.reconcile_schedule":  "RECONCILE_SCHEDULE",
	"ledger.bootstrap_approver":  "BOOTSTRAP_APPROVER",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("store.driver", StoreDriverPostgres)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "password")
	v.SetDefault("database.name", "banque_solidaire")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Minute*5)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("smtp.port", "465")

	v.SetDefault("ledger.auto_approve", false)
	v.SetDefault("ledger.max_amount", int64(100_000_000_00))
	v.SetDefault("ledger.event_buffer_size", 256)
	v.SetDefault("ledger.idempotency_ttl", 24*time.Hour)
	v.SetDefault("ledger.reconcile_schedule", "@every 5m")
}

// Load reads configuration from an optional .env file and the environment.
// Environment variables win over the file.
func Load(envFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if envFile != "" {
		if err := readEnvFile(v, envFile); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		Port:        v.GetString("port"),
		LogLevel:    v.GetString("log.level"),
		StoreDriver: strings.ToLower(v.GetString("store.driver")),
		JWTSecret:   v.GetString("jwt.secret_key"),
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetString("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			Name:            v.GetString("database.name"),
			SSLMode:         v.GetString("database.ssl_mode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetString("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		SMTP: SMTPConfig{
			Host:        v.GetString("smtp.host"),
			Port:        v.GetString("smtp.port"),
			Username:    v.GetString("smtp.username"),
			Password:    v.GetString("smtp.password"),
			SenderEmail: v.GetString("smtp.sender_email"),
		},
		Ledger: LedgerConfig{
			AutoApprove:       v.GetBool("ledger.auto_approve"),
			MaxAmount:         v.GetInt64("ledger.max_amount"),
			EventBufferSize:   v.GetInt("ledger.event_buffer_size"),
			IdempotencyTTL:    v.GetDuration("ledger.idempotency_ttl"),
			ReconcileSchedule: v.GetString("ledger.reconcile_schedule"),
			BootstrapApprover: v.GetString("ledger.bootstrap_approver"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET_KEY is required")
	}
	if c.Ledger.MaxAmount <= 0 {
		return fmt.Errorf("LEDGER_MAX_AMOUNT must be positive")
	}
	return nil
}

// readEnvFile loads a dotenv file. Its keys are the environment variable
// names, so each one is copied onto the matching config key unless the real
// environment already provides it. A missing file is not an error.
func readEnvFile(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	for key, env := range envBindings {
		if _, ok := os.LookupEnv(env); ok {
			continue
		}
		if fileKey := strings.ToLower(env); v.InConfig(fileKey) {
			v.Set(key, v.Get(fileKey))
		}
	}
	return nil
}
