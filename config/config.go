// Package config reads the service configuration from the environment and an
// optional .env file.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"kuva-api/board"
	"kuva-api/storage"
)

type Config struct {
	Server  ServerConfig
	Storage storage.Config
	Redis   RedisConfig
	Auth    AuthConfig
	Persist board.PersisterConfig
	Board   BoardConfig
}

type ServerConfig struct {
	ListenAddr string
	Debug      bool
	LoginPath  string
	SignupURL  string
}

type RedisConfig struct {
	ConnectionString string
	QueryCacheTTL    time.Duration
	Channel          string
	// DedupeTTL is how long Idempotency-Key claims are kept.
	DedupeTTL time.Duration
}

type AuthConfig struct {
	Domain   string
	Audience string
	TestMode bool
}

type BoardConfig struct {
	LayoutsFile string
}

// Load reads .env when present and then the process environment. Values in
// the environment win over .env.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds the configuration from the process environment only.
func FromEnv() (*Config, error) {
	var errs []error
	cfg := &Config{
		Server: ServerConfig{
			ListenAddr: ":" + getEnv("FUNCTIONS_CUSTOMHANDLER_PORT", "8080"),
			LoginPath:  getEnv("LOGIN_PATH", "/login"),
			SignupURL:  getEnv("SIGNUP_URL", "https://kuva.app/signup"),
		},
		Storage: storageFromEnv(),
		Redis: RedisConfig{
			ConnectionString: os.Getenv("REDIS_CONNECTION_STRING"),
			Channel:          getEnv("QUERY_INVALIDATION_CHANNEL", "kuva:invalidate"),
		},
		Auth: AuthConfig{
			Domain:   os.Getenv("AUTH0_DOMAIN"),
			Audience: os.Getenv("AUTH0_AUDIENCE"),
			TestMode: os.Getenv("AUTH0_TEST_MODE") == "1" || os.Getenv("LOCAL_AUTH_MODE") != "",
		},
		Board: BoardConfig{
			LayoutsFile: os.Getenv("BOARD_LAYOUTS_FILE"),
		},
	}

	var err error
	if cfg.Server.Debug, err = getEnvAsBool("DEBUG", false); err != nil {
		errs = append(errs, err)
	}
	if cfg.Redis.QueryCacheTTL, err = getEnvAsDuration("QUERY_CACHE_TTL", 5*time.Minute); err != nil {
		errs = append(errs, err)
	}
	if cfg.Redis.DedupeTTL, err = getEnvAsDuration("DEDUPER_TTL", 24*time.Hour); err != nil {
		errs = append(errs, err)
	}
	if cfg.Persist.Workers, err = getEnvAsPositiveInt("PERSIST_WORKERS", 8); err != nil {
		errs = append(errs, err)
	}
	if cfg.Persist.Buffer, err = getEnvAsPositiveInt("PERSIST_BUFFER", 256); err != nil {
		errs = append(errs, err)
	}
	if cfg.Persist.WriteTimeout, err = getEnvAsDuration("PERSIST_TIMEOUT", 30*time.Second); err != nil {
		errs = append(errs, err)
	}
	if cfg.Persist.HandoffTimeout, err = getEnvAsDuration("PERSIST_HANDOFF_TIMEOUT", 50*time.Millisecond); err != nil {
		errs = append(errs, err)
	}

	if cfg.Storage.ConnectionString == "" {
		errs = append(errs, errMissingStorage)
	}
	if cfg.Redis.ConnectionString == "" {
		errs = append(errs, errors.New("missing REDIS_CONNECTION_STRING"))
	}
	if !cfg.Auth.TestMode && (cfg.Auth.Domain == "" || cfg.Auth.Audience == "") {
		errs = append(errs, errors.New("missing Auth0 config"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

var errMissingStorage = errors.New("missing STORAGE_CONNECTION_STRING")

// StorageFromEnv reads only the storage settings, for tools that provision
// the tables and queue.
func StorageFromEnv() (storage.Config, error) {
	cfg := storageFromEnv()
	if cfg.ConnectionString == "" {
		return cfg, errMissingStorage
	}
	return cfg, nil
}

func storageFromEnv() storage.Config {
	return storage.Config{
		ConnectionString: os.Getenv("STORAGE_CONNECTION_STRING"),
		TasksTable:       getEnv("TASKS_TABLE", "tasks"),
		UsersTable:       getEnv("USERS_TABLE", "users"),
		ProjectsTable:    getEnv("PROJECTS_TABLE", "projects"),
		MailQueue:        getEnv("MAIL_QUEUE", "mail"),
	}
}

// RedisOptions accepts a redis:// URL or an Azure style
// "host:port,password=...,ssl=True" connection string.
func (c RedisConfig) RedisOptions() *redis.Options {
	opts, err := redis.ParseURL(c.ConnectionString)
	if err == nil {
		return opts
	}
	parts := strings.Split(c.ConnectionString, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) (bool, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func getEnvAsPositiveInt(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("invalid %s: must be greater than zero", key)
	}
	return value, nil
}

// Durations accept Go duration strings ("15m"). Zero is allowed and
// disables the feature that reads it.
func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return d, nil
}
