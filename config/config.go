package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultJWTSecret   = "change-this-secret-key"
	defaultAliasSecret = "change-this-alias-key"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Alias    AliasConfig
	API      APIConfig
	CORS     CORSConfig
	Poll     PollConfig
	Client   ClientConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type DatabaseConfig struct {
	Driver     string // postgres, sqlite3
	Host       string
	Port       string
	User       string
	Password   string
	DBName     string
	SSLMode    string
	SQLitePath string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret      string
	ExpiryHours int
}

type AliasConfig struct {
	Secret string
}

type APIConfig struct {
	RateLimitMessagesPerSec int
}

type CORSConfig struct {
	AllowedOrigins []string
}

// PollConfig drives the client-side sync loop.
type PollConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

type ClientConfig struct {
	BaseURL string
	Token   string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		redisDB = 0
	}

	jwtExpiry, err := strconv.Atoi(getEnv("JWT_EXPIRY_HOURS", "168"))
	if err != nil {
		jwtExpiry = 168
	}

	rateLimit, err := strconv.Atoi(getEnv("RATE_LIMIT_MESSAGES_PER_SECOND", "10"))
	if err != nil {
		rateLimit = 10
	}

	pollInterval, err := time.ParseDuration(getEnv("POLL_INTERVAL", "10s"))
	if err != nil || pollInterval <= 0 {
		return nil, fmt.Errorf("invalid POLL_INTERVAL %q", os.Getenv("POLL_INTERVAL"))
	}

	pollTimeout, err := time.ParseDuration(getEnv("POLL_TIMEOUT", "5s"))
	if err != nil || pollTimeout <= 0 {
		return nil, fmt.Errorf("invalid POLL_TIMEOUT %q", os.Getenv("POLL_TIMEOUT"))
	}

	origins := strings.Split(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"), ",")

	cfg := &Config{
		Server: ServerConfig{
			Port:     getEnv("PORT", "8080"),
			Env:      getEnv("ENV", "development"),
			LogLevel: getEnv("LOG_LEVEL", "info"),
		},
		Database: DatabaseConfig{
			Driver:     getEnv("DB_DRIVER", "postgres"),
			Host:       getEnv("DB_HOST", "localhost"),
			Port:       getEnv("DB_PORT", "5432"),
			User:       getEnv("DB_USER", "inbox"),
			Password:   getEnv("DB_PASSWORD", "inbox_password"),
			DBName:     getEnv("DB_NAME", "inbox_db"),
			SSLMode:    getEnv("DB_SSLMODE", "disable"),
			SQLitePath: getEnv("SQLITE_PATH", "inbox.db"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", defaultJWTSecret),
			ExpiryHours: jwtExpiry,
		},
		Alias: AliasConfig{
			Secret: getEnv("ALIAS_SECRET", defaultAliasSecret),
		},
		API: APIConfig{
			RateLimitMessagesPerSec: rateLimit,
		},
		CORS: CORSConfig{
			AllowedOrigins: origins,
		},
		Poll: PollConfig{
			Interval: pollInterval,
			Timeout:  pollTimeout,
		},
		Client: ClientConfig{
			BaseURL: getEnv("API_BASE_URL", "http://localhost:8080"),
			Token:   getEnv("API_TOKEN", ""),
		},
	}

	switch cfg.Database.Driver {
	case "postgres", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.Database.Driver)
	}

	// Validate required fields
	if cfg.Server.Env == "production" {
		if cfg.JWT.Secret == defaultJWTSecret {
			return nil, fmt.Errorf("JWT_SECRET must be set in production")
		}
		if cfg.Alias.Secret == defaultAliasSecret {
			return nil, fmt.Errorf("ALIAS_SECRET must be set in production")
		}
	}

	return cfg, nil
}

// GetDSN returns the database connection string for the configured driver
func (c *Config) GetDSN() string {
	if c.Database.Driver == "sqlite3" {
		return fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", c.Database.SQLitePath)
	}
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Redis.Host, c.Redis.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
