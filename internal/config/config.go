package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBUser    string
	DBPass    string
	DBHost    string
	DBPort    string
	DBName    string
	SSLMode   string
	RedisHost string
	RedisPort string
	NatsHost  string
	NatsPort  string

	SyncInterval   time.Duration
	FlushInterval  time.Duration
	BatchMaxSize   int
	MaxRetries     int
	RetryDelay     time.Duration
	ShardCount     int
	InitialCredits float64
}

// New loads and validates configuration from environment variables.
// Postgres, Redis, and NATS are all required: the engine persists object
// state to Redis, usage and claims to Postgres, and publishes events on NATS.
func New() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DBUser:    os.Getenv("BIMA_POSTGRES_USER"),
		DBPass:    os.Getenv("BIMA_POSTGRES_PASSWORD"),
		DBHost:    os.Getenv("BIMA_POSTGRES_HOST"),
		DBPort:    os.Getenv("BIMA_POSTGRES_PORT"),
		DBName:    os.Getenv("BIMA_POSTGRES_DB"),
		SSLMode:   os.Getenv("BIMA_POSTGRES_SSLMODE"),
		RedisHost: os.Getenv("BIMA_REDIS_HOST"),
		RedisPort: os.Getenv("BIMA_REDIS_PORT"),
		NatsHost:  os.Getenv("BIMA_NATS_HOST"),
		NatsPort:  os.Getenv("BIMA_NATS_PORT"),

		SyncInterval:   getEnvDuration("BIMA_SYNC_INTERVAL", 5*time.Second),
		FlushInterval:  getEnvDuration("BIMA_FLUSH_INTERVAL", 5*time.Second),
		BatchMaxSize:   getEnvInt("BIMA_BATCH_MAX_SIZE", 100),
		MaxRetries:     getEnvInt("BIMA_BATCH_MAX_RETRIES", 3),
		RetryDelay:     getEnvDuration("BIMA_BATCH_RETRY_DELAY", 100*time.Millisecond),
		ShardCount:     getEnvInt("BIMA_SHARD_COUNT", 16),
		InitialCredits: getEnvFloat("BIMA_INITIAL_CREDITS", 0),
	}

	// Required: database
	if cfg.DBUser == "" || cfg.DBHost == "" || cfg.DBName == "" || cfg.SSLMode == "" {
		return nil, fmt.Errorf("missing required env for database: BIMA_POSTGRES_USER/HOST/DB/SSLMODE")
	}

	// Required: redis
	if cfg.RedisHost == "" || cfg.RedisPort == "" {
		return nil, fmt.Errorf("missing required env for redis: BIMA_REDIS_HOST/PORT")
	}

	// Required: nats
	if cfg.NatsHost == "" || cfg.NatsPort == "" {
		return nil, fmt.Errorf("missing required env for nats: BIMA_NATS_HOST/PORT")
	}

	if cfg.BatchMaxSize < 1 {
		return nil, fmt.Errorf("BIMA_BATCH_MAX_SIZE must be >= 1, got %d", cfg.BatchMaxSize)
	}
	if cfg.FlushInterval <= 0 {
		return nil, fmt.Errorf("BIMA_FLUSH_INTERVAL must be positive, got %s", cfg.FlushInterval)
	}

	return cfg, nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName, c.SSLMode)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func (c *Config) NatsAddr() string {
	return fmt.Sprintf("nats://%s:%s", c.NatsHost, c.NatsPort)
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var intVal int
	if _, err := fmt.Sscanf(val, "%d", &intVal); err != nil {
		return defaultVal
	}
	return intVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var floatVal float64
	if _, err := fmt.Sscanf(val, "%g", &floatVal); err != nil {
		return defaultVal
	}
	return floatVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}
