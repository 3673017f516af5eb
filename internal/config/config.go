package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application
type Config struct {
	Storage StorageConfig
	Crawl   CrawlConfig
	Server  ServerConfig
	Logging LoggingConfig
}

// StorageConfig holds storage-related configuration
type StorageConfig struct {
	Type            string // "filesystem", "postgresql", "mongodb", "dynamodb"
	DataDir         string // filesystem root, also holds the crawl validator cache
	PostgresURI     string
	MongoDBURI      string
	MongoDatabase   string
	MongoCollection string
	Region          string // For AWS DynamoDB
	TableName       string
	Endpoint        string // Custom endpoint for local testing
	HistoryEnabled  bool
}

// CrawlConfig holds source-fetch configuration
type CrawlConfig struct {
	SourceURL string
	UserAgent string
	Timeout   time.Duration
	Interval  time.Duration // 0 disables the periodic trigger
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Level string
	File  string // optional rotating log file; empty logs to stdout
}

// Load loads configuration from environment variables with defaults
func Load() (*Config, error) {
	cfg := &Config{
		Storage: StorageConfig{
			Type:            getEnv("STORAGE_TYPE", "filesystem"),
			DataDir:         getEnv("DATA_DIR", "./data/sources"),
			PostgresURI:     getEnv("POSTGRES_URI", ""),
			MongoDBURI:      getEnv("MONGODB_URI", ""),
			MongoDatabase:   getEnv("MONGODB_DATABASE", "auction"),
			MongoCollection: getEnv("MONGODB_COLLECTION", "auction_data"),
			Region:          getEnv("AWS_REGION", "us-west-2"),
			TableName:       getEnv("TABLE_NAME", "auction_data"),
			Endpoint:        getEnv("DYNAMODB_ENDPOINT", ""), // For local DynamoDB
			HistoryEnabled:  getEnvBool("HISTORY_ENABLED", false),
		},
		Crawl: CrawlConfig{
			SourceURL: getEnv("CRAWL_URL", ""),
			UserAgent: getEnv("CRAWL_USER_AGENT", "auction-ingestion-service/1.0"),
			Timeout:   getEnvDuration("CRAWL_TIMEOUT", 30*time.Second),
			Interval:  getEnvDuration("CRAWL_INTERVAL", 0),
		},
		Server: ServerConfig{
			Port: getEnvInt("SERVER_PORT", 8080),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
			File:  getEnv("LOG_FILE", ""),
		},
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
