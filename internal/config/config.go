package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the configuration for the service
type Config struct {
	// HTTP server configuration
	ListenAddr     string
	AllowedOrigins []string

	// Authentication
	JWTSecret string

	// Deepgram configuration
	DeepgramAPIKey   string
	DeepgramEndpoint string

	// Document store configuration. An empty MongoURI selects the
	// in-memory store (development and tests).
	MongoURI      string
	MongoDatabase string

	// Ingestion tuning
	BufferWindow   time.Duration
	AudioQueueSize int
	DrainTimeout   time.Duration

	// GitHub issue integration (optional)
	GitHubToken string
	GitHubRepo  string

	LogLevel string
}

// Load loads configuration from environment variables and flags
func Load() (*Config, error) {
	cfg := &Config{}

	// Set defaults
	cfg.ListenAddr = ":8080"
	cfg.DeepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	cfg.MongoDatabase = "meetstream"
	cfg.BufferWindow = 30 * time.Second
	cfg.AudioQueueSize = 200
	cfg.DrainTimeout = 15 * time.Second
	cfg.LogLevel = "info"

	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	// Load from environment
	cfg.ListenAddr = getEnv("LISTEN_ADDR", cfg.ListenAddr)
	cfg.JWTSecret = getEnv("JWT_SECRET", "")
	cfg.DeepgramAPIKey = getEnv("DEEPGRAM_API_KEY", "")
	cfg.DeepgramEndpoint = getEnv("DEEPGRAM_ENDPOINT", cfg.DeepgramEndpoint)
	cfg.MongoURI = getEnv("MONGO_URI", "")
	cfg.MongoDatabase = getEnv("MONGO_DATABASE", cfg.MongoDatabase)
	cfg.GitHubToken = getEnv("GITHUB_TOKEN", "")
	cfg.GitHubRepo = getEnv("DEFAULT_GITHUB_REPO", "")
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	if origins := getEnv("ALLOWED_ORIGINS", ""); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	if windowStr := getEnv("BUFFER_WINDOW", ""); windowStr != "" {
		if d, err := time.ParseDuration(windowStr); err == nil {
			cfg.BufferWindow = d
		}
	}

	if queueStr := getEnv("AUDIO_QUEUE_SIZE", ""); queueStr != "" {
		if n, err := strconv.Atoi(queueStr); err == nil && n > 0 {
			cfg.AudioQueueSize = n
		}
	}

	if drainStr := getEnv("DRAIN_TIMEOUT", ""); drainStr != "" {
		if d, err := time.ParseDuration(drainStr); err == nil {
			cfg.DrainTimeout = d
		}
	}

	// Override with flags
	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP listen address")
	flag.StringVar(&cfg.MongoURI, "mongo-uri", cfg.MongoURI, "MongoDB connection URI (empty = in-memory store)")
	flag.StringVar(&cfg.MongoDatabase, "mongo-db", cfg.MongoDatabase, "MongoDB database name")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	flag.DurationVar(&cfg.BufferWindow, "buffer-window", cfg.BufferWindow, "Rolling transcript window")
	flag.DurationVar(&cfg.DrainTimeout, "drain-timeout", cfg.DrainTimeout, "Shutdown drain timeout")
	flag.IntVar(&cfg.AudioQueueSize, "audio-queue", cfg.AudioQueueSize, "Per-session audio queue capacity")
	flag.Parse()

	// Validate required fields
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.DeepgramAPIKey == "" {
		return nil, fmt.Errorf("DEEPGRAM_API_KEY is required")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
