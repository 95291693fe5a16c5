package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config stores the application configuration.
type Config struct {
	ServerAddr string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Redis配置
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// MinIO配置
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioRegion    string
	MinioUseSSL    bool
	MediaBaseURL   string // public base URL for re-hosted media, e.g. https://cdn.example.com

	JWTSecret   string
	JWTTokenTTL time.Duration

	// Generation providers
	SunoAPIBaseURL string
	SunoAPIKey     string
	MurekaBaseURL  string
	MurekaAPIKey   string
	CallbackURL    string // base URL providers push webhooks to, e.g. https://api.example.com

	// Lyrics model (pre-step for staged providers)
	LyricsAPIBaseURL string
	LyricsAPIKey     string
	LyricsModel      string
	LyricsMaxTokens  int

	// Polling engine budgets
	PollInterval    time.Duration
	PollMaxAttempts int
	PollTimeout     time.Duration

	// Recovery sweep
	SweepInterval     time.Duration
	SweepMaxResubmits int
	SweepBackoffBase  time.Duration
	SweepLeaseTTL     time.Duration
	SweepStaleAfter   time.Duration

	VariantCacheTTL time.Duration
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

// getEnvBool gets an environment variable as bool or returns a default value.
func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return fallback
}

// getEnvDuration reads a duration in seconds from the environment.
func getEnvDuration(key string, fallbackSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, fallbackSeconds)) * time.Second
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}

	return &Config{
		ServerAddr: getEnv("SERVER_ADDR", ":8080"),

		DBHost:     getEnv("DB_HOST", "127.0.0.1"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: os.Getenv("DB_PASSWORD"), // no hardcoded default for the password
		DBName:     getEnv("DB_NAME", "meloforge"),

		// Redis配置，使用默认值
		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", "127.0.0.1:9000"),
		MinioAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:    getEnv("MINIO_BUCKET", "meloforge"),
		MinioRegion:    getEnv("MINIO_REGION", "us-east-1"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),
		MediaBaseURL:   getEnv("MEDIA_BASE_URL", ""),

		JWTSecret:   getEnv("JWT_SECRET", "meloforge-dev-secret"),
		JWTTokenTTL: getEnvDuration("JWT_TOKEN_TTL", 7*24*3600),

		SunoAPIBaseURL: getEnv("SUNOAPI_BASE_URL", "https://api.sunoapi.org"),
		SunoAPIKey:     os.Getenv("SUNOAPI_KEY"),
		MurekaBaseURL:  getEnv("MUREKA_BASE_URL", "https://api.mureka.ai"),
		MurekaAPIKey:   os.Getenv("MUREKA_KEY"),
		CallbackURL:    getEnv("CALLBACK_URL", ""),

		LyricsAPIBaseURL: getEnv("LYRICS_API_BASE_URL", "https://api.deepseek.com"),
		LyricsAPIKey:     os.Getenv("LYRICS_API_KEY"),
		LyricsModel:      getEnv("LYRICS_MODEL", "deepseek-chat"),
		LyricsMaxTokens:  getEnvInt("LYRICS_MAX_TOKENS", 1024),

		PollInterval:    getEnvDuration("POLL_INTERVAL", 10),
		PollMaxAttempts: getEnvInt("POLL_MAX_ATTEMPTS", 60),
		PollTimeout:     getEnvDuration("POLL_TIMEOUT", 600),

		SweepInterval:     getEnvDuration("SWEEP_INTERVAL", 120),
		SweepMaxResubmits: getEnvInt("SWEEP_MAX_RESUBMITS", 3),
		SweepBackoffBase:  getEnvDuration("SWEEP_BACKOFF_BASE", 60),
		SweepLeaseTTL:     getEnvDuration("SWEEP_LEASE_TTL", 300),
		SweepStaleAfter:   getEnvDuration("SWEEP_STALE_AFTER", 900),

		VariantCacheTTL: getEnvDuration("VARIANT_CACHE_TTL", 600),
	}
}
