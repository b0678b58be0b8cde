package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	AWS        AWSConfig
	Gemini     GeminiConfig
	Conversion ConversionConfig
	YouTube    YouTubeConfig
	Pipeline   PipelineConfig
	Cache      CacheConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
	MaxUploadMB        int
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL             string // if set, used as-is
	Host            string
	Port            string
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxConns        int
	MaxConnLifetime time.Duration
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AWSConfig holds AWS credentials and the upload bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	Bucket               string
	Endpoint             string // S3-compatible endpoint, e.g. MinIO in development
	PresignExpireMinutes int
}

// GeminiConfig configures the analysis service.
type GeminiConfig struct {
	APIKey string
	Model  string
}

// ConversionConfig configures the document conversion service.
type ConversionConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// YouTubeConfig configures recommendation search.
type YouTubeConfig struct {
	APIKey     string
	PerTopic   int
	MaxResults int
}

// PipelineConfig tunes the stage workers.
type PipelineConfig struct {
	Exchange             string
	TempDir              string // shared by the intake server and the worker
	DedupBackend         string // "memory" or "redis"
	DedupTTL             time.Duration
	DedupSweepInterval   time.Duration
	TranscriptRetries    int
	TranscriptRetryDelay time.Duration
	Concurrency          int
	UploadMaxAttempts    int
	StageMaxAttempts     int
	RetryBackoff         time.Duration
	GateLockWait         time.Duration
}

// CacheConfig controls the per-user read cache.
type CacheConfig struct {
	TTL time.Duration
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 0),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
			MaxUploadMB:        getEnvInt("MAX_UPLOAD_MB", 512),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", "postgres"),
			DBName:          getEnv("DB_NAME", "lectures"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxConns:        getEnvInt("DB_MAX_CONNS", 10),
			MaxConnLifetime: getEnvDuration("DB_MAX_CONN_LIFETIME", time.Hour),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			Bucket:               getEnv("AWS_S3_BUCKET", "lecture-uploads"),
			Endpoint:             getEnv("AWS_S3_ENDPOINT", ""),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Gemini: GeminiConfig{
			APIKey: getEnv("GEMINI_API_KEY", ""),
			Model:  getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		},
		Conversion: ConversionConfig{
			Endpoint: getEnv("CONVERSION_ENDPOINT", "http://localhost:9090/convert"),
			APIKey:   getEnv("CONVERSION_API_KEY", ""),
			Timeout:  getEnvDuration("CONVERSION_TIMEOUT", 120*time.Second),
		},
		YouTube: YouTubeConfig{
			APIKey:     getEnv("YOUTUBE_API_KEY", ""),
			PerTopic:   getEnvInt("YOUTUBE_RESULTS_PER_TOPIC", 5),
			MaxResults: getEnvInt("YOUTUBE_MAX_RECOMMENDATIONS", 10),
		},
		Pipeline: PipelineConfig{
			Exchange:             getEnv("PIPELINE_EXCHANGE", "pipeline"),
			TempDir:              getEnv("PIPELINE_TEMP_DIR", os.TempDir()),
			DedupBackend:         strings.ToLower(getEnv("DEDUP_BACKEND", "memory")),
			DedupTTL:             getEnvDuration("DEDUP_TTL", 10*time.Minute),
			DedupSweepInterval:   getEnvDuration("DEDUP_SWEEP_INTERVAL", time.Minute),
			TranscriptRetries:    getEnvInt("TRANSCRIPT_RETRIES", 3),
			TranscriptRetryDelay: getEnvDuration("TRANSCRIPT_RETRY_DELAY", 5*time.Second),
			Concurrency:          getEnvInt("WORKER_CONCURRENCY", 4),
			UploadMaxAttempts:    getEnvInt("UPLOAD_MAX_ATTEMPTS", 2),
			StageMaxAttempts:     getEnvInt("STAGE_MAX_ATTEMPTS", 3),
			RetryBackoff:         getEnvDuration("RETRY_BACKOFF", 5*time.Second),
			GateLockWait:         getEnvDuration("GATE_LOCK_WAIT", 30*time.Second),
		},
		Cache: CacheConfig{
			TTL: getEnvDuration("CACHE_TTL", 5*time.Minute),
		},
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Pipeline.DedupBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("DEDUP_BACKEND must be memory or redis, got %q", c.Pipeline.DedupBackend)
	}
	if c.Pipeline.UploadMaxAttempts < 1 || c.Pipeline.StageMaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1")
	}
	if c.Pipeline.TranscriptRetries < 0 {
		return fmt.Errorf("TRANSCRIPT_RETRIES must not be negative")
	}
	return nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s", "2m") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
