package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultThreshold is the acceptance threshold for the mean absolute
// distance between two 512-dimensional embeddings.
const DefaultThreshold = 0.03

// DefaultEmbeddingDim is the canonical embedding length.
const DefaultEmbeddingDim = 512

type Config struct {
	HTTPAddr string
	LogLevel string
	Database DatabaseConfig
	Redis    RedisConfig
	Pipeline PipelineConfig
	Auth     AuthConfig
	Match    MatchConfig
	Limits   LimitsConfig
}

type DatabaseConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Addr            string
	ProfileCacheTTL time.Duration
}

type PipelineConfig struct {
	Addr    string        // gRPC face detection/extraction service
	Timeout time.Duration // per-image deadline
}

type AuthConfig struct {
	JWTSecret   string
	JWTAudience string
}

type MatchConfig struct {
	Threshold    float64
	EmbeddingDim int
	Prefilter    bool // scan only the average-face band
	Concurrency  int  // faces of one image matched in parallel
}

type LimitsConfig struct {
	RecognizeRate  float64 // requests per second
	RecognizeBurst int
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

func envPositiveFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 || math.IsInf(f, 0) {
		return defaultVal
	}
	return f
}

// parseThreshold is strict: a mistyped threshold silently changes who gets
// recognised, so it fails startup instead of falling back.
func parseThreshold(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultThreshold, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("THRESHOLD: %w", err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, fmt.Errorf("THRESHOLD must be a finite non-negative number, got %q", raw)
	}
	return f, nil
}

// Load reads the configuration from the environment. A .env file in the
// working directory is optional.
func Load() (*Config, error) {
	_ = godotenv.Load()

	threshold, err := parseThreshold(os.Getenv("THRESHOLD"))
	if err != nil {
		return nil, err
	}

	return &Config{
		HTTPAddr: envString("HTTP_ADDR", ":8080"),
		LogLevel: envString("LOG_LEVEL", "info"),
		Database: DatabaseConfig{
			DSN:          envString("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=faceid port=5432 sslmode=disable"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 10),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		Redis: RedisConfig{
			Addr:            envString("REDIS_ADDR", "redis:6379"),
			ProfileCacheTTL: envDuration("PROFILE_CACHE_TTL", 10*time.Minute),
		},
		Pipeline: PipelineConfig{
			Addr:    envString("PIPELINE_ADDR", "face-pipeline:50051"),
			Timeout: envDuration("PIPELINE_TIMEOUT", 10*time.Second),
		},
		Auth: AuthConfig{
			JWTSecret:   envString("JWT_SECRET", "dev-secret"),
			JWTAudience: os.Getenv("JWT_AUDIENCE"),
		},
		Match: MatchConfig{
			Threshold:    threshold,
			EmbeddingDim: envInt("EMBEDDING_DIM", DefaultEmbeddingDim),
			Prefilter:    envBool("MATCH_PREFILTER", false),
			Concurrency:  envInt("MATCH_CONCURRENCY", 4),
		},
		Limits: LimitsConfig{
			RecognizeRate:  envPositiveFloat("RECOGNIZE_RATE", 10),
			RecognizeBurst: envInt("RECOGNIZE_BURST", 20),
		},
	}, nil
}
