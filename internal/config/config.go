// Package config reads service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds all service configuration.
type Config struct {
	HTTP       HTTPConfig
	Storage    StorageConfig
	Classifier ClassifierConfig
	Auth       AuthConfig
	Model      ModelConfig
	Estimator  EstimatorConfig
	LogLevel   string
}

// HTTPConfig holds listener and edge settings.
type HTTPConfig struct {
	Addr              string
	AnalyzeRatePerMin int
	CORSOrigins       []string
}

// StorageConfig holds Postgres and Redis connection settings.
type StorageConfig struct {
	DatabaseDSN string
	RedisAddr   string
}

// ClassifierConfig locates the upstream classifier.
type ClassifierConfig struct {
	Addr string
}

// AuthConfig holds JWT validation settings.
type AuthConfig struct {
	JWTSecret   string
	JWTAudience string
}

// ModelConfig locates the aggregator artifact.
type ModelConfig struct {
	Path string
}

// EstimatorConfig tunes the uncertainty estimator.
type EstimatorConfig struct {
	Draws        int
	Workers      int
	Sampler      string // "combined", "jitter", "subensemble", "none"
	JitterSigma  float64
	KeepFraction float64
	Seed         uint64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:              getenv("HTTP_ADDR", ":8080"),
			AnalyzeRatePerMin: getenvInt("ANALYZE_RATE_PER_MIN", 60),
			CORSOrigins:       getenvList("CORS_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
		},
		Storage: StorageConfig{
			DatabaseDSN: getenv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=lesions port=5432 sslmode=disable"),
			RedisAddr:   getenv("REDIS_ADDR", "redis:6379"),
		},
		Classifier: ClassifierConfig{
			Addr: getenv("CLASSIFIER_ADDR", "classifier:50051"),
		},
		Auth: AuthConfig{
			JWTSecret:   getenv("JWT_SECRET", "dev-secret"),
			JWTAudience: os.Getenv("JWT_AUDIENCE"),
		},
		Model: ModelConfig{
			Path: getenv("MODEL_PATH", "models/ensemble.json"),
		},
		Estimator: EstimatorConfig{
			Draws:        getenvInt("ESTIMATOR_DRAWS", 10),
			Workers:      getenvInt("ESTIMATOR_WORKERS", 4),
			Sampler:      getenv("ESTIMATOR_SAMPLER", "combined"),
			JitterSigma:  getenvFloat("ESTIMATOR_JITTER_SIGMA", 0.02),
			KeepFraction: getenvFloat("ESTIMATOR_KEEP_FRACTION", 0.8),
			Seed:         getenvUint("ESTIMATOR_SEED", 42),
		},
		LogLevel: getenv("LOG_LEVEL", "info"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

func getenvUint(key string, fallback uint64) uint64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getenvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

// getenvList splits a comma-separated value, dropping empty entries.
func getenvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
