package config

import (
	"reflect"
	"testing"
)

var allKeys = []string{
	"HTTP_ADDR", "ANALYZE_RATE_PER_MIN", "CORS_ORIGINS", "DATABASE_DSN", "REDIS_ADDR",
	"CLASSIFIER_ADDR", "JWT_SECRET", "JWT_AUDIENCE", "MODEL_PATH", "ESTIMATOR_DRAWS",
	"ESTIMATOR_WORKERS", "ESTIMATOR_SAMPLER", "ESTIMATOR_JITTER_SIGMA",
	"ESTIMATOR_KEEP_FRACTION", "ESTIMATOR_SEED", "LOG_LEVEL",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range allKeys {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	if cfg.HTTP.Addr != ":8080" {
		t.Fatalf("expected default addr ':8080', got %q", cfg.HTTP.Addr)
	}
	if cfg.Model.Path != "models/ensemble.json" {
		t.Fatalf("expected default model path, got %q", cfg.Model.Path)
	}
	if cfg.Estimator.Draws != 10 || cfg.Estimator.Workers != 4 {
		t.Fatalf("unexpected estimator defaults: %+v", cfg.Estimator)
	}
	if cfg.Estimator.Sampler != "combined" {
		t.Fatalf("expected default sampler 'combined', got %q", cfg.Estimator.Sampler)
	}
	if cfg.Estimator.JitterSigma != 0.02 || cfg.Estimator.KeepFraction != 0.8 || cfg.Estimator.Seed != 42 {
		t.Fatalf("unexpected estimator defaults: %+v", cfg.Estimator)
	}
	if cfg.HTTP.AnalyzeRatePerMin != 60 {
		t.Fatalf("expected default rate 60, got %d", cfg.HTTP.AnalyzeRatePerMin)
	}
	if cfg.Auth.JWTAudience != "" {
		t.Fatalf("expected empty audience, got %q", cfg.Auth.JWTAudience)
	}
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("ESTIMATOR_DRAWS", "25")
	t.Setenv("ESTIMATOR_SAMPLER", "jitter")
	t.Setenv("ESTIMATOR_JITTER_SIGMA", "0.05")
	t.Setenv("ESTIMATOR_SEED", "7")
	t.Setenv("CORS_ORIGINS", "https://a.example, ,https://b.example")

	cfg := Load()

	if cfg.HTTP.Addr != ":9090" {
		t.Fatalf("expected ':9090', got %q", cfg.HTTP.Addr)
	}
	if cfg.Estimator.Draws != 25 || cfg.Estimator.Sampler != "jitter" || cfg.Estimator.JitterSigma != 0.05 || cfg.Estimator.Seed != 7 {
		t.Fatalf("unexpected estimator config: %+v", cfg.Estimator)
	}
	want := []string{"https://a.example", "https://b.example"}
	if !reflect.DeepEqual(cfg.HTTP.CORSOrigins, want) {
		t.Fatalf("expected %v, got %v", want, cfg.HTTP.CORSOrigins)
	}
}

func TestLoad_InvalidNumbersFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("ESTIMATOR_DRAWS", "many")
	t.Setenv("ESTIMATOR_WORKERS", "-3")
	t.Setenv("ESTIMATOR_JITTER_SIGMA", "wide")
	t.Setenv("ESTIMATOR_SEED", "-1")

	cfg := Load()

	if cfg.Estimator.Draws != 10 {
		t.Fatalf("expected fallback draws 10, got %d", cfg.Estimator.Draws)
	}
	if cfg.Estimator.Workers != 4 {
		t.Fatalf("expected fallback workers 4, got %d", cfg.Estimator.Workers)
	}
	if cfg.Estimator.JitterSigma != 0.02 {
		t.Fatalf("expected fallback sigma 0.02, got %v", cfg.Estimator.JitterSigma)
	}
	if cfg.Estimator.Seed != 42 {
		t.Fatalf("expected fallback seed 42, got %d", cfg.Estimator.Seed)
	}
}
