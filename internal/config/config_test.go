package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"THRESHOLD", "EMBEDDING_DIM", "MATCH_PREFILTER", "MATCH_CONCURRENCY",
		"HTTP_ADDR", "PROFILE_CACHE_TTL", "RECOGNIZE_RATE", "RECOGNIZE_BURST",
		"DATABASE_MAX_OPEN_CONNS",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Match.Threshold != DefaultThreshold {
		t.Errorf("expected default threshold %v, got %v", DefaultThreshold, cfg.Match.Threshold)
	}
	if cfg.Match.EmbeddingDim != DefaultEmbeddingDim {
		t.Errorf("expected default dim %d, got %d", DefaultEmbeddingDim, cfg.Match.EmbeddingDim)
	}
	if cfg.Match.Prefilter {
		t.Error("expected prefilter disabled by default")
	}
	if cfg.Match.Concurrency != 4 {
		t.Errorf("expected concurrency 4, got %d", cfg.Match.Concurrency)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.HTTPAddr)
	}
	if cfg.Redis.ProfileCacheTTL != 10*time.Minute {
		t.Errorf("expected 10m profile ttl, got %v", cfg.Redis.ProfileCacheTTL)
	}
	if cfg.Database.MaxOpenConns != 10 {
		t.Errorf("expected 10 open conns, got %d", cfg.Database.MaxOpenConns)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("THRESHOLD", "0.04")
	t.Setenv("EMBEDDING_DIM", "128")
	t.Setenv("MATCH_PREFILTER", "true")
	t.Setenv("MATCH_CONCURRENCY", "8")
	t.Setenv("PROFILE_CACHE_TTL", "30s")
	t.Setenv("RECOGNIZE_RATE", "2.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Match.Threshold != 0.04 {
		t.Errorf("expected threshold 0.04, got %v", cfg.Match.Threshold)
	}
	if cfg.Match.EmbeddingDim != 128 {
		t.Errorf("expected dim 128, got %d", cfg.Match.EmbeddingDim)
	}
	if !cfg.Match.Prefilter {
		t.Error("expected prefilter enabled")
	}
	if cfg.Match.Concurrency != 8 {
		t.Errorf("expected concurrency 8, got %d", cfg.Match.Concurrency)
	}
	if cfg.Redis.ProfileCacheTTL != 30*time.Second {
		t.Errorf("expected 30s ttl, got %v", cfg.Redis.ProfileCacheTTL)
	}
	if cfg.Limits.RecognizeRate != 2.5 {
		t.Errorf("expected rate 2.5, got %v", cfg.Limits.RecognizeRate)
	}
}

func TestLoadRejectsInvalidThreshold(t *testing.T) {
	for _, raw := range []string{"-0.1", "abc", "NaN", "+Inf"} {
		t.Run(raw, func(t *testing.T) {
			t.Setenv("THRESHOLD", raw)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for THRESHOLD=%q", raw)
			}
		})
	}
}

func TestEnvIntFallsBackOnInvalidValues(t *testing.T) {
	tests := []struct {
		value    string
		expected int
	}{
		{"", 7},
		{"12", 12},
		{"0", 7},
		{"-3", 7},
		{"ten", 7},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("FACEID_TEST_INT", tt.value)
			if got := envInt("FACEID_TEST_INT", 7); got != tt.expected {
				t.Errorf("envInt(%q) = %d, want %d", tt.value, got, tt.expected)
			}
		})
	}
}
