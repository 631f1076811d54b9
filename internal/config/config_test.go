package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"API_ADDR", "PARLEY_DAILY_MESSAGE_LIMIT", "PARLEY_COMPLETIONS_RPS", "REDIS_URL", "MINIO_USE_SSL", "PARLEY_LLM_TIMEOUT"} {
		t.Setenv(key, "")
	}
	cfg := Load()
	if cfg.Addr != ":8787" {
		t.Fatalf("Addr = %q, want :8787", cfg.Addr)
	}
	if cfg.DailyMessageLimit != 1000 {
		t.Fatalf("DailyMessageLimit = %d, want 1000", cfg.DailyMessageLimit)
	}
	if cfg.CompletionsRPS != 1 || cfg.CompletionsBurst != 5 {
		t.Fatalf("rate = %v/%d, want 1/5", cfg.CompletionsRPS, cfg.CompletionsBurst)
	}
	if cfg.RedisURL != "" {
		t.Fatalf("RedisURL = %q, want empty", cfg.RedisURL)
	}
	if cfg.LLMTimeout != 2*time.Minute {
		t.Fatalf("LLMTimeout = %v, want 2m", cfg.LLMTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PARLEY_DAILY_MESSAGE_LIMIT", "25")
	t.Setenv("PARLEY_COMPLETIONS_RPS", "0.5")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("PARLEY_LLM_TIMEOUT", "45s")
	t.Setenv("PARLEY_ACCESS_TTL_SECONDS", "not-a-number")

	cfg := Load()
	if cfg.DailyMessageLimit != 25 {
		t.Fatalf("DailyMessageLimit = %d, want 25", cfg.DailyMessageLimit)
	}
	if cfg.CompletionsRPS != 0.5 {
		t.Fatalf("CompletionsRPS = %v, want 0.5", cfg.CompletionsRPS)
	}
	if !cfg.MinioUseSSL {
		t.Fatal("MinioUseSSL = false, want true")
	}
	if cfg.LLMTimeout != 45*time.Second {
		t.Fatalf("LLMTimeout = %v, want 45s", cfg.LLMTimeout)
	}
	if cfg.AccessTTL != 900*time.Second {
		t.Fatalf("AccessTTL = %v, want fallback 900s", cfg.AccessTTL)
	}
}
