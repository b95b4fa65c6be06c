package config

import (
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("HISTORY_WINDOW", "")
	t.Setenv("SESSION_KINDS", "")

	cfg := Load()
	if cfg.StoreBackend != "memory" {
		t.Fatalf("expected memory backend, got %q", cfg.StoreBackend)
	}
	if cfg.HistoryWindow != 4 {
		t.Fatalf("expected window 4, got %d", cfg.HistoryWindow)
	}
	if cfg.SuccessToastDuration != 3*time.Second || cfg.ErrorToastDuration != 5*time.Second {
		t.Fatalf("unexpected toast durations %v %v", cfg.SuccessToastDuration, cfg.ErrorToastDuration)
	}
	if !reflect.DeepEqual(cfg.SessionKinds, []string{"txt2img", "img2img"}) {
		t.Fatalf("unexpected kinds %v", cfg.SessionKinds)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "Redis")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("HISTORY_WINDOW", "6")
	t.Setenv("ERROR_TOAST_DURATION", "7s")
	t.Setenv("SESSION_KINDS", " img2img , ,")
	t.Setenv("RATE_LIMIT_REFILL_PER_SEC", "2.5")
	t.Setenv("DEVWORKER_S3_PATH_STYLE", "true")

	cfg := Load()
	if cfg.StoreBackend != "redis" || cfg.RedisDB != 3 || cfg.HistoryWindow != 6 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.ErrorToastDuration != 7*time.Second {
		t.Fatalf("expected 7s, got %v", cfg.ErrorToastDuration)
	}
	if !reflect.DeepEqual(cfg.SessionKinds, []string{"img2img"}) {
		t.Fatalf("unexpected kinds %v", cfg.SessionKinds)
	}
	if cfg.RateLimitRefill != 2.5 || !cfg.DevWorker.S3PathStyle {
		t.Fatalf("unexpected rate/s3 settings: %+v", cfg)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("HISTORY_WINDOW", "four")
	t.Setenv("SUCCESS_TOAST_DURATION", "soon")
	t.Setenv("DEVWORKER_MINIO_USE_SSL", "maybe")

	cfg := Load()
	if cfg.HistoryWindow != 4 || cfg.SuccessToastDuration != 3*time.Second || cfg.DevWorker.MinioUseSSL {
		t.Fatalf("malformed values should fall back to defaults: %+v", cfg)
	}
}
