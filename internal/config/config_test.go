package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Binder.Seed != 42 || cfg.Binder.NCards != 20000 || cfg.Binder.NGeos != 500 {
		t.Errorf("unexpected binder defaults: %+v", cfg.Binder)
	}
	if cfg.Binder.PNewIP != 0.03 {
		t.Errorf("expected p_new_ip 0.03, got %v", cfg.Binder.PNewIP)
	}
	if cfg.Partition.TestSize != 0.2 {
		t.Errorf("expected test_size 0.2, got %v", cfg.Partition.TestSize)
	}
	if cfg.Alerting.Threshold != 0.90 || cfg.Alerting.TopK != 200 {
		t.Errorf("unexpected alerting defaults: %+v", cfg.Alerting)
	}
	if cfg.Features.WindowSecs != 600 {
		t.Errorf("expected window 600, got %v", cfg.Features.WindowSecs)
	}
	if cfg.Cache.LocalTTL != 30*time.Minute {
		t.Errorf("expected local ttl 30m, got %v", cfg.Cache.LocalTTL)
	}
	if len(cfg.Model.Terms) != len(domain.DefaultModelTerms()) {
		t.Errorf("expected default model terms, got %d", len(cfg.Model.Terms))
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kestrel.yaml")
	content := `
binder:
  seed: 7
  n_cards: 100
features:
  window_bound: exclusive
  amount_stats: card
cache:
  local_ttl: 90s
model:
  bias: -2.5
  terms:
    - feature: amt_robust_z
      weight: 0.5
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Binder.Seed != 7 || cfg.Binder.NCards != 100 {
		t.Errorf("expected file overrides, got %+v", cfg.Binder)
	}
	if cfg.Binder.NMerchants != 3000 {
		t.Errorf("expected untouched default n_merchants 3000, got %d", cfg.Binder.NMerchants)
	}
	if cfg.Features.WindowBound != "exclusive" || cfg.Features.AmountStats != domain.AmountStatsCard {
		t.Errorf("unexpected features: %+v", cfg.Features)
	}
	if cfg.Cache.LocalTTL != 90*time.Second {
		t.Errorf("expected 90s, got %v", cfg.Cache.LocalTTL)
	}
	if cfg.Model.Bias != -2.5 || len(cfg.Model.Terms) != 1 || cfg.Model.Terms[0].Weight != 0.5 {
		t.Errorf("unexpected model: %+v", cfg.Model)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug, got %s", cfg.Logging.Level)
	}
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("KESTREL_BINDER__N_CARDS", "250")
	t.Setenv("KESTREL_ALERTING__THRESHOLD", "0.75")
	t.Setenv("KESTREL_REPOSITORY__SQLITE_PATH", "/tmp/kestrel-env.db")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Binder.NCards != 250 {
		t.Errorf("expected 250 cards, got %d", cfg.Binder.NCards)
	}
	if cfg.Alerting.Threshold != 0.75 {
		t.Errorf("expected threshold 0.75, got %v", cfg.Alerting.Threshold)
	}
	if cfg.Repository.SQLitePath != "/tmp/kestrel-env.db" {
		t.Errorf("unexpected sqlite path %s", cfg.Repository.SQLitePath)
	}
}

func TestLoadInvalid(t *testing.T) {
	t.Run("Validation", func(t *testing.T) {
		t.Setenv("KESTREL_PARTITION__TEST_SIZE", "1.5")
		_, err := Load("")
		if !errors.Is(err, domain.ErrInvalidConfig) {
			t.Fatalf("expected ErrInvalidConfig, got %v", err)
		}
		var cfgErr *domain.ConfigError
		if !errors.As(err, &cfgErr) || cfgErr.Field != "partition.test_size" {
			t.Errorf("expected partition.test_size error, got %v", err)
		}
	})

	t.Run("MissingFile", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
			t.Error("expected error for missing config file")
		}
	})
}

func TestEnvKey(t *testing.T) {
	if k := envKey("KESTREL_EVENT_BUS__NATS_URL"); k != "event_bus.nats_url" {
		t.Errorf("expected event_bus.nats_url, got %s", k)
	}
}
