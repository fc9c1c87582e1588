package config

import (
	"testing"
	"time"

	"github.com/hitoshi/serialhub/internal/model"
)

// TestLoad_Defaults は必須変数のみ設定した場合のデフォルト値を検証する。
func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/serialhub?sslmode=disable")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.SchedulerBatch != 50 {
		t.Errorf("SchedulerBatch = %d, want 50", cfg.SchedulerBatch)
	}
	if cfg.TierIntervals[model.TierHot] != 15*time.Minute {
		t.Errorf("HOT interval = %v, want 15m", cfg.TierIntervals[model.TierHot])
	}
	if cfg.TierIntervals[model.TierWarm] != 2*time.Hour {
		t.Errorf("WARM interval = %v, want 2h", cfg.TierIntervals[model.TierWarm])
	}
	if cfg.TierIntervals[model.TierCold] != 24*time.Hour {
		t.Errorf("COLD interval = %v, want 24h", cfg.TierIntervals[model.TierCold])
	}
	if cfg.TierPriorities[model.TierHot] != 1 || cfg.TierPriorities[model.TierWarm] != 2 || cfg.TierPriorities[model.TierCold] != 3 {
		t.Errorf("tier priorities = %v, want HOT=1 WARM=2 COLD=3", cfg.TierPriorities)
	}
	if cfg.SyncConcurrency != 5 || cfg.NotifyConcurrency != 10 {
		t.Errorf("concurrency = sync:%d notify:%d, want 5/10", cfg.SyncConcurrency, cfg.NotifyConcurrency)
	}
	if cfg.DiscoverySaturation != 5000 {
		t.Errorf("DiscoverySaturation = %d, want 5000", cfg.DiscoverySaturation)
	}
	if cfg.HeartbeatMaxAge != 15*time.Second {
		t.Errorf("HeartbeatMaxAge = %v, want 15s", cfg.HeartbeatMaxAge)
	}
	if cfg.NotificationDedupWindow != 5*time.Minute {
		t.Errorf("NotificationDedupWindow = %v, want 5m", cfg.NotificationDedupWindow)
	}
	if cfg.ServerPort != "8080" {
		t.Errorf("ServerPort = %q, want 8080", cfg.ServerPort)
	}
}

// TestLoad_MissingDatabaseURL は必須変数の欠落がエラーになることを検証する。
func TestLoad_MissingDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	if _, err := Load(); err == nil {
		t.Error("expected error when DATABASE_URL is not set")
	}
}

// TestLoad_Overrides は環境変数によるデフォルト上書きを検証する。
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/serialhub?sslmode=disable")
	t.Setenv("TIER_HOT_INTERVAL", "5m")
	t.Setenv("SYNC_CONCURRENCY", "8")
	t.Setenv("SYNC_RPS", "2.5")
	t.Setenv("ALLOWED_SOURCE_HOSTS", "example.org, feeds.example.org")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.TierIntervals[model.TierHot] != 5*time.Minute {
		t.Errorf("HOT interval = %v, want 5m", cfg.TierIntervals[model.TierHot])
	}
	if cfg.SyncConcurrency != 8 {
		t.Errorf("SyncConcurrency = %d, want 8", cfg.SyncConcurrency)
	}
	if cfg.SyncRPS != 2.5 {
		t.Errorf("SyncRPS = %v, want 2.5", cfg.SyncRPS)
	}
	if len(cfg.AllowedSourceHosts) != 2 || cfg.AllowedSourceHosts[1] != "feeds.example.org" {
		t.Errorf("AllowedSourceHosts = %v, want trimmed 2-element list", cfg.AllowedSourceHosts)
	}
}

// TestLoad_InvalidValuesFallBack は不正な値がデフォルトへフォールバックすることを検証する。
func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/serialhub?sslmode=disable")
	t.Setenv("SCHEDULER_BATCH", "not-a-number")
	t.Setenv("FETCH_TIMEOUT", "forever")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.SchedulerBatch != 50 {
		t.Errorf("SchedulerBatch = %d, want default 50", cfg.SchedulerBatch)
	}
	if cfg.FetchTimeout != 10*time.Second {
		t.Errorf("FetchTimeout = %v, want default 10s", cfg.FetchTimeout)
	}
}

// TestValidateTierTables はティアテーブルの網羅検証を検証する。
func TestValidateTierTables(t *testing.T) {
	valid := map[model.SyncTier]time.Duration{
		model.TierHot:  15 * time.Minute,
		model.TierWarm: 2 * time.Hour,
		model.TierCold: 24 * time.Hour,
	}
	validPriorities := map[model.SyncTier]int{
		model.TierHot:  1,
		model.TierWarm: 2,
		model.TierCold: 3,
	}

	if err := validateTierTables(valid, validPriorities); err != nil {
		t.Errorf("valid tables should pass, got: %v", err)
	}

	missing := map[model.SyncTier]time.Duration{
		model.TierHot:  15 * time.Minute,
		model.TierWarm: 2 * time.Hour,
	}
	if err := validateTierTables(missing, validPriorities); err == nil {
		t.Error("missing COLD interval should fail validation")
	}

	negative := map[model.SyncTier]time.Duration{
		model.TierHot:  -time.Minute,
		model.TierWarm: 2 * time.Hour,
		model.TierCold: 24 * time.Hour,
	}
	if err := validateTierTables(negative, validPriorities); err == nil {
		t.Error("non-positive interval should fail validation")
	}

	missingPriority := map[model.SyncTier]int{
		model.TierHot:  1,
		model.TierWarm: 2,
	}
	if err := validateTierTables(valid, missingPriority); err == nil {
		t.Error("missing COLD priority should fail validation")
	}
}
