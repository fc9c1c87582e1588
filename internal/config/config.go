// Package config は環境変数からのアプリケーション設定読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/serialhub/internal/model"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Coordination store (Redis)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Scheduler
	SchedulerInterval time.Duration
	SchedulerBatch    int

	// ティア設定テーブル。文字列定数による暗黙のマッピングではなく、
	// 起動時に網羅検証される明示的なテーブルとして保持する。
	TierIntervals  map[model.SyncTier]time.Duration
	TierPriorities map[model.SyncTier]int

	// Queue
	SyncConcurrency      int
	DiscoveryConcurrency int
	CanonicalConcurrency int
	NotifyConcurrency    int
	SyncRPS              float64
	DiscoveryRPS         float64
	QueueMaxAttempts     int
	QueueBackoffBase     time.Duration
	QueueBackoffCap      time.Duration
	QueueRetention       int

	// Sync worker
	FetchTimeout       time.Duration
	AllowedSourceHosts []string

	// External catalog
	CatalogBaseURL  string
	CatalogPageSize int
	CatalogMaxPages int
	TrustedSource   string

	// Health / backpressure
	HeartbeatInterval   time.Duration
	HeartbeatMaxAge     time.Duration
	DiscoverySaturation int

	// Notification
	NotificationDedupWindow time.Duration
	NotificationRetention   time.Duration

	// Discovery cooldown
	DiscoveryCooldown time.Duration

	// Server
	ServerPort string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、またはティアテーブルの検証に失敗した場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.RedisAddr = getEnvString("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = getEnvString("REDIS_PASSWORD", "")
	cfg.RedisDB = getEnvInt("REDIS_DB", 0)

	cfg.SchedulerInterval = getEnvDuration("SCHEDULER_INTERVAL", 1*time.Minute)
	cfg.SchedulerBatch = getEnvInt("SCHEDULER_BATCH", 50)

	cfg.TierIntervals = map[model.SyncTier]time.Duration{
		model.TierHot:  getEnvDuration("TIER_HOT_INTERVAL", 15*time.Minute),
		model.TierWarm: getEnvDuration("TIER_WARM_INTERVAL", 2*time.Hour),
		model.TierCold: getEnvDuration("TIER_COLD_INTERVAL", 24*time.Hour),
	}
	cfg.TierPriorities = map[model.SyncTier]int{
		model.TierHot:  1,
		model.TierWarm: 2,
		model.TierCold: 3,
	}
	if err := validateTierTables(cfg.TierIntervals, cfg.TierPriorities); err != nil {
		return nil, err
	}

	cfg.SyncConcurrency = getEnvInt("SYNC_CONCURRENCY", 5)
	cfg.DiscoveryConcurrency = getEnvInt("DISCOVERY_CONCURRENCY", 5)
	cfg.CanonicalConcurrency = getEnvInt("CANONICAL_CONCURRENCY", 5)
	cfg.NotifyConcurrency = getEnvInt("NOTIFY_CONCURRENCY", 10)
	cfg.SyncRPS = getEnvFloat("SYNC_RPS", 5)
	cfg.DiscoveryRPS = getEnvFloat("DISCOVERY_RPS", 4)
	cfg.QueueMaxAttempts = getEnvInt("QUEUE_MAX_ATTEMPTS", 3)
	cfg.QueueBackoffBase = getEnvDuration("QUEUE_BACKOFF_BASE", 30*time.Second)
	cfg.QueueBackoffCap = getEnvDuration("QUEUE_BACKOFF_CAP", 10*time.Minute)
	cfg.QueueRetention = getEnvInt("QUEUE_RETENTION", 200)

	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.AllowedSourceHosts = getEnvStringList("ALLOWED_SOURCE_HOSTS",
		"mangadex.org,api.mangadex.org,mangapill.com,asurascans.com")

	cfg.CatalogBaseURL = getEnvString("CATALOG_BASE_URL", "https://api.mangadex.org")
	cfg.CatalogPageSize = getEnvInt("CATALOG_PAGE_SIZE", 32)
	cfg.CatalogMaxPages = getEnvInt("CATALOG_MAX_PAGES", 3)
	cfg.TrustedSource = getEnvString("TRUSTED_SOURCE", "mangadex")

	cfg.HeartbeatInterval = getEnvDuration("HEARTBEAT_INTERVAL", 5*time.Second)
	cfg.HeartbeatMaxAge = getEnvDuration("HEARTBEAT_MAX_AGE", 15*time.Second)
	cfg.DiscoverySaturation = getEnvInt("DISCOVERY_SATURATION", 5000)

	cfg.NotificationDedupWindow = getEnvDuration("NOTIFICATION_DEDUP_WINDOW", 5*time.Minute)
	cfg.NotificationRetention = getEnvDuration("NOTIFICATION_RETENTION", 30*24*time.Hour)

	cfg.DiscoveryCooldown = getEnvDuration("DISCOVERY_COOLDOWN", 10*time.Minute)

	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")

	return cfg, nil
}

// validateTierTables はティア設定テーブルが全ティアを網羅しているかを検証する。
// 欠けたティアや非正値の間隔は設定エラーとして起動を中断する。
func validateTierTables(intervals map[model.SyncTier]time.Duration, priorities map[model.SyncTier]int) error {
	for _, tier := range model.ValidTiers {
		interval, ok := intervals[tier]
		if !ok {
			return fmt.Errorf("tier interval table is missing tier %s", tier)
		}
		if interval <= 0 {
			return fmt.Errorf("tier interval for %s must be positive, got %s", tier, interval)
		}
		priority, ok := priorities[tier]
		if !ok {
			return fmt.Errorf("tier priority table is missing tier %s", tier)
		}
		if priority <= 0 {
			return fmt.Errorf("tier priority for %s must be positive, got %d", tier, priority)
		}
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvStringList(key, defaultVal string) []string {
	v := os.Getenv(key)
	if v == "" {
		v = defaultVal
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
