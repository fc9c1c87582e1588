package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/serialhub/internal/broadcast"
	"github.com/hitoshi/serialhub/internal/catalog"
	"github.com/hitoshi/serialhub/internal/config"
	"github.com/hitoshi/serialhub/internal/coordination"
	"github.com/hitoshi/serialhub/internal/health"
	"github.com/hitoshi/serialhub/internal/metrics"
	"github.com/hitoshi/serialhub/internal/model"
	"github.com/hitoshi/serialhub/internal/queue"
	"github.com/hitoshi/serialhub/internal/repository"
	"github.com/hitoshi/serialhub/internal/scraper"
	"github.com/hitoshi/serialhub/internal/security"
	"github.com/hitoshi/serialhub/internal/worker/canonical"
	"github.com/hitoshi/serialhub/internal/worker/cleanup"
	"github.com/hitoshi/serialhub/internal/worker/discovery"
	"github.com/hitoshi/serialhub/internal/worker/notify"
	"github.com/hitoshi/serialhub/internal/worker/schedule"
	"github.com/hitoshi/serialhub/internal/worker/syncer"
)

// queueDepthInterval はキュー深さゲージの更新間隔。
const queueDepthInterval = 15 * time.Second

// pipeline は同期パイプライン一式（キュー、ワーカー、スケジューラ、協調機構）を
// ワイヤリングした実行単位。serveモードとworkerモードで共有される。
type pipeline struct {
	cfg    *config.Config
	logger *slog.Logger

	seriesRepo repository.SeriesRepository

	syncQ      *queue.Queue
	discoveryQ *queue.Queue
	canonicalQ *queue.Queue
	notifyQ    *queue.Queue

	scheduler  *schedule.Scheduler
	syncer     *syncer.Syncer
	discoverer *discovery.Discoverer
	canon      *canonical.Canonicalizer
	notifier   *notify.Notifier
	cleanupJob *cleanup.CleanupJob
	heartbeat  *coordination.Heartbeat

	hub       *broadcast.Hub
	gate      *health.Gate
	cooldown  *coordination.Cooldown
	collector *metrics.Collector
	registry  prometheus.Gatherer
}

// newPipeline はパイプライン全体の依存関係を構築する。
// キューはこの時点では起動しない（Startで起動する）。
func newPipeline(cfg *config.Config, db *sql.DB, store *coordination.RedisStore, logger *slog.Logger) (*pipeline, error) {
	// リポジトリ
	sourceRepo := repository.NewPostgresSourceRepo(db)
	seriesRepo := repository.NewPostgresSeriesRepo(db)
	canonicalStore := repository.NewPostgresCanonicalStore(db)
	notificationRepo := repository.NewPostgresNotificationRepo(db)

	// セキュリティサービス
	guard := security.NewHostGuard(cfg.AllowedSourceHosts)
	sanitizer := security.NewDescriptionSanitizer()

	// メトリクス
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	// キュー（外部APIを呼ぶsyncとdiscoveryのみレートリミッタを持つ）
	baseOpts := queue.Options{
		MaxAttempts: cfg.QueueMaxAttempts,
		BackoffBase: cfg.QueueBackoffBase,
		BackoffCap:  cfg.QueueBackoffCap,
		Retention:   cfg.QueueRetention,
		Logger:      logger,
	}

	syncOpts := baseOpts
	syncOpts.Workers = cfg.SyncConcurrency
	syncOpts.Limiter = rate.NewLimiter(rate.Limit(cfg.SyncRPS), 1)
	syncQ := queue.New("sync", syncOpts)

	discoveryOpts := baseOpts
	discoveryOpts.Workers = cfg.DiscoveryConcurrency
	discoveryOpts.Limiter = rate.NewLimiter(rate.Limit(cfg.DiscoveryRPS), 1)
	discoveryQ := queue.New("discovery", discoveryOpts)

	canonicalOpts := baseOpts
	canonicalOpts.Workers = cfg.CanonicalConcurrency
	canonicalQ := queue.New("canonical", canonicalOpts)

	notifyOpts := baseOpts
	notifyOpts.Workers = cfg.NotifyConcurrency
	notifyQ := queue.New("notify", notifyOpts)

	// スクレイパーレジストリ（対応ソースは起動時に確定する閉集合）
	scraperRegistry, err := scraper.NewRegistry(
		scraper.NewMangadexScraper(cfg.CatalogBaseURL, guard, cfg.FetchTimeout),
		scraper.NewRSSScraper("mangapill", guard, cfg.FetchTimeout),
		scraper.NewRSSScraper("asurascans", guard, cfg.FetchTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("スクレイパーレジストリの構築に失敗しました: %w", err)
	}

	// 外部カタログクライアント
	searcher := catalog.NewClient(
		cfg.CatalogBaseURL, guard, sanitizer,
		cfg.FetchTimeout, cfg.CatalogPageSize, cfg.CatalogMaxPages,
	)

	// 協調機構
	cooldown := coordination.NewCooldown(store, cfg.DiscoveryCooldown)
	heartbeat := coordination.NewHeartbeat(
		store, health.SyncWorkerName,
		cfg.HeartbeatInterval, cfg.HeartbeatMaxAge, logger,
	)

	// ワーカー
	hub := broadcast.NewHub(logger)
	circuitHold := cfg.TierIntervals[model.TierCold]

	p := &pipeline{
		cfg:        cfg,
		logger:     logger,
		seriesRepo: seriesRepo,
		syncQ:      syncQ,
		discoveryQ: discoveryQ,
		canonicalQ: canonicalQ,
		notifyQ:    notifyQ,
		scheduler: schedule.NewScheduler(
			sourceRepo, syncQ, cfg.TierIntervals, cfg.TierPriorities, cfg.SchedulerBatch, logger),
		syncer: syncer.NewSyncer(
			sourceRepo, seriesRepo, scraperRegistry, notifyQ, discoveryQ, collector, circuitHold, logger),
		discoverer: discovery.NewDiscoverer(
			searcher, seriesRepo, canonicalQ, cooldown, store, cfg.TrustedSource, logger),
		canon: canonical.NewCanonicalizer(
			canonicalStore, hub, collector, cfg.TrustedSource, logger),
		notifier: notify.NewNotifier(
			seriesRepo, notificationRepo, collector, cfg.NotificationDedupWindow, logger),
		cleanupJob: cleanup.NewCleanupJob(notificationRepo, logger),
		heartbeat:  heartbeat,
		hub:        hub,
		cooldown:   cooldown,
		collector:  collector,
		registry:   reg,
	}
	p.cleanupJob.Retention = cfg.NotificationRetention
	p.gate = health.NewGate(store, discoveryQ, cfg.HeartbeatMaxAge, cfg.DiscoverySaturation, logger)

	return p, nil
}

// Start は全キューのワーカー、スケジューラ、ハートビート、クリーンアップ、
// キュー深さゲージの更新ループを起動する。コンテキストのキャンセルで停止する。
func (p *pipeline) Start(ctx context.Context) {
	p.syncQ.Start(ctx, p.syncer.Handle)
	p.discoveryQ.Start(ctx, p.discoverer.Handle)
	p.canonicalQ.Start(ctx, p.canon.Handle)
	p.notifyQ.Start(ctx, p.notifier.Handle)

	go p.heartbeat.Start(ctx)
	go p.scheduler.Start(ctx, p.cfg.SchedulerInterval)
	go p.cleanupJob.Start(ctx, 24*time.Hour)
	go p.updateQueueDepths(ctx)

	p.logger.Info("pipeline started",
		slog.Int("sync_workers", p.cfg.SyncConcurrency),
		slog.Int("discovery_workers", p.cfg.DiscoveryConcurrency),
		slog.Int("canonical_workers", p.cfg.CanonicalConcurrency),
		slog.Int("notify_workers", p.cfg.NotifyConcurrency),
	)
}

// Wait は全キューワーカーの停止を待つ。
func (p *pipeline) Wait() {
	p.syncQ.Wait()
	p.discoveryQ.Wait()
	p.canonicalQ.Wait()
	p.notifyQ.Wait()
}

// updateQueueDepths はキュー深さゲージを定期更新する。
func (p *pipeline) updateQueueDepths(ctx context.Context) {
	ticker := time.NewTicker(queueDepthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.collector.SetQueueDepth("sync", p.syncQ.Counts().Depth())
			p.collector.SetQueueDepth("discovery", p.discoveryQ.Counts().Depth())
			p.collector.SetQueueDepth("canonical", p.canonicalQ.Counts().Depth())
			p.collector.SetQueueDepth("notify", p.notifyQ.Counts().Depth())
		}
	}
}
