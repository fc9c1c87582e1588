// Package syncer はソース同期ジョブの実行を提供する。
// スクレイパーによるチャプター取得、差分の永続化、遮断制御、
// 新着チャプター通知ジョブの投入を行う。
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/serialhub/internal/metrics"
	"github.com/hitoshi/serialhub/internal/model"
	"github.com/hitoshi/serialhub/internal/queue"
	"github.com/hitoshi/serialhub/internal/repository"
	"github.com/hitoshi/serialhub/internal/scraper"
	"github.com/hitoshi/serialhub/internal/worker/jobs"
)

// ScraperRegistry はソース名からスクレイパーを引くインターフェース。
type ScraperRegistry interface {
	Get(sourceName string) (scraper.Scraper, error)
}

// Enqueuer は通知キューへの投入インターフェース。
type Enqueuer interface {
	Enqueue(key string, priority int, payload any) bool
}

// SeriesFinder はソースの属するシリーズを引くインターフェース。
// カタログ未紐付けシリーズの判定に使う。
type SeriesFinder interface {
	FindByID(ctx context.Context, id string) (*model.Series, error)
}

// notifyPriority は通知ジョブの優先度。通知キューは単一優先度で運用する。
const notifyPriority = 1

// discoverySystemPriority はシステム起点の発見ジョブの優先度。
// ユーザー検索起点（優先度1）より後に処理される。
const discoverySystemPriority = 2

// Syncer はソース同期ジョブのハンドラ。
type Syncer struct {
	sourceRepo     repository.SourceRepository
	seriesRepo     SeriesFinder
	registry       ScraperRegistry
	notifyQueue    Enqueuer
	discoveryQueue Enqueuer
	collector      metrics.MetricsCollector
	// circuitHold は遮断されたソースを眠らせる期間（COLDティアの間隔）。
	circuitHold time.Duration
	logger      *slog.Logger
}

// NewSyncer はSyncerの新しいインスタンスを生成する。
func NewSyncer(
	sourceRepo repository.SourceRepository,
	seriesRepo SeriesFinder,
	registry ScraperRegistry,
	notifyQueue Enqueuer,
	discoveryQueue Enqueuer,
	collector metrics.MetricsCollector,
	circuitHold time.Duration,
	logger *slog.Logger,
) *Syncer {
	return &Syncer{
		sourceRepo:     sourceRepo,
		seriesRepo:     seriesRepo,
		registry:       registry,
		notifyQueue:    notifyQueue,
		discoveryQueue: discoveryQueue,
		collector:      collector,
		circuitHold:    circuitHold,
		logger:         logger,
	}
}

// Handle は同期ジョブを1件処理する。queue.Handlerとして登録される。
func (s *Syncer) Handle(ctx context.Context, job *queue.Job) error {
	payload, ok := job.Payload.(jobs.SyncJob)
	if !ok {
		return model.NewValidationError(fmt.Sprintf("同期ジョブのペイロードが不正です: %T", job.Payload))
	}

	src, err := s.sourceRepo.FindByID(ctx, payload.SourceID)
	if err != nil {
		return model.NewTransientError("ソースレコードの取得に失敗しました", err)
	}
	if src == nil {
		// エンキューから処理までの間にソースが消えた。リトライしても戻らない。
		return model.NewNotFoundError(fmt.Sprintf("ソースレコードが存在しません: %s", payload.SourceID))
	}

	// 遮断判定: 連続失敗が閾値を超えたソースはネットワークアクセスを行わず、
	// COLDに降格して遮断期間だけ眠らせる。
	if src.CircuitOpen() {
		if err := s.sourceRepo.MarkCircuitOpen(ctx, src.ID, time.Now().Add(s.circuitHold)); err != nil {
			return model.NewTransientError("ソースの遮断状態更新に失敗しました", err)
		}
		s.collector.RecordCircuitOpen(src.SourceName)
		s.logger.Warn("source circuit opened",
			slog.String("source_id", src.ID),
			slog.String("source_name", src.SourceName),
			slog.Int("failure_count", src.FailureCount),
		)
		return model.NewCircuitOpenError(src.ID)
	}

	sc, err := s.registry.Get(src.SourceName)
	if err != nil {
		// ハンドラー未登録は設定の欠陥。failure_countはソース自体の障害を
		// 数えるカウンタなので、ここでは加算しない。
		return err
	}

	start := time.Now()
	result, err := sc.FetchChapters(ctx, src)
	s.collector.RecordExternalLatency(src.SourceName, time.Since(start))

	if err != nil {
		if recordErr := s.sourceRepo.RecordFailure(ctx, src.ID); recordErr != nil {
			s.logger.Error("failed to record source failure",
				slog.String("source_id", src.ID),
				slog.String("error", recordErr.Error()),
			)
		}
		s.collector.RecordSyncFailure(src.SourceName, errorKind(err))
		return err
	}

	inserted, err := s.sourceRepo.ApplyScrape(ctx, src, result.Chapters)
	if err != nil {
		s.collector.RecordSyncFailure(src.SourceName, string(model.ErrKindTransient))
		return model.NewTransientError("スクレイプ結果の反映に失敗しました", err)
	}

	s.collector.RecordSyncSuccess(src.SourceName)
	s.collector.RecordChaptersInserted(inserted)

	s.logger.Info("source synced",
		slog.String("source_id", src.ID),
		slog.String("source_name", src.SourceName),
		slog.Int("scraped", len(result.Chapters)),
		slog.Int("inserted", inserted),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	// 新規チャプターがある場合のみ通知ジョブを投入する
	if inserted > 0 {
		key := jobs.NotifyKey(src.SeriesID, time.Now())
		s.notifyQueue.Enqueue(key, notifyPriority, jobs.NotifyJob{
			SeriesID:     src.SeriesID,
			SourceID:     src.ID,
			ChapterCount: inserted,
		})
	}

	// カタログ未紐付けのシリーズはシステム起点の発見でカタログ照合を試みる。
	// 失敗は同期の成功を巻き戻さない（クールダウンが再検索の頻度を抑える）。
	s.maybeEnqueueDiscovery(ctx, src.SeriesID)

	return nil
}

// maybeEnqueueDiscovery はソースの属するシリーズがカタログIDを持たない場合に
// シリーズID指定のシステム起点発見ジョブを投入する。
func (s *Syncer) maybeEnqueueDiscovery(ctx context.Context, seriesID string) {
	series, err := s.seriesRepo.FindByID(ctx, seriesID)
	if err != nil {
		s.logger.Warn("failed to look up series for discovery trigger",
			slog.String("series_id", seriesID),
			slog.String("error", err.Error()),
		)
		return
	}
	if series == nil || series.CatalogID != "" {
		return
	}

	if s.discoveryQueue.Enqueue(jobs.DiscoveryKey(seriesID), discoverySystemPriority, jobs.DiscoveryJob{
		SeriesID: seriesID,
		Reason:   jobs.TriggerSystemSync,
	}) {
		s.logger.Info("system discovery enqueued for uncataloged series",
			slog.String("series_id", seriesID),
		)
	}
}

// errorKind はメトリクスラベル用のエラー種別を返す。
func errorKind(err error) string {
	var pe *model.PipelineError
	if errors.As(err, &pe) {
		return string(pe.Kind)
	}
	return "unknown"
}
