// Package schedule はソース同期のマスタースケジューラを提供する。
// 一定間隔で同期期限の到来したソースをスイープし、ティアに応じた優先度で
// 同期キューへ投入する。
package schedule

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/serialhub/internal/model"
	"github.com/hitoshi/serialhub/internal/repository"
	"github.com/hitoshi/serialhub/internal/worker/jobs"
)

// Enqueuer は同期キューへの投入インターフェース。
type Enqueuer interface {
	Enqueue(key string, priority int, payload any) bool
}

// Scheduler は同期期限スイープのスケジューラ。
// next_check_atがジョブの台帳を兼ねる: キューはインプロセスだが、
// プロセス再起動後も期限の到来したソースは次のスイープで再投入される。
type Scheduler struct {
	sourceRepo     repository.SourceRepository
	syncQueue      Enqueuer
	tierIntervals  map[model.SyncTier]time.Duration
	tierPriorities map[model.SyncTier]int
	batch          int
	logger         *slog.Logger
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// batchが0以下の場合はデフォルト値50を使用する。
func NewScheduler(
	sourceRepo repository.SourceRepository,
	syncQueue Enqueuer,
	tierIntervals map[model.SyncTier]time.Duration,
	tierPriorities map[model.SyncTier]int,
	batch int,
	logger *slog.Logger,
) *Scheduler {
	if batch <= 0 {
		batch = 50
	}
	return &Scheduler{
		sourceRepo:     sourceRepo,
		syncQueue:      syncQueue,
		tierIntervals:  tierIntervals,
		tierPriorities: tierPriorities,
		batch:          batch,
		logger:         logger,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("sync scheduler started",
		slog.Duration("interval", interval),
		slog.Int("batch", s.batch),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("sync sweep failed", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sync scheduler stopped")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("sync sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce は同期期限の到来したソースを1回スイープする。
// 投入とティア別の再スケジュールを行う。再スケジュールは投入の成否に
// かかわらず実行する（重複投入で弾かれたソースを次周期まで眠らせるため）。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	sources, err := s.sourceRepo.ListDueForSync(ctx, s.batch)
	if err != nil {
		return err
	}

	if len(sources) == 0 {
		return nil
	}

	enqueued := 0
	byTier := make(map[model.SyncTier][]string)

	for _, src := range sources {
		tier := model.NormalizeTier(src.SyncPriority)
		key := jobs.SyncKey(src.ID, start)

		if s.syncQueue.Enqueue(key, s.tierPriorities[tier], jobs.SyncJob{SourceID: src.ID}) {
			enqueued++
		}
		byTier[tier] = append(byTier[tier], src.ID)
	}

	// ティアごとにnext_check_atを一括更新する
	for tier, ids := range byTier {
		nextCheckAt := start.Add(s.tierIntervals[tier])
		if err := s.sourceRepo.RescheduleByIDs(ctx, ids, nextCheckAt); err != nil {
			s.logger.Error("failed to reschedule sources",
				slog.String("tier", string(tier)),
				slog.Int("count", len(ids)),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.Info("sync sweep completed",
		slog.Int("due", len(sources)),
		slog.Int("enqueued", enqueued),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}
