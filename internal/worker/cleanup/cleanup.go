// Package cleanup は古い通知の自動削除ジョブを提供する。
// 保持期間（デフォルト30日）を超過した通知を日次バッチで削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/serialhub/internal/repository"
)

// defaultRetention は通知のデフォルト保持期間。
const defaultRetention = 30 * 24 * time.Hour

// CleanupJob は保持期間を超過した通知の自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	repo      repository.NotificationRepository
	logger    *slog.Logger
	Retention time.Duration
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの保持期間は30日。
func NewCleanupJob(repo repository.NotificationRepository, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		repo:      repo,
		logger:    logger,
		Retention: defaultRetention,
	}
}

// Run は保持期間を超過した通知を削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	cutoff := start.Add(-j.Retention)

	deleted, err := j.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		j.logger.Error("notification cleanup failed",
			slog.String("error", err.Error()),
			slog.Time("cutoff", cutoff),
		)
		return fmt.Errorf("通知クリーンアップの実行に失敗しました: %w", err)
	}

	j.logger.Info("notification cleanup completed",
		slog.Int64("deleted_count", deleted),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}

// Start はクリーンアップジョブを指定間隔で繰り返し実行する。
// 起動直後に1回実行し、以後はティッカーで周期実行する。
// コンテキストがキャンセルされるまでブロックする。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if err := j.Run(ctx); err != nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}
