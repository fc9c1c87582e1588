// Package notify は新着チャプター通知ジョブの実行を提供する。
// シリーズをライブラリ登録している購読者を展開し、重複排除ウィンドウを
// 適用した上で通知をバルク挿入する。
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/serialhub/internal/metrics"
	"github.com/hitoshi/serialhub/internal/model"
	"github.com/hitoshi/serialhub/internal/queue"
	"github.com/hitoshi/serialhub/internal/repository"
	"github.com/hitoshi/serialhub/internal/worker/jobs"
)

// Notifier は通知ジョブのハンドラ。
type Notifier struct {
	seriesRepo       repository.SeriesRepository
	notificationRepo repository.NotificationRepository
	collector        metrics.MetricsCollector
	// dedupWindow は同一シリーズの通知を同一ユーザーに再送しない期間。
	dedupWindow time.Duration
	logger      *slog.Logger
}

// NewNotifier はNotifierの新しいインスタンスを生成する。
func NewNotifier(
	seriesRepo repository.SeriesRepository,
	notificationRepo repository.NotificationRepository,
	collector metrics.MetricsCollector,
	dedupWindow time.Duration,
	logger *slog.Logger,
) *Notifier {
	return &Notifier{
		seriesRepo:       seriesRepo,
		notificationRepo: notificationRepo,
		collector:        collector,
		dedupWindow:      dedupWindow,
		logger:           logger,
	}
}

// Handle は通知ジョブを1件処理する。queue.Handlerとして登録される。
// 購読者ゼロ、または全員がウィンドウ内で通知済みの場合は挿入せず正常終了する。
func (n *Notifier) Handle(ctx context.Context, job *queue.Job) error {
	payload, ok := job.Payload.(jobs.NotifyJob)
	if !ok {
		return model.NewValidationError(fmt.Sprintf("通知ジョブのペイロードが不正です: %T", job.Payload))
	}

	series, err := n.seriesRepo.FindByID(ctx, payload.SeriesID)
	if err != nil {
		return model.NewTransientError("シリーズの取得に失敗しました", err)
	}
	if series == nil {
		// 同期からの遅延中にシリーズが消えた。リトライしても戻らない。
		return model.NewNotFoundError(fmt.Sprintf("シリーズが存在しません: %s", payload.SeriesID))
	}

	userIDs, err := n.notificationRepo.ListNotifiableUserIDs(ctx, payload.SeriesID)
	if err != nil {
		return model.NewTransientError("購読者の取得に失敗しました", err)
	}
	if len(userIDs) == 0 {
		n.logger.Info("notify skipped: no subscribers",
			slog.String("series_id", payload.SeriesID))
		return nil
	}

	recent, err := n.notificationRepo.ListRecentlyNotifiedUserIDs(
		ctx, payload.SeriesID, model.NotificationTypeNewChapters, n.dedupWindow)
	if err != nil {
		return model.NewTransientError("通知済みユーザーの取得に失敗しました", err)
	}

	recipients := excludeRecent(userIDs, recent)
	if len(recipients) == 0 {
		n.logger.Info("notify skipped: all subscribers recently notified",
			slog.String("series_id", payload.SeriesID),
			slog.Int("subscribers", len(userIDs)))
		return nil
	}

	now := time.Now()
	notifications := make([]*model.Notification, 0, len(recipients))
	for _, userID := range recipients {
		notifications = append(notifications, &model.Notification{
			ID:       uuid.New().String(),
			UserID:   userID,
			Type:     model.NotificationTypeNewChapters,
			Title:    series.Title,
			Message:  notificationMessage(series.Title, payload.ChapterCount),
			SeriesID: series.ID,
			Metadata: model.NotificationMetadata{
				SourceID:     payload.SourceID,
				ChapterCount: payload.ChapterCount,
				JobID:        job.Key,
			},
			CreatedAt: now,
		})
	}

	if err := n.notificationRepo.BulkInsert(ctx, notifications); err != nil {
		return model.NewTransientError("通知の挿入に失敗しました", err)
	}

	n.collector.RecordNotificationsCreated(len(notifications))
	n.logger.Info("notifications created",
		slog.String("series_id", payload.SeriesID),
		slog.Int("subscribers", len(userIDs)),
		slog.Int("created", len(notifications)),
	)

	return nil
}

// excludeRecent は購読者リストから通知済みユーザーを除外する。順序は保持する。
func excludeRecent(userIDs, recent []string) []string {
	if len(recent) == 0 {
		return userIDs
	}
	notified := make(map[string]bool, len(recent))
	for _, id := range recent {
		notified[id] = true
	}
	out := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if !notified[id] {
			out = append(out, id)
		}
	}
	return out
}

// notificationMessage は通知本文を組み立てる。
func notificationMessage(title string, chapterCount int) string {
	if chapterCount == 1 {
		return fmt.Sprintf("%s に新しいチャプターが1話追加されました", title)
	}
	return fmt.Sprintf("%s に新しいチャプターが%d話追加されました", title, chapterCount)
}
