package coordination

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// heartbeatKey は同期ワーカーのハートビートキーを返す。
func heartbeatKey(workerName string) string {
	return "heartbeat:" + workerName
}

// Heartbeat はワーカーの生存通知を定期的に協調ストアへ書き込む。
// 書き込みが止まるとキーがTTLで消失し、ヘルスゲートが異常を検知する。
type Heartbeat struct {
	store      Store
	workerName string
	interval   time.Duration
	maxAge     time.Duration
	logger     *slog.Logger
}

// NewHeartbeat はHeartbeatを生成する。
// intervalは更新間隔、maxAgeはキーのTTL（鮮度の上限）を指定する。
func NewHeartbeat(store Store, workerName string, interval, maxAge time.Duration, logger *slog.Logger) *Heartbeat {
	return &Heartbeat{
		store:      store,
		workerName: workerName,
		interval:   interval,
		maxAge:     maxAge,
		logger:     logger,
	}
}

// Start はコンテキストがキャンセルされるまでハートビートを送信し続ける。
// 起動直後に1回送信し、以降はinterval間隔で更新する。
// 書き込み失敗は警告ログを出して次の周期で再試行する。
func (h *Heartbeat) Start(ctx context.Context) {
	if err := h.Beat(ctx); err != nil {
		h.logger.Warn("failed to send initial heartbeat",
			slog.String("worker", h.workerName),
			slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("heartbeat stopped", slog.String("worker", h.workerName))
			return
		case <-ticker.C:
			if err := h.Beat(ctx); err != nil {
				h.logger.Warn("failed to send heartbeat",
					slog.String("worker", h.workerName),
					slog.String("error", err.Error()))
			}
		}
	}
}

// Beat はハートビートを1回送信する。
func (h *Heartbeat) Beat(ctx context.Context) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return h.store.Set(ctx, heartbeatKey(h.workerName), now, h.maxAge)
}

// LastBeat は指定ワーカーの最終ハートビート時刻を取得する。
// キーが存在しない（TTL切れまたは未起動）場合は ok=false を返す。
func LastBeat(ctx context.Context, store Store, workerName string) (time.Time, bool, error) {
	val, ok, err := store.Get(ctx, heartbeatKey(workerName))
	if err != nil {
		return time.Time{}, false, err
	}
	if !ok {
		return time.Time{}, false, nil
	}

	t, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("ハートビート時刻のパースに失敗しました: %w", err)
	}
	return t, true, nil
}
