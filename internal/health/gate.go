// Package health はパイプラインの健全性判定とバックプレッシャ制御を提供する。
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/serialhub/internal/coordination"
)

// SyncWorkerName はハートビート対象の同期ワーカー名。
const SyncWorkerName = "sync-worker"

// DepthReporter は発見キューの現在の深さを返す。
type DepthReporter interface {
	Depth() int
}

// Gate は発見ジョブ投入の可否を判定するゲート。
// 同期ワーカーのハートビートが新鮮で、かつ発見キューが飽和していない場合のみ
// 新しい発見を受け付ける。
type Gate struct {
	store      coordination.Store
	depth      DepthReporter
	maxAge     time.Duration
	saturation int
	logger     *slog.Logger
}

// NewGate はGateを生成する。
// maxAgeはハートビートの鮮度上限、saturationはキュー深さの上限を指定する。
func NewGate(store coordination.Store, depth DepthReporter, maxAge time.Duration, saturation int, logger *slog.Logger) *Gate {
	return &Gate{
		store:      store,
		depth:      depth,
		maxAge:     maxAge,
		saturation: saturation,
		logger:     logger,
	}
}

// Status はゲートの判定結果。
type Status struct {
	// Healthy は発見ジョブを受け付けられる状態かを示す。
	Healthy bool
	// Reason は不健全な場合の理由。
	Reason string
}

// CanEnqueueDiscovery は発見ジョブの投入可否を判定する。
// ハートビートが欠落・陳腐化している場合、パイプラインは止まっているとみなす:
// キューが空でも投入を拒否する（処理されないジョブを積んでも無意味なため）。
func (g *Gate) CanEnqueueDiscovery(ctx context.Context) Status {
	last, ok, err := coordination.LastBeat(ctx, g.store, SyncWorkerName)
	if err != nil {
		g.logger.Warn("failed to read sync worker heartbeat", slog.String("error", err.Error()))
		return Status{Healthy: false, Reason: "heartbeat_unavailable"}
	}
	if !ok {
		return Status{Healthy: false, Reason: "heartbeat_missing"}
	}
	if age := time.Since(last); age > g.maxAge {
		g.logger.Warn("sync worker heartbeat is stale",
			slog.Duration("age", age),
			slog.Duration("max_age", g.maxAge))
		return Status{Healthy: false, Reason: "heartbeat_stale"}
	}

	if depth := g.depth.Depth(); depth >= g.saturation {
		g.logger.Warn("discovery queue is saturated",
			slog.Int("depth", depth),
			slog.Int("saturation", g.saturation))
		return Status{Healthy: false, Reason: "queue_saturated"}
	}

	return Status{Healthy: true}
}
