package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/serialhub/internal/broadcast"
	"github.com/hitoshi/serialhub/internal/metrics"
	"github.com/hitoshi/serialhub/internal/middleware"
	"github.com/hitoshi/serialhub/internal/repository"
)

// Pinger はヘルスチェック対象の依存の疎通確認インターフェース。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ヘルスチェック
	DB Pinger

	// 検索
	SeriesRepo repository.SeriesRepository
	Gate       DiscoveryGate
	DiscoveryQ DiscoveryEnqueuer
	Cooldown   CooldownChecker

	// ブロードキャスト
	Hub *broadcast.Hub

	// メトリクス
	Collector *metrics.Collector
	Gatherer  prometheus.Gatherer

	Logger *slog.Logger
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成した
// chi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RecoveryMiddleware → LoggingMiddleware
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())

	var recordStatus middleware.StatusRecorder
	if deps.Collector != nil {
		recordStatus = deps.Collector.RecordHTTPStatus
	}
	r.Use(middleware.NewLoggingMiddleware(deps.Logger, recordStatus))

	searchHandler := NewSearchHandler(deps.SeriesRepo, deps.Gate, deps.DiscoveryQ, deps.Cooldown, deps.Logger)
	wsHandler := NewWSHandler(deps.Hub, deps.Logger)

	r.Get("/health", newHealthHandler(deps.DB))
	r.Handle("/metrics", metrics.Handler(deps.Gatherer))

	r.Get("/api/search", searchHandler.Search)
	r.Get("/ws/series", wsHandler.Subscribe)

	return r
}

// newHealthHandler はデータベース疎通を確認するヘルスチェックハンドラを返す。
func newHealthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := db.PingContext(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "unavailable",
					"reason": "database_unreachable",
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
