// Package handler はHTTP APIのハンドラとルーティングを提供する。
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/serialhub/internal/health"
	"github.com/hitoshi/serialhub/internal/model"
	"github.com/hitoshi/serialhub/internal/repository"
	"github.com/hitoshi/serialhub/internal/worker/jobs"
)

// 検索レスポンスの粗いステータス。リトライやバックオフの内部事情は公開しない。
const (
	// SearchStatusComplete はローカルの検索結果で完結したことを示す。
	SearchStatusComplete = "complete"
	// SearchStatusResolving は発見ジョブを投入し、結果が後から届くことを示す。
	SearchStatusResolving = "resolving"
	// SearchStatusUnavailable はゲート閉鎖またはクールダウンにより
	// 新しい発見を受け付けられないことを示す。
	SearchStatusUnavailable = "temporarily_unavailable"
)

// searchResultLimit はローカル検索の最大取得件数。
const searchResultLimit = 20

// discoveryPriority はユーザー検索起点の発見ジョブの優先度。
// システム起点（再同期など）の発見より先に処理される。
const discoveryPriority = 1

// DiscoveryGate は発見ジョブ投入可否の判定インターフェース。
type DiscoveryGate interface {
	CanEnqueueDiscovery(ctx context.Context) health.Status
}

// DiscoveryEnqueuer は発見キューへの投入インターフェース。
type DiscoveryEnqueuer interface {
	Enqueue(key string, priority int, payload any) bool
}

// CooldownChecker は発見クールダウンの照会インターフェース。
type CooldownChecker interface {
	Active(ctx context.Context, query string) (bool, error)
}

// SearchHandler は検索エンドポイントのハンドラ。
type SearchHandler struct {
	seriesRepo repository.SeriesRepository
	gate       DiscoveryGate
	discoveryQ DiscoveryEnqueuer
	cooldown   CooldownChecker
	logger     *slog.Logger
}

// NewSearchHandler はSearchHandlerの新しいインスタンスを生成する。
func NewSearchHandler(
	seriesRepo repository.SeriesRepository,
	gate DiscoveryGate,
	discoveryQ DiscoveryEnqueuer,
	cooldown CooldownChecker,
	logger *slog.Logger,
) *SearchHandler {
	return &SearchHandler{
		seriesRepo: seriesRepo,
		gate:       gate,
		discoveryQ: discoveryQ,
		cooldown:   cooldown,
		logger:     logger,
	}
}

// searchSeriesResponse は検索結果1件分のレスポンス表現。
type searchSeriesResponse struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	AltTitles     []string `json:"alt_titles,omitempty"`
	Description   string   `json:"description,omitempty"`
	CoverURL      string   `json:"cover_url,omitempty"`
	Type          string   `json:"type,omitempty"`
	Status        string   `json:"status,omitempty"`
	Genres        []string `json:"genres,omitempty"`
	ContentRating string   `json:"content_rating,omitempty"`
}

// searchResponse は検索エンドポイントのレスポンス。
type searchResponse struct {
	Query   string                 `json:"query"`
	Status  string                 `json:"status"`
	Reason  string                 `json:"reason,omitempty"`
	Results []searchSeriesResponse `json:"results"`
}

// Search はGET /api/search?q=を処理する。
//
// ローカルに既知のシリーズを返しつつ、粗いステータスを付与する:
// ローカル結果があればcomplete、なければ発見ジョブを投入してresolving、
// ゲート閉鎖またはクールダウン中はtemporarily_unavailable。
// いずれの場合もブロックせず、リクエストを失敗させない。
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeJSONError(w, http.StatusBadRequest, "query parameter 'q' is required")
		return
	}

	series, err := h.seriesRepo.SearchByTitle(r.Context(), query, searchResultLimit)
	if err != nil {
		h.logger.Error("local series search failed",
			slog.String("query", query),
			slog.String("error", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "search failed")
		return
	}

	resp := searchResponse{
		Query:   query,
		Results: toSearchResults(series),
	}

	if len(series) > 0 {
		resp.Status = SearchStatusComplete
		writeJSON(w, http.StatusOK, resp)
		return
	}

	resp.Status, resp.Reason = h.resolveStatus(r.Context(), query)
	writeJSON(w, http.StatusOK, resp)
}

// resolveStatus はローカル結果ゼロの場合のステータスを決定する。
// 発見ジョブの投入はここで行う。
func (h *SearchHandler) resolveStatus(ctx context.Context, query string) (status, reason string) {
	if gateStatus := h.gate.CanEnqueueDiscovery(ctx); !gateStatus.Healthy {
		return SearchStatusUnavailable, gateStatus.Reason
	}

	active, err := h.cooldown.Active(ctx, query)
	if err != nil {
		h.logger.Warn("failed to check discovery cooldown",
			slog.String("query", query),
			slog.String("error", err.Error()))
		return SearchStatusUnavailable, "cooldown_unavailable"
	}
	if active {
		return SearchStatusUnavailable, "discovery_cooldown"
	}

	h.discoveryQ.Enqueue(jobs.DiscoveryKey(query), discoveryPriority,
		jobs.DiscoveryJob{Query: query, Reason: jobs.TriggerUserSearch})
	return SearchStatusResolving, ""
}

// toSearchResults はドメインモデルをレスポンス表現に変換する。
func toSearchResults(series []*model.Series) []searchSeriesResponse {
	out := make([]searchSeriesResponse, 0, len(series))
	for _, s := range series {
		out = append(out, searchSeriesResponse{
			ID:            s.ID,
			Title:         s.Title,
			AltTitles:     s.AltTitles,
			Description:   s.Description,
			CoverURL:      s.CoverURL,
			Type:          s.Type,
			Status:        s.Status,
			Genres:        s.Genres,
			ContentRating: s.ContentRating,
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
