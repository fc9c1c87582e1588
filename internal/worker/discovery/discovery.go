// Package discovery は検索クエリ起点のシリーズ発見ジョブを提供する。
// 外部カタログを検索し、結果1件ごとに正準化ジョブを投入する。
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/serialhub/internal/catalog"
	"github.com/hitoshi/serialhub/internal/coordination"
	"github.com/hitoshi/serialhub/internal/model"
	"github.com/hitoshi/serialhub/internal/queue"
	"github.com/hitoshi/serialhub/internal/worker/jobs"
)

// Enqueuer は正準化キューへの投入インターフェース。
type Enqueuer interface {
	Enqueue(key string, priority int, payload any) bool
}

// CooldownChecker は発見クールダウンの照会・開始インターフェース。
type CooldownChecker interface {
	Active(ctx context.Context, query string) (bool, error)
	Mark(ctx context.Context, query string) error
}

// SeriesFinder はシリーズIDからシリーズを引くインターフェース。
// システム起点の発見ジョブのタイトル解決に使う。
type SeriesFinder interface {
	FindByID(ctx context.Context, id string) (*model.Series, error)
}

// 正準化ジョブの優先度。ユーザー検索起点の発見はシステム起点より先に処理する。
const (
	canonicalPriorityUserSearch = 1
	canonicalPrioritySystemSync = 2
)

// canonicalPriority はトリガー理由から正準化ジョブの優先度を導出する。
func canonicalPriority(reason string) int {
	if reason == jobs.TriggerSystemSync {
		return canonicalPrioritySystemSync
	}
	return canonicalPriorityUserSearch
}

// lockTTL は発見ロックの保持期間。カタログ検索1回分の上限。
const lockTTL = time.Minute

// Discoverer は発見ジョブのハンドラ。
type Discoverer struct {
	searcher catalog.Searcher
	series   SeriesFinder
	canonQ   Enqueuer
	cooldown CooldownChecker
	locker   coordination.Locker
	// trustedSource は発見結果の帰属先ソース名（カタログと同一運営のソース）。
	trustedSource string
	logger        *slog.Logger
}

// NewDiscoverer はDiscovererの新しいインスタンスを生成する。
func NewDiscoverer(
	searcher catalog.Searcher,
	series SeriesFinder,
	canonQ Enqueuer,
	cooldown CooldownChecker,
	locker coordination.Locker,
	trustedSource string,
	logger *slog.Logger,
) *Discoverer {
	return &Discoverer{
		searcher:      searcher,
		series:        series,
		canonQ:        canonQ,
		cooldown:      cooldown,
		locker:        locker,
		trustedSource: trustedSource,
		logger:        logger,
	}
}

// Handle は発見ジョブを1件処理する。queue.Handlerとして登録される。
// 同一クエリのクールダウン中、または他プロセスが同一クエリを処理中の場合は
// 何もせず正常終了する（スキップはエラーではない）。
func (d *Discoverer) Handle(ctx context.Context, job *queue.Job) error {
	payload, ok := job.Payload.(jobs.DiscoveryJob)
	if !ok {
		return model.NewValidationError(fmt.Sprintf("発見ジョブのペイロードが不正です: %T", job.Payload))
	}

	query, err := d.resolveQuery(ctx, payload)
	if err != nil {
		return err
	}

	active, err := d.cooldown.Active(ctx, query)
	if err != nil {
		return model.NewTransientError("クールダウンの確認に失敗しました", err)
	}
	if active {
		d.logger.Info("discovery skipped: query in cooldown", slog.String("query", query))
		return nil
	}

	// 同一クエリの多重発見を分散ロックで防ぐ
	lock, err := d.locker.Obtain(ctx, "discovery:"+query, lockTTL)
	if err == coordination.ErrLockNotObtained {
		d.logger.Info("discovery skipped: query locked by another worker",
			slog.String("query", query))
		return nil
	}
	if err != nil {
		return model.NewTransientError("発見ロックの取得に失敗しました", err)
	}
	defer func() {
		if releaseErr := lock.Release(ctx); releaseErr != nil {
			d.logger.Warn("failed to release discovery lock",
				slog.String("query", query),
				slog.String("error", releaseErr.Error()))
		}
	}()

	start := time.Now()
	entries, err := d.searcher.Search(ctx, query)
	if err != nil {
		return err
	}

	// 検索が成功した時点でクールダウンを開始する（失敗時はリトライの妨げにしない）
	if err := d.cooldown.Mark(ctx, query); err != nil {
		d.logger.Warn("failed to mark discovery cooldown",
			slog.String("query", query),
			slog.String("error", err.Error()))
	}

	// ランク付けの前に外部IDで重複排除する。
	// ページまたぎで同じ結果が再出現しても、スコアは最初の出現位置から決まる。
	ranked := dedupByCatalogID(entries)

	priority := canonicalPriority(payload.Reason)
	enqueued := 0
	for i, entry := range ranked {
		key := jobs.CanonicalKey(d.trustedSource, entry.CatalogID)
		// スコアはカタログの関連度順位から導出する（先頭ほど高い）
		score := float64(len(ranked) - i)
		if d.canonQ.Enqueue(key, priority, jobs.CanonicalJob{
			SourceName: d.trustedSource,
			Entry:      entry,
			MatchScore: score,
		}) {
			enqueued++
		}
	}

	d.logger.Info("discovery completed",
		slog.String("query", query),
		slog.String("reason", payload.Reason),
		slog.Int("results", len(ranked)),
		slog.Int("enqueued", enqueued),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}

// resolveQuery は発見ジョブの検索語を確定する。
// Queryが空でSeriesIDが指定されている場合はシリーズタイトルを引く。
func (d *Discoverer) resolveQuery(ctx context.Context, payload jobs.DiscoveryJob) (string, error) {
	if payload.Query != "" {
		return payload.Query, nil
	}
	if payload.SeriesID == "" {
		return "", model.NewValidationError("発見クエリが空です")
	}

	series, err := d.series.FindByID(ctx, payload.SeriesID)
	if err != nil {
		return "", model.NewTransientError("シリーズの取得に失敗しました", err)
	}
	if series == nil {
		return "", model.NewNotFoundError(fmt.Sprintf("シリーズが存在しません: %s", payload.SeriesID))
	}
	return series.Title, nil
}

// dedupByCatalogID は外部IDの重複を最初の出現だけ残して除去する。
// カタログID欠落の結果もここで読み飛ばす。
func dedupByCatalogID(entries []catalog.Entry) []catalog.Entry {
	seen := make(map[string]bool, len(entries))
	deduped := make([]catalog.Entry, 0, len(entries))
	for _, entry := range entries {
		if entry.CatalogID == "" || seen[entry.CatalogID] {
			continue
		}
		seen[entry.CatalogID] = true
		deduped = append(deduped, entry)
	}
	return deduped
}
