// Package canonical はカタログ検索結果の正準化ジョブを提供する。
// 1件の検索結果を既存シリーズへ合流させるか、新規シリーズとして作成する。
// マッチカスケードと統合は1トランザクションで実行される（部分コミットなし）。
package canonical

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/serialhub/internal/catalog"
	"github.com/hitoshi/serialhub/internal/metrics"
	"github.com/hitoshi/serialhub/internal/model"
	"github.com/hitoshi/serialhub/internal/queue"
	"github.com/hitoshi/serialhub/internal/repository"
	"github.com/hitoshi/serialhub/internal/worker/jobs"
)

// Broadcaster はシリーズ検索可能イベントの配信インターフェース。
type Broadcaster interface {
	BroadcastSeriesAvailable(event model.SeriesAvailableEvent)
}

// Canonicalizer は正準化ジョブのハンドラ。
type Canonicalizer struct {
	store     repository.CanonicalStore
	hub       Broadcaster
	collector metrics.MetricsCollector
	// trustedSource は最上位信頼ソース名。このソースからのカバーは既存カバーを上書きできる。
	trustedSource string
	logger        *slog.Logger
}

// NewCanonicalizer はCanonicalizerの新しいインスタンスを生成する。
func NewCanonicalizer(
	store repository.CanonicalStore,
	hub Broadcaster,
	collector metrics.MetricsCollector,
	trustedSource string,
	logger *slog.Logger,
) *Canonicalizer {
	return &Canonicalizer{
		store:         store,
		hub:           hub,
		collector:     collector,
		trustedSource: trustedSource,
		logger:        logger,
	}
}

// Handle は正準化ジョブを1件処理する。queue.Handlerとして登録される。
//
// マッチカスケード（強い順、最初の一致で確定）:
//  1. 外部カタログIDの一致する既存シリーズ
//  2. (source_name, native_id) の既存ソースレコード
//  3. タイトルの完全一致（大文字小文字無視）する既存シリーズ
//  4. どれにも一致しなければ新規シリーズを作成
//
// 並行する正準化ジョブ同士がカタログIDの一意制約で衝突した場合は
// 一時的エラーとして再試行する（2回目はカスケードが既存シリーズを見つける）。
func (c *Canonicalizer) Handle(ctx context.Context, job *queue.Job) error {
	payload, ok := job.Payload.(jobs.CanonicalJob)
	if !ok {
		return model.NewValidationError(fmt.Sprintf("正準化ジョブのペイロードが不正です: %T", job.Payload))
	}
	if payload.Entry.CatalogID == "" || payload.Entry.Title == "" {
		return model.NewValidationError("正準化エントリにカタログIDまたはタイトルがありません")
	}

	var (
		seriesID string
		title    string
		created  bool
	)

	err := c.store.InTx(ctx, func(repo repository.CanonicalTxRepo) error {
		series, src, err := c.matchSeries(ctx, repo, payload)
		if err != nil {
			return err
		}

		if series == nil {
			series = newSeriesFromEntry(payload.Entry)
			if err := repo.CreateSeries(ctx, series); err != nil {
				if repository.IsUniqueViolation(err) {
					return model.NewTransientError("並行する正準化と衝突しました", err)
				}
				return model.NewTransientError("シリーズの作成に失敗しました", err)
			}
			created = true
		} else {
			mergeEntry(series, payload.Entry, payload.SourceName == c.trustedSource)
			if err := repo.UpdateSeries(ctx, series); err != nil {
				return model.NewTransientError("シリーズの更新に失敗しました", err)
			}
		}

		record := buildSourceRecord(src, series.ID, payload)
		if err := repo.UpsertSource(ctx, record); err != nil {
			if repository.IsUniqueViolation(err) {
				return model.NewTransientError("並行する正準化と衝突しました", err)
			}
			return model.NewTransientError("ソースレコードの保存に失敗しました", err)
		}

		seriesID = series.ID
		title = series.Title
		return nil
	})
	if err != nil {
		return err
	}

	c.collector.RecordSeriesCanonicalized(created)
	c.logger.Info("series canonicalized",
		slog.String("series_id", seriesID),
		slog.String("catalog_id", payload.Entry.CatalogID),
		slog.Bool("created", created),
	)

	// 配信失敗はハブ内で処理される。コミット済みトランザクションは巻き戻さない。
	c.hub.BroadcastSeriesAvailable(
		model.NewSeriesAvailableEvent(seriesID, payload.Entry.CatalogID, title, created))

	return nil
}

// matchSeries はマッチカスケードを実行し、合流先シリーズと既存ソースを返す。
// どれにも一致しない場合は (nil, nil, nil) を返す。
func (c *Canonicalizer) matchSeries(ctx context.Context, repo repository.CanonicalTxRepo, payload jobs.CanonicalJob) (*model.Series, *model.SourceRecord, error) {
	// 1. 外部カタログID
	series, err := repo.FindSeriesByCatalogID(ctx, payload.Entry.CatalogID)
	if err != nil {
		return nil, nil, model.NewTransientError("カタログIDによる検索に失敗しました", err)
	}
	if series != nil {
		// カタログIDで確定したシリーズでも、同一(source, native_id)の
		// ソースレコードが既にあればそれを引き継ぐ。
		_, src, err := repo.FindSourceByNativeID(ctx, payload.SourceName, payload.Entry.CatalogID)
		if err != nil {
			return nil, nil, model.NewTransientError("ソースレコードの検索に失敗しました", err)
		}
		return series, src, nil
	}

	// 2. 既存ソースレコード
	series, src, err := repo.FindSourceByNativeID(ctx, payload.SourceName, payload.Entry.CatalogID)
	if err != nil {
		return nil, nil, model.NewTransientError("ソースレコードの検索に失敗しました", err)
	}
	if src != nil {
		return series, src, nil
	}

	// 3. タイトル完全一致
	series, err = repo.FindSeriesByTitle(ctx, payload.Entry.Title)
	if err != nil {
		return nil, nil, model.NewTransientError("タイトルによる検索に失敗しました", err)
	}
	if series != nil {
		return series, nil, nil
	}

	return nil, nil, nil
}

// newSeriesFromEntry はカタログエントリから新規シリーズを構築する。
func newSeriesFromEntry(entry catalog.Entry) *model.Series {
	return &model.Series{
		ID:            uuid.New().String(),
		Title:         entry.Title,
		AltTitles:     entry.AltTitles,
		Description:   entry.Description,
		CoverURL:      entry.CoverURL,
		Type:          entry.Type,
		Status:        entry.Status,
		Genres:        entry.Genres,
		ContentRating: entry.ContentRating,
		CatalogID:     entry.CatalogID,
	}
}

// mergeEntry はカタログエントリを既存シリーズへ統合する。破壊的上書きはしない:
// スカラーフィールドは空の場合のみ補完し、ジャンルは空の場合のみ丸ごと置換する。
// カバーURLのみ例外で、シリーズにカバーがないか、エントリの出自が最上位信頼
// ソースの場合に更新する（同格の信頼ソース同士の競合は最後の書き込みが勝つ）。
func mergeEntry(series *model.Series, entry catalog.Entry, topTrust bool) {
	if series.CatalogID == "" {
		series.CatalogID = entry.CatalogID
	}
	if series.Description == "" {
		series.Description = entry.Description
	}
	if entry.CoverURL != "" && (series.CoverURL == "" || topTrust) {
		series.CoverURL = entry.CoverURL
	}
	if series.Type == "" {
		series.Type = entry.Type
	}
	if series.Status == "" {
		series.Status = entry.Status
	}
	if series.ContentRating == "" {
		series.ContentRating = entry.ContentRating
	}
	if len(series.Genres) == 0 {
		series.Genres = entry.Genres
	}

	// 別タイトルは既存・流入・流入主タイトルの和集合（主タイトルと重複するものは除く）
	existing := make(map[string]bool, len(series.AltTitles)+1)
	existing[series.Title] = true
	for _, alt := range series.AltTitles {
		existing[alt] = true
	}
	incoming := append([]string{entry.Title}, entry.AltTitles...)
	for _, alt := range incoming {
		if !existing[alt] {
			existing[alt] = true
			series.AltTitles = append(series.AltTitles, alt)
		}
	}
}

// buildSourceRecord はUPSERT対象のソースレコードを構築する。
// 既存レコードがある場合はIDとスケジュール状態を引き継ぐ。
// 新規レコードはCOLDで開始する（昇格は後段のスケジューリングの責務）。
// next_check_atはNULLのままにして次のスイープで初回同期させる。
func buildSourceRecord(existing *model.SourceRecord, seriesID string, payload jobs.CanonicalJob) *model.SourceRecord {
	entry := payload.Entry

	if existing != nil {
		existing.SeriesID = seriesID
		if entry.URL != "" {
			existing.URL = entry.URL
		}
		if entry.CoverURL != "" {
			existing.CoverURL = entry.CoverURL
			now := time.Now()
			existing.CoverUpdatedAt = &now
		}
		existing.MatchConfidence = payload.MatchScore
		return existing
	}

	record := &model.SourceRecord{
		ID:              uuid.New().String(),
		SeriesID:        seriesID,
		SourceName:      payload.SourceName,
		NativeID:        entry.CatalogID,
		URL:             entry.URL,
		SyncPriority:    model.TierCold,
		CoverURL:        entry.CoverURL,
		CoverPrimary:    true,
		MatchConfidence: payload.MatchScore,
	}
	if entry.CoverURL != "" {
		now := time.Now()
		record.CoverUpdatedAt = &now
	}
	return record
}
