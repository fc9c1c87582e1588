package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/serialhub/internal/model"
)

// PostgresCanonicalStore は正準化トランザクションのPostgreSQL実装。
type PostgresCanonicalStore struct {
	db *sql.DB
}

// NewPostgresCanonicalStore はPostgresCanonicalStoreを生成する。
func NewPostgresCanonicalStore(db *sql.DB) *PostgresCanonicalStore {
	return &PostgresCanonicalStore{db: db}
}

// InTx はfnを1つのトランザクション内で実行する。
// fnがエラーを返した場合は全体をロールバックする（部分コミットなし）。
func (s *PostgresCanonicalStore) InTx(ctx context.Context, fn func(repo CanonicalTxRepo) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&txCanonicalRepo{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// txCanonicalRepo は*sql.Tx上でCanonicalTxRepoを実装する。
type txCanonicalRepo struct {
	tx *sql.Tx
}

func (r *txCanonicalRepo) FindSeriesByCatalogID(ctx context.Context, catalogID string) (*model.Series, error) {
	row := r.tx.QueryRowContext(ctx,
		`SELECT `+seriesColumns+` FROM series WHERE catalog_id = $1`, catalogID)

	s, err := scanSeries(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("カタログIDによるシリーズ検索に失敗しました: %w", err)
	}
	return s, nil
}

func (r *txCanonicalRepo) FindSourceByNativeID(ctx context.Context, sourceName, nativeID string) (*model.Series, *model.SourceRecord, error) {
	row := r.tx.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE source_name = $1 AND native_id = $2`,
		sourceName, nativeID)

	src, err := scanSource(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("ネイティブIDによるソース検索に失敗しました: %w", err)
	}

	row = r.tx.QueryRowContext(ctx,
		`SELECT `+seriesColumns+` FROM series WHERE id = $1`, src.SeriesID)

	series, err := scanSeries(row.Scan)
	if err == sql.ErrNoRows {
		// ソースだけ存在しシリーズが消えている状態は想定外
		return nil, nil, fmt.Errorf("ソース %s に対応するシリーズ %s が存在しません", src.ID, src.SeriesID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("ソースに紐づくシリーズの取得に失敗しました: %w", err)
	}

	return series, src, nil
}

func (r *txCanonicalRepo) FindSeriesByTitle(ctx context.Context, title string) (*model.Series, error) {
	row := r.tx.QueryRowContext(ctx,
		`SELECT `+seriesColumns+` FROM series WHERE lower(title) = lower($1) LIMIT 1`, title)

	s, err := scanSeries(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("タイトルによるシリーズ検索に失敗しました: %w", err)
	}
	return s, nil
}

func (r *txCanonicalRepo) CreateSeries(ctx context.Context, series *model.Series) error {
	now := time.Now()
	series.CreatedAt = now
	series.UpdatedAt = now

	_, err := r.tx.ExecContext(ctx,
		`INSERT INTO series (id, title, alt_titles, description, cover_url, series_type,
		    status, genres, content_rating, catalog_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		series.ID, series.Title, pq.Array(series.AltTitles), series.Description,
		series.CoverURL, series.Type, series.Status, pq.Array(series.Genres),
		series.ContentRating, nullString(series.CatalogID), series.CreatedAt, series.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("シリーズの作成に失敗しました: %w", err)
	}
	return nil
}

func (r *txCanonicalRepo) UpdateSeries(ctx context.Context, series *model.Series) error {
	series.UpdatedAt = time.Now()

	_, err := r.tx.ExecContext(ctx,
		`UPDATE series SET
		    title = $2, alt_titles = $3, description = $4, cover_url = $5,
		    series_type = $6, status = $7, genres = $8, content_rating = $9,
		    catalog_id = $10, updated_at = $11
		 WHERE id = $1`,
		series.ID, series.Title, pq.Array(series.AltTitles), series.Description,
		series.CoverURL, series.Type, series.Status, pq.Array(series.Genres),
		series.ContentRating, nullString(series.CatalogID), series.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("シリーズの更新に失敗しました: %w", err)
	}
	return nil
}

func (r *txCanonicalRepo) UpsertSource(ctx context.Context, src *model.SourceRecord) error {
	now := time.Now()
	if src.CreatedAt.IsZero() {
		src.CreatedAt = now
	}
	src.UpdatedAt = now

	var nextCheckAt, coverUpdatedAt sql.NullTime
	if src.NextCheckAt != nil {
		nextCheckAt = sql.NullTime{Time: *src.NextCheckAt, Valid: true}
	}
	if src.CoverUpdatedAt != nil {
		coverUpdatedAt = sql.NullTime{Time: *src.CoverUpdatedAt, Valid: true}
	}

	_, err := r.tx.ExecContext(ctx,
		`INSERT INTO sources (id, series_id, source_name, native_id, url, sync_priority,
		    next_check_at, cover_url, cover_width, cover_height, cover_updated_at,
		    cover_primary, match_confidence, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (source_name, native_id) DO UPDATE SET
		    series_id = EXCLUDED.series_id,
		    url = EXCLUDED.url,
		    cover_url = EXCLUDED.cover_url,
		    cover_width = EXCLUDED.cover_width,
		    cover_height = EXCLUDED.cover_height,
		    cover_updated_at = EXCLUDED.cover_updated_at,
		    cover_primary = EXCLUDED.cover_primary,
		    match_confidence = EXCLUDED.match_confidence,
		    updated_at = EXCLUDED.updated_at`,
		src.ID, src.SeriesID, src.SourceName, src.NativeID, src.URL, src.SyncPriority,
		nextCheckAt, src.CoverURL, src.CoverWidth, src.CoverHeight, coverUpdatedAt,
		src.CoverPrimary, src.MatchConfidence, src.CreatedAt, src.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ソースレコードのUPSERTに失敗しました: %w", err)
	}
	return nil
}

// IsUniqueViolation は一意制約違反エラーかどうかを判定する。
// 並行する正準化ジョブ同士の競合検出に使用する。
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// compile-time interface checks
var (
	_ CanonicalStore  = (*PostgresCanonicalStore)(nil)
	_ CanonicalTxRepo = (*txCanonicalRepo)(nil)
)
