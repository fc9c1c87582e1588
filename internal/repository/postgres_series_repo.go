package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/serialhub/internal/model"
)

// seriesColumns はseriesテーブルのSELECT列リスト。
const seriesColumns = `id, title, alt_titles, description, cover_url, series_type,
	status, genres, content_rating, catalog_id, created_at, updated_at`

// PostgresSeriesRepo はPostgreSQLを使用したシリーズリポジトリ。
type PostgresSeriesRepo struct {
	db *sql.DB
}

// NewPostgresSeriesRepo はPostgresSeriesRepoを生成する。
func NewPostgresSeriesRepo(db *sql.DB) *PostgresSeriesRepo {
	return &PostgresSeriesRepo{db: db}
}

// scanSeries は1行をSeriesに読み取る。
func scanSeries(scan func(dest ...any) error) (*model.Series, error) {
	s := &model.Series{}
	var catalogID sql.NullString

	err := scan(
		&s.ID, &s.Title, pq.Array(&s.AltTitles), &s.Description, &s.CoverURL, &s.Type,
		&s.Status, pq.Array(&s.Genres), &s.ContentRating, &catalogID, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.CatalogID = catalogID.String

	return s, nil
}

// FindByID は指定IDのシリーズを取得する。見つからない場合はnilを返す。
func (r *PostgresSeriesRepo) FindByID(ctx context.Context, id string) (*model.Series, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+seriesColumns+` FROM series WHERE id = $1`, id)

	s, err := scanSeries(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("シリーズの取得に失敗しました: %w", err)
	}
	return s, nil
}

// SearchByTitle はタイトルまたは別タイトルの部分一致でシリーズを検索する。
func (r *PostgresSeriesRepo) SearchByTitle(ctx context.Context, query string, limit int) ([]*model.Series, error) {
	pattern := "%" + query + "%"
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+seriesColumns+`
		 FROM series
		 WHERE title ILIKE $1
		    OR EXISTS (SELECT 1 FROM unnest(alt_titles) AS alt WHERE alt ILIKE $1)
		 ORDER BY lower(title)
		 LIMIT $2`,
		pattern, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("シリーズの検索に失敗しました: %w", err)
	}
	defer rows.Close()

	var results []*model.Series
	for rows.Next() {
		s, err := scanSeries(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("検索結果の読み取りに失敗しました: %w", err)
		}
		results = append(results, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("検索結果の走査に失敗しました: %w", err)
	}

	return results, nil
}

// nullString は空文字列をNULLに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// compile-time interface check
var _ SeriesRepository = (*PostgresSeriesRepo)(nil)
