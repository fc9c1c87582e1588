package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/serialhub/internal/model"
)

// sourceColumns はsourcesテーブルのSELECT列リスト。
const sourceColumns = `id, series_id, source_name, native_id, url, sync_priority,
	next_check_at, failure_count, last_checked_at, last_success_at, chapter_count,
	cover_url, cover_width, cover_height, cover_updated_at, cover_primary,
	match_confidence, created_at, updated_at`

// PostgresSourceRepo はPostgreSQLを使用したソースレコードリポジトリ。
type PostgresSourceRepo struct {
	db *sql.DB
}

// NewPostgresSourceRepo はPostgresSourceRepoを生成する。
func NewPostgresSourceRepo(db *sql.DB) *PostgresSourceRepo {
	return &PostgresSourceRepo{db: db}
}

// scanSource は1行をSourceRecordに読み取る。
func scanSource(scan func(dest ...any) error) (*model.SourceRecord, error) {
	src := &model.SourceRecord{}
	var nextCheckAt, lastCheckedAt, lastSuccessAt, coverUpdatedAt sql.NullTime

	err := scan(
		&src.ID, &src.SeriesID, &src.SourceName, &src.NativeID, &src.URL, &src.SyncPriority,
		&nextCheckAt, &src.FailureCount, &lastCheckedAt, &lastSuccessAt, &src.ChapterCount,
		&src.CoverURL, &src.CoverWidth, &src.CoverHeight, &coverUpdatedAt, &src.CoverPrimary,
		&src.MatchConfidence, &src.CreatedAt, &src.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	src.NextCheckAt = nullTimePtr(nextCheckAt)
	src.LastCheckedAt = nullTimePtr(lastCheckedAt)
	src.LastSuccessAt = nullTimePtr(lastSuccessAt)
	src.CoverUpdatedAt = nullTimePtr(coverUpdatedAt)

	return src, nil
}

// FindByID は指定IDのソースレコードを取得する。見つからない場合はnilを返す。
func (r *PostgresSourceRepo) FindByID(ctx context.Context, id string) (*model.SourceRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id)

	src, err := scanSource(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ソースレコードの取得に失敗しました: %w", err)
	}
	return src, nil
}

// ListDueForSync は同期対象のソースレコードを最大limit件取得する。
// next_check_at がNULLまたは現在時刻以前のレコードが対象。
func (r *PostgresSourceRepo) ListDueForSync(ctx context.Context, limit int) ([]*model.SourceRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sourceColumns+`
		 FROM sources
		 WHERE next_check_at IS NULL OR next_check_at <= now()
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("同期対象ソースの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var sources []*model.SourceRecord
	for rows.Next() {
		src, err := scanSource(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("同期対象ソースの読み取りに失敗しました: %w", err)
		}
		sources = append(sources, src)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("同期対象ソースの走査に失敗しました: %w", err)
	}

	return sources, nil
}

// RescheduleByIDs は指定レコード群のnext_check_atを一括更新する。
func (r *PostgresSourceRepo) RescheduleByIDs(ctx context.Context, ids []string, nextCheckAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE sources SET next_check_at = $2, updated_at = now() WHERE id = ANY($1)`,
		pq.Array(ids), nextCheckAt,
	)
	if err != nil {
		return fmt.Errorf("next_check_atの一括更新に失敗しました: %w", err)
	}
	return nil
}

// MarkCircuitOpen はソースをCOLDに降格し、next_check_atを指定時刻まで先送りする。
func (r *PostgresSourceRepo) MarkCircuitOpen(ctx context.Context, id string, nextCheckAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sources SET sync_priority = $2, next_check_at = $3, updated_at = now() WHERE id = $1`,
		id, model.TierCold, nextCheckAt,
	)
	if err != nil {
		return fmt.Errorf("ソースの遮断状態更新に失敗しました: %w", err)
	}
	return nil
}

// RecordFailure はfailure_countをインクリメントし、last_checked_atを現在時刻にする。
func (r *PostgresSourceRepo) RecordFailure(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sources SET failure_count = failure_count + 1, last_checked_at = now(), updated_at = now()
		 WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("失敗カウントの更新に失敗しました: %w", err)
	}
	return nil
}

// ApplyScrape はスクレイプ結果を1トランザクションで反映する。
// 既存チャプター番号との差分のみをON CONFLICT DO NOTHINGで挿入する。
// 同一ジョブの並行実行に対しては一意制約が最後の防衛線となる。
func (r *PostgresSourceRepo) ApplyScrape(ctx context.Context, src *model.SourceRecord, scraped []model.ScrapedChapter) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT number FROM chapters WHERE source_id = $1`, src.ID)
	if err != nil {
		return 0, fmt.Errorf("既存チャプター番号の取得に失敗しました: %w", err)
	}

	existing := make(map[float64]bool)
	for rows.Next() {
		var number float64
		if err := rows.Scan(&number); err != nil {
			rows.Close()
			return 0, fmt.Errorf("チャプター番号の読み取りに失敗しました: %w", err)
		}
		existing[number] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("チャプター番号の走査に失敗しました: %w", err)
	}
	rows.Close()

	newChapters := DiffChapters(existing, scraped)

	inserted := 0
	now := time.Now()
	for _, ch := range newChapters {
		var publishedAt sql.NullTime
		if ch.PublishedAt != nil {
			publishedAt = sql.NullTime{Time: *ch.PublishedAt, Valid: true}
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO chapters (id, source_id, series_id, number, title, url, published_at, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (source_id, number) DO NOTHING`,
			uuid.New().String(), src.ID, src.SeriesID, ch.Number, ch.Title, ch.URL, publishedAt, now,
		)
		if err != nil {
			return 0, fmt.Errorf("チャプターの挿入に失敗しました: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("挿入結果の確認に失敗しました: %w", err)
		}
		inserted += int(affected)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sources SET
		    last_checked_at = now(),
		    last_success_at = now(),
		    chapter_count = chapter_count + $2,
		    failure_count = 0,
		    updated_at = now()
		 WHERE id = $1`,
		src.ID, inserted,
	)
	if err != nil {
		return 0, fmt.Errorf("ソース状態の更新に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}

	return inserted, nil
}

// DiffChapters は既存チャプター番号集合に対する差分を返す。
// 同一番号がスクレイプ結果に複数含まれる場合も1件に正規化する。
func DiffChapters(existing map[float64]bool, scraped []model.ScrapedChapter) []model.ScrapedChapter {
	seen := make(map[float64]bool, len(scraped))
	var diff []model.ScrapedChapter
	for _, ch := range scraped {
		if existing[ch.Number] || seen[ch.Number] {
			continue
		}
		seen[ch.Number] = true
		diff = append(diff, ch)
	}
	return diff
}

// nullTimePtr はsql.NullTimeから*time.Timeを取得する。
func nullTimePtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		t := nt.Time
		return &t
	}
	return nil
}

// compile-time interface check
var _ SourceRepository = (*PostgresSourceRepo)(nil)
