package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/serialhub/internal/model"
)

// PostgresNotificationRepo はPostgreSQLを使用した通知リポジトリ。
type PostgresNotificationRepo struct {
	db *sql.DB
}

// NewPostgresNotificationRepo はPostgresNotificationRepoを生成する。
func NewPostgresNotificationRepo(db *sql.DB) *PostgresNotificationRepo {
	return &PostgresNotificationRepo{db: db}
}

// ListNotifiableUserIDs は指定シリーズをライブラリ登録し、
// 新着チャプター通知を有効にしているユーザーIDを返す。
func (r *PostgresNotificationRepo) ListNotifiableUserIDs(ctx context.Context, seriesID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id FROM library_entries
		 WHERE series_id = $1 AND notify_new_chapters = TRUE`,
		seriesID,
	)
	if err != nil {
		return nil, fmt.Errorf("通知対象ユーザーの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return scanUserIDs(rows)
}

// ListRecentlyNotifiedUserIDs は指定シリーズ・タイプの通知を
// 遡及ウィンドウ内に受け取ったユーザーIDを返す。
func (r *PostgresNotificationRepo) ListRecentlyNotifiedUserIDs(ctx context.Context, seriesID, notifType string, window time.Duration) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM notifications
		 WHERE series_id = $1 AND type = $2 AND created_at >= $3`,
		seriesID, notifType, time.Now().Add(-window),
	)
	if err != nil {
		return nil, fmt.Errorf("通知済みユーザーの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return scanUserIDs(rows)
}

// BulkInsert は通知をまとめて挿入する。
func (r *PostgresNotificationRepo) BulkInsert(ctx context.Context, notifications []*model.Notification) error {
	if len(notifications) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO notifications (id, user_id, type, title, message, series_id, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)
	if err != nil {
		return fmt.Errorf("通知挿入文の準備に失敗しました: %w", err)
	}
	defer stmt.Close()

	for _, n := range notifications {
		metadata, err := json.Marshal(n.Metadata)
		if err != nil {
			return fmt.Errorf("通知メタデータのエンコードに失敗しました: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			n.ID, n.UserID, n.Type, n.Title, n.Message, n.SeriesID, metadata, n.CreatedAt,
		); err != nil {
			return fmt.Errorf("通知の挿入に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// DeleteOlderThan は作成日時がcutoffより古い通知を削除し、削除件数を返す。
func (r *PostgresNotificationRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("古い通知の削除に失敗しました: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return deleted, nil
}

func scanUserIDs(rows *sql.Rows) ([]string, error) {
	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ユーザーIDの読み取りに失敗しました: %w", err)
		}
		userIDs = append(userIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ユーザーIDの走査に失敗しました: %w", err)
	}
	return userIDs, nil
}

// compile-time interface check
var _ NotificationRepository = (*PostgresNotificationRepo)(nil)
