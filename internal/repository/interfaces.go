// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/serialhub/internal/model"
)

// SourceRepository はソースレコードの永続化インターフェース。
type SourceRepository interface {
	// FindByID は指定IDのソースレコードを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.SourceRecord, error)

	// ListDueForSync は同期対象のソースレコードを最大limit件取得する。
	// next_check_at がNULLまたは現在時刻以前のレコードが対象。バッチ内の順序は任意。
	ListDueForSync(ctx context.Context, limit int) ([]*model.SourceRecord, error)

	// RescheduleByIDs は指定レコード群のnext_check_atを一括更新する。
	// スケジューラがティアごとにまとめて呼び出す（レコード1件ごとの更新を避ける）。
	RescheduleByIDs(ctx context.Context, ids []string, nextCheckAt time.Time) error

	// MarkCircuitOpen はソースをCOLDに降格し、next_check_atを指定時刻まで先送りする。
	MarkCircuitOpen(ctx context.Context, id string, nextCheckAt time.Time) error

	// RecordFailure はfailure_countをインクリメントし、last_checked_atを現在時刻にする。
	RecordFailure(ctx context.Context, id string) error

	// ApplyScrape はスクレイプ結果を1トランザクションで反映する。
	// 既存チャプター番号を読み、差分のみを重複スキップ付きでバルク挿入し、
	// ソースレコードのlast_checked_at/last_success_at/chapter_count/failure_countを更新する。
	// 戻り値は実際に挿入されたチャプター数。
	ApplyScrape(ctx context.Context, src *model.SourceRecord, scraped []model.ScrapedChapter) (int, error)
}

// SeriesRepository は正準シリーズの読み取りインターフェース。
type SeriesRepository interface {
	// FindByID は指定IDのシリーズを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Series, error)

	// SearchByTitle はタイトルまたは別タイトルの部分一致でシリーズを検索する。
	SearchByTitle(ctx context.Context, query string, limit int) ([]*model.Series, error)
}

// CanonicalTxRepo は正準化トランザクション内部で使用する操作群。
// すべてのメソッドは同一トランザクション上で実行される。
type CanonicalTxRepo interface {
	// FindSeriesByCatalogID は外部カタログIDでシリーズを検索する。見つからない場合はnil。
	FindSeriesByCatalogID(ctx context.Context, catalogID string) (*model.Series, error)
	// FindSourceByNativeID は(source_name, native_id)でソースレコードを検索する。見つからない場合はnil。
	FindSourceByNativeID(ctx context.Context, sourceName, nativeID string) (*model.Series, *model.SourceRecord, error)
	// FindSeriesByTitle は大文字小文字を無視した完全一致でシリーズを検索する。見つからない場合はnil。
	FindSeriesByTitle(ctx context.Context, title string) (*model.Series, error)
	// CreateSeries はシリーズを作成する。
	CreateSeries(ctx context.Context, series *model.Series) error
	// UpdateSeries はシリーズを更新する。
	UpdateSeries(ctx context.Context, series *model.Series) error
	// UpsertSource はソースレコードを(source_name, native_id)キーでUPSERTする。
	UpsertSource(ctx context.Context, src *model.SourceRecord) error
}

// CanonicalStore は正準化トランザクションの実行インターフェース。
// fnがエラーを返した場合はトランザクション全体がロールバックされる（部分コミットなし）。
type CanonicalStore interface {
	InTx(ctx context.Context, fn func(repo CanonicalTxRepo) error) error
}

// NotificationRepository は通知とライブラリ購読の永続化インターフェース。
type NotificationRepository interface {
	// ListNotifiableUserIDs は指定シリーズをライブラリ登録し、
	// 新着チャプター通知を有効にしているユーザーIDを返す。
	ListNotifiableUserIDs(ctx context.Context, seriesID string) ([]string, error)

	// ListRecentlyNotifiedUserIDs は指定シリーズ・タイプの通知を
	// 遡及ウィンドウ内に受け取ったユーザーIDを返す。
	ListRecentlyNotifiedUserIDs(ctx context.Context, seriesID, notifType string, window time.Duration) ([]string, error)

	// BulkInsert は通知をまとめて挿入する。
	BulkInsert(ctx context.Context, notifications []*model.Notification) error

	// DeleteOlderThan は作成日時がcutoffより古い通知を削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
