// Package jobs はキューに流れるジョブのペイロードとキー生成を定義する。
package jobs

import (
	"fmt"
	"time"

	"github.com/hitoshi/serialhub/internal/catalog"
)

// SyncJob はソース同期ジョブのペイロード。
type SyncJob struct {
	SourceID string
}

// SyncKey は同期ジョブの重複排除キーを生成する。
// 実行時刻を含むため、同一スイープ内での多重投入のみを抑止する。
// スイープをまたぐ重複はnext_check_atの再スケジュールが防ぐ。
func SyncKey(sourceID string, runAt time.Time) string {
	return fmt.Sprintf("sync-%s-%d", sourceID, runAt.UnixMilli())
}

// 発見ジョブのトリガー理由。ユーザー検索起点の発見は
// システム起点より先に正準化される。
const (
	TriggerUserSearch = "user_search"
	TriggerSystemSync = "system_sync"
)

// DiscoveryJob は発見ジョブのペイロード。
// QueryとSeriesIDはどちらか一方を指定する。
type DiscoveryJob struct {
	// Query は検索語。
	Query string
	// SeriesID はQueryが空の場合にタイトルを引くシリーズID。
	// カタログ未紐付けシリーズのシステム起点発見に使う。
	SeriesID string
	// Reason はトリガー理由（TriggerUserSearch / TriggerSystemSync）。
	Reason string
}

// DiscoveryKey は発見ジョブの重複排除キーを生成する。
// クエリ単位で排除する（同一クエリの並行発見を防ぐ）。
func DiscoveryKey(query string) string {
	return "discovery-" + query
}

// CanonicalJob は正準化ジョブのペイロード。カタログ検索結果1件に対応する。
type CanonicalJob struct {
	SourceName string
	Entry      catalog.Entry
	// MatchScore は検索結果の関連度スコア（結果リスト長 - 順位）。
	MatchScore float64
}

// CanonicalKey は正準化ジョブの重複排除キーを生成する。
// (ソース名, 外部ID) 単位で排除する。
func CanonicalKey(sourceName, externalID string) string {
	return fmt.Sprintf("canon_%s_%s", sourceName, externalID)
}

// NotifyJob は通知ジョブのペイロード。
type NotifyJob struct {
	SeriesID     string
	SourceID     string
	ChapterCount int
}

// NotifyKey は通知ジョブの重複排除キーを生成する。
func NotifyKey(seriesID string, at time.Time) string {
	return fmt.Sprintf("notify-%s-%d", seriesID, at.UnixMilli())
}
