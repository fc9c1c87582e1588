// Package model はドメインモデルを定義する。
package model

import "time"

// SyncTier はソースレコードの同期頻度クラスを表す。
type SyncTier string

const (
	// TierHot は高頻度同期（15分間隔）のティア。
	TierHot SyncTier = "HOT"
	// TierWarm は中頻度同期（2時間間隔）のティア。
	TierWarm SyncTier = "WARM"
	// TierCold は低頻度同期（24時間間隔）のティア。
	// 未知のティアはCOLDとして扱う（明示的フォールバック）。
	TierCold SyncTier = "COLD"
)

// ValidTiers は定義済みの全ティア。設定テーブルの網羅検証に使用する。
var ValidTiers = []SyncTier{TierHot, TierWarm, TierCold}

// NormalizeTier は未知のティア値をCOLDに正規化する。
func NormalizeTier(t SyncTier) SyncTier {
	switch t {
	case TierHot, TierWarm, TierCold:
		return t
	default:
		return TierCold
	}
}

// Series は複数ソースを集約した正準シリーズを表す。
// CatalogIDは外部カタログの強い重複排除キーであり、存在する場合は一意。
type Series struct {
	ID            string
	Title         string
	AltTitles     []string
	Description   string
	CoverURL      string
	Type          string
	Status        string
	Genres        []string
	ContentRating string
	CatalogID     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SourceRecord は1つの外部ソースと正準シリーズの紐付けを表す。
// (SourceName, NativeID) は一意。パイプライン自身がこのレコードを削除することはない。
type SourceRecord struct {
	ID              string
	SeriesID        string
	SourceName      string
	NativeID        string
	URL             string
	SyncPriority    SyncTier
	NextCheckAt     *time.Time
	FailureCount    int
	LastCheckedAt   *time.Time
	LastSuccessAt   *time.Time
	ChapterCount    int
	CoverURL        string
	CoverWidth      int
	CoverHeight     int
	CoverUpdatedAt  *time.Time
	CoverPrimary    bool
	MatchConfidence float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// circuitBreakerThreshold はソースを遮断する連続失敗回数の閾値。
const circuitBreakerThreshold = 5

// CircuitOpen はソースが遮断状態（failure_count >= 5）かを返す。
// 遮断状態のソースは成功による failure_count リセットまでネットワークアクセスを行わない。
func (s *SourceRecord) CircuitOpen() bool {
	return s.FailureCount >= circuitBreakerThreshold
}

// Chapter は1つのソースレコードに属するチャプターを表す。
// Numberは小数チャプター（番外編など）を許容する。
// (SourceID, Number) は一意で、重複挿入は黙って捨てられる。
type Chapter struct {
	ID          string
	SourceID    string
	SeriesID    string
	Number      float64
	Title       string
	URL         string
	PublishedAt *time.Time
	CreatedAt   time.Time
}

// ScrapedChapter はスクレイパーが返すチャプター1件分のデータ。
type ScrapedChapter struct {
	Number      float64
	Title       string
	URL         string
	PublishedAt *time.Time
}

// ScrapeResult はスクレイパーが返すソースの現在の全チャプターリスト。
type ScrapeResult struct {
	Title    string
	Chapters []ScrapedChapter
}
