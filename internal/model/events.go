package model

// SeriesAvailableEvent は正準化完了をライブクライアントへ通知するイベント。
// ブロードキャスト失敗はログに記録して握り潰す（コミット済みトランザクションを
// 巻き戻してはならない）。
type SeriesAvailableEvent struct {
	Type      string `json:"type"`
	SeriesID  string `json:"series_id"`
	CatalogID string `json:"catalog_id,omitempty"`
	Title     string `json:"title"`
	Created   bool   `json:"created"`
}

// NewSeriesAvailableEvent はseries_availableイベントを生成する。
func NewSeriesAvailableEvent(seriesID, catalogID, title string, created bool) SeriesAvailableEvent {
	return SeriesAvailableEvent{
		Type:      "series_available",
		SeriesID:  seriesID,
		CatalogID: catalogID,
		Title:     title,
		Created:   created,
	}
}
