package model

import "time"

// NotificationTypeNewChapters は新着チャプター通知のタイプ。
const NotificationTypeNewChapters = "new_chapters"

// Notification はユーザー1人に対する通知1件を表す。
// 同一 (series, type) の通知は重複排除ウィンドウ内で同一ユーザーに2件作成されない。
type Notification struct {
	ID        string
	UserID    string
	Type      string
	Title     string
	Message   string
	SeriesID  string
	Metadata  NotificationMetadata
	CreatedAt time.Time
}

// NotificationMetadata は通知の発生元を辿るためのメタデータ。
type NotificationMetadata struct {
	SourceID     string `json:"source_id,omitempty"`
	ChapterCount int    `json:"chapter_count,omitempty"`
	JobID        string `json:"job_id,omitempty"`
}
