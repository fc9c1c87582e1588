package notify

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/serialhub/internal/model"
	"github.com/hitoshi/serialhub/internal/queue"
	"github.com/hitoshi/serialhub/internal/worker/jobs"
)

// --- モック ---

type mockSeriesRepo struct {
	findByIDFn func(ctx context.Context, id string) (*model.Series, error)
}

func (m *mockSeriesRepo) FindByID(ctx context.Context, id string) (*model.Series, error) {
	return m.findByIDFn(ctx, id)
}

func (m *mockSeriesRepo) SearchByTitle(ctx context.Context, query string, limit int) ([]*model.Series, error) {
	return nil, nil
}

type mockNotificationRepo struct {
	subscribers []string
	recent      []string
	inserted    []*model.Notification
	insertErr   error
}

func (m *mockNotificationRepo) ListNotifiableUserIDs(ctx context.Context, seriesID string) ([]string, error) {
	return m.subscribers, nil
}

func (m *mockNotificationRepo) ListRecentlyNotifiedUserIDs(ctx context.Context, seriesID, notifType string, window time.Duration) ([]string, error) {
	return m.recent, nil
}

func (m *mockNotificationRepo) BulkInsert(ctx context.Context, notifications []*model.Notification) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	m.inserted = append(m.inserted, notifications...)
	return nil
}

func (m *mockNotificationRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

type countingCollector struct {
	notificationsCreated int
}

func (countingCollector) RecordSyncSuccess(source string)                      {}
func (countingCollector) RecordSyncFailure(source, kind string)                {}
func (countingCollector) RecordCircuitOpen(source string)                      {}
func (countingCollector) RecordChaptersInserted(count int)                     {}
func (countingCollector) RecordExternalLatency(source string, d time.Duration) {}
func (countingCollector) RecordHTTPStatus(code int)                            {}
func (countingCollector) RecordSeriesCanonicalized(created bool)               {}
func (countingCollector) SetQueueDepth(queue string, depth int)                {}
func (c *countingCollector) RecordNotificationsCreated(count int) {
	c.notificationsCreated += count
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seriesRepoWith(series *model.Series) *mockSeriesRepo {
	return &mockSeriesRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.Series, error) {
			return series, nil
		},
	}
}

func notifyJob(seriesID string, chapterCount int) *queue.Job {
	return &queue.Job{
		Key: jobs.NotifyKey(seriesID, time.Now()),
		Payload: jobs.NotifyJob{
			SeriesID:     seriesID,
			SourceID:     "src-1",
			ChapterCount: chapterCount,
		},
	}
}

// --- テスト ---

// TestNotifier_Handle_CreatesNotifications は購読者全員に通知が作成されることを検証する。
func TestNotifier_Handle_CreatesNotifications(t *testing.T) {
	repo := &mockNotificationRepo{subscribers: []string{"user-1", "user-2", "user-3"}}
	collector := &countingCollector{}

	n := NewNotifier(
		seriesRepoWith(&model.Series{ID: "series-1", Title: "Blade Chronicle"}),
		repo, collector, 5*time.Minute, testLogger())

	job := notifyJob("series-1", 2)
	if err := n.Handle(context.Background(), job); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}

	if len(repo.inserted) != 3 {
		t.Fatalf("expected 3 notifications, got %d", len(repo.inserted))
	}

	first := repo.inserted[0]
	if first.Type != model.NotificationTypeNewChapters {
		t.Errorf("notification type = %q, want %q", first.Type, model.NotificationTypeNewChapters)
	}
	if first.Title != "Blade Chronicle" {
		t.Errorf("notification title = %q, want series title", first.Title)
	}
	if first.Metadata.ChapterCount != 2 {
		t.Errorf("metadata chapter count = %d, want 2", first.Metadata.ChapterCount)
	}
	if first.Metadata.SourceID != "src-1" {
		t.Errorf("metadata source ID = %q, want src-1", first.Metadata.SourceID)
	}
	if first.Metadata.JobID != job.Key {
		t.Errorf("metadata job ID = %q, want job key %q", first.Metadata.JobID, job.Key)
	}
	if first.ID == "" {
		t.Error("notification should receive a generated ID")
	}
	if collector.notificationsCreated != 3 {
		t.Errorf("metric count = %d, want 3", collector.notificationsCreated)
	}
}

// TestNotifier_Handle_DedupWindow はウィンドウ内で通知済みのユーザーに
// 重複通知が作成されないことを検証する。
func TestNotifier_Handle_DedupWindow(t *testing.T) {
	repo := &mockNotificationRepo{
		subscribers: []string{"user-1", "user-2", "user-3"},
		recent:      []string{"user-2"},
	}

	n := NewNotifier(
		seriesRepoWith(&model.Series{ID: "series-1", Title: "Blade Chronicle"}),
		repo, &countingCollector{}, 5*time.Minute, testLogger())

	if err := n.Handle(context.Background(), notifyJob("series-1", 1)); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}

	if len(repo.inserted) != 2 {
		t.Fatalf("expected 2 notifications after dedup, got %d", len(repo.inserted))
	}
	for _, notif := range repo.inserted {
		if notif.UserID == "user-2" {
			t.Error("recently notified user should not receive a duplicate")
		}
	}
}

// TestNotifier_Handle_AllRecentlyNotified は全購読者が通知済みの場合に
// 挿入が行われないことを検証する。
func TestNotifier_Handle_AllRecentlyNotified(t *testing.T) {
	repo := &mockNotificationRepo{
		subscribers: []string{"user-1"},
		recent:      []string{"user-1"},
	}
	collector := &countingCollector{}

	n := NewNotifier(
		seriesRepoWith(&model.Series{ID: "series-1", Title: "Blade Chronicle"}),
		repo, collector, 5*time.Minute, testLogger())

	if err := n.Handle(context.Background(), notifyJob("series-1", 1)); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}

	if len(repo.inserted) != 0 {
		t.Errorf("expected no notifications, got %d", len(repo.inserted))
	}
	if collector.notificationsCreated != 0 {
		t.Errorf("metric count = %d, want 0", collector.notificationsCreated)
	}
}

// TestNotifier_Handle_NoSubscribers は購読者ゼロの場合に正常終了することを検証する。
func TestNotifier_Handle_NoSubscribers(t *testing.T) {
	repo := &mockNotificationRepo{}

	n := NewNotifier(
		seriesRepoWith(&model.Series{ID: "series-1", Title: "Blade Chronicle"}),
		repo, &countingCollector{}, 5*time.Minute, testLogger())

	if err := n.Handle(context.Background(), notifyJob("series-1", 1)); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if len(repo.inserted) != 0 {
		t.Errorf("expected no notifications, got %d", len(repo.inserted))
	}
}

// TestNotifier_Handle_SeriesGone はシリーズ消失がリトライ不能エラーになることを検証する。
func TestNotifier_Handle_SeriesGone(t *testing.T) {
	n := NewNotifier(
		seriesRepoWith(nil),
		&mockNotificationRepo{}, &countingCollector{}, 5*time.Minute, testLogger())

	err := n.Handle(context.Background(), notifyJob("series-gone", 1))
	if err == nil {
		t.Fatal("expected error for missing series")
	}
	if model.IsRetryable(err) {
		t.Error("missing series should not be retryable")
	}
}

// TestNotifier_Handle_InsertFailureRetries は挿入失敗が再試行可能エラーになることを検証する。
func TestNotifier_Handle_InsertFailureRetries(t *testing.T) {
	repo := &mockNotificationRepo{
		subscribers: []string{"user-1"},
		insertErr:   context.DeadlineExceeded,
	}

	n := NewNotifier(
		seriesRepoWith(&model.Series{ID: "series-1", Title: "Blade Chronicle"}),
		repo, &countingCollector{}, 5*time.Minute, testLogger())

	err := n.Handle(context.Background(), notifyJob("series-1", 1))
	if err == nil {
		t.Fatal("expected insert failure to propagate")
	}
	if !model.IsRetryable(err) {
		t.Error("insert failure should be retryable")
	}
}

// TestExcludeRecent は購読者リストから通知済みユーザーが除外されることを検証する。
func TestExcludeRecent(t *testing.T) {
	got := excludeRecent([]string{"a", "b", "c"}, []string{"b"})
	if len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Errorf("excludeRecent = %v, want [a c]", got)
	}

	all := []string{"a", "b"}
	if got := excludeRecent(all, nil); len(got) != 2 {
		t.Errorf("empty recent list should keep all subscribers, got %v", got)
	}
}
