package schedule

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/serialhub/internal/model"
	"github.com/hitoshi/serialhub/internal/worker/jobs"
)

// --- モック ---

type mockSourceRepo struct {
	listDueForSyncFn  func(ctx context.Context, limit int) ([]*model.SourceRecord, error)
	rescheduleByIDsFn func(ctx context.Context, ids []string, nextCheckAt time.Time) error
}

func (m *mockSourceRepo) FindByID(ctx context.Context, id string) (*model.SourceRecord, error) {
	return nil, nil
}

func (m *mockSourceRepo) ListDueForSync(ctx context.Context, limit int) ([]*model.SourceRecord, error) {
	return m.listDueForSyncFn(ctx, limit)
}

func (m *mockSourceRepo) RescheduleByIDs(ctx context.Context, ids []string, nextCheckAt time.Time) error {
	if m.rescheduleByIDsFn != nil {
		return m.rescheduleByIDsFn(ctx, ids, nextCheckAt)
	}
	return nil
}

func (m *mockSourceRepo) MarkCircuitOpen(ctx context.Context, id string, nextCheckAt time.Time) error {
	return nil
}

func (m *mockSourceRepo) RecordFailure(ctx context.Context, id string) error { return nil }

func (m *mockSourceRepo) ApplyScrape(ctx context.Context, src *model.SourceRecord, scraped []model.ScrapedChapter) (int, error) {
	return 0, nil
}

type enqueuedJob struct {
	key      string
	priority int
	payload  any
}

type mockEnqueuer struct {
	jobs []enqueuedJob
}

func (m *mockEnqueuer) Enqueue(key string, priority int, payload any) bool {
	m.jobs = append(m.jobs, enqueuedJob{key: key, priority: priority, payload: payload})
	return true
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTierTables() (map[model.SyncTier]time.Duration, map[model.SyncTier]int) {
	intervals := map[model.SyncTier]time.Duration{
		model.TierHot:  15 * time.Minute,
		model.TierWarm: 2 * time.Hour,
		model.TierCold: 24 * time.Hour,
	}
	priorities := map[model.SyncTier]int{
		model.TierHot:  1,
		model.TierWarm: 2,
		model.TierCold: 3,
	}
	return intervals, priorities
}

// --- テスト ---

// TestScheduler_RunOnce_HotSources はHOTソース3件がランク1で投入され、
// 15分後に再スケジュールされることを検証する。
func TestScheduler_RunOnce_HotSources(t *testing.T) {
	sources := []*model.SourceRecord{
		{ID: "src-1", SyncPriority: model.TierHot},
		{ID: "src-2", SyncPriority: model.TierHot},
		{ID: "src-3", SyncPriority: model.TierHot},
	}

	var rescheduledIDs []string
	var rescheduledAt time.Time

	repo := &mockSourceRepo{
		listDueForSyncFn: func(ctx context.Context, limit int) ([]*model.SourceRecord, error) {
			return sources, nil
		},
		rescheduleByIDsFn: func(ctx context.Context, ids []string, nextCheckAt time.Time) error {
			rescheduledIDs = append(rescheduledIDs, ids...)
			rescheduledAt = nextCheckAt
			return nil
		},
	}
	q := &mockEnqueuer{}
	intervals, priorities := testTierTables()

	s := NewScheduler(repo, q, intervals, priorities, 50, testLogger())

	before := time.Now()
	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	if len(q.jobs) != 3 {
		t.Fatalf("expected 3 enqueued jobs, got %d", len(q.jobs))
	}
	for _, job := range q.jobs {
		if job.priority != 1 {
			t.Errorf("HOT job priority = %d, want 1", job.priority)
		}
		if !strings.HasPrefix(job.key, "sync-src-") {
			t.Errorf("unexpected job key: %s", job.key)
		}
		if _, ok := job.payload.(jobs.SyncJob); !ok {
			t.Errorf("unexpected payload type: %T", job.payload)
		}
	}

	if len(rescheduledIDs) != 3 {
		t.Fatalf("expected 3 rescheduled sources, got %d", len(rescheduledIDs))
	}
	// HOTは15分後に再スケジュールされる
	want := before.Add(15 * time.Minute)
	if rescheduledAt.Before(want.Add(-time.Minute)) || rescheduledAt.After(want.Add(time.Minute)) {
		t.Errorf("rescheduledAt = %v, want ~%v", rescheduledAt, want)
	}
}

// TestScheduler_RunOnce_MixedTiers はティアごとに優先度と間隔が分かれることを検証する。
func TestScheduler_RunOnce_MixedTiers(t *testing.T) {
	sources := []*model.SourceRecord{
		{ID: "hot", SyncPriority: model.TierHot},
		{ID: "warm", SyncPriority: model.TierWarm},
		{ID: "cold", SyncPriority: model.TierCold},
	}

	reschedules := make(map[string]time.Time)

	repo := &mockSourceRepo{
		listDueForSyncFn: func(ctx context.Context, limit int) ([]*model.SourceRecord, error) {
			return sources, nil
		},
		rescheduleByIDsFn: func(ctx context.Context, ids []string, nextCheckAt time.Time) error {
			for _, id := range ids {
				reschedules[id] = nextCheckAt
			}
			return nil
		},
	}
	q := &mockEnqueuer{}
	intervals, priorities := testTierTables()

	s := NewScheduler(repo, q, intervals, priorities, 50, testLogger())

	before := time.Now()
	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	wantPriorities := map[string]int{"hot": 1, "warm": 2, "cold": 3}
	for _, job := range q.jobs {
		payload := job.payload.(jobs.SyncJob)
		if job.priority != wantPriorities[payload.SourceID] {
			t.Errorf("priority for %s = %d, want %d", payload.SourceID, job.priority, wantPriorities[payload.SourceID])
		}
	}

	// 各ティアの間隔で再スケジュールされる
	wantIntervals := map[string]time.Duration{
		"hot":  15 * time.Minute,
		"warm": 2 * time.Hour,
		"cold": 24 * time.Hour,
	}
	for id, interval := range wantIntervals {
		got, ok := reschedules[id]
		if !ok {
			t.Errorf("source %s was not rescheduled", id)
			continue
		}
		want := before.Add(interval)
		if got.Before(want.Add(-time.Minute)) || got.After(want.Add(time.Minute)) {
			t.Errorf("reschedule for %s = %v, want ~%v", id, got, want)
		}
	}
}

// TestScheduler_RunOnce_UnknownTierFallsBackToCold は未知ティアがCOLD扱いになることを検証する。
func TestScheduler_RunOnce_UnknownTierFallsBackToCold(t *testing.T) {
	sources := []*model.SourceRecord{
		{ID: "weird", SyncPriority: model.SyncTier("LEGACY")},
	}

	var rescheduledAt time.Time
	repo := &mockSourceRepo{
		listDueForSyncFn: func(ctx context.Context, limit int) ([]*model.SourceRecord, error) {
			return sources, nil
		},
		rescheduleByIDsFn: func(ctx context.Context, ids []string, nextCheckAt time.Time) error {
			rescheduledAt = nextCheckAt
			return nil
		},
	}
	q := &mockEnqueuer{}
	intervals, priorities := testTierTables()

	s := NewScheduler(repo, q, intervals, priorities, 50, testLogger())

	before := time.Now()
	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	if len(q.jobs) != 1 || q.jobs[0].priority != 3 {
		t.Fatalf("expected COLD priority 3, got %+v", q.jobs)
	}
	want := before.Add(24 * time.Hour)
	if rescheduledAt.Before(want.Add(-time.Minute)) || rescheduledAt.After(want.Add(time.Minute)) {
		t.Errorf("rescheduledAt = %v, want ~%v (COLD interval)", rescheduledAt, want)
	}
}

// TestScheduler_RunOnce_Empty は期限到来ソースがない場合に何もしないことを検証する。
func TestScheduler_RunOnce_Empty(t *testing.T) {
	repo := &mockSourceRepo{
		listDueForSyncFn: func(ctx context.Context, limit int) ([]*model.SourceRecord, error) {
			return nil, nil
		},
		rescheduleByIDsFn: func(ctx context.Context, ids []string, nextCheckAt time.Time) error {
			t.Error("RescheduleByIDs should not be called for empty sweep")
			return nil
		},
	}
	q := &mockEnqueuer{}
	intervals, priorities := testTierTables()

	s := NewScheduler(repo, q, intervals, priorities, 50, testLogger())

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if len(q.jobs) != 0 {
		t.Errorf("expected no jobs, got %d", len(q.jobs))
	}
}

// TestScheduler_RunOnce_ListError はスイープ失敗時にエラーを返すことを検証する。
func TestScheduler_RunOnce_ListError(t *testing.T) {
	repo := &mockSourceRepo{
		listDueForSyncFn: func(ctx context.Context, limit int) ([]*model.SourceRecord, error) {
			return nil, errors.New("connection refused")
		},
	}
	q := &mockEnqueuer{}
	intervals, priorities := testTierTables()

	s := NewScheduler(repo, q, intervals, priorities, 50, testLogger())

	if err := s.RunOnce(context.Background()); err == nil {
		t.Error("expected error from RunOnce")
	}
}
