package cleanup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/serialhub/internal/model"
)

type mockNotificationRepo struct {
	deleteFn func(ctx context.Context, cutoff time.Time) (int64, error)
}

func (m *mockNotificationRepo) ListNotifiableUserIDs(ctx context.Context, seriesID string) ([]string, error) {
	return nil, nil
}

func (m *mockNotificationRepo) ListRecentlyNotifiedUserIDs(ctx context.Context, seriesID, notifType string, window time.Duration) ([]string, error) {
	return nil, nil
}

func (m *mockNotificationRepo) BulkInsert(ctx context.Context, notifications []*model.Notification) error {
	return nil
}

func (m *mockNotificationRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return m.deleteFn(ctx, cutoff)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestCleanupJob_Run は保持期間に基づくカットオフで削除が実行されることを検証する。
func TestCleanupJob_Run(t *testing.T) {
	var gotCutoff time.Time
	repo := &mockNotificationRepo{
		deleteFn: func(ctx context.Context, cutoff time.Time) (int64, error) {
			gotCutoff = cutoff
			return 42, nil
		},
	}

	job := NewCleanupJob(repo, testLogger())

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	wantCutoff := time.Now().Add(-30 * 24 * time.Hour)
	if diff := gotCutoff.Sub(wantCutoff); diff < -time.Minute || diff > time.Minute {
		t.Errorf("cutoff = %v, want about 30 days ago", gotCutoff)
	}
}

// TestCleanupJob_Run_NoRows は削除対象ゼロでもエラーにならないことを検証する。
func TestCleanupJob_Run_NoRows(t *testing.T) {
	repo := &mockNotificationRepo{
		deleteFn: func(ctx context.Context, cutoff time.Time) (int64, error) {
			return 0, nil
		},
	}

	job := NewCleanupJob(repo, testLogger())

	if err := job.Run(context.Background()); err != nil {
		t.Errorf("Run with zero deletions should succeed, got: %v", err)
	}
}

// TestCleanupJob_Run_Error は削除失敗時にエラーが返ることを検証する。
func TestCleanupJob_Run_Error(t *testing.T) {
	repo := &mockNotificationRepo{
		deleteFn: func(ctx context.Context, cutoff time.Time) (int64, error) {
			return 0, errors.New("connection reset")
		},
	}

	job := NewCleanupJob(repo, testLogger())

	if err := job.Run(context.Background()); err == nil {
		t.Error("expected error when delete fails")
	}
}

// TestCleanupJob_CustomRetention は保持期間の上書きが反映されることを検証する。
func TestCleanupJob_CustomRetention(t *testing.T) {
	var gotCutoff time.Time
	repo := &mockNotificationRepo{
		deleteFn: func(ctx context.Context, cutoff time.Time) (int64, error) {
			gotCutoff = cutoff
			return 0, nil
		},
	}

	job := NewCleanupJob(repo, testLogger())
	job.Retention = 24 * time.Hour

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	wantCutoff := time.Now().Add(-24 * time.Hour)
	if diff := gotCutoff.Sub(wantCutoff); diff < -time.Minute || diff > time.Minute {
		t.Errorf("cutoff = %v, want about 1 day ago", gotCutoff)
	}
}
