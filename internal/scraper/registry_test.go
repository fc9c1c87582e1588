package scraper

import (
	"context"
	"errors"
	"testing"

	"github.com/hitoshi/serialhub/internal/model"
)

// --- モック ---

type mockScraper struct {
	name    string
	fetchFn func(ctx context.Context, src *model.SourceRecord) (*model.ScrapeResult, error)
}

func (m *mockScraper) SourceName() string { return m.name }

func (m *mockScraper) FetchChapters(ctx context.Context, src *model.SourceRecord) (*model.ScrapeResult, error) {
	return m.fetchFn(ctx, src)
}

// --- テスト ---

// TestNewRegistry_DuplicateName は同一ソース名の二重登録がエラーになることを検証する。
func TestNewRegistry_DuplicateName(t *testing.T) {
	_, err := NewRegistry(
		&mockScraper{name: "mangadex"},
		&mockScraper{name: "mangadex"},
	)
	if err == nil {
		t.Error("expected error for duplicate source name")
	}
}

// TestNewRegistry_EmptyName は空のソース名がエラーになることを検証する。
func TestNewRegistry_EmptyName(t *testing.T) {
	_, err := NewRegistry(&mockScraper{name: ""})
	if err == nil {
		t.Error("expected error for empty source name")
	}
}

// TestRegistry_Get は登録済みスクレイパーの取得を検証する。
func TestRegistry_Get(t *testing.T) {
	reg, err := NewRegistry(
		&mockScraper{name: "mangadex"},
		&mockScraper{name: "mangapill"},
	)
	if err != nil {
		t.Fatalf("NewRegistry returned error: %v", err)
	}

	s, err := reg.Get("mangadex")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if s.SourceName() != "mangadex" {
		t.Errorf("unexpected scraper: %s", s.SourceName())
	}
}

// TestRegistry_Get_Unknown は未登録ソース名が設定エラーになることを検証する。
// 設定エラーはリトライしても解決しないため終端扱いとなる。
func TestRegistry_Get_Unknown(t *testing.T) {
	reg, err := NewRegistry(&mockScraper{name: "mangadex"})
	if err != nil {
		t.Fatalf("NewRegistry returned error: %v", err)
	}

	_, err = reg.Get("unknown-source")
	if err == nil {
		t.Fatal("expected error for unknown source name")
	}

	var pe *model.PipelineError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PipelineError, got %T", err)
	}
	if pe.Kind != model.ErrKindConfiguration {
		t.Errorf("expected kind %s, got %s", model.ErrKindConfiguration, pe.Kind)
	}
	if model.IsRetryable(err) {
		t.Error("configuration error should not be retryable")
	}
}

// TestRegistry_SourceNames は登録名がソート順で返ることを検証する。
func TestRegistry_SourceNames(t *testing.T) {
	reg, err := NewRegistry(
		&mockScraper{name: "mangapill"},
		&mockScraper{name: "asurascans"},
		&mockScraper{name: "mangadex"},
	)
	if err != nil {
		t.Fatalf("NewRegistry returned error: %v", err)
	}

	names := reg.SourceNames()
	want := []string{"asurascans", "mangadex", "mangapill"}
	if len(names) != len(want) {
		t.Fatalf("expected %d names, got %d", len(want), len(names))
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %s, want %s", i, names[i], want[i])
		}
	}
}
