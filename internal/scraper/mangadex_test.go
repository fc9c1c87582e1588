package scraper

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/serialhub/internal/model"
)

// TestMangadexScraper_FetchChapters はフィードAPIからのチャプター取得を検証する。
func TestMangadexScraper_FetchChapters(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/manga/abc-123/feed" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{
					"id": "ch-1",
					"attributes": map[string]any{
						"chapter":     "1",
						"title":       "Romance Dawn",
						"externalUrl": "https://example.com/ch/1",
					},
				},
				{
					"id": "ch-1.5",
					"attributes": map[string]any{
						"chapter": "1.5",
						"title":   "Extra",
					},
				},
				{
					"id": "oneshot",
					"attributes": map[string]any{
						"chapter": "",
						"title":   "Oneshot",
					},
				},
			},
			"total": 3,
		})
	}))
	defer ts.Close()

	s := NewMangadexScraper(ts.URL, &passthroughGuard{}, 5*time.Second)
	src := &model.SourceRecord{ID: "src-1", NativeID: "abc-123"}

	result, err := s.FetchChapters(context.Background(), src)
	if err != nil {
		t.Fatalf("FetchChapters returned error: %v", err)
	}

	// 番号のないエントリ（oneshot）は読み飛ばされる
	if len(result.Chapters) != 2 {
		t.Fatalf("expected 2 chapters, got %d", len(result.Chapters))
	}
	if result.Chapters[0].Number != 1 || result.Chapters[1].Number != 1.5 {
		t.Errorf("unexpected chapter numbers: %+v", result.Chapters)
	}
}

// TestMangadexScraper_Paginates は件数が上限を超える場合にoffsetでページングすることを検証する。
func TestMangadexScraper_Paginates(t *testing.T) {
	var offsets []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset := r.URL.Query().Get("offset")
		offsets = append(offsets, offset)

		entry := map[string]any{
			"id": "ch",
			"attributes": map[string]any{
				"chapter": "1",
			},
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data":  []map[string]any{entry},
			"total": mangadexFeedLimit + 1,
		})
	}))
	defer ts.Close()

	s := NewMangadexScraper(ts.URL, &passthroughGuard{}, 5*time.Second)
	src := &model.SourceRecord{ID: "src-1", NativeID: "abc-123"}

	if _, err := s.FetchChapters(context.Background(), src); err != nil {
		t.Fatalf("FetchChapters returned error: %v", err)
	}

	if len(offsets) != 2 {
		t.Fatalf("expected 2 pages, got %d (offsets: %v)", len(offsets), offsets)
	}
	if offsets[0] != "0" || offsets[1] != "500" {
		t.Errorf("unexpected offsets: %v", offsets)
	}
}

// TestMangadexScraper_EmptyNativeID はNativeIDが空の場合に検証エラーになることを検証する。
func TestMangadexScraper_EmptyNativeID(t *testing.T) {
	s := NewMangadexScraper("https://api.example.com", &passthroughGuard{}, 5*time.Second)
	src := &model.SourceRecord{ID: "src-1"}

	_, err := s.FetchChapters(context.Background(), src)
	if err == nil {
		t.Fatal("expected error for empty NativeID")
	}
	if model.IsRetryable(err) {
		t.Error("validation error should not be retryable")
	}
}

// TestMangadexScraper_RateLimited は429が一時的エラーになることを検証する。
func TestMangadexScraper_RateLimited(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	s := NewMangadexScraper(ts.URL, &passthroughGuard{}, 5*time.Second)
	src := &model.SourceRecord{ID: "src-1", NativeID: "abc-123"}

	_, err := s.FetchChapters(context.Background(), src)
	if err == nil {
		t.Fatal("expected error for HTTP 429")
	}
	if !model.IsRetryable(err) {
		t.Error("HTTP 429 should be retryable")
	}
}
