package scraper

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/serialhub/internal/model"
)

// --- モック ---

// passthroughGuard はテスト用のHostGuardService実装。
// httptestサーバー（ループバック）への接続を許可するため、検証をスキップし
// 素のhttp.Clientを返す。
type passthroughGuard struct{}

func (g *passthroughGuard) NewSafeClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

func (g *passthroughGuard) ValidateSourceURL(rawURL string) error { return nil }

// --- テスト ---

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Solo Leveling Releases</title>
  <item>
    <title>Solo Leveling Chapter 180</title>
    <link>https://example.com/ch/180</link>
    <pubDate>Mon, 02 Jan 2006 15:04:05 GMT</pubDate>
  </item>
  <item>
    <title>Solo Leveling Ch. 179.5</title>
    <link>https://example.com/ch/179.5</link>
  </item>
  <item>
    <title>Site maintenance announcement</title>
    <link>https://example.com/news/1</link>
  </item>
</channel>
</rss>`

// TestRSSScraper_FetchChapters はリリースフィードからチャプターが抽出されることを検証する。
func TestRSSScraper_FetchChapters(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(sampleFeed))
	}))
	defer ts.Close()

	s := NewRSSScraper("mangapill", &passthroughGuard{}, 5*time.Second)
	src := &model.SourceRecord{ID: "src-1", URL: ts.URL}

	result, err := s.FetchChapters(context.Background(), src)
	if err != nil {
		t.Fatalf("FetchChapters returned error: %v", err)
	}

	if result.Title != "Solo Leveling Releases" {
		t.Errorf("unexpected feed title: %s", result.Title)
	}
	// 告知記事（番号なし）は読み飛ばされる
	if len(result.Chapters) != 2 {
		t.Fatalf("expected 2 chapters, got %d", len(result.Chapters))
	}
	if result.Chapters[0].Number != 180 {
		t.Errorf("chapters[0].Number = %v, want 180", result.Chapters[0].Number)
	}
	if result.Chapters[1].Number != 179.5 {
		t.Errorf("chapters[1].Number = %v, want 179.5", result.Chapters[1].Number)
	}
	if result.Chapters[0].PublishedAt == nil {
		t.Error("expected pubDate to be parsed")
	}
}

// TestRSSScraper_ServerError は5xxが一時的エラーに分類されることを検証する。
func TestRSSScraper_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	s := NewRSSScraper("mangapill", &passthroughGuard{}, 5*time.Second)
	src := &model.SourceRecord{ID: "src-1", URL: ts.URL}

	_, err := s.FetchChapters(context.Background(), src)
	if err == nil {
		t.Fatal("expected error for HTTP 500")
	}
	if !model.IsRetryable(err) {
		t.Error("HTTP 500 should be retryable")
	}
}

// TestRSSScraper_NotFound は404が終端エラーに分類されることを検証する。
func TestRSSScraper_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	s := NewRSSScraper("mangapill", &passthroughGuard{}, 5*time.Second)
	src := &model.SourceRecord{ID: "src-1", URL: ts.URL}

	_, err := s.FetchChapters(context.Background(), src)
	if err == nil {
		t.Fatal("expected error for HTTP 404")
	}

	var pe *model.PipelineError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PipelineError, got %T", err)
	}
	if pe.Kind != model.ErrKindNotFound {
		t.Errorf("expected kind %s, got %s", model.ErrKindNotFound, pe.Kind)
	}
	if model.IsRetryable(err) {
		t.Error("HTTP 404 should not be retryable")
	}
}

// TestExtractChapterNumber はタイトル表記揺れからの番号抽出を検証する。
func TestExtractChapterNumber(t *testing.T) {
	cases := []struct {
		title  string
		number float64
		ok     bool
	}{
		{"One Piece Chapter 1100", 1100, true},
		{"Ch. 42", 42, true},
		{"ch 42.5", 42.5, true},
		{"Episode 3", 3, true},
		{"第12話", 12, true},
		{"New cover art revealed", 0, false},
		{"", 0, false},
	}

	for _, tc := range cases {
		got, ok := extractChapterNumber(tc.title)
		if ok != tc.ok || got != tc.number {
			t.Errorf("extractChapterNumber(%q) = (%v, %v), want (%v, %v)",
				tc.title, got, ok, tc.number, tc.ok)
		}
	}
}

// TestClassifyStatus はHTTPステータスの分類を検証する。
func TestClassifyStatus(t *testing.T) {
	if err := classifyStatus(http.StatusOK); err != nil {
		t.Errorf("200 should be nil, got %v", err)
	}
	if err := classifyStatus(http.StatusTooManyRequests); !model.IsRetryable(err) {
		t.Error("429 should be retryable")
	}
	if err := classifyStatus(http.StatusBadGateway); !model.IsRetryable(err) {
		t.Error("502 should be retryable")
	}
	if err := classifyStatus(http.StatusGone); model.IsRetryable(err) {
		t.Error("410 should not be retryable")
	}
	if err := classifyStatus(http.StatusTeapot); model.IsRetryable(err) {
		t.Error("unexpected status should not be retryable")
	}
}
