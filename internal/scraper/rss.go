package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/serialhub/internal/model"
	"github.com/hitoshi/serialhub/internal/security"
)

// maxFeedBodySize はリリースフィードの最大レスポンスサイズ（5MB）。
const maxFeedBodySize = 5 * 1024 * 1024

// chapterNumberPattern はフィードタイトルからチャプター番号を抽出するパターン。
// "Chapter 12", "Ch. 12.5", "第12話" などの表記に対応する。
var chapterNumberPattern = regexp.MustCompile(`(?i)(?:chapter|ch\.?|episode|ep\.?|第)\s*(\d+(?:\.\d+)?)`)

// RSSScraper はRSS/Atomリリースフィードを公開するソース用のスクレイパー。
// フィードの各エントリのタイトルからチャプター番号を抽出する。
type RSSScraper struct {
	sourceName string
	guard      security.HostGuardService
	timeout    time.Duration
}

// NewRSSScraper は指定ソース名のRSSScraperを生成する。
func NewRSSScraper(sourceName string, guard security.HostGuardService, timeout time.Duration) *RSSScraper {
	return &RSSScraper{
		sourceName: sourceName,
		guard:      guard,
		timeout:    timeout,
	}
}

// SourceName はこのスクレイパーが担当するソース名を返す。
func (s *RSSScraper) SourceName() string {
	return s.sourceName
}

// FetchChapters はリリースフィードを取得してチャプターリストに変換する。
// 番号を抽出できないエントリは黙って読み飛ばす（フィードには告知記事等も混ざる）。
func (s *RSSScraper) FetchChapters(ctx context.Context, src *model.SourceRecord) (*model.ScrapeResult, error) {
	if err := s.guard.ValidateSourceURL(src.URL); err != nil {
		return nil, model.NewValidationError(fmt.Sprintf("ソースURLの検証に失敗しました: %v", err))
	}

	client := s.guard.NewSafeClient(s.timeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, model.NewValidationError(fmt.Sprintf("リクエストの作成に失敗しました: %v", err))
	}
	req.Header.Set("User-Agent", "SerialHub/1.0")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")

	resp, err := client.Do(req)
	if err != nil {
		return nil, model.NewTransientError("リリースフィードの取得に失敗しました", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBodySize))
	if err != nil {
		return nil, model.NewTransientError("レスポンスボディの読み取りに失敗しました", err)
	}

	parser := gofeed.NewParser()
	feed, err := parser.ParseString(string(body))
	if err != nil {
		return nil, model.NewTransientError("フィードのパースに失敗しました", err)
	}

	result := &model.ScrapeResult{Title: feed.Title}
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		number, ok := extractChapterNumber(item.Title)
		if !ok {
			continue
		}

		ch := model.ScrapedChapter{
			Number: number,
			Title:  item.Title,
			URL:    item.Link,
		}
		if item.PublishedParsed != nil {
			t := *item.PublishedParsed
			ch.PublishedAt = &t
		} else if item.UpdatedParsed != nil {
			t := *item.UpdatedParsed
			ch.PublishedAt = &t
		}
		result.Chapters = append(result.Chapters, ch)
	}

	return result, nil
}

// extractChapterNumber はエントリタイトルからチャプター番号を抽出する。
func extractChapterNumber(title string) (float64, bool) {
	m := chapterNumberPattern.FindStringSubmatch(title)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// classifyStatus はHTTPステータスコードをパイプラインエラーに分類する。
// 404/410はソース側の消失（終端）、429/5xxは一時的エラーとして扱う。
func classifyStatus(status int) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusNotFound || status == http.StatusGone:
		return model.NewNotFoundError(fmt.Sprintf("ソースが存在しません (HTTP %d)", status))
	case status == http.StatusTooManyRequests:
		return model.NewTransientError(fmt.Sprintf("外部レート制限 (HTTP %d)", status), nil)
	case status >= 500:
		return model.NewTransientError(fmt.Sprintf("外部サーバーエラー (HTTP %d)", status), nil)
	default:
		return model.NewValidationError(fmt.Sprintf("予期しないHTTPステータス: %d", status))
	}
}

// compile-time interface check
var _ Scraper = (*RSSScraper)(nil)
