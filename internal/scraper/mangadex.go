package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hitoshi/serialhub/internal/model"
	"github.com/hitoshi/serialhub/internal/security"
)

// mangadexSourceName はMangaDexソースの登録名。
const mangadexSourceName = "mangadex"

// mangadexFeedLimit はフィードAPIの1リクエストあたりの最大取得件数。
const mangadexFeedLimit = 500

// maxAPIBodySize はAPIレスポンスの最大サイズ（10MB）。
const maxAPIBodySize = 10 * 1024 * 1024

// MangadexScraper はMangaDex形式のJSON APIを公開するソース用のスクレイパー。
// ソースレコードのNativeIDをAPIのマンガIDとして使用し、
// チャプターフィードエンドポイントから全チャプターを取得する。
type MangadexScraper struct {
	baseURL string
	guard   security.HostGuardService
	timeout time.Duration
}

// NewMangadexScraper はMangadexScraperを生成する。
func NewMangadexScraper(baseURL string, guard security.HostGuardService, timeout time.Duration) *MangadexScraper {
	return &MangadexScraper{
		baseURL: baseURL,
		guard:   guard,
		timeout: timeout,
	}
}

// SourceName はこのスクレイパーが担当するソース名を返す。
func (s *MangadexScraper) SourceName() string {
	return mangadexSourceName
}

// mangadexFeedResponse はチャプターフィードAPIのレスポンス。
type mangadexFeedResponse struct {
	Data []struct {
		ID         string `json:"id"`
		Attributes struct {
			Chapter     string     `json:"chapter"`
			Title       string     `json:"title"`
			PublishAt   *time.Time `json:"publishAt"`
			ExternalURL string     `json:"externalUrl"`
		} `json:"attributes"`
	} `json:"data"`
	Total int `json:"total"`
}

// FetchChapters はチャプターフィードAPIから全チャプターを取得する。
// 件数がmangadexFeedLimitを超える場合はoffsetでページングする。
func (s *MangadexScraper) FetchChapters(ctx context.Context, src *model.SourceRecord) (*model.ScrapeResult, error) {
	if src.NativeID == "" {
		return nil, model.NewValidationError("ソースレコードのNativeIDが空です")
	}

	client := s.guard.NewSafeClient(s.timeout)
	result := &model.ScrapeResult{}

	offset := 0
	for {
		page, err := s.fetchFeedPage(ctx, client, src.NativeID, offset)
		if err != nil {
			return nil, err
		}

		for _, entry := range page.Data {
			// 番号のないエントリ（oneshot等）は読み飛ばす
			number, err := strconv.ParseFloat(entry.Attributes.Chapter, 64)
			if err != nil {
				continue
			}
			ch := model.ScrapedChapter{
				Number:      number,
				Title:       entry.Attributes.Title,
				URL:         entry.Attributes.ExternalURL,
				PublishedAt: entry.Attributes.PublishAt,
			}
			result.Chapters = append(result.Chapters, ch)
		}

		offset += mangadexFeedLimit
		if offset >= page.Total || len(page.Data) == 0 {
			break
		}
	}

	return result, nil
}

// fetchFeedPage はチャプターフィードの1ページを取得する。
func (s *MangadexScraper) fetchFeedPage(ctx context.Context, client *http.Client, nativeID string, offset int) (*mangadexFeedResponse, error) {
	endpoint := fmt.Sprintf("%s/manga/%s/feed", s.baseURL, url.PathEscape(nativeID))

	query := url.Values{}
	query.Set("limit", strconv.Itoa(mangadexFeedLimit))
	query.Set("offset", strconv.Itoa(offset))
	query.Add("translatedLanguage[]", "en")
	query.Set("order[chapter]", "asc")
	fullURL := endpoint + "?" + query.Encode()

	if err := s.guard.ValidateSourceURL(fullURL); err != nil {
		return nil, model.NewValidationError(fmt.Sprintf("フィードURLの検証に失敗しました: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, model.NewValidationError(fmt.Sprintf("リクエストの作成に失敗しました: %v", err))
	}
	req.Header.Set("User-Agent", "SerialHub/1.0")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, model.NewTransientError("チャプターフィードの取得に失敗しました", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIBodySize))
	if err != nil {
		return nil, model.NewTransientError("レスポンスボディの読み取りに失敗しました", err)
	}

	var page mangadexFeedResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, model.NewTransientError("チャプターフィードのパースに失敗しました", err)
	}

	return &page, nil
}

// compile-time interface check
var _ Scraper = (*MangadexScraper)(nil)
