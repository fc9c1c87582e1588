// Package catalog は外部カタログAPIからのシリーズ検索クライアントを提供する。
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/serialhub/internal/model"
	"github.com/hitoshi/serialhub/internal/security"
)

// maxSearchBodySize は検索APIレスポンスの最大サイズ（10MB）。
const maxSearchBodySize = 10 * 1024 * 1024

// titleLanguagePreference はタイトル選択時の言語優先順。
var titleLanguagePreference = []string{"en", "ja-ro", "ja"}

// placeholderCoverNames はカバーとして扱わないファイル名の断片。
// カタログにはシリーズのカバーではなく運営用画像が紛れることがある。
var placeholderCoverNames = []string{"avatar", "logo", "placeholder", "default"}

// errRateLimited はレート制限レスポンスを示すページ取得の内部シグナル。
// ページングを打ち切るだけで、取得済みの結果はそのまま使う。
var errRateLimited = errors.New("catalog rate limited")

// Entry はカタログ検索結果の1件。
type Entry struct {
	// CatalogID はカタログ側の一意ID。正準化の強い重複排除キーとなる。
	CatalogID string
	// URL はカタログ上のシリーズページURL。ソースレコードに保存される。
	URL           string
	Title         string
	AltTitles     []string
	Description   string
	CoverURL      string
	Type          string
	Status        string
	Genres        []string
	ContentRating string
}

// Searcher はカタログ検索のインターフェース。発見ワーカーが使用する。
type Searcher interface {
	// Search はクエリに一致するシリーズをカタログから検索する。
	// 結果はカタログの関連度順で返される。
	Search(ctx context.Context, query string) ([]Entry, error)
}

// Client はMangaDex形式のカタログAPIクライアント。
// ページサイズ単位で最大maxPagesページまで検索結果を取得する。
type Client struct {
	baseURL   string
	guard     security.HostGuardService
	sanitizer security.DescriptionSanitizerService
	timeout   time.Duration
	pageSize  int
	maxPages  int
}

// NewClient はカタログクライアントを生成する。
func NewClient(
	baseURL string,
	guard security.HostGuardService,
	sanitizer security.DescriptionSanitizerService,
	timeout time.Duration,
	pageSize int,
	maxPages int,
) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		guard:     guard,
		sanitizer: sanitizer,
		timeout:   timeout,
		pageSize:  pageSize,
		maxPages:  maxPages,
	}
}

// searchItem は検索APIレスポンスの1件。
type searchItem struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Attributes struct {
		Title         map[string]string   `json:"title"`
		AltTitles     []map[string]string `json:"altTitles"`
		Description   map[string]string   `json:"description"`
		Status        string              `json:"status"`
		ContentRating string              `json:"contentRating"`
		Tags          []struct {
			Attributes struct {
				Name  map[string]string `json:"name"`
				Group string            `json:"group"`
			} `json:"attributes"`
		} `json:"tags"`
	} `json:"attributes"`
	Relationships []struct {
		Type       string `json:"type"`
		Attributes struct {
			FileName string `json:"fileName"`
		} `json:"attributes"`
	} `json:"relationships"`
}

// searchResponse は検索APIのレスポンス。
type searchResponse struct {
	Data  []searchItem `json:"data"`
	Total int          `json:"total"`
}

// Search はクエリに一致するシリーズをカタログから検索する。
// カタログの関連度順を保ったまま、最大 pageSize * maxPages 件を返す。
// ページング中にレート制限に当たった場合はエラーにせず、
// そこまでに取得済みの結果を返す（部分結果もそのまま使う）。
func (c *Client) Search(ctx context.Context, query string) ([]Entry, error) {
	client := c.guard.NewSafeClient(c.timeout)

	var entries []Entry
	for page := 0; page < c.maxPages; page++ {
		resp, err := c.searchPage(ctx, client, query, page*c.pageSize)
		if errors.Is(err, errRateLimited) {
			break
		}
		if err != nil {
			return nil, err
		}

		for _, item := range resp.Data {
			entries = append(entries, c.toEntry(item))
		}

		if (page+1)*c.pageSize >= resp.Total || len(resp.Data) == 0 {
			break
		}
	}

	return entries, nil
}

// searchPage は検索APIの1ページを取得する。
func (c *Client) searchPage(ctx context.Context, client *http.Client, query string, offset int) (*searchResponse, error) {
	params := url.Values{}
	params.Set("title", query)
	params.Set("limit", strconv.Itoa(c.pageSize))
	params.Set("offset", strconv.Itoa(offset))
	params.Add("includes[]", "cover_art")
	fullURL := c.baseURL + "/manga?" + params.Encode()

	if err := c.guard.ValidateSourceURL(fullURL); err != nil {
		return nil, model.NewValidationError(fmt.Sprintf("カタログURLの検証に失敗しました: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, model.NewValidationError(fmt.Sprintf("リクエストの作成に失敗しました: %v", err))
	}
	req.Header.Set("User-Agent", "SerialHub/1.0")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, model.NewTransientError("カタログ検索に失敗しました", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, errRateLimited
	case resp.StatusCode >= 500:
		return nil, model.NewTransientError(fmt.Sprintf("カタログサーバーエラー (HTTP %d)", resp.StatusCode), nil)
	default:
		return nil, model.NewValidationError(fmt.Sprintf("予期しないカタログレスポンス: HTTP %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSearchBodySize))
	if err != nil {
		return nil, model.NewTransientError("レスポンスボディの読み取りに失敗しました", err)
	}

	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, model.NewTransientError("検索結果のパースに失敗しました", err)
	}

	return &parsed, nil
}

// toEntry はAPIレスポンスの1件をEntryに変換する。
func (c *Client) toEntry(item searchItem) Entry {
	attrs := item.Attributes

	entry := Entry{
		CatalogID:     item.ID,
		URL:           "https://mangadex.org/title/" + item.ID,
		Title:         pickByLanguage(attrs.Title),
		Description:   c.sanitizer.Sanitize(pickByLanguage(attrs.Description)),
		Type:          item.Type,
		Status:        attrs.Status,
		ContentRating: attrs.ContentRating,
	}

	for _, alt := range attrs.AltTitles {
		if title := pickByLanguage(alt); title != "" && title != entry.Title {
			entry.AltTitles = append(entry.AltTitles, title)
		}
	}

	for _, tag := range attrs.Tags {
		if tag.Attributes.Group != "genre" {
			continue
		}
		if name := pickByLanguage(tag.Attributes.Name); name != "" {
			entry.Genres = append(entry.Genres, name)
		}
	}

	for _, rel := range item.Relationships {
		if rel.Type != "cover_art" || rel.Attributes.FileName == "" {
			continue
		}
		if isPlaceholderCover(rel.Attributes.FileName) {
			continue
		}
		entry.CoverURL = fmt.Sprintf("https://uploads.mangadex.org/covers/%s/%s", item.ID, rel.Attributes.FileName)
		break
	}

	return entry
}

// pickByLanguage は言語優先順に従って値を選択する。
// 優先言語がない場合はマップ中の任意の1件を返す。
func pickByLanguage(values map[string]string) string {
	for _, lang := range titleLanguagePreference {
		if v, ok := values[lang]; ok && v != "" {
			return v
		}
	}
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// isPlaceholderCover はカバーファイル名が運営用画像かを判定する。
func isPlaceholderCover(fileName string) bool {
	lower := strings.ToLower(fileName)
	for _, frag := range placeholderCoverNames {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// compile-time interface check
var _ Searcher = (*Client)(nil)
