// Package scraper は外部ソースからチャプターリストを取得するアダプタを提供する。
package scraper

import (
	"context"
	"fmt"
	"sort"

	"github.com/hitoshi/serialhub/internal/model"
)

// Scraper は1つの外部ソースのチャプター取得インターフェース。
// FetchChaptersはソースが現在公開している全チャプターのリストを返す。
// 返されるリストは差分ではなくスナップショットであり、差分計算は永続化層が行う。
type Scraper interface {
	// SourceName はこのスクレイパーが担当するソース名を返す。
	SourceName() string

	// FetchChapters はソースの現在の全チャプターリストを取得する。
	FetchChapters(ctx context.Context, src *model.SourceRecord) (*model.ScrapeResult, error)
}

// Registry はソース名からスクレイパーを引く登録簿。
// 起動時に構築され、以降は読み取り専用（ロック不要）。
type Registry struct {
	scrapers map[string]Scraper
}

// NewRegistry は指定スクレイパー群から登録簿を構築する。
// 同一ソース名の二重登録は設定ミスとしてエラーを返す。
func NewRegistry(scrapers ...Scraper) (*Registry, error) {
	m := make(map[string]Scraper, len(scrapers))
	for _, s := range scrapers {
		name := s.SourceName()
		if name == "" {
			return nil, fmt.Errorf("スクレイパーのソース名が空です")
		}
		if _, exists := m[name]; exists {
			return nil, fmt.Errorf("ソース名が重複して登録されています: %s", name)
		}
		m[name] = s
	}
	return &Registry{scrapers: m}, nil
}

// Get は指定ソース名のスクレイパーを返す。
// 未登録のソース名は設定エラー（終端、リトライなし）として扱う。
func (r *Registry) Get(sourceName string) (Scraper, error) {
	s, ok := r.scrapers[sourceName]
	if !ok {
		return nil, model.NewConfigurationError(
			fmt.Sprintf("ソース名に対応するスクレイパーが登録されていません: %s", sourceName))
	}
	return s, nil
}

// SourceNames は登録済みのソース名をソート順で返す。起動ログ用。
func (r *Registry) SourceNames() []string {
	names := make([]string, 0, len(r.scrapers))
	for name := range r.scrapers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
