package coordination

import (
	"context"
	"strings"
	"time"
)

// cooldownKey は発見クエリのクールダウンキーを返す。
// クエリは小文字化して空白を正規化する（同一クエリの表記揺れを吸収）。
func cooldownKey(query string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	return "discovery-cooldown:" + normalized
}

// Cooldown は発見ジョブのクエリ単位のクールダウンを管理する。
// 同一クエリの発見は期間内に1回だけ実行される。
type Cooldown struct {
	store Store
	ttl   time.Duration
}

// NewCooldown はCooldownを生成する。
func NewCooldown(store Store, ttl time.Duration) *Cooldown {
	return &Cooldown{store: store, ttl: ttl}
}

// Active は指定クエリがクールダウン中かを返す。
func (c *Cooldown) Active(ctx context.Context, query string) (bool, error) {
	return c.store.Exists(ctx, cooldownKey(query))
}

// Mark は指定クエリのクールダウンを開始する。
// すでにクールダウン中の場合はTTLをリセットする。
func (c *Cooldown) Mark(ctx context.Context, query string) error {
	return c.store.Set(ctx, cooldownKey(query), time.Now().UTC().Format(time.RFC3339), c.ttl)
}
