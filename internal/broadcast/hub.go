// Package broadcast はWebSocket経由のイベント配信を提供する。
// 発見されたシリーズが検索可能になったことを接続中のクライアントに通知する。
package broadcast

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/serialhub/internal/model"
)

// writeDeadline は1クライアントへの書き込みの猶予時間。
const writeDeadline = 2 * time.Second

// Hub はWebSocketクライアントの接続管理とイベント配信を行う。
// 書き込みに失敗した接続は配信時に切断・除去される。
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	logger  *slog.Logger
}

// NewHub はHubを生成する。
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]struct{}),
		logger:  logger,
	}
}

// Add は接続をハブに登録する。
func (h *Hub) Add(ws *websocket.Conn) {
	h.mu.Lock()
	h.clients[ws] = struct{}{}
	h.mu.Unlock()
}

// Remove は接続をハブから除去して閉じる。
func (h *Hub) Remove(ws *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, ws)
	h.mu.Unlock()
	_ = ws.Close()
}

// Count は接続中のクライアント数を返す。
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// BroadcastSeriesAvailable はシリーズ検索可能イベントを全クライアントに配信する。
func (h *Hub) BroadcastSeriesAvailable(event model.SeriesAvailableEvent) {
	h.broadcastJSON(event)
}

// broadcastJSON は任意の値をJSONとして全クライアントに配信する。
// 書き込みに失敗した接続は死んだものとして除去する。
func (h *Hub) broadcastJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("failed to marshal broadcast event", slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for ws := range h.clients {
		_ = ws.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
			_ = ws.Close()
			delete(h.clients, ws)
		}
	}
}
