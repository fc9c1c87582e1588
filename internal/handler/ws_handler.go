package handler

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/serialhub/internal/broadcast"
)

// WSHandler はシリーズ検索可能イベントのWebSocket購読ハンドラ。
type WSHandler struct {
	hub      *broadcast.Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWSHandler はWSHandlerの新しいインスタンスを生成する。
func NewWSHandler(hub *broadcast.Hub, logger *slog.Logger) *WSHandler {
	return &WSHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger,
	}
}

// Subscribe はGET /ws/seriesを処理する。
// 接続をWebSocketへアップグレードしてハブに登録し、切断までブロックする。
// クライアントからの受信データは読み捨てる（配信専用チャネル）。
func (h *WSHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	h.hub.Add(conn)
	defer func() {
		h.hub.Remove(conn)
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
