package server

import (
	"net/http"

	"MeloForge/core/auth"
	"MeloForge/core/feed"
	"MeloForge/logger"

	"github.com/gorilla/websocket"
)

var feedUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS 由中间件统一处理
	},
}

// FeedHandler upgrades to a WebSocket over which generation progress is
// pushed. Browsers cannot set headers on the upgrade request, so the JWT
// arrives as a query parameter.
func (h *APIHandler) FeedHandler(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusUnauthorized, "Token is required")
		return
	}

	claims, err := auth.ParseToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid token")
		return
	}

	conn, err := feedUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("[Feed] WebSocket 升级失败",
			logger.Int64("user_id", claims.UserID), logger.ErrorField(err))
		return
	}

	client := &feed.Client{
		Hub:    h.hub,
		Conn:   conn,
		Send:   make(chan []byte, 64),
		UserID: claims.UserID,
	}

	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}
