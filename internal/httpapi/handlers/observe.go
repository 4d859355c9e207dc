package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/quote-assistant/internal/chat"
	"github.com/suPer8Hu/quote-assistant/internal/common"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// ObserveSession streams session snapshots over a websocket until the
// client goes away. Only the newest snapshot is sent to a slow client.
func (h *Handler) ObserveSession(c *gin.Context) {
	id, ok := companyFromContext(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")

	snaps, cancel, err := h.ChatSvc.Subscribe(c.Request.Context(), id.CompanyID, sessionID)
	if err != nil {
		if chat.IsNotFound(err) {
			common.Fail(c, http.StatusNotFound, 40401, "session not found")
			return
		}
		h.Log.Error("subscribe failed", "session_id", sessionID, "err", err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	defer cancel()

	ws, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: h.Cfg.AllowedOrigins,
	})
	if err != nil {
		h.Log.Warn("websocket accept failed", "session_id", sessionID, "err", err)
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "session ended")

	// the client only listens; CloseRead handles its control frames
	ctx := ws.CloseRead(c.Request.Context())

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			pctx, pcancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := ws.Ping(pctx)
			pcancel()
			if err != nil {
				return
			}
		case snap := <-snaps:
			b, err := json.Marshal(snap)
			if err != nil {
				h.Log.Error("marshal snapshot", "session_id", sessionID, "err", err)
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = ws.Write(wctx, websocket.MessageText, b)
			wcancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
					h.Log.Debug("websocket write failed", "session_id", sessionID, "err", err)
				}
				return
			}
		}
	}
}
