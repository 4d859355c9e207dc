package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/quote-assistant/internal/auth"
	"github.com/suPer8Hu/quote-assistant/internal/chat"
	"github.com/suPer8Hu/quote-assistant/internal/common"
	"github.com/suPer8Hu/quote-assistant/internal/httpapi/middleware"
	"github.com/suPer8Hu/quote-assistant/internal/session"
)

const maxMessageChars = 4000

func companyFromContext(c *gin.Context) (auth.Identity, bool) {
	id, ok := middleware.CompanyFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
	}
	return id, ok
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func (h *Handler) CreateChatSession(c *gin.Context) {
	id, ok := companyFromContext(c)
	if !ok {
		return
	}

	sess, snap, err := h.ChatSvc.CreateSession(c.Request.Context(), session.Company{
		ID:         id.CompanyID,
		Name:       id.CompanyName,
		FirstQuote: id.FirstQuote,
	})
	if err != nil {
		h.Log.Error("create session failed", "company_id", id.CompanyID, "err", err)
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to create session")
		return
	}

	common.OK(c, gin.H{
		"session_id": sess.SessionID,
		"session":    snap,
	})
}

func (h *Handler) GetChatSession(c *gin.Context) {
	id, ok := companyFromContext(c)
	if !ok {
		return
	}
	snap, err := h.ChatSvc.Snapshot(c.Request.Context(), id.CompanyID, c.Param("session_id"))
	if err != nil {
		h.failSession(c, "snapshot", err, snap)
		return
	}
	common.OK(c, gin.H{"session": snap})
}

type sendMessageReq struct {
	Message string `json:"message" binding:"required"`
}

func (h *Handler) SendChatMessage(c *gin.Context) {
	id, ok := companyFromContext(c)
	if !ok {
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if utf8.RuneCountInString(req.Message) > maxMessageChars {
		common.Fail(c, http.StatusBadRequest, 10002, "message too long")
		return
	}

	sessionID := c.Param("session_id")
	// a client disconnect must not abandon the turn; the client timeout bounds it
	ctx := context.WithoutCancel(c.Request.Context())
	snap, err := h.ChatSvc.SendMessage(ctx, id.CompanyID, sessionID, req.Message)
	if err != nil {
		h.failSession(c, "send message", err, snap)
		return
	}
	common.OK(c, gin.H{"session": snap})
}

// CreateQuote commits the current draft. A repeated Idempotency-Key replays
// the stored result instead of committing again.
func (h *Handler) CreateQuote(c *gin.Context) {
	id, ok := companyFromContext(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")
	// the commit runs to completion or to its timeout even if the client leaves
	ctx := context.WithoutCancel(c.Request.Context())

	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}

	scope := id.CompanyID + ":" + sessionID
	cached := false
	if idempoKey != "" && h.Redis != nil {
		claimed, err := h.Redis.ClaimIdempotency(ctx, scope, idempoKey, h.Cfg.IdempotencyTTL)
		switch {
		case err != nil:
			h.Log.Warn("idempotency claim failed, continuing without replay", "session_id", sessionID, "err", err)
		case claimed:
			cached = true
		default:
			body, inFlight, found, err := h.Redis.GetIdempotentResult(ctx, scope, idempoKey)
			if err != nil {
				h.Log.Warn("idempotency lookup failed", "session_id", sessionID, "err", err)
				common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
				return
			}
			if inFlight {
				common.Fail(c, http.StatusConflict, 40902, "quote request already in progress")
				return
			}
			if found {
				common.OK(c, json.RawMessage(body))
				return
			}
			// claim expired between the two calls; run the request
		}
	}

	snap, err := h.ChatSvc.CreateQuote(ctx, id.CompanyID, sessionID)
	if err != nil {
		if cached {
			if rerr := h.Redis.ReleaseIdempotency(ctx, scope, idempoKey); rerr != nil {
				h.Log.Warn("idempotency release failed", "session_id", sessionID, "err", rerr)
			}
		}
		h.failSession(c, "create quote", err, snap)
		return
	}

	data := gin.H{
		"quote_id":    snap.QuoteID,
		"navigate_to": snap.NavigateTo,
		"session":     snap,
	}
	if cached {
		body, merr := json.Marshal(data)
		if merr == nil {
			merr = h.Redis.SaveIdempotentResult(ctx, scope, idempoKey, body, h.Cfg.IdempotencyTTL)
		}
		if merr != nil {
			h.Log.Warn("idempotency save failed", "session_id", sessionID, "err", merr)
		}
	}
	common.OK(c, data)
}

func (h *Handler) ListChatMessages(c *gin.Context) {
	id, ok := companyFromContext(c)
	if !ok {
		return
	}

	sessionID := c.Param("session_id")

	limit, _ := strconv.Atoi(c.Query("limit"))
	var beforeID uint64
	if s := c.Query("before_id"); s != "" {
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			beforeID = n
		}
	}

	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), id.CompanyID, sessionID, limit, beforeID)
	if err != nil {
		if chat.IsNotFound(err) {
			common.Fail(c, http.StatusNotFound, 40401, "session not found")
			return
		}
		h.Log.Error("list messages failed", "session_id", sessionID, "err", err)
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list messages")
		return
	}

	var nextBeforeID uint64
	if len(msgs) > 0 {
		nextBeforeID = msgs[len(msgs)-1].ID
	}

	common.OK(c, gin.H{
		"messages":       msgs,
		"next_before_id": nextBeforeID,
	})
}
