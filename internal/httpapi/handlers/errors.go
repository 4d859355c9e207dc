package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/quote-assistant/internal/chat"
	"github.com/suPer8Hu/quote-assistant/internal/common"
	"github.com/suPer8Hu/quote-assistant/internal/failure"
	"github.com/suPer8Hu/quote-assistant/internal/httpapi/middleware"
	"github.com/suPer8Hu/quote-assistant/internal/session"
)

// status maps a failure kind to the HTTP status and envelope code.
func status(kind failure.Kind) (int, int) {
	switch kind {
	case failure.ValidationFailure:
		return http.StatusBadRequest, 40001
	case failure.QuotaExceeded:
		return http.StatusPaymentRequired, 40201
	case failure.Unauthorized:
		return http.StatusBadGateway, 50201
	case failure.NetworkFailure:
		return http.StatusBadGateway, 50202
	case failure.MalformedResponse:
		return http.StatusBadGateway, 50203
	case failure.ServerError:
		return http.StatusBadGateway, 50204
	case failure.Timeout:
		return http.StatusGatewayTimeout, 50401
	default:
		return http.StatusInternalServerError, 50001
	}
}

// failSession writes the error envelope for a session operation. The
// snapshot rides along so the client can render the notice.
func (h *Handler) failSession(c *gin.Context, op string, err error, snap session.Snapshot) {
	switch {
	case chat.IsNotFound(err):
		common.Fail(c, http.StatusNotFound, 40401, "session not found")
		return
	case errors.Is(err, session.ErrBusy):
		common.FailWith(c, http.StatusConflict, 40901, "session is busy", snap)
		return
	case errors.Is(err, session.ErrClosed):
		common.Fail(c, http.StatusGone, 41001, "session closed")
		return
	}

	kind := failure.KindOf(err)
	if kind == "" {
		h.Log.Error(op+" failed", "request_id", c.GetString(middleware.RequestIDKey), "session_id", snap.SessionID, "err", err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	httpStatus, code := status(kind)
	common.FailWith(c, httpStatus, code, failure.Message(err), snap)
}
