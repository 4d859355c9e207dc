package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/suPer8Hu/quote-assistant/internal/auth"
	"github.com/suPer8Hu/quote-assistant/internal/common"
)

const (
	CompanyKey   = "company"
	RequestIDKey = "request_id"

	RequestIDHeader = "X-Request-ID"
)

// Recovery turns a panic into the standard 500 envelope.
func Recovery(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("panic recovered",
					"request_id", c.GetString(RequestIDKey),
					"path", c.Request.URL.Path,
					"panic", rec,
					"stack", string(debug.Stack()),
				)
				common.Fail(c, http.StatusInternalServerError, 50000, "internal error")
				c.Abort()
			}
		}()
		c.Next()
	}
}

func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(RequestIDHeader))
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// AuthRequired accepts "Authorization: Bearer <jwt>", or a token query
// parameter for websocket clients that cannot set headers.
func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := ""
		if h := c.GetHeader("Authorization"); h != "" {
			parts := strings.SplitN(h, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
				c.Abort()
				return
			}
			tok = strings.TrimSpace(parts[1])
		} else {
			tok = c.Query("token")
		}
		if tok == "" {
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
			c.Abort()
			return
		}

		id, err := auth.ParseJWT(tok, secret)
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, 40102, "invalid token")
			c.Abort()
			return
		}
		c.Set(CompanyKey, id)
		c.Next()
	}
}

// CompanyFromContext returns the identity stored by AuthRequired.
func CompanyFromContext(c *gin.Context) (auth.Identity, bool) {
	v, ok := c.Get(CompanyKey)
	if !ok {
		return auth.Identity{}, false
	}
	id, ok := v.(auth.Identity)
	return id, ok
}
