package handlers

import (
	"log/slog"

	"github.com/suPer8Hu/quote-assistant/internal/chat"
	"github.com/suPer8Hu/quote-assistant/internal/config"
	"github.com/suPer8Hu/quote-assistant/internal/store/redisstore"
)

type Handler struct {
	Cfg     config.Config
	Redis   *redisstore.Store // nil disables Idempotency-Key replay
	ChatSvc *chat.Service
	Log     *slog.Logger
}

func NewHandler(svc *chat.Service, cfg config.Config, r *redisstore.Store, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{Cfg: cfg, Redis: r, ChatSvc: svc, Log: log}
}
