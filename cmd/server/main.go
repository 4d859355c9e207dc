// Quote assistant API server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/suPer8Hu/quote-assistant/internal/assistant"
	"github.com/suPer8Hu/quote-assistant/internal/chat"
	"github.com/suPer8Hu/quote-assistant/internal/clock"
	"github.com/suPer8Hu/quote-assistant/internal/commit"
	"github.com/suPer8Hu/quote-assistant/internal/config"
	"github.com/suPer8Hu/quote-assistant/internal/db"
	"github.com/suPer8Hu/quote-assistant/internal/httpapi"
	"github.com/suPer8Hu/quote-assistant/internal/session"
	"github.com/suPer8Hu/quote-assistant/internal/store/rabbitmq"
	"github.com/suPer8Hu/quote-assistant/internal/store/redisstore"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	flags := pflag.NewFlagSet("server", pflag.ExitOnError)
	configPath := flags.String("config", "", "path to a YAML config file (overrides CONFIG_FILE)")
	addr := flags.String("addr", "", "listen address, e.g. :8080 (overrides PORT)")
	_ = flags.Parse(os.Args[1:])

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	listen := ":" + cfg.Port
	if *addr != "" {
		listen = *addr
	}

	gdb, err := db.Connect(cfg.DBDSN)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Redis only backs Idempotency-Key replay; the API works without it.
	var rds *redisstore.Store
	if cfg.RedisAddr != "" {
		rds = redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rds.Ping(pctx); err != nil {
			slog.Warn("Redis unavailable, idempotent replay disabled", "addr", cfg.RedisAddr, "error", err)
			_ = rds.Close()
			rds = nil
		}
		cancel()
	}
	if rds != nil {
		defer rds.Close()
	}

	var pub chat.Publisher
	if cfg.RabbitURL != "" {
		p, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			slog.Warn("RabbitMQ unavailable, analytics events disabled", "error", err)
		} else {
			defer p.Close()
			pub = p
		}
	}

	turns := assistant.NewClient(cfg.ChatEndpointURL, cfg.UpstreamAPIKey, cfg.ChatTimeout, cfg.MaxReplyChars)
	commits := commit.NewClient(cfg.QuotesEndpointURL, cfg.UpstreamAPIKey, cfg.CommitTimeout, cfg.CommitHistoryWindow)

	svc := chat.NewService(chat.NewRepo(gdb), turns, commits, clock.Real(), pub, logger, chat.Options{
		Session: session.Options{
			Cooldown:        cfg.CommitCooldown,
			AutoCommitDelay: cfg.AutoCommitDelay,
			ContextWindow:   cfg.ChatContextWindowSize,
			CommitWindow:    cfg.CommitHistoryWindow,
			QuoteDetailPath: cfg.QuoteDetailPath,
		},
		IdleTTL: cfg.SessionIdleTTL,
	})
	defer svc.Close()

	// No WriteTimeout: the websocket route holds its connection open.
	srv := &http.Server{
		Addr:              listen,
		Handler:           httpapi.NewRouter(svc, cfg, rds, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return svc.RunSweeper(gctx, time.Minute)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}
