// Command scraperd runs the scraping daemon: it loads configuration,
// opens the store, resumes interrupted sessions, and serves the control
// API until SIGINT or SIGTERM.
//
// Exit codes: 0 clean shutdown, 1 invalid configuration, 2 store
// unreachable, 3 unhandled panic.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	scraper "github.com/jamesprial/go-reddit-scraper"
	"github.com/jamesprial/go-reddit-scraper/internal/api"
	"github.com/jamesprial/go-reddit-scraper/internal/breaker"
	"github.com/jamesprial/go-reddit-scraper/internal/config"
	"github.com/jamesprial/go-reddit-scraper/internal/eventbus"
	"github.com/jamesprial/go-reddit-scraper/internal/extract"
	"github.com/jamesprial/go-reddit-scraper/internal/ratelimit"
	"github.com/jamesprial/go-reddit-scraper/internal/reddit"
	"github.com/jamesprial/go-reddit-scraper/internal/store"
)

const (
	exitOK = iota
	exitConfig
	exitStore
	exitPanic
)

func main() {
	os.Exit(run())
}

func run() (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "panic: %v\n", r)
			code = exitPanic
		}
	}()

	configPath := flag.String("config", "", "path to JSON config file (optional)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return exitConfig
	}

	st, err := store.Open(cfg.StorePath, store.Options{Logger: logger})
	if err != nil {
		logger.Error("failed to open store", "path", cfg.StorePath, "error", err)
		return exitStore
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := st.Ping(ctx); err != nil {
		logger.Error("store unreachable", "path", cfg.StorePath, "error", err)
		return exitStore
	}

	if retention := cfg.Retention(); retention > 0 {
		removed, err := st.GC(ctx, time.Now().Add(-retention))
		if err != nil {
			logger.Warn("retention cleanup failed", "error", err)
		} else if removed > 0 {
			logger.Info("retention cleanup done", "rows_removed", removed)
		}
	}

	limiterCfg := ratelimit.Config{
		RequestsPerSecond:    cfg.RateLimit,
		MaxRequestsPerSecond: cfg.MaxRateLimit,
	}
	var limiter ratelimit.Limiter
	if cfg.SharedLimiterPath != "" {
		limiter = ratelimit.NewShared(cfg.SharedLimiterPath, limiterCfg)
	} else {
		limiter = ratelimit.NewLocal(limiterCfg)
	}
	forumBreaker := breaker.New("forum_api", breaker.Config{
		OnStateChange: func(endpoint string, from, to breaker.State) {
			logger.Warn("circuit state change", "endpoint", endpoint, "from", from, "to", to)
		},
	})

	client, err := reddit.NewClient(&reddit.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Username:     cfg.Username,
		Password:     cfg.Password,
		UserAgent:    cfg.UserAgent,
		Limiter:      limiter,
		Breaker:      forumBreaker,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("invalid forum client configuration", "error", err)
		return exitConfig
	}

	var extractor *extract.Extractor
	if cfg.ExtractContent {
		extractor = extract.New(extract.Config{
			UserAgent: cfg.UserAgent,
			Logger:    logger,
		})
	}

	bus := eventbus.New(eventbus.DefaultQueueSize)
	defer bus.Close()
	metrics := store.NewMetricRecorder(st, logger)
	defer metrics.Close()

	engine, err := scraper.New(scraper.Config{
		Client:    client,
		Store:     st,
		Bus:       bus,
		Breaker:   forumBreaker,
		Extractor: extractor,
		Metrics:   metrics,
		Logger:    logger,
		Workers:   cfg.Workers,
	})
	if err != nil {
		logger.Error("invalid engine configuration", "error", err)
		return exitConfig
	}

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.New(engine, st, cfg, logger),
	}
	go func() {
		logger.Info("control API listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("control API server failed", "error", err)
			stop()
		}
	}()

	// Blocks until a signal arrives, then drains sessions.
	engineErr := engine.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("control API shutdown incomplete", "error", err)
	}

	if engineErr != nil {
		logger.Error("engine exited with error", "error", engineErr)
		return exitStore
	}
	logger.Info("shutdown complete")
	return exitOK
}
