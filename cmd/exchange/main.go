package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/uhyunpark/simexchange/params"
	"github.com/uhyunpark/simexchange/pkg/api"
	"github.com/uhyunpark/simexchange/pkg/app/exchange"
	"github.com/uhyunpark/simexchange/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	logger, err := util.NewLoggerWithFile(cfg.Log.File, cfg.Log.Level)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Log.File, "level", cfg.Log.Level)

	// ---- Exchange ----
	app, err := exchange.New(cfg, exchange.Options{}, sugar.Named("exchange"))
	if err != nil {
		sugar.Fatalw("exchange_init_failed", "err", err)
	}

	// ---- API Server ----
	apiServer := api.NewServer(app, api.Config{
		CORSOrigins: cfg.API.CORSOrigins,
		RateLimit:   cfg.API.RateLimit,
		RateBurst:   cfg.API.RateBurst,
	}, app.Metrics(), sugar.Named("api"))

	// Hook app to API server: push trades and ticks to WebSocket subscribers
	app.OnTrades = apiServer.BroadcastTrades
	app.OnTick = apiServer.BroadcastTick

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		sugar.Infow("api_server_starting", "addr", cfg.API.Addr)
		serveErr <- apiServer.Start(cfg.API.Addr)
	}()

	sugar.Infow("exchange_config",
		"initial_price", cfg.Engine.InitialPrice,
		"initial_capital", cfg.Engine.InitialCapital,
		"monitor_interval_ms", cfg.Engine.MonitorInterval.Milliseconds(),
		"feed_enabled", cfg.Feed.Enabled,
		"archive", cfg.Storage.ArchivePath)

	select {
	case <-ctx.Done():
		sugar.Info("shutdown_requested")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Errorw("api_server_failed", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("api_shutdown_failed", "err", err)
	}
	if err := app.Close(); err != nil {
		sugar.Warnw("exchange_close_failed", "err", err)
	}
	sugar.Infow("exchange_stopped", "state_hash", app.StateHashHex(), "trades", len(app.Trades(0)))
}
