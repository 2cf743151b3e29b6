// nexus-bitmex-node — single-tenant BitMEX exchange node. It bridges AMQP
// commands from the upstream server to the exchange and streams exchange
// state back as broker events.
//
// Architecture:
//
//	main.go              — entry point: config, logger, bootstrap, signals
//	bus/bus.go           — in-process event bus with coalescing rate limits
//	queue/               — AMQP queue managers (account / order / position)
//	account/manager.go   — lifecycle state machine: one account, connect/
//	                       update/delete, snapshot bootstrap, heartbeat
//	exchange/client.go   — signed BitMEX REST client with bounded retries
//	exchange/ws.go       — BitMEX WebSocket feed with auto-reconnect
//	stream/stream.go     — fan-out loops: dedup and republish exchange frames
//	orders/orchestrator.go — compound order placement, cancel, close
//	                       position, attach stop / trailing stop
//	store/               — merge-on-write state store (Redis or in-memory)
//
// The node is DISCONNECTED until a create-account command arrives with API
// keys. While CONNECTED it mirrors the account's margins, positions, orders,
// and the instrument set to the broker, and executes order commands against
// the exchange.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bmschwartz/nexus-bitmex-node/internal/account"
	"github.com/bmschwartz/nexus-bitmex-node/internal/bus"
	"github.com/bmschwartz/nexus-bitmex-node/internal/config"
	"github.com/bmschwartz/nexus-bitmex-node/internal/orders"
	"github.com/bmschwartz/nexus-bitmex-node/internal/queue"
	"github.com/bmschwartz/nexus-bitmex-node/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dataStore, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer dataStore.Close()

	b := bus.New(logger)
	store.RegisterListeners(b, dataStore, logger)

	orchestrator := orders.New(b, dataStore, logger)
	accounts := account.NewManager(b, orchestrator, cfg.Sandbox(), logger)
	defer accounts.Close()

	queues, err := queue.Connect(cfg.AmqpURL, cfg.BitmexExchange, b, logger)
	if err != nil {
		logger.Error("failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer queues.Close()
	if err := queues.Start(ctx); err != nil {
		logger.Error("failed to start queue managers", "error", err)
		os.Exit(1)
	}

	statusServer := &http.Server{
		Addr:    cfg.Addr(),
		Handler: statusHandler(),
	}
	go func() {
		if err := statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status server failed", "error", err)
		}
	}()

	logger.Info("bitmex node started",
		"addr", cfg.Addr(),
		"exchange", cfg.BitmexExchange,
		"sandbox", cfg.Sandbox(),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := statusServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to stop status server", "error", err)
	}
	cancel()
}

func statusHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
