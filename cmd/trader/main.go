// KIS Trader — shared execution substrate for intraday strategies on the
// Korea Investment & Securities (KIS) OpenAPI.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires auth → REST/WS clients → dispatcher → strategy, runs the trading-day schedule
//	exchange/auth.go     — OAuth2 token + WebSocket approval key, dual live/paper credentials
//	exchange/client.go   — REST client: rate budget, circuit breaker, paper TR-ID mapping
//	exchange/ws.go       — streaming connection with auto-reconnect and subscription replay
//	stream/dispatch.go   — parses caret-delimited tick/orderbook frames into typed events
//	stream/subs.go       — keeps subscriptions inside the 40-registration vendor cap
//	strategy/fsm.go      — per-symbol entry/exit state machine emitting order intents
//	strategy/regime.go   — market-wide program-flow regime scaling position size
//	risk/exposure.go     — per-sector position and notional limits
//	ratelimit/           — token-bucket budget, optionally file-shared across processes
//	universe/filter.go   — premarket candidate pre-filter (price, mcap, liquidity)
//	krx/                 — tick-size table and trading calendar
//
// The substrate handles everything between a strategy's signal and the
// broker: opening-range breakout detection, acceptance confirmation,
// sizing against liquidity and sector caps, staged exits, and a
// reconciliation loop that keeps local state aligned with broker truth.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"kis-trader/internal/config"
	"kis-trader/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("KIS_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(context.Background()); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.IsPaper {
		logger.Warn("PAPER MODE — orders go to the simulated venue")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
