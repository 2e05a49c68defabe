package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/trickhall/room-backend/internal/config"
	"github.com/trickhall/room-backend/internal/httpapi"
	"github.com/trickhall/room-backend/internal/hub"
	"github.com/trickhall/room-backend/internal/reconcile"
	"github.com/trickhall/room-backend/internal/registry"
	"github.com/trickhall/room-backend/internal/reliability"
	"github.com/trickhall/room-backend/internal/store"
	"github.com/trickhall/room-backend/internal/timers"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	var log *zap.Logger
	if cfg.Debug {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	rooms, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("database unavailable", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ts := timers.NewSet()
	reg := registry.New(registry.NewHMACVerifier(cfg.AuthSecret), ts, log, cfg.EvictionWindow)

	var fallback reliability.Fallback
	if cfg.FallbackBaseURL != "" {
		fallback = reliability.NewHTTPFallback(cfg.FallbackBaseURL, cfg.FallbackTimeout)
	}
	rel := reliability.NewLayer(reg, fallback, log, reliability.Options{
		MaxRetries:     cfg.EmitMaxRetries,
		InitialBackoff: cfg.EmitBackoff,
	}, cfg.EventTTL)
	rel.StartSweeper(time.Minute)
	defer rel.Stop()

	h := hub.New(ctx, rooms, rel, reg, ts, log)
	reg.SetRoomLookup(h.Get)

	engine := reconcile.NewEngine(rooms, h, log)
	h.OnRoomLive(func(gameID string) {
		engine.SchedulePeriodic(ctx, gameID, cfg.ReconcileInterval)
	})
	h.OnRoomGone(engine.CancelPeriodic)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: httpapi.SetupRoutes(h, reg, rel, engine, log),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		h.Inbox() <- hub.Shutdown{}
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("listening", zap.String("addr", cfg.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server failed", zap.Error(err))
	}
}
