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

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"strandmarkt/internal/config"
	"strandmarkt/internal/db"
	"strandmarkt/internal/discord"
	"strandmarkt/internal/metrics"
	"strandmarkt/internal/prices"
	"strandmarkt/internal/trade"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadBotFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := db.EnsureSchema(ctx, pool); err != nil {
		logger.Error("schema init failed", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	session, err := discord.NewSession(cfg.DiscordToken)
	if err != nil {
		logger.Error("discord session failed", "err", err)
		os.Exit(1)
	}

	priceSvc := prices.NewService(pool, logger)
	store := trade.NewPgStore(pool)
	spaces := discord.NewSpaces(session, cfg.Trade.CategoryID)
	gate := discord.NewRoleGate(cfg.Trade.TraderRoles, logger)

	teardown := trade.NewTeardown(trade.TeardownConfig{
		CompletedDelay: cfg.Trade.CompletedTeardown,
		CancelledDelay: cfg.Trade.CancelledTeardown,
	}, store, spaces, logger, m)
	defer teardown.Stop()

	engine := trade.NewEngine(trade.Deps{
		Store:       store,
		Spaces:      spaces,
		Notifier:    discord.NewNotifier(session, logger),
		Permissions: gate,
		Teardown:    teardown,
		Catalog:     priceSvc,
		Metrics:     m,
		Logger:      logger,
		Settings: trade.Settings{
			OfferTTL:         cfg.Trade.OfferTTL,
			SessionTimeout:   cfg.Trade.SessionTimeout,
			RequireKnownItem: cfg.Trade.RequireKnownItem,
		},
	})

	bot := discord.NewBot(session, cfg, engine, priceSvc, gate, m, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bot.Run(gctx)
	})
	g.Go(func() error {
		runSweeps(gctx, engine, cfg.SweepEvery, logger)
		return nil
	})
	g.Go(func() error {
		return serveMetrics(gctx, cfg.MetricsAddr, reg, logger)
	})

	logger.Info("strandmarkt bot started", "guild_id", cfg.GuildID, "sweep_every", cfg.SweepEvery.String())
	if err := g.Wait(); err != nil {
		logger.Error("bot stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("bot shutdown")
}

// runSweeps sweeps once at startup so teardowns lost in a restart are
// re-armed right away, then on every tick.
func runSweeps(ctx context.Context, engine *trade.Engine, every time.Duration, logger *slog.Logger) {
	sweep := func() {
		rep, err := engine.Sweep(ctx, time.Now().UTC())
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("sweep failed", "err", err)
			}
			return
		}
		if rep != (trade.SweepReport{}) {
			logger.Info("sweep complete",
				"expired_offers", rep.ExpiredOffers,
				"timed_out", rep.TimedOut,
				"cancelled", rep.Cancelled,
				"teardowns_rearmed", rep.TeardownsRearmed,
			)
		}
	}

	sweep()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) error {
	if addr == "" {
		return nil
	}
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
