package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"

	"strandmarkt/internal/backup"
	"strandmarkt/internal/config"
	"strandmarkt/internal/db"
	"strandmarkt/internal/discord"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWorkerFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	loc, err := time.LoadLocation(cfg.Backup.Timezone)
	if err != nil {
		logger.Error("invalid timezone", "timezone", cfg.Backup.Timezone, "err", err)
		os.Exit(1)
	}

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	var reporter backup.Reporter
	if cfg.DiscordToken != "" {
		// REST only; the worker never opens a gateway connection.
		session, err := discordgo.New("Bot " + cfg.DiscordToken)
		if err != nil {
			logger.Error("discord session failed", "err", err)
			os.Exit(1)
		}
		reporter = discord.NewLogChannel(session, cfg.Backup.LogChannel, logger)
	} else {
		logger.Warn("DISCORD_TOKEN not set, backup reports stay in the log")
	}

	runner := backup.NewRunner(backup.Config{
		Dir:      cfg.Backup.Dir,
		Tables:   db.Tables(),
		Location: loc,
	}, backup.NewPgCopier(pool), reporter, logger, nil)

	if cfg.RunOnce {
		if _, err := runner.RunOnce(ctx); err != nil {
			logger.Error("backup failed", "err", err)
			os.Exit(1)
		}
		logger.Info("worker run-once completed")
		return
	}

	logger.Info("worker started", "schedule", cfg.Backup.Schedule, "dir", cfg.Backup.Dir)
	if err := runner.Schedule(ctx, cfg.Backup.Schedule); err != nil {
		logger.Error("schedule failed", "err", err)
		os.Exit(1)
	}
	logger.Info("worker shutdown")
}
