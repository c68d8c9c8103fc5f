package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// TradeConfig can also be given as YAML through STRANDMARKT_CONFIG;
// environment variables override the file.
type TradeConfig struct {
	TraderRoles       []string      `yaml:"trader_roles"`
	OfferTTL          time.Duration `yaml:"offer_ttl"`
	SessionTimeout    time.Duration `yaml:"session_timeout"`
	CompletedTeardown time.Duration `yaml:"completed_teardown"`
	CancelledTeardown time.Duration `yaml:"cancelled_teardown"`
	RequireKnownItem  bool          `yaml:"require_known_item"`
	CategoryID        string        `yaml:"category_id"`
}

type BackupConfig struct {
	Dir        string `yaml:"dir"`
	Schedule   string `yaml:"schedule"`
	Timezone   string `yaml:"timezone"`
	LogChannel string `yaml:"log_channel"`
}

type fileConfig struct {
	Trade  TradeConfig  `yaml:"trade"`
	Backup BackupConfig `yaml:"backup"`
}

type BotConfig struct {
	DiscordToken string
	DatabaseURL  string
	GuildID      string
	MetricsAddr  string
	SweepEvery   time.Duration
	Trade        TradeConfig
}

type APIConfig struct {
	Addr        string
	DatabaseURL string
	APIToken    string
}

type WorkerConfig struct {
	DatabaseURL  string
	DiscordToken string
	RunOnce      bool
	Backup       BackupConfig
}

type CLIConfig struct {
	APIBaseURL string
	APIToken   string
}

var dotenvOnce sync.Once

// loadDotEnv reads .env from the working directory once. Variables that are
// already set win.
func loadDotEnv() {
	dotenvOnce.Do(func() {
		path := envDefault("STRANDMARKT_ENV_FILE", ".env")
		if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "warning: could not load %s: %v\n", path, err)
		}
	})
}

func loadFile() (fileConfig, error) {
	fc := fileConfig{
		Trade: TradeConfig{
			TraderRoles:       []string{"TrustedDealer"},
			OfferTTL:          7 * 24 * time.Hour,
			SessionTimeout:    24 * time.Hour,
			CompletedTeardown: 5 * time.Minute,
			CancelledTeardown: 30 * time.Second,
		},
		Backup: BackupConfig{
			Dir:        "./backups",
			Schedule:   "0 4 * * *",
			Timezone:   "Europe/Berlin",
			LogChannel: "bot-logs",
		},
	}
	path := strings.TrimSpace(os.Getenv("STRANDMARKT_CONFIG"))
	if path == "" {
		return fc, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fc, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return fc, nil
}

func LoadBotFromEnv() (BotConfig, error) {
	loadDotEnv()
	fc, err := loadFile()
	if err != nil {
		return BotConfig{}, err
	}
	t := fc.Trade
	cfg := BotConfig{
		DiscordToken: strings.TrimSpace(os.Getenv("DISCORD_TOKEN")),
		DatabaseURL:  strings.TrimSpace(os.Getenv("DATABASE_URL")),
		GuildID:      strings.TrimSpace(os.Getenv("DISCORD_GUILD_ID")),
		MetricsAddr:  envDefault("STRANDMARKT_METRICS_ADDR", ":9102"),
		SweepEvery:   envDurationDefault("STRANDMARKT_SWEEP_EVERY", time.Minute),
		Trade: TradeConfig{
			TraderRoles:       envListDefault("TRADER_ROLES", t.TraderRoles),
			OfferTTL:          envDurationDefault("TRADE_OFFER_TTL", t.OfferTTL),
			SessionTimeout:    envDurationDefault("TRADE_SESSION_TIMEOUT", t.SessionTimeout),
			CompletedTeardown: envDurationDefault("TRADE_COMPLETED_TEARDOWN", t.CompletedTeardown),
			CancelledTeardown: envDurationDefault("TRADE_CANCELLED_TEARDOWN", t.CancelledTeardown),
			RequireKnownItem:  envBoolDefault("TRADE_REQUIRE_KNOWN_ITEM", t.RequireKnownItem),
			CategoryID:        envDefault("TRADE_CATEGORY_ID", t.CategoryID),
		},
	}
	if cfg.DiscordToken == "" {
		return cfg, fmt.Errorf("DISCORD_TOKEN is required")
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	if len(cfg.Trade.TraderRoles) == 0 {
		return cfg, fmt.Errorf("at least one trader role is required (TRADER_ROLES)")
	}
	if cfg.Trade.CompletedTeardown < cfg.Trade.CancelledTeardown {
		return cfg, fmt.Errorf("TRADE_COMPLETED_TEARDOWN must not be shorter than TRADE_CANCELLED_TEARDOWN")
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = time.Minute
	}
	return cfg, nil
}

func LoadAPIFromEnv() (APIConfig, error) {
	loadDotEnv()
	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("STRANDMARKT_API_ADDR", ":8080")
	}

	cfg := APIConfig{
		Addr:        addr,
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		APIToken:    strings.TrimSpace(os.Getenv("API_TOKEN")),
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func LoadWorkerFromEnv() (WorkerConfig, error) {
	loadDotEnv()
	fc, err := loadFile()
	if err != nil {
		return WorkerConfig{}, err
	}
	b := fc.Backup
	cfg := WorkerConfig{
		DatabaseURL:  strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DiscordToken: strings.TrimSpace(os.Getenv("DISCORD_TOKEN")),
		RunOnce:      envBoolDefault("STRANDMARKT_WORKER_RUN_ONCE", false),
		Backup: BackupConfig{
			Dir:        envDefault("BACKUP_DIR", b.Dir),
			Schedule:   envDefault("BACKUP_SCHEDULE", b.Schedule),
			Timezone:   envDefault("BACKUP_TIMEZONE", b.Timezone),
			LogChannel: envDefault("BACKUP_LOG_CHANNEL", b.LogChannel),
		},
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	if _, err := time.LoadLocation(cfg.Backup.Timezone); err != nil {
		return cfg, fmt.Errorf("BACKUP_TIMEZONE: %w", err)
	}
	return cfg, nil
}

func LoadCLIFromEnv() CLIConfig {
	loadDotEnv()
	return CLIConfig{
		APIBaseURL: strings.TrimRight(envDefault("STRANDCTL_API_BASE_URL", "http://localhost:8080"), "/"),
		APIToken:   strings.TrimSpace(os.Getenv("STRANDCTL_TOKEN")),
	}
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envListDefault(key string, fallback []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
