package discord

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"strandmarkt/internal/config"
	"strandmarkt/internal/metrics"
	"strandmarkt/internal/prices"
	"strandmarkt/internal/trade"
)

const (
	interactionTimeout = 30 * time.Second
	userInterval       = 2 * time.Second
	userBurst          = 5
)

// Bot routes gateway events and interactions to the price book and the
// trade engine.
type Bot struct {
	session *discordgo.Session
	cfg     config.BotConfig
	engine  *trade.Engine
	prices  *prices.Service
	gate    *RoleGate
	limiter *userLimiter
	metrics *metrics.Metrics
	log     *slog.Logger

	// base is the context of Run; interaction handlers derive from it.
	base context.Context
}

// NewSession prepares a gateway session with the intents the bot needs. It is
// created before the engine so the channel and notification adapters can
// share it.
func NewSession(token string) (*discordgo.Session, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds
	return s, nil
}

func NewBot(session *discordgo.Session, cfg config.BotConfig, engine *trade.Engine, priceBook *prices.Service, gate *RoleGate, m *metrics.Metrics, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		session: session,
		cfg:     cfg,
		engine:  engine,
		prices:  priceBook,
		gate:    gate,
		limiter: newUserLimiter(userInterval, userBurst),
		metrics: m,
		log:     logger.With("component", "bot"),
		base:    context.Background(),
	}
}

// Run connects to the gateway and blocks until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	b.base = ctx
	removers := []func(){
		b.session.AddHandler(b.onReady),
		b.session.AddHandler(b.onGuildCreate),
		b.session.AddHandler(b.onInteraction),
	}
	defer func() {
		for _, rm := range removers {
			rm()
		}
	}()

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}
	b.log.Info("gateway connected")
	<-ctx.Done()
	b.log.Info("gateway closing")
	if err := b.session.Close(); err != nil {
		return fmt.Errorf("close gateway: %w", err)
	}
	return nil
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	b.log.Info("logged in", "user", r.User.Username, "guilds", len(r.Guilds))
	appID := r.User.ID
	if r.Application != nil && r.Application.ID != "" {
		appID = r.Application.ID
	}
	if err := b.registerCommands(appID); err != nil {
		b.log.Error("register commands failed", "err", err)
	}
}

func (b *Bot) onGuildCreate(s *discordgo.Session, g *discordgo.GuildCreate) {
	if g.Guild == nil || g.Unavailable {
		return
	}
	if b.cfg.GuildID != "" && g.ID != b.cfg.GuildID {
		return
	}
	b.gate.Update(g.ID, guildRoles(g.Roles))
}

func (b *Bot) onInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(b.base, interactionTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("interaction handler panic", "panic", r, "type", i.Type.String())
		}
	}()

	switch i.Type {
	case discordgo.InteractionApplicationCommandAutocomplete:
		b.autocomplete(ctx, i)
	case discordgo.InteractionApplicationCommand:
		if !b.limiter.Allow(memberOf(i).UserID) {
			b.fail(i, errRateLimited, false)
			return
		}
		b.command(ctx, i)
	case discordgo.InteractionMessageComponent:
		if !b.limiter.Allow(memberOf(i).UserID) {
			b.fail(i, errRateLimited, false)
			return
		}
		b.component(ctx, i)
	}
}

func (b *Bot) command(ctx context.Context, i *discordgo.InteractionCreate) {
	data := i.ApplicationCommandData()
	b.log.Debug("command", "name", data.Name, "user", memberOf(i).UserID)
	switch data.Name {
	case cmdAddPrice:
		b.addPrice(ctx, i)
	case cmdShowPrice:
		b.showPrice(ctx, i)
	case cmdAllPrices:
		b.allPrices(ctx, i)
	case cmdPriceHistory:
		b.priceHistory(ctx, i)
	case cmdAveragePrice:
		b.averagePrice(ctx, i)
	case cmdCreateOffer:
		b.createOffer(ctx, i)
	case cmdMyOffers:
		b.myOffers(ctx, i)
	case cmdAllOffers:
		b.allOffers(ctx, i)
	case cmdWithdraw:
		b.withdrawOffer(ctx, i)
	default:
		b.log.Warn("unknown command", "name", data.Name)
	}
}

func (b *Bot) component(ctx context.Context, i *discordgo.InteractionCreate) {
	id := i.MessageComponentData().CustomID
	if offerID, ok := parseInterestID(id); ok {
		b.expressInterest(ctx, i, offerID)
		return
	}
	switch id {
	case idAccept:
		b.acceptTrade(ctx, i)
	case idConfirm:
		b.confirmTrade(ctx, i)
	case idCancel:
		b.cancelTrade(ctx, i)
	default:
		b.log.Warn("unknown component", "custom_id", id)
	}
}
