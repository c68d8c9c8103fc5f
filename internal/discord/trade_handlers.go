package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/shopspring/decimal"

	"strandmarkt/internal/trade"
)

const (
	myOffersLimit   = 25
	listOffersLimit = 20
	shownOffers     = 10
)

func (b *Bot) createOffer(ctx context.Context, i *discordgo.InteractionCreate) {
	if i.GuildID == "" {
		b.fail(i, errGuildOnly, false)
		return
	}
	opts := optionsOf(i.ApplicationCommandData().Options)
	qty, _ := opts.integer(optQuantity)
	price, _ := opts.num(optUnitPrice)
	kind := trade.OfferKind(opts.str(optKind))
	if kind == "" {
		kind = trade.KindSell
	}

	o, err := b.engine.CreateOffer(ctx, trade.CreateOfferInput{
		GuildID:     i.GuildID,
		ChannelID:   i.ChannelID,
		Creator:     memberOf(i),
		Item:        opts.str(optItem),
		Kind:        kind,
		UnitPrice:   decimal.NewFromFloat(price),
		Quantity:    int(qty),
		Description: opts.str(optNote),
	})
	if err != nil {
		b.fail(i, err, false)
		return
	}

	e := offerEmbed(o, nil)
	if rec, err := b.prices.Current(ctx, o.DisplayName); err == nil {
		e = offerEmbed(o, &rec)
	}
	err = b.respond(i, &discordgo.InteractionResponseData{
		Embeds:     []*discordgo.MessageEmbed{e},
		Components: offerComponents(o),
	})
	if err != nil {
		b.log.Warn("post offer failed", "offer_id", o.ID, "err", err)
		return
	}
	msg, err := b.session.InteractionResponse(i.Interaction, discordgo.WithContext(ctx))
	if err != nil {
		b.log.Warn("load offer post failed", "offer_id", o.ID, "err", err)
		return
	}
	if err := b.engine.AttachOfferMessage(ctx, o.ID, msg.ChannelID, msg.ID); err != nil {
		b.log.Warn("record offer post failed", "offer_id", o.ID, "err", err)
	}
}

func (b *Bot) myOffers(ctx context.Context, i *discordgo.InteractionCreate) {
	m := memberOf(i)
	offers, err := b.engine.ListMyOffers(ctx, m.UserID, myOffersLimit)
	if err != nil {
		b.fail(i, err, false)
		return
	}
	if len(offers) == 0 {
		b.respondEphemeral(i, "📭 Du hast noch keine Angebote erstellt.")
		return
	}
	e := offerListEmbed("📋 Deine Angebote", offers, shownOffers, true)
	err = b.respond(i, &discordgo.InteractionResponseData{
		Embeds: []*discordgo.MessageEmbed{e},
		Flags:  discordgo.MessageFlagsEphemeral,
	})
	if err != nil {
		b.log.Warn("respond failed", "err", err)
	}
}

func (b *Bot) allOffers(ctx context.Context, i *discordgo.InteractionCreate) {
	kind := trade.OfferKind(optionsOf(i.ApplicationCommandData().Options).str(optKind))
	offers, err := b.engine.ListActiveOffers(ctx, trade.OfferFilter{Kind: kind, Limit: listOffersLimit})
	if err != nil {
		b.fail(i, err, false)
		return
	}
	if len(offers) == 0 {
		b.respondEphemeral(i, "📭 Aktuell gibt es keine aktiven Angebote.")
		return
	}
	e := offerListEmbed("🛒 Aktive Handelsangebote", offers, shownOffers, false)
	if err := b.respond(i, &discordgo.InteractionResponseData{Embeds: []*discordgo.MessageEmbed{e}}); err != nil {
		b.log.Warn("respond failed", "err", err)
	}
}

func (b *Bot) withdrawOffer(ctx context.Context, i *discordgo.InteractionCreate) {
	id, _ := optionsOf(i.ApplicationCommandData().Options).integer(optOfferID)
	o, err := b.engine.CancelOffer(ctx, id, memberOf(i).UserID)
	if err != nil {
		b.fail(i, err, false)
		return
	}
	if err := closeOfferPost(ctx, b.session, o); err != nil {
		b.log.Warn("update offer post failed", "offer_id", o.ID, "err", err)
	}
	b.respondEphemeral(i, fmt.Sprintf("✅ Angebot #%d (%s) wurde zurückgezogen.", o.ID, o.DisplayName))
}

func (b *Bot) expressInterest(ctx context.Context, i *discordgo.InteractionCreate, offerID int64) {
	if !b.deferReply(i, true) {
		return
	}
	res, err := b.engine.ExpressInterest(ctx, offerID, memberOf(i))
	if err != nil {
		b.fail(i, err, true)
		return
	}
	b.followup(i, &discordgo.WebhookParams{Content: interestReply(res), Flags: discordgo.MessageFlagsEphemeral})
}

// interestReply mentions the trade channel once it exists. A repeated click
// can arrive while the first one is still creating it.
func interestReply(res trade.InterestResult) string {
	ref := res.Session.ChannelRef
	switch {
	case res.Created:
		return "✅ Handelschat erstellt: <#" + ref + ">"
	case ref == "":
		return "ℹ️ Dein Handelschat für dieses Angebot wird gerade erstellt."
	default:
		return "ℹ️ Du hast bereits einen offenen Handelschat für dieses Angebot: <#" + ref + ">"
	}
}

// sessionHere resolves the trade session owning the channel of the
// interaction.
func (b *Bot) sessionHere(ctx context.Context, i *discordgo.InteractionCreate) (trade.TradeSession, bool) {
	s, err := b.engine.SessionForSpace(ctx, i.ChannelID)
	if err != nil {
		b.fail(i, err, false)
		return trade.TradeSession{}, false
	}
	return s, true
}

func (b *Bot) acceptTrade(ctx context.Context, i *discordgo.InteractionCreate) {
	s, ok := b.sessionHere(ctx, i)
	if !ok {
		return
	}
	if _, err := b.engine.AcceptTrade(ctx, s.ID, memberOf(i).UserID); err != nil {
		b.fail(i, err, false)
		return
	}
	b.respondEphemeral(i, "🤝 Du hast das Angebot angenommen.")
}

func (b *Bot) confirmTrade(ctx context.Context, i *discordgo.InteractionCreate) {
	s, ok := b.sessionHere(ctx, i)
	if !ok {
		return
	}
	res, err := b.engine.ConfirmTrade(ctx, s.ID, memberOf(i).UserID)
	if err != nil {
		b.fail(i, err, false)
		return
	}
	msg := "✅ Deine Bestätigung wurde gespeichert."
	if res.Session.Status == trade.SessionCompleted {
		msg = "✅ Der Handel ist abgeschlossen."
	}
	b.respondEphemeral(i, msg)
}

func (b *Bot) cancelTrade(ctx context.Context, i *discordgo.InteractionCreate) {
	s, ok := b.sessionHere(ctx, i)
	if !ok {
		return
	}
	if _, err := b.engine.CancelTrade(ctx, s.ID, memberOf(i).UserID); err != nil {
		b.fail(i, err, false)
		return
	}
	b.respondEphemeral(i, "🔒 Der Handel wurde abgebrochen.")
}
