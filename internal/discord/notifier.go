package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"strandmarkt/internal/trade"
)

// Notifier posts lifecycle events into trade channels and direct messages.
type Notifier struct {
	session *discordgo.Session
	log     *slog.Logger
}

func NewNotifier(s *discordgo.Session, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{session: s, log: logger.With("component", "notifier")}
}

func (n *Notifier) Notify(ctx context.Context, to trade.Target, ev trade.Event) error {
	channelID := to.ChannelID
	if channelID == "" {
		dm, err := n.session.UserChannelCreate(to.UserID, discordgo.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("open dm with %s: %w", to.UserID, err)
		}
		channelID = dm.ID
	}
	if _, err := n.session.ChannelMessageSendComplex(channelID, eventMessage(ev), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("send %s: %w", ev.Kind, err)
	}
	if ev.Kind == trade.EventSessionCompleted {
		if err := closeOfferPost(ctx, n.session, ev.Offer); err != nil {
			n.log.Warn("update offer post failed", "offer_id", ev.Offer.ID, "err", err)
		}
	}
	return nil
}

// closeOfferPost removes the trade button from the public post of an offer
// and marks it with its final status.
func closeOfferPost(ctx context.Context, s *discordgo.Session, o trade.Offer) error {
	if o.ChannelID == "" || o.MessageID == "" {
		return nil
	}
	e := offerEmbed(o, nil)
	e.Title = offerStatusLabel(o.Status) + " · " + o.DisplayName
	e.Color = colorAmber
	e.Footer = &discordgo.MessageEmbedFooter{Text: fmt.Sprintf("Angebot ID: %d", o.ID)}
	embeds := []*discordgo.MessageEmbed{e}
	components := []discordgo.MessageComponent{}
	_, err := s.ChannelMessageEditComplex(&discordgo.MessageEdit{
		ID:         o.MessageID,
		Channel:    o.ChannelID,
		Embeds:     &embeds,
		Components: &components,
	}, discordgo.WithContext(ctx))
	if err != nil && !isUnknownChannel(err) {
		return err
	}
	return nil
}
