package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/shopspring/decimal"

	"strandmarkt/internal/prices"
	"strandmarkt/internal/render"
)

const (
	historyLimit      = 50
	maxAttachmentSize = 8 << 20
	imageFileName     = "bild.png"
	chartFileName     = "chart.png"
)

var errBadImage = errors.New("attachment is not a usable image")

func (b *Bot) addPrice(ctx context.Context, i *discordgo.InteractionCreate) {
	data := i.ApplicationCommandData()
	opts := optionsOf(data.Options)
	m := memberOf(i)
	if !b.deferReply(i, false) {
		return
	}

	market, _ := opts.num(optMarket)
	in := prices.UpsertInput{
		Name:        opts.str(optItem),
		MarketPrice: decimal.NewFromFloat(market),
		ImageURL:    strings.TrimSpace(opts.str(optImageURL)),
		UpdatedBy:   m.UserID,
	}
	if v, ok := opts.num(optState); ok {
		in.StateValue = decimal.NewNullDecimal(decimal.NewFromFloat(v))
	}

	var thumb []byte
	if id := opts.str(optImageFile); id != "" && data.Resolved != nil {
		att, ok := data.Resolved.Attachments[id]
		if !ok {
			b.fail(i, errBadImage, true)
			return
		}
		png, err := b.fetchImage(ctx, att)
		if err != nil {
			b.log.Warn("image upload rejected", "user", m.UserID, "err", err)
			b.fail(i, errBadImage, true)
			return
		}
		thumb = png
	}

	res, err := b.prices.Upsert(ctx, in)
	if err != nil {
		b.fail(i, err, true)
		return
	}
	params := &discordgo.WebhookParams{Embeds: []*discordgo.MessageEmbed{upsertEmbed(res)}}
	if thumb != nil {
		if err := b.prices.SetImage(ctx, in.Name, thumb); err != nil {
			b.log.Error("store image failed", "item", res.Record.ItemKey, "err", err)
		} else {
			params.Embeds[0].Thumbnail = &discordgo.MessageEmbedThumbnail{URL: "attachment://" + imageFileName}
			params.Files = []*discordgo.File{pngFile(imageFileName, thumb)}
		}
	}
	b.log.Info("price updated", "item", res.Record.ItemKey, "by", m.UserID, "created", res.Created)
	b.followup(i, params)
}

// fetchImage downloads an uploaded attachment and normalizes it to a PNG
// thumbnail.
func (b *Bot) fetchImage(ctx context.Context, att *discordgo.MessageAttachment) ([]byte, error) {
	if att.Size > maxAttachmentSize {
		return nil, fmt.Errorf("attachment too large: %d bytes", att.Size)
	}
	if att.ContentType != "" && !strings.HasPrefix(att.ContentType, "image/") {
		return nil, fmt.Errorf("unexpected content type %q", att.ContentType)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.session.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download attachment: status %d", resp.StatusCode)
	}
	return render.NormalizeImage(resp.Body)
}

func (b *Bot) showPrice(ctx context.Context, i *discordgo.InteractionCreate) {
	name := optionsOf(i.ApplicationCommandData().Options).str(optItem)
	rec, err := b.prices.Current(ctx, name)
	if err != nil {
		b.fail(i, err, false)
		return
	}
	e := priceEmbed(rec)
	data := &discordgo.InteractionResponseData{Embeds: []*discordgo.MessageEmbed{e}}
	if png, err := b.prices.Image(ctx, name); err == nil {
		e.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: "attachment://" + imageFileName}
		data.Files = []*discordgo.File{pngFile(imageFileName, png)}
	} else if !errors.Is(err, prices.ErrNotFound) {
		b.log.Warn("load image failed", "item", rec.ItemKey, "err", err)
	}
	if err := b.respond(i, data); err != nil {
		b.log.Warn("respond failed", "err", err)
	}
}

func (b *Bot) allPrices(ctx context.Context, i *discordgo.InteractionCreate) {
	recs, err := b.prices.All(ctx)
	if err != nil {
		b.fail(i, err, false)
		return
	}
	if len(recs) == 0 {
		b.respondEphemeral(i, "📭 Noch keine Preise in der Datenbank!")
		return
	}
	embeds := allPricesEmbeds(recs)
	if len(embeds) > 10 {
		embeds = embeds[:10]
	}
	if err := b.respond(i, &discordgo.InteractionResponseData{Embeds: embeds}); err != nil {
		b.log.Warn("respond failed", "err", err)
	}
}

func (b *Bot) priceHistory(ctx context.Context, i *discordgo.InteractionCreate) {
	name := optionsOf(i.ApplicationCommandData().Options).str(optItem)
	if !b.deferReply(i, false) {
		return
	}
	history, err := b.prices.History(ctx, name, historyLimit)
	if err != nil {
		b.fail(i, err, true)
		return
	}
	display := history[len(history)-1].DisplayName

	png, err := render.HistoryChart("Preisverlauf: "+display, history)
	if err != nil {
		if !errors.Is(err, render.ErrNotEnoughData) {
			b.log.Warn("render chart failed", "item", name, "err", err)
		}
		b.followup(i, &discordgo.WebhookParams{Embeds: []*discordgo.MessageEmbed{historyText(display, history)}})
		return
	}
	e := historyText(display, history)
	e.Image = &discordgo.MessageEmbedImage{URL: "attachment://" + chartFileName}
	b.followup(i, &discordgo.WebhookParams{
		Embeds: []*discordgo.MessageEmbed{e},
		Files:  []*discordgo.File{pngFile(chartFileName, png)},
	})
}

func (b *Bot) averagePrice(ctx context.Context, i *discordgo.InteractionCreate) {
	name := optionsOf(i.ApplicationCommandData().Options).str(optItem)
	st, err := b.prices.Stats(ctx, name)
	if err != nil {
		b.fail(i, err, false)
		return
	}
	display := name
	if rec, err := b.prices.Current(ctx, name); err == nil {
		display = rec.DisplayName
	}
	if err := b.respond(i, &discordgo.InteractionResponseData{Embeds: []*discordgo.MessageEmbed{statsEmbed(display, st)}}); err != nil {
		b.log.Warn("respond failed", "err", err)
	}
}

// autocomplete suggests known item names for the focused option.
func (b *Bot) autocomplete(ctx context.Context, i *discordgo.InteractionCreate) {
	opt, ok := optionsOf(i.ApplicationCommandData().Options).focused()
	if !ok || opt.Name != optItem {
		return
	}
	names, err := b.prices.Search(ctx, opt.StringValue(), maxChoices)
	if err != nil {
		b.log.Warn("autocomplete search failed", "err", err)
	}
	err = b.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionApplicationCommandAutocompleteResult,
		Data: &discordgo.InteractionResponseData{Choices: choices(names)},
	})
	if err != nil {
		b.log.Debug("autocomplete respond failed", "err", err)
	}
}

func choices(names []string) []*discordgo.ApplicationCommandOptionChoice {
	out := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(names))
	for _, n := range names {
		if len(out) == maxChoices {
			break
		}
		label := truncate(n, 100)
		out = append(out, &discordgo.ApplicationCommandOptionChoice{Name: label, Value: label})
	}
	return out
}
