package discord

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/shopspring/decimal"

	"strandmarkt/internal/prices"
	"strandmarkt/internal/trade"
)

const (
	colorGreen  = 0x00ff00
	colorBlue   = 0x0099ff
	colorOrange = 0xff6600
	colorAmber  = 0xff9900
	colorRed    = 0xff0000
	colorPurple = 0x9900ff

	footerText = "Strandmarkt Bot"

	// Discord limits.
	maxDescription = 4096
	maxChoices     = 25

	idInterestPrefix = "trade:interest:"
	idAccept         = "trade:accept"
	idConfirm        = "trade:confirm"
	idCancel         = "trade:cancel"

	offerEmoji   = "💰"
	confirmEmoji = "✅"
	closeEmoji   = "❌"
)

var medals = []string{"🥇", "🥈", "🥉"}

func interestID(offerID int64) string {
	return idInterestPrefix + strconv.FormatInt(offerID, 10)
}

func parseInterestID(customID string) (int64, bool) {
	raw, ok := strings.CutPrefix(customID, idInterestPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func footer() *discordgo.MessageEmbedFooter {
	return &discordgo.MessageEmbedFooter{Text: footerText}
}

func now() string {
	return time.Now().Format(time.RFC3339)
}

func field(name, value string, inline bool) *discordgo.MessageEmbedField {
	return &discordgo.MessageEmbedField{Name: name, Value: value, Inline: inline}
}

func kindLabel(k trade.OfferKind) string {
	if k == trade.KindBuy {
		return "Kaufgesuch"
	}
	return "Verkauf"
}

func stateText(v decimal.NullDecimal, missing string) string {
	if !v.Valid {
		return missing
	}
	return "**" + currency(v.Decimal) + "**"
}

// offerEmbed renders the public post of an offer. rec is the current price
// entry of the item and may be nil.
func offerEmbed(o trade.Offer, rec *prices.Record) *discordgo.MessageEmbed {
	creatorLabel := "👤 Verkäufer"
	title := "🛍️ Neues Handelsangebot"
	if o.Kind == trade.KindBuy {
		creatorLabel = "👤 Käufer"
		title = "🔎 Neues Kaufgesuch"
	}
	e := &discordgo.MessageEmbed{
		Title: title,
		Color: colorOrange,
		Fields: []*discordgo.MessageEmbedField{
			field("📦 Artikel", "**"+o.DisplayName+"**", true),
			field("📊 Menge", "**"+number(o.Quantity)+" Stück**", true),
			field("💰 Preis pro Stück", "**"+currency(o.UnitPrice)+"**", true),
			field("💵 Gesamtpreis", "**"+currency(o.Total())+"**", true),
		},
		Footer:    &discordgo.MessageEmbedFooter{Text: fmt.Sprintf("Angebot ID: %d • Klicke auf %s Handeln, um zu handeln!", o.ID, offerEmoji)},
		Timestamp: o.CreatedAt.Format(time.RFC3339),
	}
	if rec != nil {
		e.Fields = append(e.Fields, field("🏛️ Staatswert", stateText(rec.StateValue, "*Nicht verfügbar*"), true))
		if rec.ImageURL != "" {
			e.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: rec.ImageURL}
		}
	}
	e.Fields = append(e.Fields, field(creatorLabel, mention(o.CreatorID), true))
	if o.ExpiresAt != nil {
		e.Fields = append(e.Fields, field("⏰ Gültig bis", timestamp(*o.ExpiresAt, "f"), false))
	}
	if o.Description != "" {
		e.Fields = append(e.Fields, field("📝 Beschreibung", truncate(o.Description, 1024), false))
	}
	if rec != nil {
		if p, ok := prices.ProfitVsState(o.UnitPrice, rec.StateValue); ok {
			e.Fields = append(e.Fields, field(
				trendEmoji(p.Amount)+" Gewinn/Verlust vs Staat",
				fmt.Sprintf("%s pro Stück (%s)", currency(p.Amount), percent(p.Percent)),
				false,
			))
		}
	}
	return e
}

func offerComponents(o trade.Offer) []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			discordgo.Button{
				Label:    "Handeln",
				Style:    discordgo.SuccessButton,
				CustomID: interestID(o.ID),
				Emoji:    &discordgo.ComponentEmoji{Name: offerEmoji},
			},
		}},
	}
}

func sessionComponents() []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			discordgo.Button{Label: "Annehmen", Style: discordgo.PrimaryButton, CustomID: idAccept, Emoji: &discordgo.ComponentEmoji{Name: "🤝"}},
			discordgo.Button{Label: "Bestätigen", Style: discordgo.SuccessButton, CustomID: idConfirm, Emoji: &discordgo.ComponentEmoji{Name: confirmEmoji}},
			discordgo.Button{Label: "Abbrechen", Style: discordgo.DangerButton, CustomID: idCancel, Emoji: &discordgo.ComponentEmoji{Name: closeEmoji}},
		}},
	}
}

// eventMessage renders a lifecycle event for a channel or a direct message.
func eventMessage(ev trade.Event) *discordgo.MessageSend {
	o, s := ev.Offer, ev.Session
	e := &discordgo.MessageEmbed{Footer: footer(), Timestamp: now()}
	msg := &discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{e}}

	switch ev.Kind {
	case trade.EventSessionOpened:
		e.Title = "🤝 Handelschat: " + o.DisplayName
		e.Color = colorOrange
		e.Description = fmt.Sprintf(
			"Besprecht hier die Details. %s kann das Angebot annehmen. Wenn der Handel erledigt ist, bestätigen **beide** mit %s. Mit %s wird der Handel abgebrochen.",
			mention(o.CreatorID), confirmEmoji, closeEmoji,
		)
		total := s.AgreedPrice.Mul(decimal.NewFromInt(int64(o.Quantity)))
		e.Fields = []*discordgo.MessageEmbedField{
			field("📦 Artikel", "**"+o.DisplayName+"**", true),
			field("📊 Menge", "**"+number(o.Quantity)+" Stück**", true),
			field("💰 Preis pro Stück", "**"+currency(s.AgreedPrice)+"**", true),
			field("💵 Gesamtpreis", "**"+currency(total)+"**", true),
			field("👤 Verkäufer", mention(s.SellerID), true),
			field("👤 Käufer", mention(s.BuyerID), true),
		}
		msg.Content = mention(s.SellerID) + " " + mention(s.BuyerID)
		msg.Components = sessionComponents()
	case trade.EventInterest:
		e.Title = offerEmoji + " Interesse an deinem Angebot"
		e.Color = colorBlue
		e.Description = fmt.Sprintf("%s möchte mit dir über **%s** (%s×) handeln.", mention(ev.ActorID), o.DisplayName, number(o.Quantity))
		if s.ChannelRef != "" {
			e.Fields = []*discordgo.MessageEmbedField{field("💬 Handelschat", "<#"+s.ChannelRef+">", false)}
		}
	case trade.EventPermissionDenied:
		e.Title = "❌ Berechtigung fehlt"
		e.Color = colorRed
		e.Description = "Du benötigst die Händler-Rolle, um zu handeln!"
	case trade.EventSessionAccepted:
		e.Title = "🤝 Angebot angenommen"
		e.Color = colorBlue
		e.Description = fmt.Sprintf("%s hat den Handel angenommen. Bestätigt mit %s, sobald alles erledigt ist.", mention(ev.ActorID), confirmEmoji)
	case trade.EventPartyConfirmed:
		e.Title = confirmEmoji + " Bestätigung erhalten"
		e.Color = colorBlue
		waiting := s.BuyerID
		if !s.SellerConfirmed {
			waiting = s.SellerID
		}
		e.Description = fmt.Sprintf("%s hat bestätigt. Warte auf %s.", mention(ev.ActorID), mention(waiting))
	case trade.EventSessionCompleted:
		e.Title = confirmEmoji + " Handel erfolgreich abgeschlossen!"
		e.Color = colorGreen
		e.Description = "Beide Parteien haben den Handel bestätigt."
		e.Fields = []*discordgo.MessageEmbedField{
			field("Status", "**Handel abgeschlossen** - Channel wird in "+germanDuration(ev.TeardownIn)+" gelöscht", false),
		}
	case trade.EventSessionCancelled:
		e.Title = "🔒 Handel abgebrochen"
		e.Color = colorAmber
		if ev.ActorID != "" {
			e.Description = mention(ev.ActorID) + " hat den Handel abgebrochen."
		} else {
			e.Description = "Das Angebot ist nicht mehr verfügbar."
		}
		e.Fields = []*discordgo.MessageEmbedField{
			field("Status", "**Chat wird in "+germanDuration(ev.TeardownIn)+" gelöscht**", false),
		}
	case trade.EventSessionTimedOut:
		e.Title = "⌛ Handel wegen Inaktivität beendet"
		e.Color = colorAmber
		e.Fields = []*discordgo.MessageEmbedField{
			field("Status", "**Chat wird in "+germanDuration(ev.TeardownIn)+" gelöscht**", false),
		}
	case trade.EventOfferClosed:
		e.Title = "🔒 Angebot nicht mehr verfügbar"
		e.Color = colorAmber
		e.Description = offerClosedReason(o.Status)
		e.Fields = []*discordgo.MessageEmbedField{
			field("Status", "**Chat wird in "+germanDuration(ev.TeardownIn)+" gelöscht**", false),
		}
	default:
		e.Title = string(ev.Kind)
	}
	return msg
}

func offerClosedReason(st trade.OfferStatus) string {
	switch st {
	case trade.OfferCompleted:
		return "Das Angebot wurde mit einem anderen Händler abgeschlossen."
	case trade.OfferExpired:
		return "Das Angebot ist abgelaufen."
	case trade.OfferCancelled:
		return "Das Angebot wurde zurückgezogen."
	default:
		return "Das Angebot ist nicht mehr aktiv."
	}
}

func offerStatusLabel(st trade.OfferStatus) string {
	switch st {
	case trade.OfferActive:
		return "🟢 aktiv"
	case trade.OfferCompleted:
		return "✅ verkauft"
	case trade.OfferExpired:
		return "⌛ abgelaufen"
	case trade.OfferCancelled:
		return "🚫 zurückgezogen"
	}
	return string(st)
}

func priceEmbed(rec prices.Record) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Title:       "💰 " + rec.DisplayName,
		Description: "**Aktuelle Strandmarktpreise**",
		Color:       colorBlue,
		Fields: []*discordgo.MessageEmbedField{
			field("💵 Marktpreis", "**"+currency(rec.MarketPrice)+"**", true),
			field("🏛️ Staatswert", stateText(rec.StateValue, "*Nicht verfügbar*"), true),
			field("📅 Letzte Aktualisierung", timestamp(rec.UpdatedAt, "R"), true),
			field("👤 Von", mention(rec.UpdatedBy), true),
		},
		Footer:    footer(),
		Timestamp: now(),
	}
	if p, ok := prices.ProfitVsState(rec.MarketPrice, rec.StateValue); ok {
		label := "Gewinn"
		if p.Amount.IsNegative() {
			label = "Verlust"
		}
		e.Fields = append(e.Fields, field(
			trendEmoji(p.Amount)+" "+label+" pro Stück",
			fmt.Sprintf("**%s** (%s)", currency(p.Amount.Abs()), percent(p.Percent.Abs())),
			false,
		))
	}
	if rec.ImageURL != "" {
		e.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: rec.ImageURL}
	}
	return e
}

func upsertEmbed(res prices.UpsertResult) *discordgo.MessageEmbed {
	rec := res.Record
	e := &discordgo.MessageEmbed{
		Title: "✅ Preis erfolgreich aktualisiert!",
		Color: colorGreen,
		Fields: []*discordgo.MessageEmbedField{
			field("📦 Gegenstand", "`"+rec.DisplayName+"`", true),
			field("💰 Marktpreis", "**"+currency(rec.MarketPrice)+"**", true),
			field("🏛️ Staatswert", stateText(rec.StateValue, "*Nicht angegeben*"), true),
			field("👤 Aktualisiert von", mention(rec.UpdatedBy), true),
			field("🕐 Zeitpunkt", timestamp(rec.UpdatedAt, "f"), true),
		},
		Footer:    footer(),
		Timestamp: now(),
	}
	status := "🆕 Neuer Eintrag erstellt"
	if !res.Created {
		status = "🔄 Bestehender Eintrag aktualisiert"
		if res.KeptState {
			status += " (Staatswert beibehalten)"
		}
		if res.KeptImage {
			status += " (Bild beibehalten)"
		}
	}
	e.Fields = append(e.Fields, field("ℹ️ Status", status, false))
	if p, ok := prices.ProfitVsState(rec.MarketPrice, rec.StateValue); ok {
		e.Fields = append(e.Fields, field(
			trendEmoji(p.Amount)+" Gewinn/Verlust",
			fmt.Sprintf("**%s** (%s)", currency(p.Amount), percent(p.Percent)),
			false,
		))
	}
	if rec.ImageURL != "" {
		e.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: rec.ImageURL}
	}
	return e
}

// allPricesEmbeds lists every price, most expensive first, split over as many
// embeds as the description limit requires.
func allPricesEmbeds(recs []prices.Record) []*discordgo.MessageEmbed {
	var (
		out []*discordgo.MessageEmbed
		b   strings.Builder
	)
	flush := func() {
		title := "🏖️ Alle Strandmarktpreise"
		if len(out) > 0 {
			title += " (Fortsetzung)"
		}
		out = append(out, &discordgo.MessageEmbed{
			Title:       title,
			Description: b.String(),
			Color:       colorBlue,
			Footer:      footer(),
			Timestamp:   now(),
		})
		b.Reset()
	}
	for i, r := range recs {
		rank := fmt.Sprintf("`%d.`", i+1)
		if i < len(medals) {
			rank = medals[i]
		}
		line := fmt.Sprintf("%s **%s**: %s", rank, r.DisplayName, currency(r.MarketPrice))
		if r.StateValue.Valid {
			line += fmt.Sprintf(" | 🏛️ %s %s", currency(r.StateValue.Decimal), trendEmoji(r.MarketPrice.Sub(r.StateValue.Decimal)))
		}
		line += "\n"
		if b.Len()+len(line) > maxDescription {
			flush()
		}
		b.WriteString(line)
	}
	if b.Len() > 0 {
		flush()
	}
	return out
}

func statsEmbed(name string, st prices.Stats) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Title:       "📊 Statistiken: " + name,
		Description: fmt.Sprintf("**Basierend auf %s Preiseinträgen**", number(st.Entries)),
		Color:       colorPurple,
		Fields: []*discordgo.MessageEmbedField{
			field("💰 Ø Marktpreis", "**"+currency(st.AvgMarket)+"**", true),
			field("📉 Min. Marktpreis", "**"+currency(st.MinMarket)+"**", true),
			field("📈 Max. Marktpreis", "**"+currency(st.MaxMarket)+"**", true),
			field("📊 Markt-Schwankung", "**"+currency(st.Spread)+"**", true),
			field("📈 Markt-Varianz", percent(st.SpreadPct), true),
			field("📋 Gesamte Einträge", "**"+number(st.Entries)+"**", true),
		},
		Footer:    footer(),
		Timestamp: now(),
	}
	if st.StateEntries > 0 {
		e.Fields = append(e.Fields,
			field("🏛️ Ø Staatswert", "**"+currency(st.AvgState)+"**", true),
			field("📉 Min. Staatswert", "**"+currency(st.MinState)+"**", true),
			field("📈 Max. Staatswert", "**"+currency(st.MaxState)+"**", true),
			field("💹 Ø Gewinn/Verlust", "**"+currency(st.AvgProfit)+"**", true),
			field("📊 Ø Gewinn %", "**"+percent(st.AvgProfitPct)+"**", true),
			field("🏛️ Staatswert-Einträge", "**"+number(st.StateEntries)+"**", true),
		)
	}
	return e
}

// historyText is the fallback when no chart can be drawn: the last ten
// entries, newest first.
func historyText(name string, history []prices.HistoryEntry) *discordgo.MessageEmbed {
	var b strings.Builder
	for i := len(history) - 1; i >= 0 && i >= len(history)-10; i-- {
		h := history[i]
		fmt.Fprintf(&b, "%s **%s**", timestamp(h.AddedAt, "f"), currency(h.MarketPrice))
		if h.StateValue.Valid {
			fmt.Fprintf(&b, " | 🏛️ %s", currency(h.StateValue.Decimal))
		}
		b.WriteString("\n")
	}
	return &discordgo.MessageEmbed{
		Title:       "📈 Preisverlauf: " + name,
		Description: b.String(),
		Color:       colorBlue,
		Footer:      footer(),
		Timestamp:   now(),
	}
}

func offerListEmbed(title string, offers []trade.Offer, shown int, withStatus bool) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Title:       title,
		Description: fmt.Sprintf("**%s** Angebote", number(len(offers))),
		Color:       colorOrange,
		Footer:      &discordgo.MessageEmbedFooter{Text: "Klicke unter einem Angebot auf " + offerEmoji + " Handeln, um zu handeln!"},
		Timestamp:   now(),
	}
	for i, o := range offers {
		if i >= shown {
			break
		}
		value := fmt.Sprintf("%s pro Stück = **%s**\n%s • %s • #%d",
			currency(o.UnitPrice), currency(o.Total()), kindLabel(o.Kind), timestamp(o.CreatedAt, "R"), o.ID)
		if withStatus {
			value += " • " + offerStatusLabel(o.Status)
		} else {
			value = "👤 " + o.CreatorName + " • " + value
		}
		e.Fields = append(e.Fields, field(fmt.Sprintf("%d. %s (%s×)", i+1, o.DisplayName, number(o.Quantity)), value, withStatus))
	}
	if len(offers) > shown {
		e.Fields = append(e.Fields, field("ℹ️ Hinweis",
			fmt.Sprintf("Nur die ersten %d Angebote werden angezeigt. Insgesamt %d verfügbar.", shown, len(offers)), false))
	}
	return e
}
