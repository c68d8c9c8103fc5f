package discord

import "github.com/bwmarrin/discordgo"

const (
	cmdAddPrice     = "preis-hinzufugen"
	cmdShowPrice    = "preis-anzeigen"
	cmdAllPrices    = "alle-preise"
	cmdPriceHistory = "preis-verlauf"
	cmdAveragePrice = "durchschnittspreis"
	cmdCreateOffer  = "angebot-erstellen"
	cmdMyOffers     = "meine-angebote"
	cmdAllOffers    = "alle-angebote"
	cmdWithdraw     = "angebot-zurueckziehen"

	optItem      = "gegenstand"
	optMarket    = "marktpreis"
	optState     = "staatswert"
	optImageURL  = "bild"
	optImageFile = "bild-datei"
	optQuantity  = "menge"
	optUnitPrice = "preis-pro-stueck"
	optKind      = "art"
	optNote      = "beschreibung"
	optOfferID   = "angebot-id"
)

var (
	minOne         = 1.0
	maxPrice       = 999999999999.99
	sendPermission = int64(discordgo.PermissionSendMessages)
)

func itemOption(desc string) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:         discordgo.ApplicationCommandOptionString,
		Name:         optItem,
		Description:  desc,
		Required:     true,
		Autocomplete: true,
	}
}

var commands = []*discordgo.ApplicationCommand{
	{
		Name:        cmdAddPrice,
		Description: "Füge einen neuen Preis hinzu oder aktualisiere ihn",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        optItem,
				Description: "Name des Gegenstands",
				Required:    true,
			},
			{
				Type:        discordgo.ApplicationCommandOptionNumber,
				Name:        optMarket,
				Description: "Aktueller Marktpreis (Handel zwischen Spielern)",
				Required:    true,
				MinValue:    &minOne,
				MaxValue:    maxPrice,
			},
			{
				Type:        discordgo.ApplicationCommandOptionNumber,
				Name:        optState,
				Description: "Staatswert/NPC-Preis (optional)",
				MaxValue:    maxPrice,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        optImageURL,
				Description: "URL zum Bild (optional)",
			},
			{
				Type:        discordgo.ApplicationCommandOptionAttachment,
				Name:        optImageFile,
				Description: "Bild hochladen (optional)",
			},
		},
	},
	{
		Name:        cmdShowPrice,
		Description: "Zeige den aktuellen Preis eines Gegenstands",
		Options:     []*discordgo.ApplicationCommandOption{itemOption("Name des Gegenstands")},
	},
	{
		Name:        cmdAllPrices,
		Description: "Zeige alle aktuellen Strandmarktpreise",
	},
	{
		Name:        cmdPriceHistory,
		Description: "Zeige den Preisverlauf eines Gegenstands mit Diagramm",
		Options:     []*discordgo.ApplicationCommandOption{itemOption("Name des Gegenstands")},
	},
	{
		Name:        cmdAveragePrice,
		Description: "Zeige den Durchschnittspreis eines Gegenstands",
		Options:     []*discordgo.ApplicationCommandOption{itemOption("Name des Gegenstands")},
	},
	{
		Name:        cmdCreateOffer,
		Description: "Erstelle ein Handelsangebot (nur für Händler)",
		Options: []*discordgo.ApplicationCommandOption{
			itemOption("Artikel"),
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        optQuantity,
				Description: "Anzahl der Artikel",
				Required:    true,
				MinValue:    &minOne,
			},
			{
				Type:        discordgo.ApplicationCommandOptionNumber,
				Name:        optUnitPrice,
				Description: "Preis pro Stück",
				Required:    true,
				MinValue:    &minOne,
				MaxValue:    maxPrice,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        optKind,
				Description: "Verkaufen oder kaufen (Standard: verkaufen)",
				Choices: []*discordgo.ApplicationCommandOptionChoice{
					{Name: "Verkaufen", Value: "sell"},
					{Name: "Kaufen", Value: "buy"},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        optNote,
				Description: "Zusätzliche Infos (optional)",
				MaxLength:   500,
			},
		},
	},
	{
		Name:                     cmdMyOffers,
		Description:              "Zeige deine Angebote",
		DefaultMemberPermissions: &sendPermission,
	},
	{
		Name:                     cmdAllOffers,
		Description:              "Zeige alle aktiven Handelsangebote",
		DefaultMemberPermissions: &sendPermission,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        optKind,
				Description: "Nur Verkaufs- oder Kaufangebote",
				Choices: []*discordgo.ApplicationCommandOptionChoice{
					{Name: "Verkaufen", Value: "sell"},
					{Name: "Kaufen", Value: "buy"},
				},
			},
		},
	},
	{
		Name:        cmdWithdraw,
		Description: "Ziehe eines deiner aktiven Angebote zurück",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        optOfferID,
				Description: "ID des Angebots",
				Required:    true,
				MinValue:    &minOne,
			},
		},
	},
}

// registerCommands replaces the bot's commands in one call. An empty guildID
// registers them globally.
func (b *Bot) registerCommands(appID string) error {
	created, err := b.session.ApplicationCommandBulkOverwrite(appID, b.cfg.GuildID, commands)
	if err != nil {
		return err
	}
	b.log.Info("slash commands registered", "count", len(created), "guild", b.cfg.GuildID)
	return nil
}
