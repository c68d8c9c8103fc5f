package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"strandmarkt/internal/backup"
)

// LogChannel posts backup reports to the channel with the configured name in
// every guild the bot is a member of. It only uses the REST API, so the
// session does not need a gateway connection.
type LogChannel struct {
	session *discordgo.Session
	name    string
	log     *slog.Logger
}

func NewLogChannel(s *discordgo.Session, name string, logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{session: s, name: name, log: logger.With("component", "log_channel")}
}

func (l *LogChannel) Report(ctx context.Context, rep backup.Report) error {
	guilds, err := l.session.UserGuilds(100, "", "", false, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("list guilds: %w", err)
	}
	msg := &discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{backupEmbed(rep)}}
	var errs []error
	for _, g := range guilds {
		channels, err := l.session.GuildChannels(g.ID, discordgo.WithContext(ctx))
		if err != nil {
			errs = append(errs, fmt.Errorf("channels of %s: %w", g.ID, err))
			continue
		}
		ch := findTextChannel(channels, l.name)
		if ch == nil {
			l.log.Debug("no log channel", "guild", g.ID, "name", l.name)
			continue
		}
		if _, err := l.session.ChannelMessageSendComplex(ch.ID, msg, discordgo.WithContext(ctx)); err != nil {
			errs = append(errs, fmt.Errorf("post to %s: %w", ch.ID, err))
		}
	}
	return errors.Join(errs...)
}

func findTextChannel(channels []*discordgo.Channel, name string) *discordgo.Channel {
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildText && strings.EqualFold(ch.Name, name) {
			return ch
		}
	}
	return nil
}

func backupEmbed(rep backup.Report) *discordgo.MessageEmbed {
	if rep.Err != nil {
		return &discordgo.MessageEmbed{
			Title:       "❌ Backup fehlgeschlagen",
			Description: "```" + truncate(rep.Err.Error(), 1000) + "```",
			Color:       colorRed,
			Footer:      footer(),
			Timestamp:   now(),
		}
	}
	var tables strings.Builder
	for _, t := range rep.Tables {
		fmt.Fprintf(&tables, "`%s`: %s Zeilen\n", t.Name, number(int(t.Rows)))
	}
	if tables.Len() == 0 {
		tables.WriteString("-")
	}
	e := &discordgo.MessageEmbed{
		Title:       "💾 Backup erstellt",
		Description: fmt.Sprintf("Datenbank-Backup vom **%s** wurde gespeichert.", rep.Date),
		Color:       colorGreen,
		Fields: []*discordgo.MessageEmbedField{
			field("📁 Verzeichnis", "`"+rep.Dir+"`", false),
			field("📋 Tabellen", tables.String(), false),
			field("⏱️ Dauer", rep.Duration.Round(time.Millisecond).String(), true),
		},
		Footer:    footer(),
		Timestamp: now(),
	}
	if len(rep.Pruned) > 0 {
		e.Fields = append(e.Fields, field("🗑️ Entfernt", strings.Join(rep.Pruned, "\n"), true))
	}
	return e
}
