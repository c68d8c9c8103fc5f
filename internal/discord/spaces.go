package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"

	"strandmarkt/internal/trade"
)

const (
	participantAllow = discordgo.PermissionViewChannel |
		discordgo.PermissionSendMessages |
		discordgo.PermissionReadMessageHistory |
		discordgo.PermissionAttachFiles
	botAllow = participantAllow | discordgo.PermissionManageChannels
)

// Spaces creates the private trade channels: hidden from @everyone, visible
// to both parties and the bot.
type Spaces struct {
	session    *discordgo.Session
	categoryID string
}

func NewSpaces(s *discordgo.Session, categoryID string) *Spaces {
	return &Spaces{session: s, categoryID: categoryID}
}

func (sp *Spaces) Create(ctx context.Context, req trade.SpaceRequest) (string, error) {
	botID := ""
	if sp.session.State != nil && sp.session.State.User != nil {
		botID = sp.session.State.User.ID
	}
	ch, err := sp.session.GuildChannelCreateComplex(req.GuildID, discordgo.GuildChannelCreateData{
		Name:                 req.Name,
		Type:                 discordgo.ChannelTypeGuildText,
		Topic:                req.Topic,
		ParentID:             sp.categoryID,
		PermissionOverwrites: overwrites(req.GuildID, botID, req.Participants),
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("create channel %s: %w", req.Name, err)
	}
	return ch.ID, nil
}

func (sp *Spaces) Destroy(ctx context.Context, ref string) error {
	_, err := sp.session.ChannelDelete(ref, discordgo.WithContext(ctx))
	if err != nil && !isUnknownChannel(err) {
		return fmt.Errorf("delete channel %s: %w", ref, err)
	}
	return nil
}

// overwrites hides the channel from @everyone (the role sharing the guild's
// ID) and opens it to each participant and the bot.
func overwrites(guildID, botID string, participants []string) []*discordgo.PermissionOverwrite {
	out := []*discordgo.PermissionOverwrite{{
		ID:   guildID,
		Type: discordgo.PermissionOverwriteTypeRole,
		Deny: discordgo.PermissionViewChannel,
	}}
	seen := map[string]bool{}
	for _, id := range participants {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, &discordgo.PermissionOverwrite{
			ID:    id,
			Type:  discordgo.PermissionOverwriteTypeMember,
			Allow: participantAllow,
		})
	}
	if botID != "" && !seen[botID] {
		out = append(out, &discordgo.PermissionOverwrite{
			ID:    botID,
			Type:  discordgo.PermissionOverwriteTypeMember,
			Allow: botAllow,
		})
	}
	return out
}

func isUnknownChannel(err error) bool {
	var rest *discordgo.RESTError
	if !errors.As(err, &rest) {
		return false
	}
	if rest.Response != nil && rest.Response.StatusCode == http.StatusNotFound {
		return true
	}
	return rest.Message != nil && rest.Message.Code == discordgo.ErrCodeUnknownChannel
}
