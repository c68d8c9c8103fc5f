package discord

import (
	"bytes"

	"github.com/bwmarrin/discordgo"
)

type options map[string]*discordgo.ApplicationCommandInteractionDataOption

func optionsOf(opts []*discordgo.ApplicationCommandInteractionDataOption) options {
	out := make(options, len(opts))
	for _, o := range opts {
		out[o.Name] = o
	}
	return out
}

func (o options) str(name string) string {
	if opt, ok := o[name]; ok {
		if s, ok := opt.Value.(string); ok {
			return s
		}
	}
	return ""
}

func (o options) num(name string) (float64, bool) {
	opt, ok := o[name]
	if !ok {
		return 0, false
	}
	// Numbers and integers both arrive as float64 in the JSON payload.
	v, ok := opt.Value.(float64)
	return v, ok
}

func (o options) integer(name string) (int64, bool) {
	v, ok := o.num(name)
	return int64(v), ok
}

func (o options) focused() (*discordgo.ApplicationCommandInteractionDataOption, bool) {
	for _, opt := range o {
		if opt.Focused {
			return opt, true
		}
	}
	return nil, false
}

func (b *Bot) respond(i *discordgo.InteractionCreate, data *discordgo.InteractionResponseData) error {
	return b.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: data,
	})
}

func (b *Bot) respondEphemeral(i *discordgo.InteractionCreate, content string) {
	err := b.respond(i, &discordgo.InteractionResponseData{Content: content, Flags: discordgo.MessageFlagsEphemeral})
	if err != nil {
		b.log.Warn("respond failed", "err", err)
	}
}

// deferReply acknowledges an interaction that needs more than the three
// seconds Discord allows for the first response.
func (b *Bot) deferReply(i *discordgo.InteractionCreate, ephemeral bool) bool {
	data := &discordgo.InteractionResponseData{}
	if ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	err := b.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: data,
	})
	if err != nil {
		b.log.Warn("defer failed", "err", err)
		return false
	}
	return true
}

func (b *Bot) followup(i *discordgo.InteractionCreate, params *discordgo.WebhookParams) {
	if _, err := b.session.FollowupMessageCreate(i.Interaction, true, params); err != nil {
		b.log.Warn("followup failed", "err", err)
	}
}

// fail answers with the user-facing text of err. Unexpected errors are
// logged.
func (b *Bot) fail(i *discordgo.InteractionCreate, err error, deferred bool) {
	msg, expected := userMessage(err)
	if !expected {
		b.log.Error("interaction failed", "user", memberOf(i).UserID, "err", err)
	}
	if deferred {
		b.followup(i, &discordgo.WebhookParams{Content: msg, Flags: discordgo.MessageFlagsEphemeral})
		return
	}
	b.respondEphemeral(i, msg)
}

func pngFile(name string, data []byte) *discordgo.File {
	return &discordgo.File{Name: name, ContentType: "image/png", Reader: bytes.NewReader(data)}
}
