package app

import (
	"context"
	"log/slog"

	"github.com/teotwaki/liro/internal/discord"
)

var commands = []discord.Command{
	{Name: "link", Description: "Link your lichess account"},
	{Name: "sync", Description: "Update your rating roles from your lichess ratings"},
	{Name: "unlink", Description: "Unlink your lichess account and drop your rating roles"},
	{Name: "help", Description: "Explain what liro does", DMPermission: true},
}

// InteractionCreate acknowledges the command straight away and edits the
// answer in once the work is done, since lichess and role updates can take
// longer than the interaction deadline.
func (b *Bot) InteractionCreate(ctx context.Context, interaction discord.Interaction) {
	if interaction.Type != discord.InteractionApplicationCommand || interaction.Data == nil {
		return
	}
	s := b.service
	log := s.logger.With(slog.String("command", interaction.Data.Name), slog.Uint64("interaction_id", uint64(interaction.ID)))

	invoker := interaction.Invoker()
	if interaction.Data.Name == "help" || invoker == nil || interaction.GuildID == 0 {
		content := helpMessage
		if interaction.Data.Name != "help" {
			content = "This command only works inside a server."
		}
		b.respond(ctx, log, interaction, discord.ResponseData{Content: content, Flags: discord.FlagEphemeral})
		return
	}

	community, member := uint64(interaction.GuildID), uint64(invoker.ID)
	flags := discord.FlagEphemeral
	if interaction.Data.Name == "sync" {
		flags = 0
	}
	err := s.chat.RespondInteraction(ctx, uint64(interaction.ID), interaction.Token, discord.InteractionResponse{
		Type: discord.ResponseDeferredChannelMessage,
		Data: &discord.ResponseData{Flags: flags},
	})
	if err != nil {
		log.Error("defer interaction failed", slog.String("error", err.Error()))
		return
	}

	var data discord.ResponseData
	switch interaction.Data.Name {
	case "link":
		data = discord.ResponseData{Content: checkDMsMessage}
		if err := s.RequestLink(ctx, community, member); err != nil {
			log.Error("link request failed", slog.String("error", err.Error()))
			data.Content = userMessage(err)
		}
	case "sync":
		outcome, err := s.Sync(ctx, community, member)
		if err != nil {
			log.Error("sync failed", slog.String("error", err.Error()))
			data = discord.ResponseData{Content: userMessage(err)}
			break
		}
		data = renderSync(s.registry, community, b.lichessURL, b.version, outcome)
	case "unlink":
		outcome, err := s.Unlink(ctx, community, member)
		if err != nil {
			log.Error("unlink failed", slog.String("error", err.Error()))
			data = discord.ResponseData{Content: userMessage(err)}
			break
		}
		data = renderUnlink(s.registry, community, outcome)
	default:
		data = discord.ResponseData{Content: "Unknown command."}
	}

	if err := s.chat.EditOriginalResponse(ctx, uint64(interaction.ApplicationID), interaction.Token, data); err != nil {
		log.Error("edit interaction response failed", slog.String("error", err.Error()))
	}
}

func (b *Bot) respond(ctx context.Context, log *slog.Logger, interaction discord.Interaction, data discord.ResponseData) {
	err := b.service.chat.RespondInteraction(ctx, uint64(interaction.ID), interaction.Token, discord.InteractionResponse{
		Type: discord.ResponseChannelMessage,
		Data: &data,
	})
	if err != nil {
		log.Error("respond interaction failed", slog.String("error", err.Error()))
	}
}
