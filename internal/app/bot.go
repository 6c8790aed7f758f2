package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/teotwaki/liro/internal/discord"
	"github.com/teotwaki/liro/internal/store"
)

// Bot keeps the role registry in step with the gateway and answers slash
// commands.
type Bot struct {
	service    *Service
	lichessURL string
	version    string
	now        func() time.Time
}

func NewBot(service *Service, lichessURL, version string) *Bot {
	return &Bot{
		service:    service,
		lichessURL: lichessURL,
		version:    version,
		now:        time.Now,
	}
}

var _ discord.EventHandler = (*Bot)(nil)

func (b *Bot) Ready(ctx context.Context, ready discord.Ready) {
	log := b.service.logger
	log.Info("gateway ready", slog.String("user", ready.User.Username))
	if err := b.service.chat.RegisterCommands(ctx, uint64(ready.Application.ID), commands); err != nil {
		log.Error("register commands failed", slog.String("error", err.Error()))
	}
}

// GuildCreate rebuilds the community's registry from its full role list.
// It fires on join and again for every guild after each reconnect.
func (b *Bot) GuildCreate(ctx context.Context, guild discord.Guild) {
	if guild.Unavailable {
		return
	}
	s := b.service
	community := uint64(guild.ID)

	s.registry.RegisterCommunity(community)
	bands := 0
	for _, role := range guild.Roles {
		if s.registry.SetLabel(community, uint64(role.ID), role.Name) {
			bands++
		}
	}

	record := store.Community{ID: community, Name: guild.Name, JoinedAt: b.now().UTC()}
	existing, err := s.store.GetCommunity(ctx, community)
	switch {
	case err == nil:
		record.JoinedAt = existing.JoinedAt
	case !errors.Is(err, store.ErrNotFound):
		s.logger.Warn("load community failed", slog.Uint64("community_id", community), slog.String("error", err.Error()))
	}
	if err := s.store.SaveCommunity(ctx, record); err != nil {
		s.logger.Error("save community failed", slog.Uint64("community_id", community), slog.String("error", err.Error()))
	}
	s.logger.Info("community registered",
		slog.Uint64("community_id", community),
		slog.String("name", guild.Name),
		slog.Int("band_roles", bands),
	)
}

func (b *Bot) GuildDelete(ctx context.Context, guild discord.GuildDelete) {
	s := b.service
	community := uint64(guild.ID)
	if guild.Unavailable {
		s.logger.Warn("community unavailable", slog.Uint64("community_id", community))
		return
	}
	s.registry.RemoveCommunity(community)
	if err := s.store.DeleteCommunity(ctx, community); err != nil {
		s.logger.Error("delete community failed", slog.Uint64("community_id", community), slog.String("error", err.Error()))
		return
	}
	s.logger.Info("community removed", slog.Uint64("community_id", community))
}

func (b *Bot) RoleCreate(ctx context.Context, event discord.GuildRoleEvent) {
	b.setRole(event)
}

func (b *Bot) RoleUpdate(ctx context.Context, event discord.GuildRoleEvent) {
	b.setRole(event)
}

func (b *Bot) setRole(event discord.GuildRoleEvent) {
	if b.service.registry.SetLabel(uint64(event.GuildID), uint64(event.Role.ID), event.Role.Name) {
		b.service.logger.Debug("band role registered",
			slog.Uint64("community_id", uint64(event.GuildID)),
			slog.Uint64("role_id", uint64(event.Role.ID)),
			slog.String("label", event.Role.Name),
		)
	}
}

func (b *Bot) RoleDelete(ctx context.Context, event discord.GuildRoleDelete) {
	b.service.registry.RemoveRole(uint64(event.GuildID), uint64(event.RoleID))
}
