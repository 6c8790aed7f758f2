package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/teotwaki/liro/internal/discord"
	"github.com/teotwaki/liro/internal/reconcile"
	"github.com/teotwaki/liro/internal/roles"
	"github.com/teotwaki/liro/internal/store"
)

type dataStore interface {
	Ping(context.Context) error
	Stats(context.Context) (store.Stats, error)
	GetCommunity(context.Context, uint64) (store.Community, error)
	SaveCommunity(context.Context, store.Community) error
	DeleteCommunity(context.Context, uint64) error
}

type linker interface {
	Issue(ctx context.Context, community, member uint64) (*store.Challenge, error)
	AuthorizeURL(ch *store.Challenge) string
	ConnectURL(ch *store.Challenge) string
	Lookup(ctx context.Context, id uint64) (*store.Challenge, error)
	Complete(ctx context.Context, id uint64, code string) (*store.Member, error)
}

type reconciler interface {
	Reconcile(ctx context.Context, community, member uint64) (reconcile.Outcome, error)
	Unlink(ctx context.Context, community, member uint64) (reconcile.Outcome, error)
}

// chatClient is the part of the Discord REST API the service talks to.
type chatClient interface {
	SendDirectMessage(ctx context.Context, user uint64, content string) error
	RegisterCommands(ctx context.Context, application uint64, commands []discord.Command) error
	RespondInteraction(ctx context.Context, interaction uint64, token string, resp discord.InteractionResponse) error
	EditOriginalResponse(ctx context.Context, application uint64, token string, data discord.ResponseData) error
}

type Service struct {
	store      dataStore
	links      linker
	reconciler reconciler
	chat       chatClient
	registry   *roles.Registry
	logger     *slog.Logger
}

func New(dataStore dataStore, links linker, reconciler reconciler, chat chatClient, registry *roles.Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      dataStore,
		links:      links,
		reconciler: reconciler,
		chat:       chat,
		registry:   registry,
		logger:     logger,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Stats(ctx context.Context) (store.Stats, error) {
	return s.store.Stats(ctx)
}

// RequestLink issues a challenge for the member and sends them the connect
// link in a direct message.
func (s *Service) RequestLink(ctx context.Context, community, member uint64) error {
	ch, err := s.links.Issue(ctx, community, member)
	if err != nil {
		return err
	}
	message := fmt.Sprintf("Click the following link to connect your lichess account: %s\nThe link expires in 24 hours and can only be used once.", s.links.ConnectURL(ch))
	if err := s.chat.SendDirectMessage(ctx, member, message); err != nil {
		return fmt.Errorf("send direct message: %w", err)
	}
	return nil
}

// ConnectRedirect resolves a short connect link into the lichess
// authorization URL. The challenge is not consumed.
func (s *Service) ConnectRedirect(ctx context.Context, id uint64) (string, error) {
	ch, err := s.links.Lookup(ctx, id)
	if err != nil {
		return "", err
	}
	return s.links.AuthorizeURL(ch), nil
}

// CompleteLink finishes the OAuth callback and gives the new member their
// band roles right away. The initial sync is best effort: the link stands
// even when it fails.
func (s *Service) CompleteLink(ctx context.Context, id uint64, code string) (*store.Member, error) {
	member, err := s.links.Complete(ctx, id, code)
	if err != nil {
		return nil, err
	}
	if _, err := s.reconciler.Reconcile(ctx, member.CommunityID, member.MemberID); err != nil {
		s.logger.Warn("initial sync failed",
			slog.Uint64("community_id", member.CommunityID),
			slog.Uint64("member_id", member.MemberID),
			slog.String("error", err.Error()),
		)
	}
	return member, nil
}

func (s *Service) Sync(ctx context.Context, community, member uint64) (reconcile.Outcome, error) {
	return s.reconciler.Reconcile(ctx, community, member)
}

func (s *Service) Unlink(ctx context.Context, community, member uint64) (reconcile.Outcome, error) {
	return s.reconciler.Unlink(ctx, community, member)
}
