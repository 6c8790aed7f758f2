// Package link implements the account-linking handshake: a short-lived,
// single-use PKCE challenge that ties a community member to the lichess
// account that completes the OAuth flow.
package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/teotwaki/liro/internal/lichess"
	"github.com/teotwaki/liro/internal/metrics"
	"github.com/teotwaki/liro/internal/rating"
	"github.com/teotwaki/liro/internal/store"
)

const DefaultTTL = 24 * time.Hour

var (
	ErrChallengeNotFound = errors.New("challenge not found or already used")
	ErrRestrictedAccount = errors.New("lichess account may not be linked")
	ErrDuplicateLink     = errors.New("lichess account is already linked to another member")
	ErrAlreadyLinked     = errors.New("member already has a linked lichess account")
	ErrUpstream          = errors.New("lichess unavailable")
)

var tracer = otel.Tracer("link")

// Store is the persistence the handshake needs.
type Store interface {
	SaveChallenge(ctx context.Context, ch store.Challenge, ttl time.Duration) error
	GetChallenge(ctx context.Context, id uint64) (*store.Challenge, error)
	TakeChallenge(ctx context.Context, id uint64) (*store.Challenge, error)
	CreateMember(ctx context.Context, m *store.Member) error
}

// Authenticator completes the OAuth exchange with lichess.
type Authenticator interface {
	ExchangeCode(ctx context.Context, code, codeVerifier string) (string, error)
	ResolveIdentity(ctx context.Context, accessToken string) (lichess.Account, error)
}

type Config struct {
	// PublicURL is where liro's HTTP server is reachable.
	PublicURL string
	// LichessURL is the base of the lichess authorize endpoint.
	LichessURL  string
	ClientID    string
	RedirectURL string
	TTL         time.Duration
}

type Service struct {
	store   Store
	auth    Authenticator
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
	random  io.Reader
}

func New(s Store, auth Authenticator, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.LichessURL == "" {
		cfg.LichessURL = lichess.DefaultBaseURL
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	cfg.LichessURL = strings.TrimRight(cfg.LichessURL, "/")
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   s,
		auth:    auth,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		random:  defaultRandom,
	}
}

// Issue creates and stores a fresh challenge for the member. Ids are
// random and not checked for collisions: a collision only overwrites a
// pending challenge, which then fails to redeem.
func (s *Service) Issue(ctx context.Context, community, member uint64) (*store.Challenge, error) {
	ctx, span := tracer.Start(ctx, "Link.Issue")
	defer span.End()

	id, err := newChallengeID(s.random)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("generate challenge id: %w", err)
	}
	verifier, err := NewCodeVerifier(s.random)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("generate code verifier: %w", err)
	}

	ch := store.Challenge{
		ID:           id,
		CommunityID:  community,
		MemberID:     member,
		CodeVerifier: verifier,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.SaveChallenge(ctx, ch, s.cfg.TTL); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.metrics.Challenge("issued")
	s.logger.Debug("challenge issued",
		slog.Uint64("community_id", community),
		slog.Uint64("member_id", member),
	)
	return &ch, nil
}

// AuthorizeURL is the lichess page the member approves the link on.
func (s *Service) AuthorizeURL(ch *store.Challenge) string {
	query := url.Values{}
	query.Set("response_type", "code")
	query.Set("client_id", s.cfg.ClientID)
	query.Set("redirect_uri", s.cfg.RedirectURL)
	query.Set("code_challenge_method", "S256")
	query.Set("code_challenge", CodeChallenge(ch.CodeVerifier))
	query.Set("state", strconv.FormatUint(ch.ID, 10))
	return s.cfg.LichessURL + "/oauth?" + query.Encode()
}

// ConnectURL is the short link sent to the member, which redirects to
// AuthorizeURL.
func (s *Service) ConnectURL(ch *store.Challenge) string {
	return s.cfg.PublicURL + "/connect/lichess/" + strconv.FormatUint(ch.ID, 10)
}

// Lookup reads a pending challenge without consuming it.
func (s *Service) Lookup(ctx context.Context, id uint64) (*store.Challenge, error) {
	ch, err := s.store.GetChallenge(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrChallengeNotFound
	}
	return ch, err
}

// Redeem consumes the challenge. Only one caller can ever redeem a given id.
func (s *Service) Redeem(ctx context.Context, id uint64) (*store.Challenge, error) {
	ch, err := s.store.TakeChallenge(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		s.metrics.Challenge("missing")
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		return nil, err
	}
	s.metrics.Challenge("redeemed")
	return ch, nil
}

// Complete finishes the handshake for the OAuth callback. The challenge is
// consumed before lichess is contacted, so a failed exchange cannot be
// retried with the same challenge.
func (s *Service) Complete(ctx context.Context, id uint64, code string) (*store.Member, error) {
	ctx, span := tracer.Start(ctx, "Link.Complete")
	defer span.End()

	member, err := s.complete(ctx, id, code)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.Linked(linkResult(err))
		return nil, err
	}
	span.SetAttributes(attribute.String("lichess.username", member.Username))
	s.metrics.Linked("ok")
	return member, nil
}

func (s *Service) complete(ctx context.Context, id uint64, code string) (*store.Member, error) {
	ch, err := s.Redeem(ctx, id)
	if err != nil {
		return nil, err
	}

	token, err := s.auth.ExchangeCode(ctx, code, ch.CodeVerifier)
	if err != nil {
		return nil, fmt.Errorf("%w: exchange code: %w", ErrUpstream, err)
	}
	account, err := s.auth.ResolveIdentity(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve identity: %w", ErrUpstream, err)
	}
	if account.Restricted() {
		s.logger.Info("rejected restricted account",
			slog.String("lichess_username", account.Username),
			slog.Uint64("member_id", ch.MemberID),
		)
		return nil, ErrRestrictedAccount
	}

	member := &store.Member{
		CommunityID: ch.CommunityID,
		MemberID:    ch.MemberID,
		Username:    account.Username,
		Ratings:     rating.Ratings{},
	}
	switch err := s.store.CreateMember(ctx, member); {
	case errors.Is(err, store.ErrUsernameTaken):
		return nil, ErrDuplicateLink
	case errors.Is(err, store.ErrAlreadyLinked):
		return nil, ErrAlreadyLinked
	case err != nil:
		return nil, fmt.Errorf("create member: %w", err)
	}

	s.logger.Info("member linked",
		slog.Uint64("community_id", member.CommunityID),
		slog.Uint64("member_id", member.MemberID),
		slog.String("lichess_username", member.Username),
	)
	return member, nil
}

func linkResult(err error) string {
	switch {
	case errors.Is(err, ErrChallengeNotFound):
		return "challenge_not_found"
	case errors.Is(err, ErrRestrictedAccount):
		return "restricted"
	case errors.Is(err, ErrDuplicateLink):
		return "duplicate"
	case errors.Is(err, ErrAlreadyLinked):
		return "already_linked"
	case errors.Is(err, ErrUpstream):
		return "upstream"
	default:
		return "error"
	}
}
