// Package reconcile brings a member's rating-band roles in line with their
// current lichess ratings.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/teotwaki/liro/internal/metrics"
	"github.com/teotwaki/liro/internal/rating"
	"github.com/teotwaki/liro/internal/roles"
	"github.com/teotwaki/liro/internal/store"
)

var (
	ErrFetchRatings = errors.New("fetch ratings")
	ErrMemberRoles  = errors.New("fetch member roles")
	ErrPersist      = errors.New("persist ratings")
)

var tracer = otel.Tracer("reconcile")

type Members interface {
	GetMember(ctx context.Context, community, member uint64) (*store.Member, error)
	SaveMember(ctx context.Context, m *store.Member) error
	DeleteMember(ctx context.Context, m *store.Member) error
}

type RatingSource interface {
	FetchRatings(ctx context.Context, username string) (rating.Ratings, error)
}

// RoleClient reads and mutates a member's roles on the chat platform.
type RoleClient interface {
	MemberRoles(ctx context.Context, community, member uint64) ([]uint64, error)
	AddRole(ctx context.Context, community, member, role uint64) error
	RemoveRole(ctx context.Context, community, member, role uint64) error
}

type Status string

const (
	NotLinked Status = "not_linked"
	Synced    Status = "synced"
	Unlinked  Status = "unlinked"
)

type RoleFailure struct {
	Role uint64
	Op   string
	Err  error
}

// Outcome describes what a reconciliation did. Failed lists grants and
// revokes that were attempted but rejected; they are not part of Added or
// Removed.
type Outcome struct {
	Status   Status
	Username string
	Added    []uint64
	Removed  []uint64
	Failed   []RoleFailure
	Changes  []rating.Change
}

func (o Outcome) Partial() bool {
	return len(o.Failed) > 0
}

type Engine struct {
	members     Members
	ratings     RatingSource
	roles       RoleClient
	registry    *roles.Registry
	metrics     *metrics.Metrics
	logger      *slog.Logger
	callTimeout time.Duration
}

type Option func(*Engine)

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithCallTimeout bounds every individual external call.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Engine) { e.callTimeout = d }
}

func New(members Members, ratings RatingSource, roleClient RoleClient, registry *roles.Registry, opts ...Option) *Engine {
	e := &Engine{
		members:     members,
		ratings:     ratings,
		roles:       roleClient,
		registry:    registry,
		logger:      slog.Default(),
		callTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) call(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.callTimeout)
}

// Reconcile refreshes the member's ratings and grants or revokes band roles
// so that the member holds exactly the bands their ratings fall in. Nothing
// is mutated on the chat platform unless the new ratings were persisted.
func (e *Engine) Reconcile(ctx context.Context, community, member uint64) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "Reconcile.Member", trace.WithAttributes(
		attribute.Int64("community.id", int64(community)),
		attribute.Int64("member.id", int64(member)),
	))
	defer span.End()

	outcome, err := e.reconcile(ctx, community, member)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.Reconciled("error")
	default:
		e.metrics.Reconciled(string(outcome.Status))
	}
	return outcome, err
}

func (e *Engine) reconcile(ctx context.Context, community, member uint64) (Outcome, error) {
	log := e.logger.With(slog.Uint64("community_id", community), slog.Uint64("member_id", member))

	record, err := e.loadMember(ctx, community, member)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug("member not linked")
		return Outcome{Status: NotLinked}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: load member: %w", ErrPersist, err)
	}
	old := record.Ratings.Clone()

	fetchCtx, cancel := e.call(ctx)
	current, err := e.ratings.FetchRatings(fetchCtx, record.Username)
	cancel()
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrFetchRatings, err)
	}

	held, err := e.memberRoles(ctx, community, member)
	if err != nil {
		return Outcome{}, err
	}

	record.Ratings = current
	saveCtx, cancel := e.call(ctx)
	err = e.members.SaveMember(saveCtx, record)
	cancel()
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrPersist, err)
	}

	target := e.registry.Matching(community, current)
	removable := e.registry.Complement(community, target)
	toAdd := target.Minus(held)
	toRemove := removable.Intersect(held)

	outcome := Outcome{
		Status:   Synced,
		Username: record.Username,
		Changes:  rating.Compare(old, current),
	}
	e.apply(ctx, log, community, member, toAdd, toRemove, &outcome)

	log.Info("member reconciled",
		slog.String("lichess_username", record.Username),
		slog.Int("added", len(outcome.Added)),
		slog.Int("removed", len(outcome.Removed)),
		slog.Int("failed", len(outcome.Failed)),
	)
	return outcome, nil
}

// Unlink deletes the member's link and revokes every band role they hold.
// The link is removed first; role revocation is best effort.
func (e *Engine) Unlink(ctx context.Context, community, member uint64) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "Reconcile.Unlink")
	defer span.End()
	log := e.logger.With(slog.Uint64("community_id", community), slog.Uint64("member_id", member))

	record, err := e.loadMember(ctx, community, member)
	if errors.Is(err, store.ErrNotFound) {
		return Outcome{Status: NotLinked}, nil
	}
	if err != nil {
		span.RecordError(err)
		return Outcome{}, fmt.Errorf("%w: load member: %w", ErrPersist, err)
	}

	held, err := e.memberRoles(ctx, community, member)
	if err != nil {
		span.RecordError(err)
		return Outcome{}, err
	}

	deleteCtx, cancel := e.call(ctx)
	err = e.members.DeleteMember(deleteCtx, record)
	cancel()
	if err != nil {
		span.RecordError(err)
		return Outcome{}, fmt.Errorf("%w: %w", ErrPersist, err)
	}

	outcome := Outcome{Status: Unlinked, Username: record.Username}
	bands := e.registry.Complement(community, roles.NewSet())
	e.apply(ctx, log, community, member, roles.NewSet(), bands.Intersect(held), &outcome)

	log.Info("member unlinked",
		slog.String("lichess_username", record.Username),
		slog.Int("removed", len(outcome.Removed)),
	)
	return outcome, nil
}

func (e *Engine) loadMember(ctx context.Context, community, member uint64) (*store.Member, error) {
	callCtx, cancel := e.call(ctx)
	defer cancel()
	return e.members.GetMember(callCtx, community, member)
}

func (e *Engine) memberRoles(ctx context.Context, community, member uint64) (roles.Set, error) {
	callCtx, cancel := e.call(ctx)
	defer cancel()
	ids, err := e.roles.MemberRoles(callCtx, community, member)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMemberRoles, err)
	}
	return roles.NewSet(ids...), nil
}

func (e *Engine) apply(ctx context.Context, log *slog.Logger, community, member uint64, toAdd, toRemove roles.Set, outcome *Outcome) {
	for _, role := range toAdd.Sorted() {
		callCtx, cancel := e.call(ctx)
		err := e.roles.AddRole(callCtx, community, member, role)
		cancel()
		e.metrics.RoleMutation("add", err == nil)
		if err != nil {
			log.Warn("grant role failed", slog.Uint64("role_id", role), slog.String("error", err.Error()))
			outcome.Failed = append(outcome.Failed, RoleFailure{Role: role, Op: "add", Err: err})
			continue
		}
		outcome.Added = append(outcome.Added, role)
	}
	for _, role := range toRemove.Sorted() {
		callCtx, cancel := e.call(ctx)
		err := e.roles.RemoveRole(callCtx, community, member, role)
		cancel()
		e.metrics.RoleMutation("remove", err == nil)
		if err != nil {
			log.Warn("revoke role failed", slog.Uint64("role_id", role), slog.String("error", err.Error()))
			outcome.Failed = append(outcome.Failed, RoleFailure{Role: role, Op: "remove", Err: err})
			continue
		}
		outcome.Removed = append(outcome.Removed, role)
	}
}
