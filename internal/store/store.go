// Package store persists communities, member links and challenges as JSON
// documents in a kv.Store.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/teotwaki/liro/internal/kv"
)

var (
	ErrNotFound = kv.ErrNotFound
	// ErrStale means the member record changed since it was loaded.
	ErrStale         = errors.New("member record was modified concurrently")
	ErrUsernameTaken = errors.New("lichess account is linked to another member")
	ErrAlreadyLinked = errors.New("member is already linked")
)

type Store struct {
	kv  kv.Store
	now func() time.Time
}

func New(backend kv.Store) *Store {
	return &Store{kv: backend, now: time.Now}
}

func communityKey(id uint64) string {
	return "community:" + strconv.FormatUint(id, 10)
}

func memberKey(community, member uint64) string {
	return communityKey(community) + ":member:" + strconv.FormatUint(member, 10)
}

func usernameKey(community uint64, username string) string {
	return communityKey(community) + ":username:" + strings.ToLower(username)
}

func challengeKey(id uint64) string {
	return "challenge:" + strconv.FormatUint(id, 10)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.kv.Ping(ctx)
}

func (s *Store) SaveCommunity(ctx context.Context, community Community) error {
	data, err := json.Marshal(community)
	if err != nil {
		return fmt.Errorf("marshal community: %w", err)
	}
	if err := s.kv.Set(ctx, communityKey(community.ID), data); err != nil {
		return fmt.Errorf("save community %d: %w", community.ID, err)
	}
	return nil
}

func (s *Store) GetCommunity(ctx context.Context, id uint64) (Community, error) {
	var community Community
	data, err := s.kv.Get(ctx, communityKey(id))
	if err != nil {
		return community, err
	}
	if err := json.Unmarshal(data, &community); err != nil {
		return community, fmt.Errorf("unmarshal community %d: %w", id, err)
	}
	return community, nil
}

// DeleteCommunity removes the community record. Member links are kept so a
// community that re-adds the bot does not have to link again.
func (s *Store) DeleteCommunity(ctx context.Context, id uint64) error {
	if _, err := s.kv.Delete(ctx, communityKey(id)); err != nil {
		return fmt.Errorf("delete community %d: %w", id, err)
	}
	return nil
}

func (s *Store) GetMember(ctx context.Context, community, member uint64) (*Member, error) {
	data, err := s.kv.Get(ctx, memberKey(community, member))
	if err != nil {
		return nil, err
	}
	var m Member
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal member %d/%d: %w", community, member, err)
	}
	m.raw = data
	return &m, nil
}

// CreateMember stores a new link. The lichess username is claimed first so
// that two members can never hold the same account within a community.
func (s *Store) CreateMember(ctx context.Context, m *Member) error {
	owner := []byte(strconv.FormatUint(m.MemberID, 10))
	indexKey := usernameKey(m.CommunityID, m.Username)

	claimed := true
	if err := s.kv.CompareAndSwap(ctx, indexKey, nil, owner); err != nil {
		if !errors.Is(err, kv.ErrConflict) {
			return fmt.Errorf("claim username: %w", err)
		}
		current, err := s.kv.Get(ctx, indexKey)
		switch {
		case errors.Is(err, kv.ErrNotFound):
			return ErrStale
		case err != nil:
			return fmt.Errorf("read username claim: %w", err)
		case string(current) != string(owner):
			return ErrUsernameTaken
		}
		claimed = false
	}

	now := s.now().UTC()
	record := *m
	record.Version = 1
	record.LinkedAt = now
	record.UpdatedAt = now
	data, err := json.Marshal(record)
	if err != nil {
		s.release(ctx, indexKey, owner, claimed)
		return fmt.Errorf("marshal member: %w", err)
	}

	if err := s.kv.CompareAndSwap(ctx, memberKey(m.CommunityID, m.MemberID), nil, data); err != nil {
		s.release(ctx, indexKey, owner, claimed)
		if errors.Is(err, kv.ErrConflict) {
			return ErrAlreadyLinked
		}
		return fmt.Errorf("create member: %w", err)
	}

	*m = record
	m.raw = data
	return nil
}

func (s *Store) release(ctx context.Context, indexKey string, owner []byte, claimed bool) {
	if claimed {
		_ = s.kv.CompareAndSwap(ctx, indexKey, owner, nil)
	}
}

// SaveMember writes m back if nobody else changed it since it was loaded,
// bumping its version.
func (s *Store) SaveMember(ctx context.Context, m *Member) error {
	if m.raw == nil {
		return fmt.Errorf("save member %d/%d: record was not loaded", m.CommunityID, m.MemberID)
	}
	record := *m
	record.Version = m.Version + 1
	record.UpdatedAt = s.now().UTC()
	record.raw = nil
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal member: %w", err)
	}

	if err := s.kv.CompareAndSwap(ctx, memberKey(m.CommunityID, m.MemberID), m.raw, data); err != nil {
		if errors.Is(err, kv.ErrConflict) {
			return ErrStale
		}
		return fmt.Errorf("save member %d/%d: %w", m.CommunityID, m.MemberID, err)
	}
	*m = record
	m.raw = data
	return nil
}

// DeleteMember removes the link and frees its username.
func (s *Store) DeleteMember(ctx context.Context, m *Member) error {
	if err := s.kv.CompareAndSwap(ctx, memberKey(m.CommunityID, m.MemberID), m.raw, nil); err != nil {
		if errors.Is(err, kv.ErrConflict) {
			return ErrStale
		}
		return fmt.Errorf("delete member %d/%d: %w", m.CommunityID, m.MemberID, err)
	}
	owner := []byte(strconv.FormatUint(m.MemberID, 10))
	if err := s.kv.CompareAndSwap(ctx, usernameKey(m.CommunityID, m.Username), owner, nil); err != nil && !errors.Is(err, kv.ErrConflict) {
		return fmt.Errorf("release username: %w", err)
	}
	return nil
}

func (s *Store) FindMemberByUsername(ctx context.Context, community uint64, username string) (*Member, error) {
	owner, err := s.kv.Get(ctx, usernameKey(community, username))
	if err != nil {
		return nil, err
	}
	member, err := strconv.ParseUint(string(owner), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse username owner: %w", err)
	}
	return s.GetMember(ctx, community, member)
}

func (s *Store) SaveChallenge(ctx context.Context, ch Challenge, ttl time.Duration) error {
	data, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("marshal challenge: %w", err)
	}
	if err := s.kv.SetWithTTL(ctx, challengeKey(ch.ID), data, ttl); err != nil {
		return fmt.Errorf("save challenge: %w", err)
	}
	return nil
}

func (s *Store) GetChallenge(ctx context.Context, id uint64) (*Challenge, error) {
	data, err := s.kv.Get(ctx, challengeKey(id))
	if err != nil {
		return nil, err
	}
	return decodeChallenge(data)
}

// TakeChallenge consumes the challenge; only one caller ever gets it.
func (s *Store) TakeChallenge(ctx context.Context, id uint64) (*Challenge, error) {
	data, err := s.kv.Take(ctx, challengeKey(id))
	if err != nil {
		return nil, err
	}
	return decodeChallenge(data)
}

func decodeChallenge(data []byte) (*Challenge, error) {
	var ch Challenge
	if err := json.Unmarshal(data, &ch); err != nil {
		return nil, fmt.Errorf("unmarshal challenge: %w", err)
	}
	return &ch, nil
}

// Stats counts stored records by key layout.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	keys, err := s.kv.Keys(ctx, "community:")
	if err != nil {
		return stats, err
	}
	unique := make(map[string]struct{})
	for _, key := range keys {
		parts := strings.Split(key, ":")
		switch {
		case len(parts) == 2:
			stats.Communities++
		case len(parts) == 4 && parts[2] == "member":
			stats.Members++
			unique[parts[3]] = struct{}{}
		}
	}
	stats.UniqueMembers = len(unique)

	challenges, err := s.kv.Keys(ctx, "challenge:")
	if err != nil {
		return stats, err
	}
	stats.Challenges = len(challenges)
	return stats, nil
}
