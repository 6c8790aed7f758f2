// Package roles keeps, per community, which role owns which rating band.
package roles

import (
	"sort"
	"sync"

	"github.com/teotwaki/liro/internal/rating"
)

const shardCount = 32

// Set is a set of role ids.
type Set map[uint64]struct{}

func NewSet(ids ...uint64) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s Set) Has(id uint64) bool {
	_, ok := s[id]
	return ok
}

// Minus returns the ids of s that are not in other.
func (s Set) Minus(other Set) Set {
	out := make(Set)
	for id := range s {
		if !other.Has(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

func (s Set) Intersect(other Set) Set {
	out := make(Set)
	for id := range s {
		if other.Has(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// Sorted returns the ids in ascending order.
func (s Set) Sorted() []uint64 {
	ids := make([]uint64, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type shard struct {
	mu          sync.RWMutex
	communities map[uint64]map[uint64]rating.Range
}

// Registry maps community id to the rating bands declared by its roles.
// Communities are spread over a fixed number of shards so that readers of
// one community never wait on writers of another shard.
type Registry struct {
	shards [shardCount]*shard
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{communities: make(map[uint64]map[uint64]rating.Range)}
	}
	return r
}

func (r *Registry) shard(community uint64) *shard {
	return r.shards[community%shardCount]
}

// RegisterCommunity creates an empty sub-registry, discarding any previous
// entries for the community.
func (r *Registry) RegisterCommunity(community uint64) {
	s := r.shard(community)
	s.mu.Lock()
	s.communities[community] = make(map[uint64]rating.Range)
	s.mu.Unlock()
}

func (r *Registry) RemoveCommunity(community uint64) {
	s := r.shard(community)
	s.mu.Lock()
	delete(s.communities, community)
	s.mu.Unlock()
}

func (r *Registry) HasCommunity(community uint64) bool {
	s := r.shard(community)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.communities[community]
	return ok
}

// AddRange records that role owns rng. Unknown communities are ignored.
func (r *Registry) AddRange(community, role uint64, rng rating.Range) {
	s := r.shard(community)
	s.mu.Lock()
	defer s.mu.Unlock()
	ranges, ok := s.communities[community]
	if !ok {
		return
	}
	ranges[role] = rng
}

// SetLabel applies a role's current label: a band label is inserted, any
// other label removes the role. It reports whether the role is now tracked.
func (r *Registry) SetLabel(community, role uint64, label string) bool {
	rng, ok := rating.ParseLabel(label)
	if !ok {
		r.RemoveRole(community, role)
		return false
	}
	if !r.HasCommunity(community) {
		return false
	}
	r.AddRange(community, role, rng)
	return true
}

func (r *Registry) RemoveRole(community, role uint64) {
	s := r.shard(community)
	s.mu.Lock()
	defer s.mu.Unlock()
	if ranges, ok := s.communities[community]; ok {
		delete(ranges, role)
	}
}

// Matching returns every role whose band contains the rating of its
// category. Overlapping bands all match.
func (r *Registry) Matching(community uint64, ratings rating.Ratings) Set {
	s := r.shard(community)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(Set)
	for role, rng := range s.communities[community] {
		value, rated := ratings[rng.Category]
		if rated && rng.Contains(rng.Category, value) {
			out[role] = struct{}{}
		}
	}
	return out
}

// Complement returns every registered role of the community not in ids.
func (r *Registry) Complement(community uint64, ids Set) Set {
	s := r.shard(community)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(Set)
	for role := range s.communities[community] {
		if !ids.Has(role) {
			out[role] = struct{}{}
		}
	}
	return out
}

func (r *Registry) Range(community, role uint64) (rating.Range, bool) {
	s := r.shard(community)
	s.mu.RLock()
	defer s.mu.RUnlock()
	rng, ok := s.communities[community][role]
	return rng, ok
}

// Roles returns a copy of the community's role bands.
func (r *Registry) Roles(community uint64) map[uint64]rating.Range {
	s := r.shard(community)
	s.mu.RLock()
	defer s.mu.RUnlock()
	ranges := s.communities[community]
	out := make(map[uint64]rating.Range, len(ranges))
	for role, rng := range ranges {
		out[role] = rng
	}
	return out
}
