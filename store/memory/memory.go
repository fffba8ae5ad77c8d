// Package memory is an in-process store used in tests and single-instance
// deployments. A mutex makes every operation atomic.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/drblury/idemflow/store"
)

var errOffline = errors.New("memory store is offline")

type bucket struct{ entityID, period string }

// Store implements store.Store in memory.
type Store struct {
	mu sync.Mutex

	contributions map[string]store.Contribution
	counters      map[bucket]decimal.Decimal
	markers       map[string]struct{}
	groups        map[string]map[string]struct{}
	offline       bool
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		contributions: make(map[string]store.Contribution),
		counters:      make(map[bucket]decimal.Decimal),
		markers:       make(map[string]struct{}),
		groups:        make(map[string]map[string]struct{}),
	}
}

// SetOffline makes every call fail with store.ErrUnavailable until it is
// switched back. It simulates an unreachable backend.
func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	s.offline = offline
	s.mu.Unlock()
}

func (s *Store) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return store.Unavailable(op, err)
	}
	if s.offline {
		return store.Unavailable(op, errOffline)
	}
	return nil
}

func (s *Store) UpsertContribution(ctx context.Context, c store.Contribution) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "upsert contribution"); err != nil {
		return err
	}
	s.contributions[c.Key] = c
	return nil
}

func (s *Store) Total(ctx context.Context, entityID, period string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "total"); err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, c := range s.contributions {
		if c.EntityID == entityID && c.Period == period {
			total = total.Add(c.Amount)
		}
	}
	return total, nil
}

func (s *Store) IncrementOnce(ctx context.Context, marker, entityID, period string, delta decimal.Decimal) (bool, error) {
	if marker == "" {
		return false, fmt.Errorf("%w: marker is empty", store.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "increment once"); err != nil {
		return false, err
	}
	if _, seen := s.markers[marker]; seen {
		return false, nil
	}
	s.markers[marker] = struct{}{}
	b := bucket{entityID, period}
	s.counters[b] = s.counters[b].Add(delta)
	return true, nil
}

func (s *Store) Counter(ctx context.Context, entityID, period string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "counter"); err != nil {
		return decimal.Zero, err
	}
	return s.counters[bucket{entityID, period}], nil
}

func (s *Store) CreateGroup(ctx context.Context, groupID string) error {
	if groupID == "" {
		return fmt.Errorf("%w: group id is empty", store.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "create group"); err != nil {
		return err
	}
	if _, ok := s.groups[groupID]; !ok {
		s.groups[groupID] = make(map[string]struct{})
	}
	return nil
}

func (s *Store) GroupExists(ctx context.Context, groupID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "group exists"); err != nil {
		return false, err
	}
	_, ok := s.groups[groupID]
	return ok, nil
}

func (s *Store) AddMember(ctx context.Context, groupID, memberID string) (bool, error) {
	if memberID == "" {
		return false, fmt.Errorf("%w: member id is empty", store.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "add member"); err != nil {
		return false, err
	}
	members, ok := s.groups[groupID]
	if !ok {
		return false, store.ErrGroupNotFound
	}
	if _, exists := members[memberID]; exists {
		return false, nil
	}
	members[memberID] = struct{}{}
	return true, nil
}

func (s *Store) IsMember(ctx context.Context, groupID, memberID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "is member"); err != nil {
		return false, err
	}
	_, ok := s.groups[groupID][memberID]
	return ok, nil
}

func (s *Store) Members(ctx context.Context, groupID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "members"); err != nil {
		return nil, err
	}
	members, ok := s.groups[groupID]
	if !ok {
		return nil, store.ErrGroupNotFound
	}
	out := make([]string, 0, len(members))
	for m := range members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check(ctx, "ping")
}

func (s *Store) Close() error { return nil }
