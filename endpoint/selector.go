// Package endpoint selects an optimization service base URL from a pool.
package endpoint

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/justapithecus/promptopt/types"
)

// Selector manages endpoint selection from a single pool.
// Thread-safe for concurrent access (batch runs share one selector).
type Selector struct {
	mu        sync.Mutex
	pool      *types.EndpointPool
	rrIndex   int64
	stickyMap map[string]*stickyEntry
	demoted   map[int]time.Time // endpoint index -> demoted until
	now       func() time.Time
}

// stickyEntry holds a sticky assignment with optional TTL.
type stickyEntry struct {
	endpointIdx int
	expiresAt   *time.Time
}

// NewSelector validates the pool and creates a selector for it.
func NewSelector(pool *types.EndpointPool) (*Selector, error) {
	if err := pool.Validate(); err != nil {
		return nil, fmt.Errorf("pool validation failed: %w", err)
	}
	return &Selector{
		pool:      pool,
		stickyMap: make(map[string]*stickyEntry),
		demoted:   make(map[int]time.Time),
		now:       time.Now,
	}, nil
}

// Single returns a selector over one base URL with round-robin strategy.
func Single(baseURL string) (*Selector, error) {
	return NewSelector(&types.EndpointPool{
		Strategy:  types.EndpointStrategyRoundRobin,
		Endpoints: []types.ServiceEndpoint{{URL: baseURL}},
	})
}

// SelectRequest contains parameters for endpoint selection.
type SelectRequest struct {
	// StickyKey is the key for sticky selection.
	// Required when the pool strategy is sticky.
	StickyKey string
	// Commit determines whether to advance rotation counters.
	// When false, returns what would be selected without mutating state.
	Commit bool
}

// StickyKeyFor derives a stable sticky key from a prompt.
func StickyKeyFor(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:8])
}

// Select returns the base URL of the selected endpoint.
func (s *Selector) Select(req SelectRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var idx int
	var err error

	switch s.pool.Strategy {
	case types.EndpointStrategyRoundRobin:
		idx = s.selectRoundRobin(req.Commit)
	case types.EndpointStrategyRandom:
		idx, err = s.selectRandom()
	case types.EndpointStrategySticky:
		idx, err = s.selectSticky(req)
	default:
		err = fmt.Errorf("unknown strategy %q", s.pool.Strategy)
	}
	if err != nil {
		return "", err
	}

	return s.pool.Endpoints[idx].URL, nil
}

// RecordFailure demotes the endpoint with the given URL for the pool's
// cooldown. Sticky assignments to it are dropped.
func (s *Selector) RecordFailure(baseURL string) {
	if s.pool.CooldownMs <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	until := s.now().Add(time.Duration(s.pool.CooldownMs) * time.Millisecond)
	for i, ep := range s.pool.Endpoints {
		if ep.URL != baseURL {
			continue
		}
		s.demoted[i] = until
		for key, entry := range s.stickyMap {
			if entry.endpointIdx == i {
				delete(s.stickyMap, key)
			}
		}
	}
}

// available returns the indexes not currently demoted.
// When every endpoint is demoted, all of them are returned.
func (s *Selector) available() []int {
	now := s.now()
	out := make([]int, 0, len(s.pool.Endpoints))
	for i := range s.pool.Endpoints {
		if until, ok := s.demoted[i]; ok {
			if now.Before(until) {
				continue
			}
			delete(s.demoted, i)
		}
		out = append(out, i)
	}
	if len(out) == 0 {
		for i := range s.pool.Endpoints {
			out = append(out, i)
		}
	}
	return out
}

// selectRoundRobin selects using round-robin over available endpoints.
// Increments counter only when commit is true.
func (s *Selector) selectRoundRobin(commit bool) int {
	avail := s.available()
	idx := avail[int(s.rrIndex%int64(len(avail)))]
	if commit {
		s.rrIndex++
	}
	return idx
}

// selectRandom selects uniformly at random among available endpoints.
func (s *Selector) selectRandom() (int, error) {
	avail := s.available()
	if len(avail) == 1 {
		return avail[0], nil
	}

	bigIdx, err := rand.Int(rand.Reader, big.NewInt(int64(len(avail))))
	if err != nil {
		return 0, fmt.Errorf("random selection failed: %w", err)
	}

	return avail[int(bigIdx.Int64())], nil
}

// selectSticky selects using sticky assignment.
// Stores new assignment only when commit is true.
func (s *Selector) selectSticky(req SelectRequest) (int, error) {
	if req.StickyKey == "" {
		return 0, errors.New("sticky selection requires a sticky key")
	}

	now := s.now()

	if entry, ok := s.stickyMap[req.StickyKey]; ok {
		if entry.expiresAt == nil || entry.expiresAt.After(now) {
			return entry.endpointIdx, nil
		}
		delete(s.stickyMap, req.StickyKey)
	}

	idx, err := s.selectRandom()
	if err != nil {
		return 0, err
	}

	if req.Commit {
		entry := &stickyEntry{endpointIdx: idx}
		if s.pool.StickyTTLMs != nil {
			expiresAt := now.Add(time.Duration(*s.pool.StickyTTLMs) * time.Millisecond)
			entry.expiresAt = &expiresAt
		}
		s.stickyMap[req.StickyKey] = entry
	}

	return idx, nil
}

// Stats holds selector counters.
type Stats struct {
	RoundRobinIndex int64
	StickyEntries   int
	Demoted         int
}

// Stats returns selector counters.
func (s *Selector) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	demoted := 0
	now := s.now()
	for _, until := range s.demoted {
		if now.Before(until) {
			demoted++
		}
	}

	return Stats{
		RoundRobinIndex: s.rrIndex,
		StickyEntries:   len(s.stickyMap),
		Demoted:         demoted,
	}
}

// CleanExpiredSticky removes expired sticky entries.
func (s *Selector) CleanExpiredSticky() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, entry := range s.stickyMap {
		if entry.expiresAt != nil && entry.expiresAt.Before(now) {
			delete(s.stickyMap, key)
		}
	}
}
