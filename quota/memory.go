// Package quota provides an in-memory Store for quotaledger.
//
// Transactions are serialized by a single store-wide lock and applied on
// commit, which gives the same all-or-nothing behaviour as the database
// stores. State is lost on restart; use it for tests and single-process
// development.
package quota

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ineyio/quotaledger"
)

// MemoryStore is an in-memory quotaledger.Store.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

type memState struct {
	pools       map[int64]quotaledger.Pool
	entries     []quotaledger.Entry
	auths       map[string]quotaledger.Authorization // by call token
	nextPoolID  int64
	nextEntryID int64
}

var _ quotaledger.Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			pools: make(map[int64]quotaledger.Pool),
			auths: make(map[string]quotaledger.Authorization),
		},
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		pools:       make(map[int64]quotaledger.Pool, len(s.pools)),
		entries:     s.entries[:len(s.entries):len(s.entries)],
		auths:       make(map[string]quotaledger.Authorization, len(s.auths)),
		nextPoolID:  s.nextPoolID,
		nextEntryID: s.nextEntryID,
	}
	for id, p := range s.pools {
		c.pools[id] = p
	}
	for token, a := range s.auths {
		c.auths[token] = a
	}
	return c
}

// WithTx runs fn against a private copy of the state and publishes the copy
// only if fn succeeds.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx quotaledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.state.clone()
	if err := fn(&memTx{state: staged}); err != nil {
		return err
	}
	s.state = staged
	return nil
}

// UpsertPool creates or updates the attributes of a pool.
func (s *MemoryStore) UpsertPool(_ context.Context, pool quotaledger.Pool) (quotaledger.Pool, error) {
	if err := pool.ValidateKey(); err != nil {
		return quotaledger.Pool{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for id, p := range s.state.pools {
		if p.UserID == pool.UserID && samePackage(p.PackageID, pool.PackageID) {
			p.Priority = pool.Priority
			p.ExpiresAt = pool.ExpiresAt
			p.Models = append([]string(nil), pool.Models...)
			p.UpdatedAt = now
			s.state.pools[id] = p
			return p, nil
		}
	}

	s.state.nextPoolID++
	created := quotaledger.Pool{
		ID:        s.state.nextPoolID,
		UserID:    pool.UserID,
		PackageID: pool.PackageID,
		Priority:  pool.Priority,
		ExpiresAt: pool.ExpiresAt,
		Models:    append([]string(nil), pool.Models...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.state.pools[created.ID] = created
	return created, nil
}

// Pools returns every pool of a user ordered by id.
func (s *MemoryStore) Pools(_ context.Context, userID string) ([]quotaledger.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.userPools(userID), nil
}

// Entries returns ledger entries matching the filter, oldest first.
func (s *MemoryStore) Entries(_ context.Context, f quotaledger.EntryFilter) ([]quotaledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []quotaledger.Entry
	for _, e := range s.state.entries {
		if !matchEntry(e, f) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// Authorization returns the authorization holding callToken.
func (s *MemoryStore) Authorization(_ context.Context, callToken string) (quotaledger.Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.state.auths[callToken]
	if !ok {
		return quotaledger.Authorization{}, fmt.Errorf("%w: authorization", quotaledger.ErrNotFound)
	}
	return a, nil
}

// ExpiredAuthorizations returns active authorizations past their deadline
// that sort after the cursor, soonest deadline first.
func (s *MemoryStore) ExpiredAuthorizations(_ context.Context, now time.Time, after quotaledger.ExpiryCursor, limit int) ([]quotaledger.ExpiryCursor, error) {
	s.mu.RLock()
	var expired []quotaledger.ExpiryCursor
	for _, a := range s.state.auths {
		if a.Status != quotaledger.StatusActive || !a.ExpiresAt.Before(now) {
			continue
		}
		c := quotaledger.ExpiryCursor{ExpiresAt: a.ExpiresAt, CallToken: a.CallToken}
		if after.IsZero() || after.Before(c) {
			expired = append(expired, c)
		}
	}
	s.mu.RUnlock()

	sort.Slice(expired, func(i, j int) bool {
		return expired[i].Before(expired[j])
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (s *memState) userPools(userID string) []quotaledger.Pool {
	var out []quotaledger.Pool
	for _, p := range s.pools {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// memTx is a transaction over a staged copy of the state. The store lock is
// held for its whole lifetime.
type memTx struct {
	state *memState
}

func (t *memTx) LockUserPools(_ context.Context, userID string) ([]quotaledger.Pool, error) {
	return t.state.userPools(userID), nil
}

func (t *memTx) UpdatePool(_ context.Context, pool quotaledger.Pool) error {
	if _, ok := t.state.pools[pool.ID]; !ok {
		return fmt.Errorf("%w: pool %d", quotaledger.ErrNotFound, pool.ID)
	}
	if pool.Available.IsNegative() || pool.Frozen.IsNegative() || pool.Used.IsNegative() {
		return fmt.Errorf("%w: pool %d balance would go negative", quotaledger.ErrInvariantViolation, pool.ID)
	}
	t.state.pools[pool.ID] = pool
	return nil
}

func (t *memTx) AppendEntry(_ context.Context, entry quotaledger.Entry) (quotaledger.Entry, error) {
	t.state.nextEntryID++
	entry.ID = t.state.nextEntryID
	t.state.entries = append(t.state.entries, entry)
	return entry, nil
}

func (t *memTx) EntryByOrderID(_ context.Context, orderID string) (quotaledger.Entry, error) {
	for _, e := range t.state.entries {
		if e.Type == quotaledger.EntryIncrease && e.OrderID != nil && *e.OrderID == orderID {
			return e, nil
		}
	}
	return quotaledger.Entry{}, fmt.Errorf("%w: entry for order %s", quotaledger.ErrNotFound, orderID)
}

func (t *memTx) InsertAuthorization(_ context.Context, auth quotaledger.Authorization) error {
	if _, ok := t.state.auths[auth.CallToken]; ok {
		return fmt.Errorf("%w: call token collision", quotaledger.ErrInvariantViolation)
	}
	t.state.auths[auth.CallToken] = auth
	return nil
}

func (t *memTx) LockAuthorization(_ context.Context, callToken string) (quotaledger.Authorization, error) {
	a, ok := t.state.auths[callToken]
	if !ok {
		return quotaledger.Authorization{}, fmt.Errorf("%w: authorization", quotaledger.ErrNotFound)
	}
	return a, nil
}

func (t *memTx) AuthorizationByRequestID(_ context.Context, requestID string) (quotaledger.Authorization, error) {
	for _, a := range t.state.auths {
		if a.RequestID != nil && *a.RequestID == requestID {
			return a, nil
		}
	}
	return quotaledger.Authorization{}, fmt.Errorf("%w: authorization for request %s", quotaledger.ErrNotFound, requestID)
}

func (t *memTx) FinalizeAuthorization(_ context.Context, auth quotaledger.Authorization) error {
	current, ok := t.state.auths[auth.CallToken]
	if !ok {
		return fmt.Errorf("%w: authorization", quotaledger.ErrNotFound)
	}
	// Compare-and-swap on the active status.
	if current.Status != quotaledger.StatusActive {
		return fmt.Errorf("%w: authorization is %s", quotaledger.ErrNotActive, current.Status)
	}
	t.state.auths[auth.CallToken] = auth
	return nil
}

func matchEntry(e quotaledger.Entry, f quotaledger.EntryFilter) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.RequestID != "" && (e.RequestID == nil || *e.RequestID != f.RequestID) {
		return false
	}
	if f.AuthorizationID != "" && (e.AuthorizationID == nil || *e.AuthorizationID != f.AuthorizationID) {
		return false
	}
	if f.OrderID != "" && (e.OrderID == nil || *e.OrderID != f.OrderID) {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	return true
}

func samePackage(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
