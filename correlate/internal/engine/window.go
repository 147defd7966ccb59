package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/telhawk-systems/chainhawk/correlate/internal/models"
)

// StateKey addresses one entity-pattern window.
type StateKey struct {
	Entity    EntityKey
	PatternID string
}

// EntityPatternState holds the phase occurrences of one entity for one pattern.
// Occurrence lists are kept in arrival order.
type EntityPatternState struct {
	Key       StateKey
	Phases    map[string][]models.PhaseOccurrence
	CreatedAt time.Time
	UpdatedAt time.Time
}

func newState(key StateKey, now time.Time) *EntityPatternState {
	return &EntityPatternState{
		Key:       key,
		Phases:    make(map[string][]models.PhaseOccurrence),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Empty reports whether no phase has a surviving occurrence.
func (s *EntityPatternState) Empty() bool {
	for _, occ := range s.Phases {
		if len(occ) > 0 {
			return false
		}
	}
	return true
}

// ActivePhases returns the names of phases with at least one occurrence, sorted.
func (s *EntityPatternState) ActivePhases() []string {
	names := make([]string, 0, len(s.Phases))
	for name, occ := range s.Phases {
		if len(occ) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// OccurrenceCount returns the total number of stored occurrences.
func (s *EntityPatternState) OccurrenceCount() int {
	n := 0
	for _, occ := range s.Phases {
		n += len(occ)
	}
	return n
}

// Newest returns the latest MatchedAt of any occurrence, or the zero time.
func (s *EntityPatternState) Newest() time.Time {
	var newest time.Time
	for _, occ := range s.Phases {
		for _, o := range occ {
			if o.MatchedAt.After(newest) {
				newest = o.MatchedAt
			}
		}
	}
	return newest
}

func (s *EntityPatternState) clone() *EntityPatternState {
	c := &EntityPatternState{
		Key:       s.Key,
		Phases:    make(map[string][]models.PhaseOccurrence, len(s.Phases)),
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
	for name, occ := range s.Phases {
		c.Phases[name] = append([]models.PhaseOccurrence(nil), occ...)
	}
	return c
}

type entry struct {
	mu      sync.Mutex
	state   *EntityPatternState
	touched time.Time
	dead    bool // removed from the store; holders must re-acquire
}

// Store keeps entity-pattern windows with per-key mutual exclusion.
// Lock order is entry.mu then Store.mu.
type Store struct {
	mu      sync.Mutex
	entries map[StateKey]*entry
	now     func() time.Time
}

// NewStore creates an empty Store. now stamps idle tracking; nil means time.Now.
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		entries: make(map[StateKey]*entry),
		now:     now,
	}
}

// Tx is exclusive access to one key inside Transact.
type Tx struct {
	store *Store
	key   StateKey
	e     *entry
}

// Key returns the key the transaction holds.
func (tx *Tx) Key() StateKey {
	return tx.key
}

// Record appends occ to its phase list.
func (tx *Tx) Record(occ models.PhaseOccurrence) {
	now := tx.store.now()
	if tx.e.state == nil {
		tx.e.state = newState(tx.key, now)
	}
	tx.e.state.Phases[occ.Phase] = append(tx.e.state.Phases[occ.Phase], occ)
	tx.e.state.UpdatedAt = now
	tx.e.touched = now
}

// Prune drops occurrences older than window relative to now and returns how many were removed.
// An occurrence survives when now - matchedAt <= window.
func (tx *Tx) Prune(window time.Duration, now time.Time) int {
	st := tx.e.state
	if st == nil {
		return 0
	}
	removed := 0
	for name, occ := range st.Phases {
		kept := occ[:0]
		for _, o := range occ {
			if now.Sub(o.MatchedAt) <= window {
				kept = append(kept, o)
			} else {
				removed++
			}
		}
		if len(kept) == 0 {
			delete(st.Phases, name)
		} else {
			st.Phases[name] = kept
		}
	}
	return removed
}

// State returns the live state, or nil. It must not be retained after Transact returns.
func (tx *Tx) State() *EntityPatternState {
	return tx.e.state
}

// Snapshot returns a copy of the state, or nil when empty.
func (tx *Tx) Snapshot() *EntityPatternState {
	if tx.e.state == nil || tx.e.state.Empty() {
		return nil
	}
	return tx.e.state.clone()
}

// Clear drops the whole state for the key.
func (tx *Tx) Clear() {
	tx.e.state = nil
}

// Transact runs fn with exclusive access to key. Records made by other
// goroutines for the same key happen strictly before or after fn.
func (s *Store) Transact(key StateKey, fn func(tx *Tx)) {
	e := s.acquire(key, true)
	defer s.release(key, e)
	fn(&Tx{store: s, key: key, e: e})
}

// acquire returns the locked entry for key, creating it when create is set.
// Returns nil when the key is absent and create is false.
func (s *Store) acquire(key StateKey, create bool) *entry {
	for {
		s.mu.Lock()
		e, ok := s.entries[key]
		if !ok {
			if !create {
				s.mu.Unlock()
				return nil
			}
			e = &entry{}
			s.entries[key] = e
		}
		s.mu.Unlock()

		e.mu.Lock()
		if !e.dead {
			return e
		}
		e.mu.Unlock()
	}
}

// release drops empty states from the map and unlocks e.
func (s *Store) release(key StateKey, e *entry) {
	if e.state == nil || e.state.Empty() {
		e.state = nil
		e.dead = true
		s.mu.Lock()
		if s.entries[key] == e {
			delete(s.entries, key)
		}
		s.mu.Unlock()
	}
	e.mu.Unlock()
}

// Record appends an occurrence outside of a larger transaction.
func (s *Store) Record(key StateKey, occ models.PhaseOccurrence) {
	s.Transact(key, func(tx *Tx) { tx.Record(occ) })
}

// Prune prunes one key outside of a larger transaction.
func (s *Store) Prune(key StateKey, window time.Duration, now time.Time) int {
	e := s.acquire(key, false)
	if e == nil {
		return 0
	}
	defer s.release(key, e)
	return (&Tx{store: s, key: key, e: e}).Prune(window, now)
}

// Snapshot returns a copy of the state for key, or nil.
func (s *Store) Snapshot(key StateKey) *EntityPatternState {
	e := s.acquire(key, false)
	if e == nil {
		return nil
	}
	defer s.release(key, e)
	return (&Tx{store: s, key: key, e: e}).Snapshot()
}

// Clear removes the state for key.
func (s *Store) Clear(key StateKey) {
	e := s.acquire(key, false)
	if e == nil {
		return
	}
	e.state = nil
	s.release(key, e)
}

// Len returns the number of live entity-pattern states.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) keys(match func(StateKey) bool) []StateKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]StateKey, 0, len(s.entries))
	for k := range s.entries {
		if match == nil || match(k) {
			keys = append(keys, k)
		}
	}
	return keys
}

// EntityStates returns copies of every state held for entity, ordered by pattern id.
func (s *Store) EntityStates(entity EntityKey) []*EntityPatternState {
	keys := s.keys(func(k StateKey) bool { return k.Entity == entity })
	sort.Slice(keys, func(i, j int) bool { return keys[i].PatternID < keys[j].PatternID })

	states := make([]*EntityPatternState, 0, len(keys))
	for _, k := range keys {
		if st := s.Snapshot(k); st != nil {
			states = append(states, st)
		}
	}
	return states
}

// ClearEntity removes every state of entity and returns how many were removed.
func (s *Store) ClearEntity(entity EntityKey) int {
	keys := s.keys(func(k StateKey) bool { return k.Entity == entity })
	for _, k := range keys {
		s.Clear(k)
	}
	return len(keys)
}

// ClearAll removes every state and returns how many were removed.
func (s *Store) ClearAll() int {
	keys := s.keys(nil)
	for _, k := range keys {
		s.Clear(k)
	}
	return len(keys)
}

// Sweep evicts states not touched within idle. Keys busy in a transaction are skipped.
func (s *Store) Sweep(idle time.Duration) int {
	cutoff := s.now().Add(-idle)
	evicted := 0

	s.mu.Lock()
	candidates := make(map[StateKey]*entry, len(s.entries))
	for k, e := range s.entries {
		candidates[k] = e
	}
	s.mu.Unlock()

	for k, e := range candidates {
		if !e.mu.TryLock() {
			continue
		}
		if !e.dead && e.state != nil && e.touched.Before(cutoff) {
			e.state = nil
			evicted++
		}
		if e.dead {
			e.mu.Unlock()
			continue
		}
		s.release(k, e)
	}
	return evicted
}
