package escrow

import (
	"sync"
	"time"
)

const defaultSessionTTL = time.Hour

// Store keeps sessions in memory, keyed by session id, with a per-session
// lock so concurrent requests against the same ceremony are serialized while
// unrelated sessions proceed independently. Expired sessions are pruned
// lazily on access; the engine refreshes the expiry on every successful
// mutation.
type Store struct {
	ttl   time.Duration
	nowFn func() time.Time

	mu      sync.Mutex
	entries map[string]*sessionEntry
}

type sessionEntry struct {
	mu      sync.Mutex
	session *Session
}

// NewStore builds a store with the given session TTL (defaulted when
// non-positive).
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &Store{
		ttl:     ttl,
		nowFn:   time.Now,
		entries: make(map[string]*sessionEntry),
	}
}

// SetNowFunc overrides the time source. Intended for tests.
func (s *Store) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.nowFn = now
}

// TTL exposes the configured session lifetime.
func (s *Store) TTL() time.Duration { return s.ttl }

func (s *Store) now() time.Time { return s.nowFn() }

// Insert registers a new session. Timestamps and expiry are stamped here so
// every session enters the store with a consistent lifecycle.
func (s *Store) Insert(session *Session) {
	now := s.now()
	session.CreatedAtMs = now.UnixMilli()
	session.UpdatedAtMs = session.CreatedAtMs
	session.ExpiresAtMs = now.Add(s.ttl).UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(now)
	s.entries[session.ID] = &sessionEntry{session: session}
}

// With runs fn against the live session under its per-session lock. The lock
// is held for the full duration of fn, including any wallet RPC the engine
// performs inside it, so read-then-write phase logic cannot interleave.
// Returns ErrSessionNotFound for unknown or expired ids.
func (s *Store) With(id string, fn func(*Session) error) error {
	s.mu.Lock()
	s.pruneLocked(s.now())
	entry, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.session.ExpiresAtMs <= s.now().UnixMilli() {
		return ErrSessionNotFound
	}
	return fn(entry.session)
}

// Touch refreshes the session's update and expiry timestamps. Called by the
// engine as part of every successful mutation; callers must already hold the
// session via With.
func (s *Store) Touch(session *Session) {
	now := s.now()
	session.UpdatedAtMs = now.UnixMilli()
	session.ExpiresAtMs = now.Add(s.ttl).UnixMilli()
}

// Len reports the number of live sessions, pruning expired ones first.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.now())
	return len(s.entries)
}

func (s *Store) pruneLocked(now time.Time) {
	cutoff := now.UnixMilli()
	for id, entry := range s.entries {
		if entry.session.ExpiresAtMs <= cutoff {
			delete(s.entries, id)
		}
	}
}
