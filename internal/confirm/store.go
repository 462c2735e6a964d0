package confirm

import (
	"sort"
	"sync"
	"time"
)

// Status is the lifecycle state of a token.
type Status int

const (
	StatusPending Status = iota
	StatusConsumed
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConsumed:
		return "consumed"
	case StatusExpired:
		return "expired"
	}
	return "unknown"
}

// Token is a pending confirmation. Only the store mutates it.
type Token struct {
	ID          string
	Action      string
	Description string
	Command     Command
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Status      Status
}

// expired reports whether now is strictly past the deadline; a token is
// still redeemable at exactly ExpiresAt.
func (t *Token) expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Store is the in-memory set of pending tokens. Every method runs under a
// single mutex so the check-mark-remove in Take is atomic with respect to
// concurrent redemptions.
type Store struct {
	mu     sync.Mutex
	tokens map[string]*Token
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{tokens: make(map[string]*Token)}
}

// Insert adds a pending token. maxPending <= 0 means unlimited.
func (s *Store) Insert(t *Token, maxPending int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[t.ID]; exists {
		return errDuplicateID
	}
	if maxPending > 0 && len(s.tokens) >= maxPending {
		return ErrTooManyPending
	}
	t.Status = StatusPending
	s.tokens[t.ID] = t
	return nil
}

// Take atomically claims a pending token for execution. Exactly one caller
// can take a given id; every later caller sees ErrTokenNotFound. An
// expired token is removed and reported as ErrTokenExpired.
func (s *Store) Take(id string, now time.Time) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[id]
	if !ok || t.Status != StatusPending {
		return nil, ErrTokenNotFound
	}
	delete(s.tokens, id)
	if t.expired(now) {
		return t, ErrTokenExpired
	}
	t.Status = StatusConsumed
	return t, nil
}

// Sweep removes every token whose deadline has passed and returns them.
func (s *Store) Sweep(now time.Time) []*Token {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []*Token
	for id, t := range s.tokens {
		if t.expired(now) {
			t.Status = StatusExpired
			removed = append(removed, t)
			delete(s.tokens, id)
		}
	}
	return removed
}

// Len returns the number of pending tokens, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

// Pending returns copies of the pending tokens ordered by expiry.
func (s *Store) Pending() []Token {
	s.mu.Lock()
	out := make([]Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		out = append(out, *t)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}
