// Package confirm implements the two-step confirmation gate for destructive
// operations: Issue records a deferred Command under a single-use token and
// Redeem executes it at most once, only before the token expires.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultTTL = 300 * time.Second
	MaxTTL     = 300 * time.Second
)

// EventKind identifies a gate lifecycle event.
type EventKind string

const (
	EventIssued   EventKind = "confirmation_issued"
	EventRedeemed EventKind = "confirmation_redeemed"
	EventFailed   EventKind = "confirmation_failed"
	EventExpired  EventKind = "confirmation_expired"
	EventSwept    EventKind = "confirmation_swept"
	EventNotFound EventKind = "confirmation_not_found"
	EventDenied   EventKind = "confirmation_denied"
)

// Event describes something that happened to a token.
type Event struct {
	Kind        EventKind
	TokenID     string
	Action      string
	Description string
	Detail      string
	Time        time.Time
}

// Observer receives gate events. Implementations must not block.
type Observer interface {
	ObserveConfirmation(Event)
}

// Ticket is what the caller gets back from Issue and relays to the user.
type Ticket struct {
	ID          string    `json:"token"`
	Action      string    `json:"action"`
	Description string    `json:"description"`
	ExpiresAt   time.Time `json:"expires_at"`
	TTL         time.Duration
}

// ExpiresInSeconds is the TTL rounded to whole seconds.
func (t Ticket) ExpiresInSeconds() int {
	return int(t.TTL.Round(time.Second) / time.Second)
}

// Outcome is the result of a successful redemption.
type Outcome struct {
	TokenID string `json:"token"`
	Action  string `json:"action"`
	Result  any    `json:"result"`
}

// Options configures a Gate. Zero values select the defaults.
type Options struct {
	DefaultTTL time.Duration
	MaxTTL     time.Duration
	MaxPending int
	Clock      func() time.Time
	Logger     *slog.Logger
	Observers  []Observer
	NewID      func() string
}

// Gate issues and redeems confirmation tokens.
type Gate struct {
	store *Store

	mu        sync.RWMutex
	executors map[string]Executor

	defaultTTL time.Duration
	maxTTL     time.Duration
	maxPending int
	now        func() time.Time
	newID      func() string
	observers  []Observer
	logger     *slog.Logger
}

// NewGate creates a gate backed by store.
func NewGate(store *Store, opts Options) *Gate {
	g := &Gate{
		store:      store,
		executors:  make(map[string]Executor),
		defaultTTL: opts.DefaultTTL,
		maxTTL:     opts.MaxTTL,
		maxPending: opts.MaxPending,
		now:        opts.Clock,
		newID:      opts.NewID,
		observers:  opts.Observers,
		logger:     opts.Logger,
	}
	if g.defaultTTL <= 0 {
		g.defaultTTL = DefaultTTL
	}
	if g.maxTTL <= 0 {
		g.maxTTL = MaxTTL
	}
	if g.defaultTTL > g.maxTTL {
		g.defaultTTL = g.maxTTL
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.newID == nil {
		g.newID = uuid.NewString
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = g.logger.With("component", "confirm")
	return g
}

// AddObserver registers an additional event observer. It must be called
// before the gate is shared between goroutines.
func (g *Gate) AddObserver(o Observer) {
	g.observers = append(g.observers, o)
}

// Register binds an action tag to the executor that runs it.
func (g *Gate) Register(action string, ex Executor) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.executors[action] = ex
}

// Actions returns the registered action tags.
func (g *Gate) Actions() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.executors))
	for a := range g.executors {
		out = append(out, a)
	}
	return out
}

func (g *Gate) executor(action string) (Executor, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ex, ok := g.executors[action]
	return ex, ok
}

// Issue records a deferred operation and returns its token. ttl <= 0 uses the
// default. Expired tokens are swept first so the pending set stays bounded.
func (g *Gate) Issue(action, description string, params map[string]any, ttl time.Duration) (Ticket, error) {
	if _, ok := g.executor(action); !ok {
		return Ticket{}, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
	if ttl <= 0 {
		ttl = g.defaultTTL
	}
	if ttl > g.maxTTL {
		return Ticket{}, fmt.Errorf("%w: %s > %s", ErrTTLTooLong, ttl, g.maxTTL)
	}

	g.Sweep()

	now := g.now()
	tok := &Token{
		Action:      action,
		Description: description,
		Command:     Command{Action: action, Params: params},
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		tok.ID = g.newID()
		if err = g.store.Insert(tok, g.maxPending); !errors.Is(err, errDuplicateID) {
			break
		}
	}
	if err != nil {
		return Ticket{}, err
	}

	g.logger.Info("confirmation issued", "token", ShortID(tok.ID), "action", action, "ttl", ttl)
	g.emit(Event{Kind: EventIssued, TokenID: tok.ID, Action: action, Description: description, Time: now})

	return Ticket{
		ID:          tok.ID,
		Action:      action,
		Description: description,
		ExpiresAt:   tok.ExpiresAt,
		TTL:         ttl,
	}, nil
}

// Redeem executes the operation behind id if the token is pending and not
// expired. The token is consumed before the operation runs, so concurrent
// callers with the same id see exactly one success.
func (g *Gate) Redeem(ctx context.Context, id string) (Outcome, error) {
	now := g.now()
	tok, err := g.store.Take(id, now)
	switch {
	case errors.Is(err, ErrTokenNotFound):
		g.logger.Warn("confirmation not found", "token", ShortID(id))
		g.emit(Event{Kind: EventNotFound, TokenID: id, Time: now})
		return Outcome{}, err
	case errors.Is(err, ErrTokenExpired):
		g.logger.Warn("confirmation expired", "token", ShortID(id), "action", tok.Action)
		g.emit(Event{Kind: EventExpired, TokenID: id, Action: tok.Action, Description: tok.Description, Time: now})
		return Outcome{}, err
	case err != nil:
		return Outcome{}, err
	}

	ex, ok := g.executor(tok.Action)
	if !ok {
		err := &OperationFailedError{Action: tok.Action, Err: ErrUnknownAction}
		g.emit(Event{Kind: EventFailed, TokenID: id, Action: tok.Action, Description: tok.Description, Detail: err.Error(), Time: now})
		return Outcome{}, err
	}

	start := time.Now()
	result, execErr := safeExecute(ctx, ex, tok.Command)
	if execErr != nil {
		g.logger.Error("confirmed action failed", "token", ShortID(id), "action", tok.Action, "error", execErr)
		g.emit(Event{Kind: EventFailed, TokenID: id, Action: tok.Action, Description: tok.Description, Detail: execErr.Error(), Time: g.now()})
		return Outcome{}, &OperationFailedError{Action: tok.Action, Err: execErr}
	}

	g.logger.Info("confirmed action executed", "token", ShortID(id), "action", tok.Action, "duration", time.Since(start))
	g.emit(Event{Kind: EventRedeemed, TokenID: id, Action: tok.Action, Description: tok.Description, Time: g.now()})
	return Outcome{TokenID: id, Action: tok.Action, Result: result}, nil
}

// Deny discards a pending token without running its operation.
func (g *Gate) Deny(id string) (Ticket, error) {
	now := g.now()
	tok, err := g.store.Take(id, now)
	switch {
	case errors.Is(err, ErrTokenExpired):
		g.emit(Event{Kind: EventExpired, TokenID: id, Action: tok.Action, Description: tok.Description, Time: now})
		return Ticket{}, err
	case err != nil:
		return Ticket{}, err
	}

	g.logger.Info("confirmation denied", "token", ShortID(id), "action", tok.Action)
	g.emit(Event{Kind: EventDenied, TokenID: id, Action: tok.Action, Description: tok.Description, Time: now})
	return Ticket{ID: id, Action: tok.Action, Description: tok.Description, ExpiresAt: tok.ExpiresAt}, nil
}

// Sweep purges expired tokens and returns how many were removed.
func (g *Gate) Sweep() int {
	now := g.now()
	removed := g.store.Sweep(now)
	for _, t := range removed {
		g.emit(Event{Kind: EventSwept, TokenID: t.ID, Action: t.Action, Description: t.Description, Time: now})
	}
	if len(removed) > 0 {
		g.logger.Debug("swept expired confirmations", "count", len(removed))
	}
	return len(removed)
}

// Pending lists outstanding tokens that have not yet expired.
func (g *Gate) Pending() []Ticket {
	now := g.now()
	var out []Ticket
	for _, t := range g.store.Pending() {
		if t.expired(now) {
			continue
		}
		out = append(out, Ticket{
			ID:          t.ID,
			Action:      t.Action,
			Description: t.Description,
			ExpiresAt:   t.ExpiresAt,
			TTL:         t.ExpiresAt.Sub(now),
		})
	}
	return out
}

func (g *Gate) emit(e Event) {
	for _, o := range g.observers {
		o.ObserveConfirmation(e)
	}
}

// ShortID truncates a token id for logs and audit records, which must never
// hold a redeemable id.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
