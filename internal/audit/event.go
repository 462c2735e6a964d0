// Package audit keeps a tamper-evident record of confirmation and policy
// events. Each event carries the BLAKE2b hash of its predecessor, so editing
// or deleting a stored record breaks the chain and Verify reports it.
package audit

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// Event kinds recorded outside the confirmation gate.
const (
	KindPolicyRejected = "policy_rejected"
	KindToolCalled     = "tool_called"
	KindServerStarted  = "server_started"
)

// Event is one audit record. Token only ever holds a truncated token id.
type Event struct {
	ID       string    `json:"id"`
	Time     time.Time `json:"time"`
	Kind     string    `json:"kind"`
	Action   string    `json:"action,omitempty"`
	Token    string    `json:"token,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	PrevHash string    `json:"prev_hash"`
	Hash     string    `json:"hash"`
}

// Log is an append-only, hash-chained event store.
type Log interface {
	// Append seals e onto the chain and stores it, returning the sealed copy.
	Append(ctx context.Context, e Event) (Event, error)
	// Recent returns up to limit events, oldest first. limit <= 0 returns all.
	Recent(ctx context.Context, limit int) ([]Event, error)
	Close() error
}

// ChainError reports the first event whose hash link does not verify.
type ChainError struct {
	Index  int
	ID     string
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit: chain broken at event %d (%s): %s", e.Index, e.ID, e.Reason)
}

// Verify checks a complete log, oldest first, from its first event.
func Verify(events []Event) error {
	prev := ""
	for i, e := range events {
		if e.PrevHash != prev {
			return &ChainError{Index: i, ID: e.ID, Reason: "previous hash mismatch"}
		}
		if want := computeHash(prev, e); e.Hash != want {
			return &ChainError{Index: i, ID: e.ID, Reason: "content hash mismatch"}
		}
		prev = e.Hash
	}
	return nil
}

func computeHash(prev string, e Event) string {
	fields := []string{
		prev,
		e.ID,
		e.Time.UTC().Format(time.RFC3339Nano),
		e.Kind,
		e.Action,
		e.Token,
		e.Detail,
	}
	sum := blake2b.Sum256([]byte(strings.Join(fields, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// chain tracks the head hash for a Log implementation.
type chain struct {
	mu   sync.Mutex
	head string
}

// seal fills in the identity and hash fields. Callers hold c.mu.
func (c *chain) seal(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	e.Time = e.Time.UTC()
	e.PrevHash = c.head
	e.Hash = computeHash(c.head, e)
	return e
}

// Nop discards events. It is used when auditing is disabled.
type Nop struct{}

func (Nop) Append(_ context.Context, e Event) (Event, error) { return e, nil }
func (Nop) Recent(context.Context, int) ([]Event, error)      { return nil, nil }
func (Nop) Close() error                                      { return nil }
