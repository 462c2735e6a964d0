package confirm

import (
	"errors"
	"fmt"
)

var (
	// ErrTokenNotFound is returned for ids that were never issued, were
	// already redeemed, or were removed by a sweep.
	ErrTokenNotFound = errors.New("confirm: token not found")
	// ErrTokenExpired is returned when a pending token is redeemed after its
	// deadline. The token is removed and its operation never runs.
	ErrTokenExpired   = errors.New("confirm: token expired")
	ErrUnknownAction  = errors.New("confirm: no executor registered for action")
	ErrTooManyPending = errors.New("confirm: too many pending confirmations")
	ErrTTLTooLong     = errors.New("confirm: ttl exceeds maximum")
	errDuplicateID    = errors.New("confirm: duplicate token id")
)

// OperationFailedError wraps an error returned by the deferred operation
// after a successful redemption.
type OperationFailedError struct {
	Action string
	Err    error
}

func (e *OperationFailedError) Error() string {
	return fmt.Sprintf("confirm: %s failed: %v", e.Action, e.Err)
}

func (e *OperationFailedError) Unwrap() error { return e.Err }
