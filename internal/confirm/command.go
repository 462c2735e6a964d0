package confirm

import (
	"context"
	"fmt"
)

// Command is a deferred operation held by a pending token. It is plain data;
// the Executor registered for Action gives it meaning at redemption time.
type Command struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// String returns the named string parameter or "".
func (c Command) String(name string) string {
	s, _ := c.Params[name].(string)
	return s
}

// Int returns the named numeric parameter, accepting the float64 values a
// JSON decode produces.
func (c Command) Int(name string) int {
	switch v := c.Params[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Executor runs a confirmed Command.
type Executor interface {
	Execute(ctx context.Context, cmd Command) (any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, cmd Command) (any, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, cmd Command) (any, error) {
	return f(ctx, cmd)
}

// safeExecute converts a panic inside an executor into an error so a bad
// handler cannot take the server down.
func safeExecute(ctx context.Context, ex Executor, cmd Command) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return ex.Execute(ctx, cmd)
}
