// Package console is the terminal operator view of a running hostgate: it
// follows the audit stream and lets the owner approve or deny pending
// destructive actions.
package console

import (
	"context"
	"errors"
	"log/slog"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/clawinfra/hostgate/internal/api"
)

const maxBackoff = 30 * time.Second

var errStreamClosed = errors.New("event stream closed by server")

// Run starts the console and blocks until the user quits or ctx is done.
func Run(ctx context.Context, client *Client, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(NewModel(ctx, client), tea.WithAltScreen(), tea.WithContext(ctx))
	go follow(ctx, client, p.Send, logger)

	_, err := p.Run()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// follow keeps the event stream connected, reconnecting with backoff.
func follow(ctx context.Context, client *Client, send func(tea.Msg), logger *slog.Logger) {
	backoff := time.Second
	for {
		received := false
		err := client.Stream(ctx, func(f api.Frame) {
			received = true
			send(frameMsg(f))
		})
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errStreamClosed
		}
		logger.Debug("event stream dropped", "error", err)
		send(disconnectedMsg{err: err})

		if received {
			backoff = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}
