package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/clawinfra/hostgate/internal/api"
)

// Client talks to a running hostgate HTTP API.
type Client struct {
	BaseURL string
	// Token is a JWT sent as a bearer token. Empty for dev-mode servers.
	Token string
	HTTP  *http.Client
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) header() http.Header {
	h := http.Header{}
	if c.Token != "" {
		h.Set("Authorization", "Bearer "+c.Token)
	}
	return h
}

// Stream connects to the event stream and calls fn for every frame until
// ctx is cancelled or the connection drops.
func (c *Client) Stream(ctx context.Context, fn func(api.Frame)) error {
	u, err := url.Parse(c.BaseURL + "/api/events")
	if err != nil {
		return fmt.Errorf("parse api url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: c.header()})
	if err != nil {
		return fmt.Errorf("connect event stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "console closed")

	for {
		var f api.Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read event stream: %w", err)
		}
		fn(f)
	}
}

// Approve redeems a pending confirmation and returns the tool result.
func (c *Client) Approve(ctx context.Context, token string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPost, "/api/confirm/"+url.PathEscape(token), &out)
	return out, err
}

// Deny discards a pending confirmation.
func (c *Client) Deny(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodDelete, "/api/pending/"+url.PathEscape(token), nil)
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header = c.header()
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return errors.New(e.Error)
		}
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}
