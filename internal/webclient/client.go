// Package webclient is the outbound HTTP client shared by the web tools.
// Every request, and every redirect hop, is checked against the URL policy,
// and connections are made only to the addresses that check resolved, so a
// hostname cannot be re-pointed at an internal address between the check
// and the connect.
package webclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/clawinfra/hostgate/internal/policy"
)

// URLPolicy evaluates outbound URLs. *policy.Engine satisfies it.
type URLPolicy interface {
	EvaluateURL(ctx context.Context, raw string) policy.URLVerdict
}

// Config configures a Client.
type Config struct {
	Timeout      time.Duration
	UserAgent    string
	MaxRedirects int
	Retry        RetryConfig
}

// DefaultConfig returns the defaults used when fields are zero.
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		UserAgent:    "hostgate/1.0",
		MaxRedirects: 10,
		Retry:        DefaultRetryConfig(),
	}
}

// retryStatuses are answered with a retry.
var retryStatuses = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Client performs policy-checked GET requests.
type Client struct {
	http   *http.Client
	policy URLPolicy
	cfg    Config
	dialer *net.Dialer
	logger *slog.Logger
}

// New creates a Client.
func New(p URLPolicy, cfg Config, logger *slog.Logger) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = def.MaxRedirects
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		policy: p,
		cfg:    cfg,
		dialer: &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second},
		logger: logger.With("component", "webclient"),
	}
	transport := &http.Transport{
		// No proxy: the dialer must reach the pinned address itself.
		Proxy:                 nil,
		DialContext:           c.dialPinned,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	c.http = &http.Client{
		Transport:     transport,
		Timeout:       cfg.Timeout,
		CheckRedirect: c.checkRedirect,
	}
	return c
}

// Get fetches rawURL. A policy refusal is returned as *policy.RejectedError
// without any network traffic. Responses with retryable statuses are retried;
// if the final attempt still fails that response is returned to the caller.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	verdict := c.policy.EvaluateURL(ctx, rawURL)
	if !verdict.Allowed {
		return nil, verdict.Err()
	}

	pins := &pinSet{addrs: make(map[string][]netip.Addr)}
	pins.add(verdict)
	ctx = context.WithValue(ctx, pinsKey{}, pins)
	target := verdict.URL.String()

	var resp *http.Response
	err := retry(ctx, c.cfg.Retry, func(attempt int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return permanent(err)
		}
		req.Header.Set("User-Agent", c.cfg.UserAgent)

		r, err := c.http.Do(req)
		if err != nil {
			var rejected *policy.RejectedError
			if errors.As(err, &rejected) {
				return permanent(rejected)
			}
			c.logger.Debug("request failed", "host", verdict.Host, "attempt", attempt, "error", err)
			return err
		}
		if retryStatuses[r.StatusCode] && attempt < c.cfg.Retry.MaxAttempts {
			io.Copy(io.Discard, io.LimitReader(r.Body, 64<<10))
			r.Body.Close()
			c.logger.Debug("retryable status", "host", verdict.Host, "status", r.StatusCode, "attempt", attempt)
			return fmt.Errorf("webclient: status %d", r.StatusCode)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= c.cfg.MaxRedirects {
		return fmt.Errorf("webclient: stopped after %d redirects", len(via))
	}
	verdict := c.policy.EvaluateURL(req.Context(), req.URL.String())
	if !verdict.Allowed {
		c.logger.Warn("redirect blocked by policy", "to", verdict.Host, "reason", verdict.Reason)
		return verdict.Err()
	}
	if pins, ok := req.Context().Value(pinsKey{}).(*pinSet); ok {
		pins.add(verdict)
	}
	return nil
}

func (c *Client) dialPinned(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	pins, ok := ctx.Value(pinsKey{}).(*pinSet)
	if !ok {
		return nil, errors.New("webclient: request was not checked against the URL policy")
	}
	addrs := pins.get(host)
	if len(addrs) == 0 {
		return nil, fmt.Errorf("webclient: no validated address for host %q", host)
	}

	var lastErr error
	for _, ip := range addrs {
		conn, err := c.dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

type pinsKey struct{}

// pinSet maps hostnames to the addresses the policy approved for them.
type pinSet struct {
	mu    sync.Mutex
	addrs map[string][]netip.Addr
}

func (p *pinSet) add(v policy.URLVerdict) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addrs[pinKey(v.Host)] = v.Addrs
}

func (p *pinSet) get(host string) []netip.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addrs[pinKey(host)]
}

func pinKey(host string) string {
	h := strings.ToLower(strings.TrimSuffix(host, "."))
	return strings.TrimSuffix(strings.TrimPrefix(h, "["), "]")
}
