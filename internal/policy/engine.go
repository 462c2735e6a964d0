// Package policy decides whether a filesystem path, an outbound URL, or an
// execution target may be used by a tool. Evaluation is pure apart from
// symlink resolution and DNS lookups and is safe for concurrent use.
package policy

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// Kind names the category of a rejected request.
type Kind string

const (
	KindPath      Kind = "path"
	KindURL       Kind = "url"
	KindExecution Kind = "execution"
)

// RejectedError is returned to callers when a request is refused. Reason
// is meant to be shown to the user as-is.
type RejectedError struct {
	Kind   Kind
	Reason string
}

func (e *RejectedError) Error() string {
	return "blocked by security policy: " + e.Reason
}

// Verdict is the common part of every evaluation result.
type Verdict struct {
	Allowed bool
	Reason  string
}

// Resolver looks up the addresses of a hostname. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Option customizes an Engine.
type Option func(*Engine)

// WithResolver replaces the DNS resolver used by EvaluateURL.
func WithResolver(r Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// Engine evaluates requests against an immutable Config.
type Engine struct {
	blockedDirs []canonicalPath
	allowedDirs []canonicalPath
	writeExts   map[string]struct{}
	schemes     map[string]struct{}
	hostExact   map[string]struct{}
	hostSuffix  []string
	ranges      []netip.Prefix
	execNames   map[string]struct{}
	execExts    map[string]struct{}
	resolver    Resolver
}

// New builds an Engine. Directory entries are normalized once here; an
// entry that cannot be normalized is an error rather than silently ignored.
func New(cfg Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		writeExts:  lowerSet(cfg.BlockedWriteExtensions, normalizeExt),
		schemes:    lowerSet(cfg.AllowedURLSchemes, nil),
		hostExact:  make(map[string]struct{}),
		execNames:  lowerSet(cfg.BlockedExecutionNames, nil),
		execExts:   lowerSet(cfg.BlockedExecutionExtensions, normalizeExt),
		resolver:   net.DefaultResolver,
	}

	for _, dir := range cfg.BlockedDirectories {
		variants, err := directoryVariants(dir)
		if err != nil {
			return nil, fmt.Errorf("blocked directory %q: %w", dir, err)
		}
		e.blockedDirs = append(e.blockedDirs, variants...)
	}
	for _, dir := range cfg.AllowedDirectories {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		variants, err := directoryVariants(dir)
		if err != nil {
			return nil, fmt.Errorf("allowed directory %q: %w", dir, err)
		}
		e.allowedDirs = append(e.allowedDirs, variants...)
	}

	for _, h := range cfg.BlockedHostnames {
		h = strings.ToLower(strings.TrimSpace(h))
		switch {
		case h == "":
		case strings.HasPrefix(h, "."):
			e.hostSuffix = append(e.hostSuffix, h)
		default:
			e.hostExact[strings.TrimSuffix(h, ".")] = struct{}{}
		}
	}

	for _, r := range cfg.BlockedIPRanges {
		p, err := netip.ParsePrefix(strings.TrimSpace(r))
		if err != nil {
			return nil, fmt.Errorf("blocked ip range %q: %w", r, err)
		}
		e.ranges = append(e.ranges, p.Masked())
	}

	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// AllowlistMode reports whether path access is restricted to the allowed
// directories.
func (e *Engine) AllowlistMode() bool {
	return len(e.allowedDirs) > 0
}

func lowerSet(items []string, norm func(string) string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		item = strings.ToLower(strings.TrimSpace(item))
		if norm != nil {
			item = norm(item)
		}
		if item != "" {
			set[item] = struct{}{}
		}
	}
	return set
}

func normalizeExt(ext string) string {
	if ext == "" || strings.HasPrefix(ext, ".") {
		return ext
	}
	return "." + ext
}

func (v Verdict) err(kind Kind) error {
	if v.Allowed {
		return nil
	}
	return &RejectedError{Kind: kind, Reason: v.Reason}
}
