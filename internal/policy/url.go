package policy

import (
	"context"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
)

// URLVerdict is the result of EvaluateURL. Addrs holds the addresses the
// hostname resolved to at evaluation time; clients should connect only to
// those addresses.
type URLVerdict struct {
	Verdict
	URL   *url.URL
	Host  string
	Addrs []netip.Addr
}

// Err returns a *RejectedError for a refused URL and nil otherwise.
func (v URLVerdict) Err() error { return v.err(KindURL) }

// EvaluateURL decides whether raw may be fetched. Resolution failures are
// treated as rejections.
func (e *Engine) EvaluateURL(ctx context.Context, raw string) URLVerdict {
	var v URLVerdict

	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" {
		v.Reason = "invalid URL"
		return v
	}
	v.URL = u

	scheme := strings.ToLower(u.Scheme)
	if _, ok := e.schemes[scheme]; !ok {
		v.Reason = "URL scheme " + strconv.Quote(scheme) + " is not allowed"
		return v
	}

	host := normalizeHostname(u.Hostname())
	if host == "" {
		v.Reason = "URL has no hostname"
		return v
	}
	v.Host = host

	if e.hostnameBlocked(host) {
		v.Reason = "access to host " + strconv.Quote(host) + " is blocked"
		return v
	}

	if addr, ok := parseIPLiteral(host); ok {
		if e.addrBlocked(addr) {
			v.Reason = "access to private or internal address " + addr.String() + " is blocked"
			return v
		}
		v.Addrs = []netip.Addr{addr}
		v.Allowed = true
		return v
	}

	addrs, err := e.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil || len(addrs) == 0 {
		v.Reason = "unable to resolve host " + strconv.Quote(host)
		return v
	}
	for i, addr := range addrs {
		addr = addr.Unmap().WithZone("")
		addrs[i] = addr
		if e.addrBlocked(addr) {
			v.Reason = "host " + strconv.Quote(host) + " resolves to a private or internal address"
			return v
		}
	}

	v.Addrs = addrs
	v.Allowed = true
	return v
}

func (e *Engine) hostnameBlocked(host string) bool {
	if _, ok := e.hostExact[host]; ok {
		return true
	}
	for exact := range e.hostExact {
		if strings.HasSuffix(host, "."+exact) {
			return true
		}
	}
	for _, suffix := range e.hostSuffix {
		if strings.HasSuffix(host, suffix) || host == suffix[1:] {
			return true
		}
	}
	return false
}

func (e *Engine) addrBlocked(addr netip.Addr) bool {
	addr = addr.Unmap().WithZone("")
	if e.inRanges(addr) {
		return true
	}
	if v4, ok := embeddedIPv4(addr); ok {
		return e.inRanges(v4)
	}
	return false
}

func (e *Engine) inRanges(addr netip.Addr) bool {
	for _, p := range e.ranges {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

var (
	nat64Prefix  = netip.MustParsePrefix("64:ff9b::/96")
	sixToFour    = netip.MustParsePrefix("2002::/16")
	teredoPrefix = netip.MustParsePrefix("2001::/32")
	compatPrefix = netip.MustParsePrefix("::/96")
)

// embeddedIPv4 extracts the IPv4 address carried by IPv4-compatible,
// NAT64 well-known prefix, 6to4 and Teredo addresses.
func embeddedIPv4(addr netip.Addr) (netip.Addr, bool) {
	if !addr.Is6() {
		return netip.Addr{}, false
	}
	b := addr.As16()
	switch {
	case compatPrefix.Contains(addr), nat64Prefix.Contains(addr):
		return netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]}), true
	case sixToFour.Contains(addr):
		return netip.AddrFrom4([4]byte{b[2], b[3], b[4], b[5]}), true
	case teredoPrefix.Contains(addr):
		// The client address is stored inverted.
		return netip.AddrFrom4([4]byte{^b[12], ^b[13], ^b[14], ^b[15]}), true
	}
	return netip.Addr{}, false
}

// normalizeHostname lowercases, trims a trailing dot, and unwraps IPv6
// brackets.
func normalizeHostname(hostname string) string {
	h := strings.ToLower(strings.TrimSpace(hostname))
	h = strings.TrimSuffix(h, ".")
	if strings.HasPrefix(h, "[") && strings.HasSuffix(h, "]") {
		h = h[1 : len(h)-1]
	}
	return h
}

// parseIPLiteral accepts standard IP literals plus the legacy numeric IPv4
// spellings resolvers still honour (2130706433, 0x7f.1, 0177.0.0.1).
func parseIPLiteral(host string) (netip.Addr, bool) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap().WithZone(""), true
	}
	return parseLegacyIPv4(host)
}

func parseLegacyIPv4(host string) (netip.Addr, bool) {
	parts := strings.Split(host, ".")
	if len(parts) == 0 || len(parts) > 4 {
		return netip.Addr{}, false
	}
	vals := make([]uint64, len(parts))
	for i, p := range parts {
		if p == "" {
			return netip.Addr{}, false
		}
		n, err := strconv.ParseUint(p, 0, 32)
		if err != nil {
			return netip.Addr{}, false
		}
		vals[i] = n
	}

	// The last part fills the remaining bytes, as with inet_aton.
	var ip uint64
	for i, n := range vals[:len(vals)-1] {
		if n > 0xff {
			return netip.Addr{}, false
		}
		ip |= n << (24 - 8*uint(i))
	}
	last := vals[len(vals)-1]
	if last >= 1<<(8*uint(5-len(vals))) {
		return netip.Addr{}, false
	}
	ip |= last

	return netip.AddrFrom4([4]byte{byte(ip >> 24), byte(ip >> 16), byte(ip >> 8), byte(ip)}), true
}
