// Package ssrf validates outbound URLs before any external call is issued.
// Webhook targets and provider callbacks come from tenant configuration, so
// every destination is treated as attacker-influenced until proven routable
// to the public internet.
package ssrf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
)

// ErrUnsafe marks a rejected destination. Callers log the wrapped reason and
// drop the call; it is never surfaced to submitting clients.
var ErrUnsafe = errors.New("ssrf: unsafe url")

// Config configures a Guard.
type Config struct {
	// AllowHosts are hostnames exempt from all checks. Operator-controlled
	// escape hatch for intentionally internal webhook receivers.
	AllowHosts []string
	// AllowNets are IP ranges exempt from the address checks.
	AllowNets []netip.Prefix
	// BlockedHosts rejects exact hostnames, or whole domains when given as
	// ".suffix".
	BlockedHosts []string
	// LookupHost resolves hostnames for the resolved-IP check. Defaults to
	// the system resolver.
	LookupHost func(ctx context.Context, host string) ([]netip.Addr, error)
}

// Guard validates outbound URLs.
type Guard struct {
	allowHosts   map[string]struct{}
	allowNets    []netip.Prefix
	blockedHosts []string
	lookupHost   func(ctx context.Context, host string) ([]netip.Addr, error)
}

// NewGuard creates a guard from cfg.
func NewGuard(cfg Config) *Guard {
	g := &Guard{
		allowHosts: make(map[string]struct{}, len(cfg.AllowHosts)),
		allowNets:  cfg.AllowNets,
		lookupHost: cfg.LookupHost,
	}
	for _, h := range cfg.AllowHosts {
		g.allowHosts[strings.ToLower(strings.TrimSuffix(h, "."))] = struct{}{}
	}
	for _, h := range cfg.BlockedHosts {
		g.blockedHosts = append(g.blockedHosts, strings.ToLower(h))
	}
	if g.lookupHost == nil {
		g.lookupHost = func(ctx context.Context, host string) ([]netip.Addr, error) {
			ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
			return ips, err
		}
	}
	return g
}

// Validate rejects rawURL unless it points at a public destination. The
// hostname is also resolved and every returned address checked, so a benign
// public name cannot front a private address.
func (g *Guard) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: unparseable: %v", ErrUnsafe, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q not allowed", ErrUnsafe, u.Scheme)
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrUnsafe)
	}

	if _, ok := g.allowHosts[host]; ok {
		return nil
	}
	for _, blocked := range g.blockedHosts {
		if host == blocked || (strings.HasPrefix(blocked, ".") && strings.HasSuffix(host, blocked)) {
			return fmt.Errorf("%w: host %q is blocklisted", ErrUnsafe, host)
		}
	}

	// Literal addresses, including decimal/hex/octal/dotless obfuscations
	// like "2130706433" or "0x7f.1", never reach DNS.
	if addr, ok := parseLiteralAddr(host); ok {
		return g.checkAddr(host, addr)
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("%w: host %q resolves locally", ErrUnsafe, host)
	}

	addrs, err := g.lookupHost(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: host %q did not resolve: %v", ErrUnsafe, host, err)
	}
	for _, addr := range addrs {
		if err := g.checkAddr(host, addr); err != nil {
			return err
		}
	}
	return nil
}

func (g *Guard) checkAddr(host string, addr netip.Addr) error {
	addr = addr.Unmap()
	for _, p := range g.allowNets {
		if p.Contains(addr) {
			return nil
		}
	}
	if reason := unsafeAddrReason(addr); reason != "" {
		return fmt.Errorf("%w: host %q -> %s is %s", ErrUnsafe, host, addr, reason)
	}
	return nil
}

// Non-public ranges beyond what netip classifies directly.
var reservedNets = []netip.Prefix{
	netip.MustParsePrefix("100.64.0.0/10"),   // carrier-grade NAT
	netip.MustParsePrefix("192.0.0.0/24"),    // IETF protocol assignments
	netip.MustParsePrefix("192.0.2.0/24"),    // documentation
	netip.MustParsePrefix("198.18.0.0/15"),   // benchmarking
	netip.MustParsePrefix("198.51.100.0/24"), // documentation
	netip.MustParsePrefix("203.0.113.0/24"),  // documentation
	netip.MustParsePrefix("240.0.0.0/4"),     // reserved
	netip.MustParsePrefix("2001:db8::/32"),   // documentation
	netip.MustParsePrefix("64:ff9b::/96"),    // NAT64
}

func unsafeAddrReason(addr netip.Addr) string {
	switch {
	case addr.IsLoopback():
		return "loopback"
	case addr.IsUnspecified():
		return "unspecified"
	case addr.IsPrivate():
		return "private"
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return "link-local"
	case addr.IsMulticast():
		return "multicast"
	}
	for _, p := range reservedNets {
		if p.Contains(addr) {
			return "reserved"
		}
	}
	return ""
}

// parseLiteralAddr parses host as an IP literal, accepting the full
// inet_aton surface: dotted quads, fewer-than-four components, and decimal,
// hex (0x), and octal (leading 0) radixes per component.
func parseLiteralAddr(host string) (netip.Addr, bool) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, true
	}

	parts := strings.Split(host, ".")
	if len(parts) > 4 {
		return netip.Addr{}, false
	}
	values := make([]uint64, len(parts))
	for i, part := range parts {
		v, ok := parseIPComponent(part)
		if !ok {
			return netip.Addr{}, false
		}
		values[i] = v
	}

	// All components but the last must fit one octet; the last fills the
	// remaining octets.
	var ip uint64
	for i, v := range values {
		if i == len(values)-1 {
			remaining := uint(4 - len(values) + 1)
			if v >= 1<<(8*remaining) {
				return netip.Addr{}, false
			}
			ip = ip<<(8*remaining) | v
		} else {
			if v > 0xff {
				return netip.Addr{}, false
			}
			ip = ip<<8 | v
		}
	}
	var b [4]byte
	b[0] = byte(ip >> 24)
	b[1] = byte(ip >> 16)
	b[2] = byte(ip >> 8)
	b[3] = byte(ip)
	return netip.AddrFrom4(b), true
}

func parseIPComponent(s string) (uint64, bool) {
	if s == "" {
		return 0, false
	}
	base := 10
	switch {
	case strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X"):
		s, base = s[2:], 16
		if s == "" {
			return 0, false
		}
	case len(s) > 1 && s[0] == '0':
		s, base = s[1:], 8
	}
	v, err := strconv.ParseUint(s, base, 64)
	if err != nil || v > 0xffffffff {
		return 0, false
	}
	return v, true
}
