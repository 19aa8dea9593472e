package util

import (
	"fmt"
	"net/http"
	"net/netip"
	"strings"
)

// TrustedProxies is the set of proxy ranges whose X-Forwarded-For is believed.
type TrustedProxies struct {
	prefixes []netip.Prefix
}

// NewTrustedProxies parses CIDR or bare IP entries. Empty input returns nil,
// which trusts no proxy.
func NewTrustedProxies(entries []string) (*TrustedProxies, error) {
	var prefixes []netip.Prefix
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		p, err := parseProxyEntry(entry)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
		}
		prefixes = append(prefixes, p)
	}
	if len(prefixes) == 0 {
		return nil, nil
	}
	return &TrustedProxies{prefixes: prefixes}, nil
}

// ClientIP resolves the caller address of r. X-Forwarded-For is walked from
// the right only when the direct peer is trusted; a nil receiver trusts nobody.
func (t *TrustedProxies) ClientIP(r *http.Request) string {
	peer, ok := peerAddr(r.RemoteAddr)
	if !ok {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return t.resolve(peer, r.Header.Values("X-Forwarded-For")).String()
}

// RateKey buckets r under scope for per-client limits. IPv6 callers share
// one bucket per /64.
func (t *TrustedProxies) RateKey(r *http.Request, scope string) string {
	peer, ok := peerAddr(r.RemoteAddr)
	if !ok {
		return scope + "|" + strings.TrimSpace(r.RemoteAddr)
	}
	addr := t.resolve(peer, r.Header.Values("X-Forwarded-For"))
	if addr.Is6() {
		if p, err := addr.Prefix(64); err == nil {
			return scope + "|" + p.String()
		}
	}
	return scope + "|" + addr.String()
}

func (t *TrustedProxies) resolve(peer netip.Addr, forwarded []string) netip.Addr {
	if !t.trusts(peer) {
		return peer
	}
	hops := forwardedHops(forwarded)
	for i := len(hops) - 1; i >= 0; i-- {
		if !t.trusts(hops[i]) {
			return hops[i]
		}
	}
	if len(hops) > 0 {
		return hops[0]
	}
	return peer
}

func (t *TrustedProxies) trusts(addr netip.Addr) bool {
	if t == nil || !addr.IsValid() {
		return false
	}
	for _, p := range t.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func parseProxyEntry(entry string) (netip.Prefix, error) {
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// forwardedHops flattens every X-Forwarded-For header, dropping unparsable hops.
func forwardedHops(headers []string) []netip.Addr {
	var hops []netip.Addr
	for _, h := range headers {
		for _, part := range strings.Split(h, ",") {
			if addr, err := netip.ParseAddr(strings.TrimSpace(part)); err == nil {
				hops = append(hops, addr.Unmap())
			}
		}
	}
	return hops
}

func peerAddr(remote string) (netip.Addr, bool) {
	remote = strings.TrimSpace(remote)
	if ap, err := netip.ParseAddrPort(remote); err == nil {
		return ap.Addr().Unmap(), true
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr.Unmap(), true
	}
	return netip.Addr{}, false
}
