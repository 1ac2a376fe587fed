// Package origin decides whether a page is allowed to ask for an analysis.
//
// The allow-list is a set of exact hostnames. Matching is never done by
// substring or suffix: "flipkart.com.evil.io" and "notflipkart.com" are
// both rejected when only "flipkart.com" is listed.
package origin

import (
	"net/url"
	"strings"
)

// DefaultHosts is the allow-list used when configuration does not name one.
var DefaultHosts = []string{"www.flipkart.com", "flipkart.com"}

// Guard holds an immutable set of allowed hostnames. The zero value allows
// nothing.
type Guard struct {
	hosts map[string]struct{}
}

// NewGuard builds a Guard from hostnames. Entries are normalised the same
// way request hosts are; empty entries are ignored.
func NewGuard(hosts ...string) *Guard {
	g := &Guard{hosts: make(map[string]struct{}, len(hosts))}
	for _, h := range hosts {
		h = normalise(h)
		if h == "" {
			continue
		}
		g.hosts[h] = struct{}{}
	}
	return g
}

// IsAllowed reports whether originURL's host is in the set. A bare
// hostname is accepted. Malformed input, a missing host, or a nil Guard
// yields false.
func (g *Guard) IsAllowed(originURL string) bool {
	if g == nil || len(g.hosts) == 0 {
		return false
	}
	host, ok := hostOf(originURL)
	if !ok {
		return false
	}
	_, allowed := g.hosts[host]
	return allowed
}

// Hosts returns the allowed hostnames in no particular order.
func (g *Guard) Hosts() []string {
	if g == nil {
		return nil
	}
	out := make([]string, 0, len(g.hosts))
	for h := range g.hosts {
		out = append(out, h)
	}
	return out
}

func hostOf(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	host := normalise(u.Hostname())
	if host == "" {
		return "", false
	}
	return host, true
}

func normalise(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.TrimSuffix(h, ".")
}
