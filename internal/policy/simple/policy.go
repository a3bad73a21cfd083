// Package simple contains the host admission policy applied to outbound fetches.
package simple

import (
	"net/url"
	"strings"
)

// Policy blocks hosts by exact name or by "*.suffix" / ".suffix" patterns.
// The zero value admits everything.
type Policy struct {
	exact    map[string]struct{}
	suffixes []string
}

// New builds a Policy from deny patterns. Blank patterns are ignored.
func New(denyDomains []string) *Policy {
	p := &Policy{exact: make(map[string]struct{})}
	for _, raw := range denyDomains {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
		case strings.HasPrefix(value, "*."):
			p.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			p.addSuffix(strings.TrimPrefix(value, "."))
		default:
			p.exact[value] = struct{}{}
		}
	}
	return p
}

func (p *Policy) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range p.suffixes {
		if existing == suffix {
			return
		}
	}
	p.suffixes = append(p.suffixes, suffix)
}

// AllowFetch reports whether rawURL's host is admitted.
func (p *Policy) AllowFetch(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return !p.IsBlocked(u.Hostname())
}

// IsBlocked reports whether host matches a deny pattern.
func (p *Policy) IsBlocked(host string) bool {
	if p == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, exact := p.exact[host]; exact {
		return true
	}
	for _, suffix := range p.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
