package script

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Policy restricts which URLs a script may navigate to. Denied
// patterns take precedence; an empty allow list permits everything
// not denied.
type Policy struct {
	allowed []glob.Glob
	denied  []glob.Glob
}

// NewPolicy compiles allow and deny glob patterns. Patterns match
// against the full navigation URL, e.g. "https://*.example.com/*".
func NewPolicy(allowed, denied []string) (*Policy, error) {
	p := &Policy{}

	for _, pattern := range allowed {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed pattern %q: %w", pattern, err)
		}
		p.allowed = append(p.allowed, g)
	}

	for _, pattern := range denied {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid denied pattern %q: %w", pattern, err)
		}
		p.denied = append(p.denied, g)
	}

	return p, nil
}

// Allows reports whether the URL passes the policy.
func (p *Policy) Allows(url string) bool {
	for _, pattern := range p.denied {
		if pattern.Match(url) {
			return false
		}
	}

	if len(p.allowed) == 0 {
		return true
	}

	for _, pattern := range p.allowed {
		if pattern.Match(url) {
			return true
		}
	}
	return false
}
