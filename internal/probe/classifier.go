// internal/probe/classifier.go
package probe

import (
	"fmt"
	"net/url"
	"regexp"

	"github.com/xkilldash9x/formcheck/internal/config"
)

// Policy maps a correlated response to a verdict.
//
// In strict mode (the default) a status in [SuccessMin, SuccessMax) succeeds,
// as does a redirect status whose Location matches a thank-you pattern; all
// else fails. Lenient mode accepts any 2xx or 3xx.
type Policy struct {
	successMin int
	successMax int
	redirects  map[int]bool
	patterns   []*regexp.Regexp
	lenient    bool
}

// NewPolicy compiles a policy from configuration.
func NewPolicy(cfg config.PolicyConfig) (*Policy, error) {
	p := &Policy{
		successMin: cfg.SuccessMin,
		successMax: cfg.SuccessMax,
		redirects:  make(map[int]bool, len(cfg.RedirectStatuses)),
		lenient:    cfg.Lenient,
	}
	for _, s := range cfg.RedirectStatuses {
		p.redirects[s] = true
	}
	for _, raw := range cfg.ThankYouPatterns {
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid thank-you pattern %q: %w", raw, err)
		}
		p.patterns = append(p.patterns, re)
	}
	return p, nil
}

// DefaultPolicy is the strict policy: 2xx, or 302 to a /thank-you-page location.
func DefaultPolicy() *Policy {
	p, err := NewPolicy(config.NewDefaultConfig().Policy)
	if err != nil {
		panic(err)
	}
	return p
}

// Classify returns VerdictSuccess or VerdictFailed. It never returns VerdictError.
func (p *Policy) Classify(status int, location string) Verdict {
	if p.lenient {
		if status >= 200 && status < 400 {
			return VerdictSuccess
		}
		return VerdictFailed
	}
	if status >= p.successMin && status < p.successMax {
		return VerdictSuccess
	}
	if p.redirects[status] && p.matchesThankYou(location) {
		return VerdictSuccess
	}
	return VerdictFailed
}

// matchesThankYou checks the raw Location and, for absolute URLs, its path.
func (p *Policy) matchesThankYou(location string) bool {
	if location == "" {
		return false
	}
	candidates := []string{location}
	if u, err := url.Parse(location); err == nil && u.Path != "" && u.Path != location {
		candidates = append(candidates, u.Path)
	}
	for _, re := range p.patterns {
		for _, c := range candidates {
			if re.MatchString(c) {
				return true
			}
		}
	}
	return false
}
