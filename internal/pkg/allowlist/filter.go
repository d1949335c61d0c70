// Package allowlist filters event types by glob patterns.
package allowlist

import (
	"fmt"
	"path"
	"strings"

	"github.com/samber/lo"
)

// Filter allows event types matching at least one pattern. A filter without
// patterns allows everything.
type Filter struct {
	patterns []string
}

// New validates patterns in path.Match syntax, for example "invoice.*".
// Blank entries are ignored.
func New(patterns []string) (*Filter, error) {
	clean := lo.Uniq(lo.Compact(lo.Map(patterns, func(p string, _ int) string {
		return strings.TrimSpace(p)
	})))
	for _, p := range clean {
		if _, err := path.Match(p, ""); err != nil {
			return nil, fmt.Errorf("invalid event allowlist pattern %q: %w", p, err)
		}
	}
	return &Filter{patterns: clean}, nil
}

func (f *Filter) Configured() bool {
	return f != nil && len(f.patterns) > 0
}

func (f *Filter) Patterns() []string {
	if f == nil {
		return nil
	}
	return append([]string(nil), f.patterns...)
}

func (f *Filter) Allows(eventType string) bool {
	if !f.Configured() {
		return true
	}
	return lo.ContainsBy(f.patterns, func(p string) bool {
		ok, _ := path.Match(p, eventType)
		return ok
	})
}
