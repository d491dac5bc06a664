package resolver

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/formgate/formgate/internal/model"
)

// pathIndex resolves (vhost, path, method) to an endpoint. Endpoints are
// grouped per scope: a vhost id, or "" for global endpoints.
type pathIndex struct {
	scopes map[string]*scopeIndex
}

type scopeIndex struct {
	// exact claims on a path; method-filtered at match time, then highest
	// priority wins, ties broken by lexical endpoint id.
	exact map[string][]*compiledMatcher
	// prefixes sorted by descending pattern length, then priority, then id.
	prefixes []*compiledMatcher
	// regexes sorted by descending priority, then id. First match wins.
	regexes []*compiledMatcher
}

type compiledMatcher struct {
	endpoint *model.Endpoint
	pattern  string
	priority int
	re       *regexp.Regexp
}

func buildPathIndex(endpoints []model.Endpoint) (*pathIndex, error) {
	idx := &pathIndex{scopes: make(map[string]*scopeIndex)}
	seen := make(map[string]struct{}, len(endpoints))

	for i := range endpoints {
		ep := &endpoints[i]
		if _, dup := seen[ep.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate endpoint id %q", ErrConfiguration, ep.ID)
		}
		seen[ep.ID] = struct{}{}
		if len(ep.Matchers) == 0 {
			return nil, fmt.Errorf("%w: endpoint %s has no path matchers", ErrConfiguration, ep.ID)
		}

		scope := idx.scope(ep.VHostID)
		for _, m := range ep.Matchers {
			cm := &compiledMatcher{endpoint: ep, pattern: m.Pattern, priority: m.Priority}
			switch m.Kind {
			case model.PathMatchExact:
				scope.exact[m.Pattern] = append(scope.exact[m.Pattern], cm)
			case model.PathMatchPrefix:
				scope.prefixes = append(scope.prefixes, cm)
			case model.PathMatchRegex:
				re, err := regexp.Compile(m.Pattern)
				if err != nil {
					return nil, fmt.Errorf("%w: endpoint %s regex %q: %v", ErrConfiguration, ep.ID, m.Pattern, err)
				}
				cm.re = re
				scope.regexes = append(scope.regexes, cm)
			default:
				return nil, fmt.Errorf("%w: endpoint %s has unknown matcher kind %q", ErrConfiguration, ep.ID, m.Kind)
			}
		}
	}

	for _, scope := range idx.scopes {
		for _, claims := range scope.exact {
			sortByPriorityThenID(claims)
		}
		sort.SliceStable(scope.prefixes, func(i, j int) bool {
			a, b := scope.prefixes[i], scope.prefixes[j]
			if len(a.pattern) != len(b.pattern) {
				return len(a.pattern) > len(b.pattern)
			}
			return lessByPriorityThenID(a, b)
		})
		sort.SliceStable(scope.regexes, func(i, j int) bool {
			return lessByPriorityThenID(scope.regexes[i], scope.regexes[j])
		})
	}
	return idx, nil
}

func (idx *pathIndex) scope(vhostID string) *scopeIndex {
	s, ok := idx.scopes[vhostID]
	if !ok {
		s = &scopeIndex{exact: make(map[string][]*compiledMatcher)}
		idx.scopes[vhostID] = s
	}
	return s
}

func sortByPriorityThenID(matchers []*compiledMatcher) {
	sort.SliceStable(matchers, func(i, j int) bool {
		return lessByPriorityThenID(matchers[i], matchers[j])
	})
}

func lessByPriorityThenID(a, b *compiledMatcher) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.endpoint.ID < b.endpoint.ID
}

// match finds the endpoint for (vhostID, path, method). The vhost scope is
// consulted fully before the global scope: a vhost-scoped endpoint takes
// precedence over a global one at equal specificity.
func (idx *pathIndex) match(vhostID, path, method string) *model.Endpoint {
	if vhostID != "" {
		if scope, ok := idx.scopes[vhostID]; ok {
			if ep := scope.match(path, method); ep != nil {
				return ep
			}
		}
	}
	if scope, ok := idx.scopes[""]; ok {
		return scope.match(path, method)
	}
	return nil
}

func (s *scopeIndex) match(path, method string) *model.Endpoint {
	for _, cm := range s.exact[path] {
		if methodAllowed(cm.endpoint, method) {
			return cm.endpoint
		}
	}
	for _, cm := range s.prefixes {
		if strings.HasPrefix(path, cm.pattern) && methodAllowed(cm.endpoint, method) {
			return cm.endpoint
		}
	}
	for _, cm := range s.regexes {
		if cm.re.MatchString(path) && methodAllowed(cm.endpoint, method) {
			return cm.endpoint
		}
	}
	return nil
}

func methodAllowed(ep *model.Endpoint, method string) bool {
	if len(ep.Methods) == 0 {
		return true
	}
	for _, m := range ep.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}
