package resolver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/formgate/formgate/internal/model"
)

// hostIndex resolves a canonical hostname to a vhost id.
type hostIndex struct {
	exact     map[string]hostCandidate
	wildcards []wildcardEntry
	defaultID string
}

type hostCandidate struct {
	vhostID  string
	priority int
}

// wildcardEntry is one "*.suffix" pattern. Entries are pre-sorted by
// descending suffix length, then descending priority, then lexical vhost id,
// so the first suffix match wins.
type wildcardEntry struct {
	suffix   string
	vhostID  string
	priority int
}

func buildHostIndex(vhosts []model.VirtualHost) (*hostIndex, map[string]*model.VirtualHost, error) {
	idx := &hostIndex{exact: make(map[string]hostCandidate)}
	byID := make(map[string]*model.VirtualHost, len(vhosts))

	for i := range vhosts {
		vh := &vhosts[i]
		if _, dup := byID[vh.ID]; dup {
			return nil, nil, fmt.Errorf("%w: duplicate vhost id %q", ErrConfiguration, vh.ID)
		}
		byID[vh.ID] = vh

		if vh.Default {
			if idx.defaultID != "" && idx.defaultID != vh.ID {
				return nil, nil, fmt.Errorf("%w: multiple default vhosts (%s, %s)", ErrConfiguration, idx.defaultID, vh.ID)
			}
			idx.defaultID = vh.ID
		}

		for _, pattern := range vh.HostPatterns {
			pattern = CanonicalHost(pattern)
			if pattern == "" {
				return nil, nil, fmt.Errorf("%w: vhost %s has empty host pattern", ErrConfiguration, vh.ID)
			}
			if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
				if suffix == "" || strings.Contains(suffix, "*") {
					return nil, nil, fmt.Errorf("%w: vhost %s has invalid wildcard pattern %q", ErrConfiguration, vh.ID, pattern)
				}
				idx.wildcards = append(idx.wildcards, wildcardEntry{
					suffix:   suffix,
					vhostID:  vh.ID,
					priority: vh.Priority,
				})
				continue
			}
			if strings.Contains(pattern, "*") {
				return nil, nil, fmt.Errorf("%w: vhost %s has invalid host pattern %q (wildcard must be a leading \"*.\" label)", ErrConfiguration, vh.ID, pattern)
			}
			idx.addExact(pattern, hostCandidate{vhostID: vh.ID, priority: vh.Priority})
		}
	}

	// The default vhost must always exist, even if disabled: unmatched
	// hostnames have nowhere else to go.
	if idx.defaultID == "" {
		return nil, nil, ErrNoDefaultVHost
	}

	sort.SliceStable(idx.wildcards, func(i, j int) bool {
		a, b := idx.wildcards[i], idx.wildcards[j]
		if len(a.suffix) != len(b.suffix) {
			return len(a.suffix) > len(b.suffix)
		}
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		return a.vhostID < b.vhostID
	})

	return idx, byID, nil
}

// addExact keeps the higher-priority claim on a contested hostname, ties
// broken by lexical vhost id for determinism.
func (idx *hostIndex) addExact(host string, cand hostCandidate) {
	existing, ok := idx.exact[host]
	if !ok {
		idx.exact[host] = cand
		return
	}
	if cand.priority > existing.priority ||
		(cand.priority == existing.priority && cand.vhostID < existing.vhostID) {
		idx.exact[host] = cand
	}
}

// match returns the vhost id owning host. Exact patterns always outrank
// wildcards; unmatched hosts resolve to the default vhost.
func (idx *hostIndex) match(host string) string {
	if cand, ok := idx.exact[host]; ok {
		return cand.vhostID
	}
	for _, w := range idx.wildcards {
		if strings.HasSuffix(host, "."+w.suffix) {
			return w.vhostID
		}
	}
	return idx.defaultID
}
