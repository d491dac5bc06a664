// Package resolver maps (hostname, path, method) to the effective merged
// configuration for a request. A Table is built once per config snapshot and
// is immutable afterwards; Resolve is a pure function over it.
//
// Matching rules, in one place so the tie-breaks stay consistent:
//
//   - Hostname: exact match first; then wildcard patterns ("*.example.com")
//     by descending literal-suffix length, then configured priority (higher
//     wins), then lexical vhost id; unmatched hosts fall back to the default
//     virtual host, which must exist.
//   - Path: exact (path, method) first; then longest prefix filtered by
//     method; then regex patterns by configured priority. Vhost-scoped
//     endpoints are evaluated before global ones. Exact matches outrank any
//     prefix/regex match regardless of priority values.
package resolver

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/maypok86/otter"

	"github.com/formgate/formgate/internal/model"
)

// ErrConfiguration marks fatal misconfiguration detected while building a
// Table. It is surfaced loudly at startup/refresh, never per request.
var ErrConfiguration = errors.New("resolver: configuration error")

// ErrNoDefaultVHost is returned when no default virtual host is configured.
var ErrNoDefaultVHost = fmt.Errorf("%w: no default virtual host", ErrConfiguration)

// defaultResolveCacheSize bounds the per-table resolution cache.
const defaultResolveCacheSize = 4096

// GlobalConfig is the base layer of the inheritance chain.
type GlobalConfig struct {
	Thresholds      model.Thresholds
	BlockedKeywords []string
	FlaggedKeywords map[string]float64
}

// Resolved is the effective merged configuration for one request. Values are
// shared between requests; callers must treat it as read-only.
type Resolved struct {
	VHost    *model.VirtualHost
	Endpoint *model.Endpoint // nil when no endpoint policy matched

	Mode            model.EndpointMode
	Thresholds      model.Thresholds
	BlockedKeywords map[string]struct{}
	FlaggedKeywords map[string]float64
	Fields          model.FieldRules
	RoutingTarget   string

	// Passthrough means the request bypasses scoring entirely, either via
	// a disabled vhost/endpoint or an explicit passthrough mode. This is a
	// policy result, not an error.
	Passthrough bool
}

// Table is an immutable resolution index over one config snapshot.
type Table struct {
	global GlobalConfig
	hosts  *hostIndex
	paths  *pathIndex
	vhosts map[string]*model.VirtualHost
	cache  otter.Cache[string, *Resolved]
}

// BuildTable compiles vhosts and endpoints into a resolution table.
// Exactly the misconfigurations that cannot be recovered per-request are
// rejected here: missing default vhost, bad wildcard patterns, bad regexes.
func BuildTable(vhosts []model.VirtualHost, endpoints []model.Endpoint, global GlobalConfig) (*Table, error) {
	hosts, vhostsByID, err := buildHostIndex(vhosts)
	if err != nil {
		return nil, err
	}
	paths, err := buildPathIndex(endpoints)
	if err != nil {
		return nil, err
	}
	cache, err := otter.MustBuilder[string, *Resolved](defaultResolveCacheSize).
		Cost(func(_ string, _ *Resolved) uint32 { return 1 }).
		Build()
	if err != nil {
		return nil, fmt.Errorf("%w: resolve cache: %v", ErrConfiguration, err)
	}
	return &Table{
		global: global,
		hosts:  hosts,
		paths:  paths,
		vhosts: vhostsByID,
		cache:  cache,
	}, nil
}

// Resolve returns the effective configuration for (hostname, path, method).
// Deterministic: repeated calls against the same Table return the same
// result.
func (t *Table) Resolve(hostname, path, method string) *Resolved {
	host := CanonicalHost(hostname)
	method = strings.ToUpper(method)

	cacheKey := host + "\x00" + method + "\x00" + path
	if cached, ok := t.cache.Get(cacheKey); ok {
		return cached
	}

	resolved := t.resolve(host, path, method)
	t.cache.Set(cacheKey, resolved)
	return resolved
}

func (t *Table) resolve(host, path, method string) *Resolved {
	vhost := t.vhosts[t.hosts.match(host)]

	if !vhost.Enabled {
		return &Resolved{VHost: vhost, Mode: model.ModePassthrough, Passthrough: true}
	}

	endpoint := t.paths.match(vhost.ID, path, method)
	if endpoint != nil && !endpoint.Enabled {
		return &Resolved{VHost: vhost, Endpoint: endpoint, Mode: model.ModePassthrough, Passthrough: true}
	}

	thresholds := mergeThresholds(t.global.Thresholds, vhost.Thresholds)
	blocked, flagged := mergeKeywords(t.global.BlockedKeywords, t.global.FlaggedKeywords, vhost.Keywords)

	resolved := &Resolved{
		VHost:         vhost,
		Endpoint:      endpoint,
		Mode:          model.ModeBlocking,
		RoutingTarget: vhost.RoutingTarget,
	}
	if endpoint != nil {
		thresholds = mergeThresholds(thresholds, endpoint.Thresholds)
		blocked, flagged = mergeKeywords(blocked, flagged, endpoint.Keywords)
		resolved.Fields = endpoint.Fields
		if endpoint.Mode.IsValid() {
			resolved.Mode = endpoint.Mode
		}
	}
	resolved.Thresholds = thresholds
	resolved.BlockedKeywords = keywordSet(blocked)
	resolved.FlaggedKeywords = flagged
	resolved.Passthrough = resolved.Mode == model.ModePassthrough
	return resolved
}

// DefaultVHostID returns the id of the fallback virtual host.
func (t *Table) DefaultVHostID() string {
	return t.hosts.defaultID
}

// VHostIDs returns all configured virtual host ids, sorted.
func (t *Table) VHostIDs() []string {
	ids := make([]string, 0, len(t.vhosts))
	for id := range t.vhosts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CanonicalHost lowercases a request hostname and strips any port.
func CanonicalHost(hostname string) string {
	host := strings.TrimSpace(strings.ToLower(hostname))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimSuffix(host, ".")
}
