// Package configstore loads dynamic configuration from the shared KV store
// into immutable snapshots. Every reader sees exactly one snapshot per
// request; a jittered poll loop swaps in new snapshots when the version key
// changes.
package configstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand/v2"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/formgate/formgate/internal/form"
	"github.com/formgate/formgate/internal/kvstore"
	"github.com/formgate/formgate/internal/model"
	"github.com/formgate/formgate/internal/resolver"
)

// Sync loop timing defaults. Jitter keeps a fleet from polling in lockstep.
const (
	defaultSyncInterval = 15 * time.Second
	defaultSyncJitter   = 5 * time.Second
	syncTimeout         = 10 * time.Second
)

// Config configures a Client.
type Config struct {
	KV           kvstore.KV
	SyncInterval time.Duration
	SyncJitter   time.Duration
}

// Client polls the shared store and publishes configuration snapshots.
type Client struct {
	kv           kvstore.KV
	syncInterval time.Duration
	syncJitter   time.Duration

	snap atomic.Pointer[Snapshot]

	stopCh chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
}

// New creates a client. Call Start to perform the initial sync and begin
// polling.
func New(cfg Config) *Client {
	interval := cfg.SyncInterval
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	jitter := cfg.SyncJitter
	if jitter <= 0 {
		jitter = defaultSyncJitter
	}
	return &Client{
		kv:           cfg.KV,
		syncInterval: interval,
		syncJitter:   jitter,
		stopCh:       make(chan struct{}),
		now:          time.Now,
	}
}

// Start performs the initial synchronous load and launches the poll loop.
// An initial load failure is fatal: the instance must not serve without a
// valid snapshot.
func (c *Client) Start(ctx context.Context) error {
	if err := c.Sync(ctx, true); err != nil {
		return err
	}
	c.wg.Add(1)
	go c.syncLoop()
	return nil
}

// Stop terminates the poll loop.
func (c *Client) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// Snapshot returns the current configuration snapshot. Never nil after a
// successful Start.
func (c *Client) Snapshot() *Snapshot {
	return c.snap.Load()
}

func (c *Client) syncLoop() {
	defer c.wg.Done()
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C // drain initial fire

	for {
		interval := c.syncInterval + time.Duration(rand.Int64N(int64(c.syncJitter)))
		timer.Reset(interval)
		select {
		case <-c.stopCh:
			return
		case <-timer.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
		if err := c.Sync(ctx, false); err != nil {
			// Keep serving the previous snapshot; next cycle retries.
			log.Printf("[configstore] sync: %v", err)
		}
		cancel()
	}
}

// Sync rebuilds the snapshot from the store. Without force it is a no-op
// when the version key is unchanged since the current snapshot.
func (c *Client) Sync(ctx context.Context, force bool) error {
	version, _, err := c.kv.Get(ctx, keyVersion)
	if err != nil {
		return fmt.Errorf("configstore: read version: %w", err)
	}
	if cur := c.snap.Load(); !force && cur != nil && version != "" && cur.Version == version {
		return nil
	}

	snap, err := c.build(ctx, version)
	if err != nil {
		return err
	}
	c.snap.Store(snap)
	log.Printf("[configstore] snapshot refreshed: version=%q vhosts=%d", version, len(snap.Table.VHostIDs()))
	return nil
}

// ForceSync is the leader resync duty body: rebuild unconditionally so a
// missed version bump cannot leave the fleet stale forever.
func (c *Client) ForceSync(ctx context.Context) error {
	return c.Sync(ctx, true)
}

func (c *Client) build(ctx context.Context, version string) (*Snapshot, error) {
	global, err := c.loadGlobal(ctx)
	if err != nil {
		return nil, err
	}
	vhosts, err := loadDocs[model.VirtualHost](ctx, c.kv, vhostKeyPrefix)
	if err != nil {
		return nil, err
	}
	endpoints, err := loadDocs[model.Endpoint](ctx, c.kv, endpointKeyPrefix)
	if err != nil {
		return nil, err
	}

	table, err := resolver.BuildTable(vhosts, endpoints, global)
	if err != nil {
		return nil, err
	}

	digests, err := c.loadDigests(ctx)
	if err != nil {
		return nil, err
	}
	allow, err := c.loadPrefixList(ctx, keyIPAllow)
	if err != nil {
		return nil, err
	}
	deny, err := c.loadPrefixList(ctx, keyIPDeny)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Version:        version,
		RefreshedAt:    c.now(),
		Table:          table,
		BlockedDigests: digests,
		AllowNets:      allow,
		DenyNets:       deny,
	}, nil
}

func (c *Client) loadGlobal(ctx context.Context) (resolver.GlobalConfig, error) {
	global := resolver.GlobalConfig{Thresholds: DefaultThresholds()}

	if raw, ok, err := c.kv.Get(ctx, keyGlobalThresholds); err != nil {
		return global, fmt.Errorf("configstore: read thresholds: %w", err)
	} else if ok {
		if err := json.Unmarshal([]byte(raw), &global.Thresholds); err != nil {
			return global, fmt.Errorf("configstore: decode thresholds: %w", err)
		}
	}

	if raw, ok, err := c.kv.Get(ctx, keyBlockedKeywords); err != nil {
		return global, fmt.Errorf("configstore: read blocked keywords: %w", err)
	} else if ok {
		if err := json.Unmarshal([]byte(raw), &global.BlockedKeywords); err != nil {
			return global, fmt.Errorf("configstore: decode blocked keywords: %w", err)
		}
	}

	if raw, ok, err := c.kv.Get(ctx, keyFlaggedKeywords); err != nil {
		return global, fmt.Errorf("configstore: read flagged keywords: %w", err)
	} else if ok {
		if err := json.Unmarshal([]byte(raw), &global.FlaggedKeywords); err != nil {
			return global, fmt.Errorf("configstore: decode flagged keywords: %w", err)
		}
	}
	return global, nil
}

func (c *Client) loadDigests(ctx context.Context) (map[form.Digest]struct{}, error) {
	raw, ok, err := c.kv.Get(ctx, keyBlockedDigests)
	if err != nil {
		return nil, fmt.Errorf("configstore: read blocked digests: %w", err)
	}
	out := make(map[form.Digest]struct{})
	if !ok {
		return out, nil
	}
	var hexes []string
	if err := json.Unmarshal([]byte(raw), &hexes); err != nil {
		return nil, fmt.Errorf("configstore: decode blocked digests: %w", err)
	}
	for _, h := range hexes {
		d, err := form.ParseDigestHex(h)
		if err != nil {
			log.Printf("[configstore] skipping malformed blocked digest %q: %v", h, err)
			continue
		}
		out[d] = struct{}{}
	}
	return out, nil
}

func (c *Client) loadPrefixList(ctx context.Context, key string) ([]netip.Prefix, error) {
	raw, ok, err := c.kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("configstore: read %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	var entries []string
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("configstore: decode %s: %w", key, err)
	}
	var out []netip.Prefix
	for _, entry := range entries {
		p, err := parseAddrOrPrefix(entry)
		if err != nil {
			log.Printf("[configstore] skipping malformed entry %q in %s: %v", entry, key, err)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// parseAddrOrPrefix accepts CIDR notation or a bare address (treated as a
// single-host prefix).
func parseAddrOrPrefix(s string) (netip.Prefix, error) {
	if p, err := netip.ParsePrefix(s); err == nil {
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func loadDocs[T any](ctx context.Context, kv kvstore.KV, prefix string) ([]T, error) {
	entries, err := kv.ScanPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("configstore: scan %s: %w", prefix, err)
	}
	out := make([]T, 0, len(entries))
	for key, raw := range entries {
		var doc T
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			log.Printf("[configstore] skipping malformed document %s: %v", key, err)
			continue
		}
		out = append(out, doc)
	}
	return out, nil
}

// Mutators below back the admin surface. Each write bumps the version key
// so pollers pick the change up on their next cycle.

// PutVirtualHost upserts a vhost document.
func (c *Client) PutVirtualHost(ctx context.Context, vh model.VirtualHost) error {
	if vh.ID == "" {
		return fmt.Errorf("configstore: vhost id is required")
	}
	vh.UpdatedAtNs = c.now().UnixNano()
	return c.putDoc(ctx, vhostKeyPrefix+vh.ID, vh)
}

// DeleteVirtualHost removes a vhost document.
func (c *Client) DeleteVirtualHost(ctx context.Context, id string) error {
	if err := c.kv.Delete(ctx, vhostKeyPrefix+id); err != nil {
		return fmt.Errorf("configstore: delete vhost %s: %w", id, err)
	}
	return c.bumpVersion(ctx)
}

// PutEndpoint upserts an endpoint document.
func (c *Client) PutEndpoint(ctx context.Context, ep model.Endpoint) error {
	if ep.ID == "" {
		return fmt.Errorf("configstore: endpoint id is required")
	}
	if !ep.Mode.IsValid() {
		return fmt.Errorf("configstore: endpoint %s: unknown mode %q", ep.ID, ep.Mode)
	}
	ep.UpdatedAtNs = c.now().UnixNano()
	return c.putDoc(ctx, endpointKeyPrefix+ep.ID, ep)
}

// DeleteEndpoint removes an endpoint document.
func (c *Client) DeleteEndpoint(ctx context.Context, id string) error {
	if err := c.kv.Delete(ctx, endpointKeyPrefix+id); err != nil {
		return fmt.Errorf("configstore: delete endpoint %s: %w", id, err)
	}
	return c.bumpVersion(ctx)
}

// SetBlockedKeywords replaces the global blocked keyword list.
func (c *Client) SetBlockedKeywords(ctx context.Context, keywords []string) error {
	return c.putDoc(ctx, keyBlockedKeywords, keywords)
}

// SetFlaggedKeywords replaces the global flagged keyword weights.
func (c *Client) SetFlaggedKeywords(ctx context.Context, keywords map[string]float64) error {
	return c.putDoc(ctx, keyFlaggedKeywords, keywords)
}

// SetBlockedDigests replaces the blocked content-digest set.
func (c *Client) SetBlockedDigests(ctx context.Context, hexDigests []string) error {
	return c.putDoc(ctx, keyBlockedDigests, hexDigests)
}

// SetIPAllowlist replaces the operator IP allow-list.
func (c *Client) SetIPAllowlist(ctx context.Context, entries []string) error {
	return c.putDoc(ctx, keyIPAllow, entries)
}

// SetIPDenylist replaces the operator IP deny-list.
func (c *Client) SetIPDenylist(ctx context.Context, entries []string) error {
	return c.putDoc(ctx, keyIPDeny, entries)
}

// SetGlobalThresholds replaces the global threshold document.
func (c *Client) SetGlobalThresholds(ctx context.Context, t model.Thresholds) error {
	return c.putDoc(ctx, keyGlobalThresholds, t)
}

func (c *Client) putDoc(ctx context.Context, key string, doc any) error {
	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("configstore: encode %s: %w", key, err)
	}
	if err := c.kv.Set(ctx, key, string(encoded), 0); err != nil {
		return fmt.Errorf("configstore: write %s: %w", key, err)
	}
	return c.bumpVersion(ctx)
}

func (c *Client) bumpVersion(ctx context.Context) error {
	if err := c.kv.Set(ctx, keyVersion, uuid.NewString(), 0); err != nil {
		return fmt.Errorf("configstore: bump version: %w", err)
	}
	return nil
}
