package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"net/netip"
	"testing"

	"github.com/formgate/formgate/internal/form"
	"github.com/formgate/formgate/internal/kvstore"
	"github.com/formgate/formgate/internal/model"
	"github.com/formgate/formgate/internal/resolver"
)

func seedVHost(t *testing.T, c *Client, vh model.VirtualHost) {
	t.Helper()
	if err := c.PutVirtualHost(context.Background(), vh); err != nil {
		t.Fatal(err)
	}
}

func defaultVHost() model.VirtualHost {
	return model.VirtualHost{
		ID:      "default",
		Enabled: true,
		Default: true,
	}
}

func TestSync_BuildsSnapshotFromStore(t *testing.T) {
	kv := kvstore.NewMemoryKV()
	c := New(Config{KV: kv})
	ctx := context.Background()

	seedVHost(t, c, defaultVHost())
	seedVHost(t, c, model.VirtualHost{
		ID:           "shop",
		HostPatterns: []string{"shop.example.com"},
		Enabled:      true,
	})
	if err := c.PutEndpoint(ctx, model.Endpoint{
		ID:       "contact",
		VHostID:  "shop",
		Matchers: []model.PathMatcher{{Kind: model.PathMatchExact, Pattern: "/contact"}},
		Mode:     model.ModeStrict,
		Enabled:  true,
	}); err != nil {
		t.Fatal(err)
	}

	if err := c.Sync(ctx, true); err != nil {
		t.Fatal(err)
	}
	snap := c.Snapshot()
	if snap == nil {
		t.Fatal("no snapshot after sync")
	}

	resolved := snap.Table.Resolve("shop.example.com", "/contact", "POST")
	if resolved.VHost.ID != "shop" {
		t.Fatalf("resolved vhost = %s, want shop", resolved.VHost.ID)
	}
	if resolved.Mode != model.ModeStrict {
		t.Fatalf("resolved mode = %s, want strict", resolved.Mode)
	}
}

func TestSync_VersionFastPath(t *testing.T) {
	kv := kvstore.NewMemoryKV()
	c := New(Config{KV: kv})
	ctx := context.Background()

	seedVHost(t, c, defaultVHost())
	if err := c.Sync(ctx, true); err != nil {
		t.Fatal(err)
	}
	first := c.Snapshot()

	// A direct write without a version bump is invisible to a plain sync.
	doc, _ := json.Marshal(model.VirtualHost{
		ID: "shop", HostPatterns: []string{"shop.example.com"}, Enabled: true,
	})
	if err := kv.Set(ctx, vhostKeyPrefix+"shop", string(doc), 0); err != nil {
		t.Fatal(err)
	}
	if err := c.Sync(ctx, false); err != nil {
		t.Fatal(err)
	}
	if c.Snapshot() != first {
		t.Fatal("unchanged version must not rebuild the snapshot")
	}

	// The leader resync duty ignores the fast path.
	if err := c.ForceSync(ctx); err != nil {
		t.Fatal(err)
	}
	if c.Snapshot() == first {
		t.Fatal("forced sync must rebuild the snapshot")
	}
	if got := c.Snapshot().Table.Resolve("shop.example.com", "/", "POST").VHost.ID; got != "shop" {
		t.Fatalf("resolved vhost = %s, want shop", got)
	}
}

func TestSync_MissingDefaultVHostIsFatal(t *testing.T) {
	kv := kvstore.NewMemoryKV()
	c := New(Config{KV: kv})
	ctx := context.Background()

	seedVHost(t, c, model.VirtualHost{
		ID:           "shop",
		HostPatterns: []string{"shop.example.com"},
		Enabled:      true,
	})
	err := c.Sync(ctx, true)
	if !errors.Is(err, resolver.ErrNoDefaultVHost) {
		t.Fatalf("err = %v, want ErrNoDefaultVHost", err)
	}
}

func TestSync_BlockedDigestsAndIPLists(t *testing.T) {
	kv := kvstore.NewMemoryKV()
	c := New(Config{KV: kv})
	ctx := context.Background()

	seedVHost(t, c, defaultVHost())

	sub := &form.Submission{Fields: map[string][]string{"message": {"buy now"}}}
	digest := form.Fingerprint(sub)
	if err := c.SetBlockedDigests(ctx, []string{digest.Hex(), "not-hex"}); err != nil {
		t.Fatal(err)
	}
	if err := c.SetIPAllowlist(ctx, []string{"10.0.0.0/8", "192.0.2.7"}); err != nil {
		t.Fatal(err)
	}
	if err := c.SetIPDenylist(ctx, []string{"198.51.100.0/24"}); err != nil {
		t.Fatal(err)
	}

	if err := c.Sync(ctx, true); err != nil {
		t.Fatal(err)
	}
	snap := c.Snapshot()

	if !snap.DigestBlocked(digest) {
		t.Fatal("digest should be blocked")
	}
	if snap.DigestBlocked(form.ZeroDigest) {
		t.Fatal("zero digest should not be blocked")
	}
	if len(snap.BlockedDigests) != 1 {
		t.Fatalf("malformed digest entries must be skipped, got %d", len(snap.BlockedDigests))
	}

	for addr, want := range map[string]bool{
		"10.1.2.3":  true,
		"192.0.2.7": true,
		"192.0.2.8": false,
	} {
		if got := snap.IPAllowed(netip.MustParseAddr(addr)); got != want {
			t.Errorf("IPAllowed(%s) = %v, want %v", addr, got, want)
		}
	}
	if !snap.IPDenied(netip.MustParseAddr("198.51.100.42")) {
		t.Fatal("denied range should match")
	}
}

func TestSeedDefaults(t *testing.T) {
	kv := kvstore.NewMemoryKV()
	c := New(Config{KV: kv})
	ctx := context.Background()

	seedVHost(t, c, defaultVHost())
	if err := c.SeedDefaults(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Sync(ctx, true); err != nil {
		t.Fatal(err)
	}

	resolved := c.Snapshot().Table.Resolve("anything.example.com", "/", "POST")
	if len(resolved.BlockedKeywords) == 0 {
		t.Fatal("seeded blocked keywords should reach resolution")
	}
	if resolved.Thresholds.SpamScoreBlock <= resolved.Thresholds.SpamScoreFlag {
		t.Fatal("seeded block threshold should exceed flag threshold")
	}

	// Seeding again must not clobber operator data.
	if err := c.SetBlockedKeywords(ctx, []string{"only this"}); err != nil {
		t.Fatal(err)
	}
	if err := c.SeedDefaults(ctx); err != nil {
		t.Fatal(err)
	}
	raw, ok, err := kv.Get(ctx, keyBlockedKeywords)
	if err != nil || !ok {
		t.Fatalf("blocked keywords missing: ok=%v err=%v", ok, err)
	}
	var got []string
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "only this" {
		t.Fatalf("seed overwrote operator data: %v", got)
	}
}

func TestPutEndpoint_RejectsUnknownMode(t *testing.T) {
	c := New(Config{KV: kvstore.NewMemoryKV()})
	err := c.PutEndpoint(context.Background(), model.Endpoint{ID: "e", Mode: "observe"})
	if err == nil {
		t.Fatal("unknown mode should be rejected")
	}
}
