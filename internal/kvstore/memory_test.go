package kvstore

import (
	"context"
	"testing"
	"time"
)

func TestMemoryKV_GetSet(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()

	if _, ok, err := kv.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}
	if err := kv.Set(ctx, "a", "1", 0); err != nil {
		t.Fatal(err)
	}
	val, ok, err := kv.Get(ctx, "a")
	if err != nil || !ok || val != "1" {
		t.Fatalf("got %q ok=%v err=%v", val, ok, err)
	}
}

func TestMemoryKV_TTLExpiry(t *testing.T) {
	kv := NewMemoryKV()
	now := time.Now()
	kv.SetClock(func() time.Time { return now })
	ctx := context.Background()

	if err := kv.Set(ctx, "a", "1", time.Second); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := kv.Get(ctx, "a"); !ok {
		t.Fatal("key should be live before ttl")
	}
	now = now.Add(2 * time.Second)
	if _, ok, _ := kv.Get(ctx, "a"); ok {
		t.Fatal("key should have expired")
	}
}

func TestMemoryKV_SetNX(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()

	ok, err := kv.SetNX(ctx, "lease", "holder-1", 0)
	if err != nil || !ok {
		t.Fatalf("first setnx: ok=%v err=%v", ok, err)
	}
	ok, err = kv.SetNX(ctx, "lease", "holder-2", 0)
	if err != nil || ok {
		t.Fatalf("second setnx should fail: ok=%v err=%v", ok, err)
	}
	val, _, _ := kv.Get(ctx, "lease")
	if val != "holder-1" {
		t.Fatalf("value overwritten: %q", val)
	}
}

func TestMemoryKV_SetNXAfterExpiry(t *testing.T) {
	kv := NewMemoryKV()
	now := time.Now()
	kv.SetClock(func() time.Time { return now })
	ctx := context.Background()

	if ok, _ := kv.SetNX(ctx, "lease", "holder-1", time.Second); !ok {
		t.Fatal("first setnx should succeed")
	}
	now = now.Add(2 * time.Second)
	if ok, _ := kv.SetNX(ctx, "lease", "holder-2", time.Second); !ok {
		t.Fatal("setnx after expiry should succeed")
	}
}

func TestMemoryKV_CompareAndSwap(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()

	if err := kv.Set(ctx, "k", "old", 0); err != nil {
		t.Fatal(err)
	}
	ok, err := kv.CompareAndSwap(ctx, "k", "wrong", "new", 0)
	if err != nil || ok {
		t.Fatalf("cas with wrong old value should fail: ok=%v err=%v", ok, err)
	}
	ok, err = kv.CompareAndSwap(ctx, "k", "old", "new", 0)
	if err != nil || !ok {
		t.Fatalf("cas with matching old value: ok=%v err=%v", ok, err)
	}
	val, _, _ := kv.Get(ctx, "k")
	if val != "new" {
		t.Fatalf("got %q, want new", val)
	}
	// CAS against a missing key never succeeds.
	ok, _ = kv.CompareAndSwap(ctx, "absent", "", "v", 0)
	if ok {
		t.Fatal("cas on missing key should fail")
	}
}

func TestMemoryKV_ScanPrefix(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()

	kv.Set(ctx, "vhost:a", "1", 0)
	kv.Set(ctx, "vhost:b", "2", 0)
	kv.Set(ctx, "endpoint:a", "3", 0)

	got, err := kv.ScanPrefix(ctx, "vhost:")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got["vhost:a"] != "1" || got["vhost:b"] != "2" {
		t.Fatalf("unexpected scan result: %v", got)
	}
}
