package detector

import (
	"context"
	"net/netip"
	"slices"
	"testing"
	"time"

	"github.com/formgate/formgate/internal/form"
	"github.com/formgate/formgate/internal/model"
)

// fakeCounters answers from a fixed table keyed "kind:value".
type fakeCounters struct {
	counts map[string]int64
}

func (f fakeCounters) Count(kind model.CounterKind, value string, _ time.Duration) int64 {
	return f.counts[string(kind)+":"+value]
}

func TestDuplicateContent(t *testing.T) {
	resolved := baseResolved()
	resolved.Thresholds = model.Thresholds{DuplicateLimit: 5, IPRateWindowSecs: 600}
	req := newRequest(map[string][]string{"message": {"same thing again"}}, resolved)

	t.Run("under the limit", func(t *testing.T) {
		req.Counters = fakeCounters{counts: map[string]int64{"hash:" + req.Digest.Hex(): 4}}
		if res := (DuplicateContent{}).Run(context.Background(), req); res.Score != 0 {
			t.Fatalf("got %+v", res)
		}
	})
	t.Run("at the limit", func(t *testing.T) {
		req.Counters = fakeCounters{counts: map[string]int64{"hash:" + req.Digest.Hex(): 5}}
		res := DuplicateContent{}.Run(context.Background(), req)
		if res.Score != scoreDuplicate || !slices.Contains(res.Flags, "duplicate-content") {
			t.Fatalf("got %+v", res)
		}
	})
	t.Run("disabled limit", func(t *testing.T) {
		off := baseResolved()
		off.Thresholds = model.Thresholds{DuplicateLimit: 0, IPRateWindowSecs: 600}
		reqOff := newRequest(map[string][]string{"message": {"same thing again"}}, off)
		reqOff.Counters = fakeCounters{counts: map[string]int64{"hash:" + reqOff.Digest.Hex(): 1000}}
		if res := (DuplicateContent{}).Run(context.Background(), reqOff); res.Score != 0 {
			t.Fatalf("got %+v", res)
		}
	})
}

func TestIPRate(t *testing.T) {
	resolved := baseResolved()
	resolved.Thresholds = model.Thresholds{IPRateLimit: 30, IPRateWindowSecs: 600}
	req := newRequest(map[string][]string{"message": {"hello"}}, resolved)

	req.Counters = fakeCounters{counts: map[string]int64{"ip:198.51.100.7": 29}}
	if res := (IPRate{}).Run(context.Background(), req); res.Score != 0 {
		t.Fatalf("under limit scored: %+v", res)
	}

	req.Counters = fakeCounters{counts: map[string]int64{"ip:198.51.100.7": 30}}
	res := IPRate{}.Run(context.Background(), req)
	if res.Score != scoreIPRate || !slices.Contains(res.Flags, "ip-rate-exceeded") {
		t.Fatalf("got %+v", res)
	}
}

func TestFingerprintRate(t *testing.T) {
	resolved := baseResolved()
	resolved.Thresholds = model.Thresholds{IPRateLimit: 30, IPRateWindowSecs: 600}
	req := newRequest(map[string][]string{"message": {"hello"}}, resolved)
	req.Submission.UserAgent = "Mozilla/5.0"
	fp := ClientFingerprint(req.Submission)

	req.Counters = fakeCounters{counts: map[string]int64{"fp:" + fp: 59}}
	if res := (FingerprintRate{}).Run(context.Background(), req); res.Score != 0 {
		t.Fatalf("under limit scored: %+v", res)
	}

	req.Counters = fakeCounters{counts: map[string]int64{"fp:" + fp: 60}}
	res := FingerprintRate{}.Run(context.Background(), req)
	if res.Score != scoreFingerprintRate {
		t.Fatalf("got %+v", res)
	}
}

func TestClientFingerprint_StableAcrossPrefixRotation(t *testing.T) {
	a := &form.Submission{
		UserAgent: "Mozilla/5.0",
		Headers:   map[string]string{"Accept-Language": "en-US"},
		ClientIP:  netip.MustParseAddr("198.51.100.7"),
	}
	b := &form.Submission{
		UserAgent: "Mozilla/5.0",
		Headers:   map[string]string{"Accept-Language": "en-US"},
		ClientIP:  netip.MustParseAddr("198.51.100.200"),
	}
	c := &form.Submission{
		UserAgent: "Mozilla/5.0",
		Headers:   map[string]string{"Accept-Language": "en-US"},
		ClientIP:  netip.MustParseAddr("198.51.101.7"),
	}
	if ClientFingerprint(a) != ClientFingerprint(b) {
		t.Fatal("same /24 should share a fingerprint")
	}
	if ClientFingerprint(a) == ClientFingerprint(c) {
		t.Fatal("different /24 should differ")
	}
	d := &form.Submission{
		UserAgent: "curl/8.0",
		Headers:   map[string]string{"Accept-Language": "en-US"},
		ClientIP:  netip.MustParseAddr("198.51.100.7"),
	}
	if ClientFingerprint(a) == ClientFingerprint(d) {
		t.Fatal("different user agent should differ")
	}
}

func TestDigestBlocklist(t *testing.T) {
	resolved := baseResolved()
	req := newRequest(map[string][]string{"message": {"known spam body"}}, resolved)

	req.DigestBlocked = func(d form.Digest) bool { return d == req.Digest }
	res := DigestBlocklist{}.Run(context.Background(), req)
	if !res.ForceBlock || !slices.Contains(res.Flags, "blocked-content-digest") {
		t.Fatalf("got %+v", res)
	}

	req.DigestBlocked = func(form.Digest) bool { return false }
	if res := (DigestBlocklist{}).Run(context.Background(), req); res.ForceBlock {
		t.Fatalf("got %+v", res)
	}
}
