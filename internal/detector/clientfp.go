package detector

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/formgate/formgate/internal/form"
	"github.com/formgate/formgate/internal/model"
)

// ClientFingerprint derives a stable, cheap identifier for the submitting
// client from request attributes that survive IP rotation within a network:
// user agent, accept headers, and the address prefix. 128-bit xxh3, hex.
func ClientFingerprint(sub *form.Submission) string {
	material := sub.UserAgent +
		"\x1f" + sub.Headers["Accept-Language"] +
		"\x1f" + sub.Headers["Accept-Encoding"] +
		"\x1f" + addrPrefix(sub.ClientIP)
	h := xxh3.Hash128([]byte(material))
	return fmt.Sprintf("%016x%016x", h.Hi, h.Lo)
}

// addrPrefix masks the client address to /24 (v4) or /48 (v6) so a bot
// rotating through one allocation keeps a single fingerprint.
func addrPrefix(addr netip.Addr) string {
	if !addr.IsValid() {
		return ""
	}
	addr = addr.Unmap()
	bits := 24
	if addr.Is6() {
		bits = 48
	}
	p, err := addr.Prefix(bits)
	if err != nil {
		return addr.String()
	}
	return p.String()
}

// FingerprintRate scores clients whose fingerprint has been seen too often
// across the fleet within the rate window, catching distributed runs that
// rotate IPs but keep one client stack.
type FingerprintRate struct{}

// Name implements Detector.
func (FingerprintRate) Name() string { return "fingerprint-rate" }

// Run implements Detector.
func (FingerprintRate) Run(_ context.Context, req *Request) Result {
	res := Result{Detector: "fingerprint-rate"}
	limit := req.Resolved.Thresholds.IPRateLimit
	windowSecs := req.Resolved.Thresholds.IPRateWindowSecs
	if limit <= 0 || windowSecs <= 0 || req.Counters == nil {
		return res
	}
	fp := ClientFingerprint(req.Submission)
	if fp == "" {
		return res
	}
	window := time.Duration(windowSecs) * time.Second
	// Fingerprints aggregate whole network prefixes, so the trip point sits
	// above the per-IP limit.
	if count := req.Counters.Count(model.CounterFingerprint, fp, window); count >= limit*2 {
		res.Score = scoreFingerprintRate
		res.Flags = append(res.Flags, "fingerprint-rate-exceeded")
		res.Matched = append(res.Matched, fp)
	}
	return res
}
