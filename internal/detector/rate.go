package detector

import (
	"context"
	"time"

	"github.com/formgate/formgate/internal/model"
)

// DuplicateContent scores submissions whose content digest has already been
// seen too often within the rate window. Counts come from the replicated
// counter view and are eventually consistent across the fleet.
type DuplicateContent struct{}

// Name implements Detector.
func (DuplicateContent) Name() string { return "duplicate-content" }

// Run implements Detector.
func (DuplicateContent) Run(_ context.Context, req *Request) Result {
	res := Result{Detector: "duplicate-content"}
	limit := req.Resolved.Thresholds.DuplicateLimit
	windowSecs := req.Resolved.Thresholds.IPRateWindowSecs
	if limit <= 0 || windowSecs <= 0 || req.Counters == nil || req.Digest.IsZero() {
		return res
	}
	window := time.Duration(windowSecs) * time.Second
	if count := req.Counters.Count(model.CounterContentHash, req.Digest.Hex(), window); count >= limit {
		res.Score = scoreDuplicate
		res.Flags = append(res.Flags, "duplicate-content")
		res.Matched = append(res.Matched, req.Digest.Hex())
	}
	return res
}

// IPRate scores clients submitting faster than the resolved per-IP limit.
type IPRate struct{}

// Name implements Detector.
func (IPRate) Name() string { return "ip-rate" }

// Run implements Detector.
func (IPRate) Run(_ context.Context, req *Request) Result {
	res := Result{Detector: "ip-rate"}
	limit := req.Resolved.Thresholds.IPRateLimit
	windowSecs := req.Resolved.Thresholds.IPRateWindowSecs
	if limit <= 0 || windowSecs <= 0 || req.Counters == nil || !req.Submission.ClientIP.IsValid() {
		return res
	}
	ip := req.Submission.ClientIP.Unmap().String()
	window := time.Duration(windowSecs) * time.Second
	if count := req.Counters.Count(model.CounterIP, ip, window); count >= limit {
		res.Score = scoreIPRate
		res.Flags = append(res.Flags, "ip-rate-exceeded")
		res.Matched = append(res.Matched, ip)
	}
	return res
}

// DigestBlocklist force-blocks submissions whose content digest is on the
// operator blocklist.
type DigestBlocklist struct{}

// Name implements Detector.
func (DigestBlocklist) Name() string { return "digest-blocklist" }

// Run implements Detector.
func (DigestBlocklist) Run(_ context.Context, req *Request) Result {
	res := Result{Detector: "digest-blocklist"}
	if req.DigestBlocked == nil || req.Digest.IsZero() {
		return res
	}
	if req.DigestBlocked(req.Digest) {
		res.ForceBlock = true
		res.Flags = append(res.Flags, "blocked-content-digest")
		res.Matched = append(res.Matched, req.Digest.Hex())
	}
	return res
}
