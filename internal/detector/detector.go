// Package detector holds the independent signal scorers. Every detector is
// a pure function over the parsed submission, the resolved configuration,
// and the read-only counter view; detectors are safe to run in any order or
// in parallel, and a failing external provider contributes nothing rather
// than blocking.
package detector

import (
	"context"
	"time"

	"github.com/formgate/formgate/internal/counter"
	"github.com/formgate/formgate/internal/form"
	"github.com/formgate/formgate/internal/resolver"
)

// Result is one detector's contribution to a decision.
type Result struct {
	Detector string   `json:"detector"`
	Score    float64  `json:"score"`
	Flags    []string `json:"flags,omitempty"`
	Matched  []string `json:"matched,omitempty"` // matched values, for audit
	// ForceBlock short-circuits score accumulation. Only the keyword and
	// honeypot detectors (and the digest blocklist) may set it.
	ForceBlock bool `json:"force_block,omitempty"`
}

// Request is the immutable input shared by all detectors for one
// submission.
type Request struct {
	Submission *form.Submission
	Resolved   *resolver.Resolved
	Counters   counter.View
	Digest     form.Digest

	// DigestBlocked consults the blocked content-digest set. Nil when no
	// blocklist is configured.
	DigestBlocked func(form.Digest) bool

	Now time.Time
}

// Detector scores one signal.
type Detector interface {
	Name() string
	Run(ctx context.Context, req *Request) Result
}

// Default score contributions. Endpoint thresholds decide what they add up
// to; the relative weights here encode how suspicious each signal is on its
// own.
const (
	scoreHoneypot        = 8.0
	scoreDisposableEmail = 3.0
	scorePerExtraLink    = 1.5
	scoreMissingRequired = 2.0
	scoreUnexpectedField = 1.0
	scoreOverlongField   = 2.0
	scoreMissingToken    = 6.0
	scoreTooFast         = 7.0
	scoreExpiredToken    = 3.0
	scoreDuplicate       = 6.0
	scoreIPRate          = 6.0
	scoreFingerprintRate = 4.0
	scoreGeoBlocked      = 5.0
	scoreLocalBlocklist  = 10.0
)

// linkAllowance is how many URLs a submission may carry before the link
// detector starts scoring.
const linkAllowance = 2
