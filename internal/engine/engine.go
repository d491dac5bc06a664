// Package engine aggregates detector results into a decision. Aggregation
// is commutative, so detector execution order never changes the verdict.
package engine

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/formgate/formgate/internal/detector"
	"github.com/formgate/formgate/internal/model"
	"github.com/formgate/formgate/internal/resolver"
)

// Outcome is the verdict for a submission.
type Outcome string

const (
	OutcomeAllow     Outcome = "allow"
	OutcomeFlag      Outcome = "flag"
	OutcomeChallenge Outcome = "challenge"
	OutcomeBlock     Outcome = "block"
)

// Decision is the terminal result for one submission.
type Decision struct {
	ID string `json:"id"`

	// Outcome is what the caller should enforce. Computed is the verdict
	// as scored; the two differ only in monitoring mode, which never
	// denies.
	Outcome  Outcome `json:"outcome"`
	Computed Outcome `json:"computed"`

	Score      float64            `json:"score"`
	Flags      []string           `json:"flags,omitempty"`
	Results    []detector.Result  `json:"results,omitempty"`
	Thresholds model.Thresholds   `json:"thresholds"`
	Mode       model.EndpointMode `json:"mode"`

	// WouldBlock marks monitoring-mode decisions that blocking mode would
	// have denied. Audit signal only.
	WouldBlock bool `json:"would_block,omitempty"`

	// Passthrough decisions skipped scoring entirely.
	Passthrough bool `json:"passthrough,omitempty"`

	// ShortCircuit names the detector that forced a block, if any.
	ShortCircuit string `json:"short_circuit,omitempty"`

	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Denied reports whether the caller should reject the submission.
func (d Decision) Denied() bool { return d.Outcome == OutcomeBlock }

// Passthrough builds the decision for a resolution that bypasses scoring.
func Passthrough(resolved *resolver.Resolved, now time.Time) Decision {
	return Decision{
		ID:          uuid.NewString(),
		Outcome:     OutcomeAllow,
		Computed:    OutcomeAllow,
		Mode:        resolved.Mode,
		Passthrough: true,
		EvaluatedAt: now,
	}
}

// Decide aggregates results against the resolved thresholds and endpoint
// mode.
func Decide(resolved *resolver.Resolved, results []detector.Result, now time.Time) Decision {
	d := Decision{
		ID:          uuid.NewString(),
		Results:     results,
		Mode:        resolved.Mode,
		EvaluatedAt: now,
	}

	flags := make(map[string]struct{})
	for _, res := range results {
		d.Score += res.Score
		for _, f := range res.Flags {
			flags[f] = struct{}{}
		}
		if res.ForceBlock && d.ShortCircuit == "" {
			d.ShortCircuit = res.Detector
		}
	}
	d.Flags = make([]string, 0, len(flags))
	for f := range flags {
		d.Flags = append(d.Flags, f)
	}
	sort.Strings(d.Flags)

	d.Thresholds = effectiveThresholds(resolved)
	d.Computed = computeOutcome(d)

	if resolved.Mode == model.ModeMonitoring {
		d.Outcome = OutcomeAllow
		d.WouldBlock = d.Computed == OutcomeBlock
	} else {
		d.Outcome = d.Computed
	}
	return d
}

// effectiveThresholds applies the strict-mode margin: strict endpoints
// lower both cut-offs so borderline content trips sooner.
func effectiveThresholds(resolved *resolver.Resolved) model.Thresholds {
	t := resolved.Thresholds
	if resolved.Mode != model.ModeStrict {
		return t
	}
	t.SpamScoreBlock -= t.StrictMargin
	t.SpamScoreFlag -= t.StrictMargin
	if t.SpamScoreFlag < 0 {
		t.SpamScoreFlag = 0
	}
	if t.SpamScoreBlock < t.SpamScoreFlag {
		t.SpamScoreBlock = t.SpamScoreFlag
	}
	return t
}

func computeOutcome(d Decision) Outcome {
	if d.ShortCircuit != "" {
		return OutcomeBlock
	}
	t := d.Thresholds
	switch {
	case d.Score >= t.SpamScoreBlock:
		return OutcomeBlock
	case d.Score >= t.SpamScoreFlag:
		if t.CaptchaAtFlag {
			return OutcomeChallenge
		}
		return OutcomeFlag
	default:
		return OutcomeAllow
	}
}
