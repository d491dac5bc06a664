package engine

import (
	"slices"
	"testing"
	"time"

	"github.com/formgate/formgate/internal/detector"
	"github.com/formgate/formgate/internal/model"
	"github.com/formgate/formgate/internal/resolver"
)

func resolvedWith(mode model.EndpointMode) *resolver.Resolved {
	return &resolver.Resolved{
		VHost: &model.VirtualHost{ID: "default"},
		Mode:  mode,
		Thresholds: model.Thresholds{
			SpamScoreBlock: 10,
			SpamScoreFlag:  5,
			StrictMargin:   2,
		},
	}
}

func TestDecide_ThresholdMapping(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name  string
		score float64
		want  Outcome
	}{
		{"clean", 0, OutcomeAllow},
		{"just under flag", 4.9, OutcomeAllow},
		{"at flag", 5, OutcomeFlag},
		{"between", 7.5, OutcomeFlag},
		{"at block", 10, OutcomeBlock},
		{"above block", 25, OutcomeBlock},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := []detector.Result{{Detector: "x", Score: tt.score}}
			d := Decide(resolvedWith(model.ModeBlocking), results, now)
			if d.Outcome != tt.want {
				t.Fatalf("outcome = %s, want %s", d.Outcome, tt.want)
			}
			if d.Computed != d.Outcome {
				t.Fatalf("blocking mode: computed %s != outcome %s", d.Computed, d.Outcome)
			}
		})
	}
}

func TestDecide_AggregationIsCommutative(t *testing.T) {
	now := time.Now()
	results := []detector.Result{
		{Detector: "a", Score: 3, Flags: []string{"f1"}},
		{Detector: "b", Score: 4, Flags: []string{"f2"}},
		{Detector: "c", Score: 1},
	}
	reversed := []detector.Result{results[2], results[1], results[0]}

	d1 := Decide(resolvedWith(model.ModeBlocking), results, now)
	d2 := Decide(resolvedWith(model.ModeBlocking), reversed, now)
	if d1.Outcome != d2.Outcome || d1.Score != d2.Score {
		t.Fatalf("order changed the verdict: %+v vs %+v", d1, d2)
	}
	if !slices.Equal(d1.Flags, d2.Flags) {
		t.Fatalf("order changed the flags: %v vs %v", d1.Flags, d2.Flags)
	}
}

func TestDecide_ForceBlockShortCircuits(t *testing.T) {
	results := []detector.Result{
		{Detector: "keyword", ForceBlock: true, Flags: []string{"blocked-keyword"}},
		{Detector: "other", Score: 0.1},
	}
	d := Decide(resolvedWith(model.ModeBlocking), results, time.Now())
	if d.Outcome != OutcomeBlock {
		t.Fatalf("outcome = %s, want block", d.Outcome)
	}
	if d.ShortCircuit != "keyword" {
		t.Fatalf("short circuit = %q", d.ShortCircuit)
	}
}

func TestDecide_ChallengeWhenCaptchaAtFlag(t *testing.T) {
	resolved := resolvedWith(model.ModeBlocking)
	resolved.Thresholds.CaptchaAtFlag = true
	d := Decide(resolved, []detector.Result{{Detector: "x", Score: 6}}, time.Now())
	if d.Outcome != OutcomeChallenge {
		t.Fatalf("outcome = %s, want challenge", d.Outcome)
	}
}

func TestDecide_MonitoringNeverDenies(t *testing.T) {
	d := Decide(resolvedWith(model.ModeMonitoring), []detector.Result{{Detector: "x", Score: 50}}, time.Now())
	if d.Outcome != OutcomeAllow {
		t.Fatalf("monitoring outcome = %s, want allow", d.Outcome)
	}
	if d.Computed != OutcomeBlock || !d.WouldBlock {
		t.Fatalf("monitoring must record the computed verdict: %+v", d)
	}
	if d.Denied() {
		t.Fatal("monitoring decision must not deny")
	}
}

func TestDecide_StrictLowersThresholds(t *testing.T) {
	// Score 8.5 allows at flag 5 / block 10 in blocking mode, but strict
	// mode with margin 2 blocks at 8.
	results := []detector.Result{{Detector: "x", Score: 8.5}}

	if d := Decide(resolvedWith(model.ModeBlocking), results, time.Now()); d.Outcome != OutcomeFlag {
		t.Fatalf("blocking outcome = %s, want flag", d.Outcome)
	}
	d := Decide(resolvedWith(model.ModeStrict), results, time.Now())
	if d.Outcome != OutcomeBlock {
		t.Fatalf("strict outcome = %s, want block", d.Outcome)
	}
	if d.Thresholds.SpamScoreBlock != 8 || d.Thresholds.SpamScoreFlag != 3 {
		t.Fatalf("strict thresholds = %+v", d.Thresholds)
	}
}

func TestPassthrough(t *testing.T) {
	resolved := resolvedWith(model.ModePassthrough)
	resolved.Passthrough = true
	d := Passthrough(resolved, time.Now())
	if d.Outcome != OutcomeAllow || !d.Passthrough {
		t.Fatalf("got %+v", d)
	}
	if len(d.Results) != 0 || d.Score != 0 {
		t.Fatal("passthrough must carry no scoring state")
	}
}
