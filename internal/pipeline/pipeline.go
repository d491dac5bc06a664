// Package pipeline wires resolution, parsing, detection, and the decision
// engine into the per-request evaluation path, plus the post-decision side
// effects (counters, audit trail, webhooks, metrics).
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/netip"
	"time"

	"github.com/formgate/formgate/internal/auditlog"
	"github.com/formgate/formgate/internal/captcha"
	"github.com/formgate/formgate/internal/configstore"
	"github.com/formgate/formgate/internal/counter"
	"github.com/formgate/formgate/internal/detector"
	"github.com/formgate/formgate/internal/engine"
	"github.com/formgate/formgate/internal/form"
	"github.com/formgate/formgate/internal/geoip"
	"github.com/formgate/formgate/internal/metrics"
	"github.com/formgate/formgate/internal/model"
	"github.com/formgate/formgate/internal/resolver"
	"github.com/formgate/formgate/internal/webhook"
)

// ErrNotReady indicates no configuration snapshot has been loaded yet.
var ErrNotReady = errors.New("pipeline: no configuration snapshot")

// parseFailureScore is the contribution of an unparseable body. The
// submission still runs through the remaining detectors with an empty
// field map, which adds the usual missing-field and missing-token
// signals on top.
const parseFailureScore = 6.0

// captchaFields are the submission fields searched for a challenge
// response token, in order.
var captchaFields = []string{"formgate_captcha", "g-recaptcha-response", "h-captcha-response"}

// SnapshotSource yields the current configuration snapshot.
type SnapshotSource interface {
	Snapshot() *configstore.Snapshot
}

// Config wires a Pipeline. Snapshots, Counters, and Detectors are
// required; everything else degrades to a no-op when absent.
type Config struct {
	Snapshots SnapshotSource
	Counters  *counter.Store
	Detectors []detector.Detector
	Verifier  captcha.Verifier
	Audit     *auditlog.Service
	Webhooks  *webhook.Queue
	Geo       *geoip.Service
	Metrics   *metrics.Metrics
}

// Pipeline evaluates submissions. Safe for concurrent use; every request
// works against the snapshot it grabbed at entry.
type Pipeline struct {
	snapshots SnapshotSource
	counters  *counter.Store
	detectors []detector.Detector
	verifier  captcha.Verifier
	audit     *auditlog.Service
	webhooks  *webhook.Queue
	geo       *geoip.Service
	metrics   *metrics.Metrics

	now func() time.Time
}

// Input is one inbound submission as handed over by the HTTP layer.
type Input struct {
	Host        string
	Path        string
	Method      string
	ContentType string
	Body        []byte
	ClientIP    netip.Addr
	UserAgent   string
	Headers     map[string]string
}

func New(cfg Config) *Pipeline {
	verifier := cfg.Verifier
	if verifier == nil {
		verifier = captcha.NoOpVerifier{}
	}
	return &Pipeline{
		snapshots: cfg.Snapshots,
		counters:  cfg.Counters,
		detectors: cfg.Detectors,
		verifier:  verifier,
		audit:     cfg.Audit,
		webhooks:  cfg.Webhooks,
		geo:       cfg.Geo,
		metrics:   cfg.Metrics,
		now:       time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (p *Pipeline) SetClock(now func() time.Time) { p.now = now }

// Evaluate runs the full decision path for one submission and applies
// post-decision side effects. The returned Resolved is the configuration
// the decision was made under.
func (p *Pipeline) Evaluate(ctx context.Context, in Input) (engine.Decision, *resolver.Resolved, error) {
	snap := p.snapshots.Snapshot()
	if snap == nil || snap.Table == nil {
		return engine.Decision{}, nil, ErrNotReady
	}

	started := p.now()
	resolved := snap.Table.Resolve(in.Host, in.Path, in.Method)

	// Disabled or passthrough scope: no scoring, no counters, no audit.
	if resolved.Passthrough {
		return engine.Passthrough(resolved, started), resolved, nil
	}

	// Operator IP lists run before any detector. Deny wins over allow.
	if snap.IPDenied(in.ClientIP) {
		d := engine.Decide(resolved, []detector.Result{{
			Detector:   "ip-denylist",
			ForceBlock: true,
			Flags:      []string{"ip-denylisted"},
		}}, started)
		p.finish(ctx, in, resolved, &d, started, form.ZeroDigest)
		return d, resolved, nil
	}
	if snap.IPAllowed(in.ClientIP) {
		d := engine.Decide(resolved, []detector.Result{{
			Detector: "ip-allowlist",
			Flags:    []string{"ip-allowlisted"},
		}}, started)
		p.finish(ctx, in, resolved, &d, started, form.ZeroDigest)
		return d, resolved, nil
	}

	sub, results := p.parse(in, started)
	digest := form.Fingerprint(sub)

	req := &detector.Request{
		Submission:    sub,
		Resolved:      resolved,
		Counters:      p.counters,
		Digest:        digest,
		DigestBlocked: snap.DigestBlocked,
		Now:           started,
	}
	for _, det := range p.detectors {
		results = append(results, det.Run(ctx, req))
	}

	d := engine.Decide(resolved, results, started)

	if d.Outcome == engine.OutcomeChallenge {
		p.maybeSolveChallenge(ctx, sub, &d)
	}

	p.incrementCounters(resolved, sub, digest)
	p.finish(ctx, in, resolved, &d, started, digest)
	return d, resolved, nil
}

// parse builds the Submission. A parse failure contributes a scored
// result instead of failing the request.
func (p *Pipeline) parse(in Input, started time.Time) (*form.Submission, []detector.Result) {
	var results []detector.Result
	fields, err := form.ParseBody(in.ContentType, in.Body)
	if err != nil {
		log.Printf("[pipeline] parse failure from %s: %v", in.ClientIP, err)
		fields = map[string][]string{}
		results = append(results, detector.Result{
			Detector: "parser",
			Score:    parseFailureScore,
			Flags:    []string{"unparseable-body"},
		})
	}
	return &form.Submission{
		Fields:      fields,
		ContentType: in.ContentType,
		ClientIP:    in.ClientIP,
		UserAgent:   in.UserAgent,
		Headers:     in.Headers,
		ReceivedAt:  started,
	}, results
}

// maybeSolveChallenge downgrades a challenge decision when the submission
// carries a response token the provider accepts. A neutral provider
// result leaves the challenge standing.
func (p *Pipeline) maybeSolveChallenge(ctx context.Context, sub *form.Submission, d *engine.Decision) {
	var token string
	for _, f := range captchaFields {
		if v := sub.Field(f); v != "" {
			token = v
			break
		}
	}
	if token == "" {
		return
	}
	res := p.verifier.Verify(ctx, token, sub.ClientIP)
	if res.Neutral {
		return
	}
	if res.Passed {
		d.Outcome = engine.OutcomeAllow
		d.Flags = append(d.Flags, "captcha-verified")
	}
}

// incrementCounters records this submission in the replicated counter
// table. Window sizes must match what the rate detectors query.
func (p *Pipeline) incrementCounters(resolved *resolver.Resolved, sub *form.Submission, digest form.Digest) {
	if p.counters == nil {
		return
	}
	windowSecs := resolved.Thresholds.IPRateWindowSecs
	if windowSecs <= 0 {
		return
	}
	window := time.Duration(windowSecs) * time.Second

	if sub.ClientIP.IsValid() {
		p.counters.Incr(model.CounterIP, sub.ClientIP.Unmap().String(), window, 1)
	}
	if !digest.IsZero() {
		p.counters.Incr(model.CounterContentHash, digest.Hex(), window, 1)
	}
	if fp := detector.ClientFingerprint(sub); fp != "" {
		p.counters.Incr(model.CounterFingerprint, fp, window, 1)
	}
	if p.metrics != nil {
		p.metrics.CounterStoreSize.Set(float64(p.counters.Size()))
	}
}

// finish applies the observe-only side effects shared by every scored
// decision.
func (p *Pipeline) finish(ctx context.Context, in Input, resolved *resolver.Resolved, d *engine.Decision, started time.Time, digest form.Digest) {
	dur := p.now().Sub(started)

	if p.metrics != nil {
		p.metrics.ObserveDecision(resolved.VHost.ID, string(d.Outcome), d.ShortCircuit, d.Score, d.WouldBlock, dur)
		for _, res := range d.Results {
			p.metrics.DetectorScore.WithLabelValues(res.Detector).Observe(res.Score)
		}
	}

	country := ""
	if p.geo != nil && in.ClientIP.IsValid() {
		country = p.geo.Lookup(in.ClientIP).CountryCode
	}

	if p.audit != nil {
		endpointID := ""
		if resolved.Endpoint != nil {
			endpointID = resolved.Endpoint.ID
		}
		digestHex := ""
		if !digest.IsZero() {
			digestHex = digest.Hex()
		}
		p.audit.Emit(auditlog.Row{
			ID:           d.ID,
			TsNs:         started.UnixNano(),
			VHostID:      resolved.VHost.ID,
			EndpointID:   endpointID,
			Hostname:     in.Host,
			Path:         in.Path,
			HTTPMethod:   in.Method,
			ClientIP:     in.ClientIP.String(),
			Country:      country,
			Outcome:      string(d.Outcome),
			Computed:     string(d.Computed),
			Mode:         string(d.Mode),
			Score:        d.Score,
			WouldBlock:   d.WouldBlock,
			Passthrough:  d.Passthrough,
			ShortCircuit: d.ShortCircuit,
			Flags:        d.Flags,
			DigestHex:    digestHex,
			DurationNs:   int64(dur),
		})
	}

	p.notify(ctx, in, resolved, d)
}

// notify enqueues a webhook for denied (or would-be-denied) decisions on
// vhosts that configured a target. Delivery happens later on the leader.
func (p *Pipeline) notify(ctx context.Context, in Input, resolved *resolver.Resolved, d *engine.Decision) {
	if p.webhooks == nil || resolved.VHost.WebhookURL == "" {
		return
	}
	if d.Computed != engine.OutcomeBlock {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"decision_id":  d.ID,
		"vhost_id":     resolved.VHost.ID,
		"hostname":     in.Host,
		"path":         in.Path,
		"client_ip":    in.ClientIP.String(),
		"outcome":      d.Outcome,
		"computed":     d.Computed,
		"score":        d.Score,
		"flags":        d.Flags,
		"evaluated_at": d.EvaluatedAt,
	})
	if err != nil {
		return
	}
	if err := p.webhooks.Enqueue(ctx, resolved.VHost.WebhookURL, payload); err != nil {
		log.Printf("[pipeline] webhook enqueue for %s failed: %v", resolved.VHost.ID, err)
	}
}
