package detector

import (
	"context"
	"fmt"
	"strings"

	"github.com/formgate/formgate/internal/geoip"
	"github.com/formgate/formgate/internal/reputation"
)

// Reputation consults the reputation service. The local blocklist is
// authoritative and scores at block level; remote scores contribute
// proportionally. Provider failures already degrade to neutral inside the
// service, so this detector never blocks on provider error.
type Reputation struct {
	svc *reputation.Service
}

// NewReputation creates the detector.
func NewReputation(svc *reputation.Service) *Reputation {
	return &Reputation{svc: svc}
}

// Name implements Detector.
func (*Reputation) Name() string { return "reputation" }

// Run implements Detector.
func (r *Reputation) Run(ctx context.Context, req *Request) Result {
	res := Result{Detector: "reputation"}
	if r.svc == nil || !req.Submission.ClientIP.IsValid() {
		return res
	}
	rep := r.svc.Lookup(ctx, req.Submission.ClientIP)
	if rep.Score <= 0 {
		return res
	}
	local := false
	for _, cat := range rep.Categories {
		if cat == "local-blocklist" {
			local = true
		}
	}
	if local {
		res.Score = scoreLocalBlocklist
	} else {
		// Remote scores are 0-100; scale into this detector's weight.
		res.Score = float64(rep.Score) * 0.05
	}
	res.Flags = append(res.Flags, "bad-reputation")
	res.Matched = append(res.Matched, rep.Categories...)
	return res
}

// Geo scores clients in operator-blocked countries. With no database loaded
// or no blocked countries configured it contributes nothing.
type Geo struct {
	svc     *geoip.Service
	blocked map[string]struct{}
}

// NewGeo creates the detector. countries are ISO 3166-1 alpha-2 codes.
func NewGeo(svc *geoip.Service, countries []string) *Geo {
	g := &Geo{svc: svc, blocked: make(map[string]struct{}, len(countries))}
	for _, c := range countries {
		g.blocked[strings.ToUpper(strings.TrimSpace(c))] = struct{}{}
	}
	return g
}

// Name implements Detector.
func (*Geo) Name() string { return "geo" }

// Run implements Detector.
func (g *Geo) Run(_ context.Context, req *Request) Result {
	res := Result{Detector: "geo"}
	if g.svc == nil || len(g.blocked) == 0 || !req.Submission.ClientIP.IsValid() {
		return res
	}
	info := g.svc.Lookup(req.Submission.ClientIP)
	if info.CountryCode == "" {
		return res
	}
	if _, ok := g.blocked[info.CountryCode]; ok {
		res.Score = scoreGeoBlocked
		res.Flags = append(res.Flags, "geo-blocked")
		matched := info.CountryCode
		if info.ASN != 0 {
			matched = fmt.Sprintf("%s/AS%d", info.CountryCode, info.ASN)
		}
		res.Matched = append(res.Matched, matched)
	}
	return res
}
