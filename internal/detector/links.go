package detector

import (
	"context"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/publicsuffix"
)

var linkRe = regexp.MustCompile(`(?i)\bhttps?://[^\s<>"']+`)

// Links scores submissions by URL volume. A couple of links in a message is
// normal; comment spam carries many. Domains are reported for audit as
// eTLD+1 so operators can blocklist them.
type Links struct{}

// Name implements Detector.
func (Links) Name() string { return "links" }

// Run implements Detector.
func (Links) Run(_ context.Context, req *Request) Result {
	res := Result{Detector: "links"}

	total := 0
	domains := make(map[string]struct{})
	for _, values := range req.Submission.Fields {
		for _, v := range values {
			for _, raw := range linkRe.FindAllString(v, -1) {
				total++
				if d := linkDomain(raw); d != "" {
					domains[d] = struct{}{}
				}
			}
		}
	}
	if total == 0 {
		return res
	}

	for d := range domains {
		res.Matched = append(res.Matched, d)
	}
	sort.Strings(res.Matched)

	if total > linkAllowance {
		res.Score = float64(total-linkAllowance) * scorePerExtraLink
		res.Flags = append(res.Flags, "excessive-links")
	}
	return res
}

// linkDomain reduces a URL to its eTLD+1, falling back to the bare host for
// IP literals and internal names.
func linkDomain(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if base, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return base
	}
	return host
}
