package detector

import (
	"context"
	"sort"
	"strings"

	"github.com/formgate/formgate/internal/form"
)

// Keyword matches the resolved blocked and flagged keyword lists against
// the normalized submission text. A blocked-keyword hit is an immediate
// block candidate, bypassing score accumulation; flagged keywords add their
// configured weight.
type Keyword struct{}

// Name implements Detector.
func (Keyword) Name() string { return "keyword" }

// Run implements Detector.
func (Keyword) Run(_ context.Context, req *Request) Result {
	res := Result{Detector: "keyword"}
	corpus := normalizedCorpus(req.Submission)
	if corpus == "" {
		return res
	}

	for kw := range req.Resolved.BlockedKeywords {
		if kw != "" && strings.Contains(corpus, kw) {
			res.ForceBlock = true
			res.Flags = append(res.Flags, "blocked-keyword")
			res.Matched = append(res.Matched, kw)
		}
	}
	if res.ForceBlock {
		sort.Strings(res.Matched)
		return res
	}

	// Deterministic accumulation: iterate sorted so audit output is stable.
	flagged := make([]string, 0, len(req.Resolved.FlaggedKeywords))
	for kw := range req.Resolved.FlaggedKeywords {
		flagged = append(flagged, kw)
	}
	sort.Strings(flagged)
	for _, kw := range flagged {
		if kw != "" && strings.Contains(corpus, kw) {
			res.Score += req.Resolved.FlaggedKeywords[kw]
			res.Matched = append(res.Matched, kw)
		}
	}
	if res.Score > 0 {
		res.Flags = append(res.Flags, "flagged-keyword")
	}
	return res
}

// valueSeparator joins corpus parts. Normalize strips control runes, so a
// multi-word keyword can never straddle two adjacent field values.
const valueSeparator = "\x1f"

// normalizedCorpus joins all normalized field values, in sorted field-name
// order, into one searchable string. Field names are not part of the corpus,
// and a keyword only matches within a single value.
func normalizedCorpus(sub *form.Submission) string {
	names := make([]string, 0, len(sub.Fields))
	for name := range sub.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var parts []string
	for _, name := range names {
		for _, v := range sub.Fields[name] {
			if n := form.Normalize(v); n != "" {
				parts = append(parts, n)
			}
		}
	}
	return strings.Join(parts, valueSeparator)
}
