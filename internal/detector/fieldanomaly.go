package detector

import (
	"context"
	"fmt"
	"sort"

	"github.com/formgate/formgate/internal/form"
)

// FieldAnomaly checks the submission's shape against the endpoint's field
// rules: required fields present, no unexpected fields, length limits
// respected. Endpoints without field rules contribute nothing.
type FieldAnomaly struct{}

// Name implements Detector.
func (FieldAnomaly) Name() string { return "field-anomaly" }

// Run implements Detector.
func (FieldAnomaly) Run(_ context.Context, req *Request) Result {
	res := Result{Detector: "field-anomaly"}
	rules := req.Resolved.Fields
	sub := req.Submission

	for _, name := range rules.Required {
		if !sub.HasField(name) {
			res.Score += scoreMissingRequired
			res.Flags = appendOnce(res.Flags, "missing-required-field")
			res.Matched = append(res.Matched, name)
		}
	}

	// Expected is a closed field list: anything outside it (volatile
	// infrastructure fields aside) is an anomaly.
	if len(rules.Expected) > 0 {
		expected := make(map[string]struct{}, len(rules.Expected)+len(rules.Required)+len(rules.HoneypotFields))
		for _, name := range rules.Expected {
			expected[name] = struct{}{}
		}
		for _, name := range rules.Required {
			expected[name] = struct{}{}
		}
		for _, name := range rules.HoneypotFields {
			expected[name] = struct{}{}
		}
		var unexpected []string
		for name := range sub.Fields {
			if form.IsVolatileField(name) {
				continue
			}
			if _, ok := expected[name]; !ok {
				unexpected = append(unexpected, name)
			}
		}
		if len(unexpected) > 0 {
			sort.Strings(unexpected)
			res.Score += float64(len(unexpected)) * scoreUnexpectedField
			res.Flags = appendOnce(res.Flags, "unexpected-field")
			res.Matched = append(res.Matched, unexpected...)
		}
	}

	for name, limit := range rules.MaxLength {
		if limit <= 0 {
			continue
		}
		for _, v := range sub.Fields[name] {
			if len(v) > limit {
				res.Score += scoreOverlongField
				res.Flags = appendOnce(res.Flags, "overlong-field")
				res.Matched = append(res.Matched, fmt.Sprintf("%s>%d", name, limit))
				break
			}
		}
	}
	return res
}

func appendOnce(flags []string, flag string) []string {
	for _, f := range flags {
		if f == flag {
			return flags
		}
	}
	return append(flags, flag)
}
