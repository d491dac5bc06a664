package detector

import (
	"context"
	"strings"
)

// Honeypot fires on any non-empty value in a configured hidden field.
// Humans never see those fields; bots autofill them. Per endpoint policy a
// hit either forces a block or adds a heavy score.
type Honeypot struct{}

// Name implements Detector.
func (Honeypot) Name() string { return "honeypot" }

// Run implements Detector.
func (Honeypot) Run(_ context.Context, req *Request) Result {
	res := Result{Detector: "honeypot"}
	rules := req.Resolved.Fields
	for _, field := range rules.HoneypotFields {
		value := strings.TrimSpace(req.Submission.Field(field))
		if value == "" {
			continue
		}
		res.Matched = append(res.Matched, field)
		if rules.HoneypotBlocks {
			res.ForceBlock = true
		} else {
			res.Score += scoreHoneypot
		}
	}
	if len(res.Matched) > 0 {
		res.Flags = append(res.Flags, "honeypot")
	}
	return res
}
