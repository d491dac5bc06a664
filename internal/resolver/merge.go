package resolver

import (
	"github.com/formgate/formgate/internal/form"
	"github.com/formgate/formgate/internal/model"
)

// defaultFlagScore is assigned to flagged-keyword additions that carry no
// score of their own (list-valued overrides are plain strings).
const defaultFlagScore = 10

// mergeThresholds overlays sparse overrides on a base threshold set.
func mergeThresholds(base model.Thresholds, o model.ThresholdOverrides) model.Thresholds {
	out := base
	if o.SpamScoreBlock != nil {
		out.SpamScoreBlock = *o.SpamScoreBlock
	}
	if o.SpamScoreFlag != nil {
		out.SpamScoreFlag = *o.SpamScoreFlag
	}
	if o.CaptchaAtFlag != nil {
		out.CaptchaAtFlag = *o.CaptchaAtFlag
	}
	if o.StrictMargin != nil {
		out.StrictMargin = *o.StrictMargin
	}
	if o.DuplicateLimit != nil {
		out.DuplicateLimit = *o.DuplicateLimit
	}
	if o.IPRateLimit != nil {
		out.IPRateLimit = *o.IPRateLimit
	}
	if o.IPRateWindowSecs != nil {
		out.IPRateWindowSecs = *o.IPRateWindowSecs
	}
	if o.MinFillSecs != nil {
		out.MinFillSecs = *o.MinFillSecs
	}
	if o.MaxTokenAgeSecs != nil {
		out.MaxTokenAgeSecs = *o.MaxTokenAgeSecs
	}
	return out
}

// mergeKeywords applies list-valued overrides as set union/difference against
// the inherited lists — never silent replacement — unless inheritance is
// explicitly disabled (InheritGlobal=false), in which case only the override's
// own additions apply. Keywords are canonicalized so matching happens in
// normalized space.
func mergeKeywords(
	blocked []string,
	flagged map[string]float64,
	o model.KeywordOverrides,
) ([]string, map[string]float64) {
	inherit := o.InheritGlobal == nil || *o.InheritGlobal

	blockedSet := make(map[string]struct{})
	flaggedOut := make(map[string]float64)
	if inherit {
		for _, kw := range blocked {
			blockedSet[form.Normalize(kw)] = struct{}{}
		}
		for kw, score := range flagged {
			flaggedOut[form.Normalize(kw)] = score
		}
	}
	for _, kw := range o.AdditionalBlocked {
		if norm := form.Normalize(kw); norm != "" {
			blockedSet[norm] = struct{}{}
		}
	}
	for _, kw := range o.AdditionalFlagged {
		norm := form.Normalize(kw)
		if norm == "" {
			continue
		}
		if _, exists := flaggedOut[norm]; !exists {
			flaggedOut[norm] = defaultFlagScore
		}
	}
	for _, kw := range o.Exclusions {
		norm := form.Normalize(kw)
		delete(blockedSet, norm)
		delete(flaggedOut, norm)
	}

	blockedOut := make([]string, 0, len(blockedSet))
	for kw := range blockedSet {
		blockedOut = append(blockedOut, kw)
	}
	return blockedOut, flaggedOut
}

func keywordSet(keywords []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keywords))
	for _, kw := range keywords {
		if kw != "" {
			set[kw] = struct{}{}
		}
	}
	return set
}
