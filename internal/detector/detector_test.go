package detector

import (
	"context"
	"net/netip"
	"slices"
	"testing"
	"time"

	"github.com/formgate/formgate/internal/form"
	"github.com/formgate/formgate/internal/model"
	"github.com/formgate/formgate/internal/resolver"
)

func newRequest(fields map[string][]string, resolved *resolver.Resolved) *Request {
	sub := &form.Submission{
		Fields:   fields,
		ClientIP: netip.MustParseAddr("198.51.100.7"),
	}
	return &Request{
		Submission: sub,
		Resolved:   resolved,
		Digest:     form.Fingerprint(sub),
		Now:        time.Now(),
	}
}

func baseResolved() *resolver.Resolved {
	return &resolver.Resolved{
		VHost:           &model.VirtualHost{ID: "default"},
		Mode:            model.ModeBlocking,
		BlockedKeywords: map[string]struct{}{},
		FlaggedKeywords: map[string]float64{},
	}
}

func TestKeyword_BlockedKeywordForcesBlock(t *testing.T) {
	resolved := baseResolved()
	resolved.BlockedKeywords = map[string]struct{}{"payday loan": {}}
	req := newRequest(map[string][]string{
		"message": {"Get your PAYDAY   loan, today!"},
	}, resolved)

	res := Keyword{}.Run(context.Background(), req)
	if !res.ForceBlock {
		t.Fatal("blocked keyword must force a block")
	}
	if !slices.Contains(res.Flags, "blocked-keyword") {
		t.Fatalf("flags = %v", res.Flags)
	}
	if !slices.Contains(res.Matched, "payday loan") {
		t.Fatalf("matched = %v", res.Matched)
	}
}

func TestKeyword_FlaggedKeywordsAccumulate(t *testing.T) {
	resolved := baseResolved()
	resolved.FlaggedKeywords = map[string]float64{"free money": 4, "click here": 2, "absent": 9}
	req := newRequest(map[string][]string{
		"message": {"free money! click here now"},
	}, resolved)

	res := Keyword{}.Run(context.Background(), req)
	if res.ForceBlock {
		t.Fatal("flagged keywords must not force a block")
	}
	if res.Score != 6 {
		t.Fatalf("score = %v, want 6", res.Score)
	}
}

func TestKeyword_CleanContent(t *testing.T) {
	resolved := baseResolved()
	resolved.BlockedKeywords = map[string]struct{}{"payday loan": {}}
	req := newRequest(map[string][]string{
		"message": {"hello, I have a question about my order"},
	}, resolved)

	res := Keyword{}.Run(context.Background(), req)
	if res.Score != 0 || res.ForceBlock {
		t.Fatalf("clean content scored: %+v", res)
	}
}

func TestKeyword_NoMatchAcrossFieldBoundary(t *testing.T) {
	resolved := baseResolved()
	resolved.BlockedKeywords = map[string]struct{}{"payday loan": {}}
	req := newRequest(map[string][]string{
		"first":  {"instant payday"},
		"second": {"loan approved"},
	}, resolved)

	// The verdict must hold on every evaluation, not just most of them.
	for i := 0; i < 200; i++ {
		res := Keyword{}.Run(context.Background(), req)
		if res.ForceBlock {
			t.Fatalf("iteration %d: keyword split across two fields matched", i)
		}
	}
}

func TestHoneypot(t *testing.T) {
	resolved := baseResolved()
	resolved.Fields = model.FieldRules{HoneypotFields: []string{"website_url"}}

	t.Run("empty honeypot is silent", func(t *testing.T) {
		req := newRequest(map[string][]string{"website_url": {"  "}}, resolved)
		if res := (Honeypot{}).Run(context.Background(), req); res.Score != 0 || res.ForceBlock {
			t.Fatalf("got %+v", res)
		}
	})
	t.Run("filled honeypot scores", func(t *testing.T) {
		req := newRequest(map[string][]string{"website_url": {"http://spam.example"}}, resolved)
		res := Honeypot{}.Run(context.Background(), req)
		if res.Score != scoreHoneypot || res.ForceBlock {
			t.Fatalf("got %+v", res)
		}
	})
	t.Run("filled honeypot blocks when policy says so", func(t *testing.T) {
		blocking := baseResolved()
		blocking.Fields = model.FieldRules{HoneypotFields: []string{"website_url"}, HoneypotBlocks: true}
		req := newRequest(map[string][]string{"website_url": {"x"}}, blocking)
		if res := (Honeypot{}).Run(context.Background(), req); !res.ForceBlock {
			t.Fatalf("got %+v", res)
		}
	})
}

func TestDisposableEmail(t *testing.T) {
	d, err := NewDisposableEmail([]string{"operator-added.example"})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name  string
		value string
		hit   bool
	}{
		{"listed provider", "bob@mailinator.com", true},
		{"subdomain of listed provider", "bob@mx.yopmail.com", true},
		{"operator extra", "bob@operator-added.example", true},
		{"regular provider", "bob@example.com", false},
		{"no email at all", "just text", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newRequest(map[string][]string{"email": {tt.value}}, baseResolved())
			res := d.Run(context.Background(), req)
			if got := res.Score > 0; got != tt.hit {
				t.Fatalf("score = %v, want hit=%v", res.Score, tt.hit)
			}
		})
	}
}

func TestLinks(t *testing.T) {
	t.Run("few links are free", func(t *testing.T) {
		req := newRequest(map[string][]string{
			"message": {"see https://example.com and https://example.org"},
		}, baseResolved())
		res := Links{}.Run(context.Background(), req)
		if res.Score != 0 {
			t.Fatalf("score = %v, want 0", res.Score)
		}
		if !slices.Contains(res.Matched, "example.com") {
			t.Fatalf("matched = %v", res.Matched)
		}
	})
	t.Run("link flood scores per extra link", func(t *testing.T) {
		req := newRequest(map[string][]string{
			"message": {"https://a.spam.example https://b.spam.example https://c.spam.example https://d.spam.example"},
		}, baseResolved())
		res := Links{}.Run(context.Background(), req)
		if res.Score != 2*scorePerExtraLink {
			t.Fatalf("score = %v, want %v", res.Score, 2*scorePerExtraLink)
		}
		if !slices.Contains(res.Flags, "excessive-links") {
			t.Fatalf("flags = %v", res.Flags)
		}
	})
}

func TestFieldAnomaly(t *testing.T) {
	resolved := baseResolved()
	resolved.Fields = model.FieldRules{
		Required:  []string{"email", "message"},
		Expected:  []string{"email", "message", "name"},
		MaxLength: map[string]int{"name": 10},
	}

	t.Run("conforming submission", func(t *testing.T) {
		req := newRequest(map[string][]string{
			"email": {"a@example.com"}, "message": {"hi"}, "name": {"Ana"},
		}, resolved)
		if res := (FieldAnomaly{}).Run(context.Background(), req); res.Score != 0 {
			t.Fatalf("got %+v", res)
		}
	})
	t.Run("missing required field", func(t *testing.T) {
		req := newRequest(map[string][]string{"email": {"a@example.com"}}, resolved)
		res := FieldAnomaly{}.Run(context.Background(), req)
		if res.Score != scoreMissingRequired {
			t.Fatalf("score = %v", res.Score)
		}
	})
	t.Run("unexpected fields score each", func(t *testing.T) {
		req := newRequest(map[string][]string{
			"email": {"a@example.com"}, "message": {"hi"},
			"extra1": {"x"}, "extra2": {"y"},
		}, resolved)
		res := FieldAnomaly{}.Run(context.Background(), req)
		if res.Score != 2*scoreUnexpectedField {
			t.Fatalf("score = %v", res.Score)
		}
	})
	t.Run("volatile fields never count as unexpected", func(t *testing.T) {
		req := newRequest(map[string][]string{
			"email": {"a@example.com"}, "message": {"hi"},
			"csrf_token": {"tok"}, TokenField: {"tok"},
		}, resolved)
		if res := (FieldAnomaly{}).Run(context.Background(), req); res.Score != 0 {
			t.Fatalf("got %+v", res)
		}
	})
	t.Run("overlong field", func(t *testing.T) {
		req := newRequest(map[string][]string{
			"email": {"a@example.com"}, "message": {"hi"},
			"name": {"a very long name indeed"},
		}, resolved)
		res := FieldAnomaly{}.Run(context.Background(), req)
		if res.Score != scoreOverlongField {
			t.Fatalf("score = %v", res.Score)
		}
	})
}
