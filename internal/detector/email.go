package detector

import (
	"context"
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"
	"gopkg.in/yaml.v3"
)

//go:embed disposable_domains.yaml
var disposableDomainsYAML []byte

var emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

// DisposableEmail scores submissions carrying addresses at throwaway mail
// providers.
type DisposableEmail struct {
	domains map[string]struct{}
}

// NewDisposableEmail builds the detector from the embedded provider list
// plus any extra operator-supplied domains.
func NewDisposableEmail(extra []string) (*DisposableEmail, error) {
	var seed struct {
		Domains []string `yaml:"domains"`
	}
	if err := yaml.Unmarshal(disposableDomainsYAML, &seed); err != nil {
		return nil, fmt.Errorf("detector: parse disposable domain list: %w", err)
	}
	d := &DisposableEmail{domains: make(map[string]struct{}, len(seed.Domains)+len(extra))}
	for _, dom := range seed.Domains {
		d.domains[strings.ToLower(dom)] = struct{}{}
	}
	for _, dom := range extra {
		d.domains[strings.ToLower(dom)] = struct{}{}
	}
	return d, nil
}

// Name implements Detector.
func (*DisposableEmail) Name() string { return "disposable-email" }

// Run implements Detector.
func (d *DisposableEmail) Run(_ context.Context, req *Request) Result {
	res := Result{Detector: "disposable-email"}
	seen := make(map[string]struct{})
	for _, values := range req.Submission.Fields {
		for _, v := range values {
			for _, addr := range emailRe.FindAllString(v, -1) {
				domain := strings.ToLower(addr[strings.LastIndexByte(addr, '@')+1:])
				domain = strings.TrimSuffix(domain, ".")
				if _, dup := seen[domain]; dup {
					continue
				}
				seen[domain] = struct{}{}
				if d.isDisposable(domain) {
					res.Score += scoreDisposableEmail
					res.Matched = append(res.Matched, domain)
				}
			}
		}
	}
	if len(res.Matched) > 0 {
		res.Flags = append(res.Flags, "disposable-email")
	}
	return res
}

// isDisposable checks the domain and its eTLD+1, so mail.yopmail.com is
// caught by a yopmail.com entry.
func (d *DisposableEmail) isDisposable(domain string) bool {
	if _, ok := d.domains[domain]; ok {
		return true
	}
	if base, err := publicsuffix.EffectiveTLDPlusOne(domain); err == nil {
		if _, ok := d.domains[base]; ok {
			return true
		}
	}
	return false
}
