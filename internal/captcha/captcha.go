// Package captcha verifies challenge tokens against an external provider.
// Provider trouble yields a neutral result, never a hard failure on the
// request path.
package captcha

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// Result is one token verification.
type Result struct {
	Passed  bool
	Score   float64 // provider score when available, 0 otherwise
	Neutral bool    // provider unreachable; treat the signal as absent
}

// Verifier checks a challenge token.
type Verifier interface {
	Verify(ctx context.Context, token string, clientIP netip.Addr) Result
}

// NoOpVerifier reports every token as neutral. Used when no provider is
// configured.
type NoOpVerifier struct{}

// Verify implements Verifier.
func (NoOpVerifier) Verify(_ context.Context, _ string, _ netip.Addr) Result {
	return Result{Neutral: true}
}

// HTTPVerifier posts tokens to a siteverify-style endpoint:
// POST <url> with form fields secret/response/remoteip, JSON reply
// {"success": bool, "score": n}.
type HTTPVerifier struct {
	verifyURL string
	secret    string
	client    *http.Client
	timeout   time.Duration
}

// NewHTTPVerifier creates a verifier against verifyURL.
func NewHTTPVerifier(verifyURL, secret string, client *http.Client, timeout time.Duration) *HTTPVerifier {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPVerifier{verifyURL: verifyURL, secret: secret, client: client, timeout: timeout}
}

// Verify implements Verifier. Timeouts and provider errors are neutral.
func (v *HTTPVerifier) Verify(ctx context.Context, token string, clientIP netip.Addr) Result {
	if token == "" {
		return Result{Passed: false}
	}
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	form := url.Values{}
	form.Set("secret", v.secret)
	form.Set("response", token)
	if clientIP.IsValid() {
		form.Set("remoteip", clientIP.String())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		log.Printf("[captcha] build request: %v", err)
		return Result{Neutral: true}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		log.Printf("[captcha] verify: %v", err)
		return Result{Neutral: true}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		log.Printf("[captcha] provider returned %d", resp.StatusCode)
		return Result{Neutral: true}
	}

	var body struct {
		Success bool    `json:"success"`
		Score   float64 `json:"score"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		log.Printf("[captcha] decode response: %v", err)
		return Result{Neutral: true}
	}
	return Result{Passed: body.Success, Score: body.Score}
}

var _ Verifier = (*HTTPVerifier)(nil)

// String renders a result for audit logs.
func (r Result) String() string {
	if r.Neutral {
		return "neutral"
	}
	return fmt.Sprintf("passed=%t score=%.2f", r.Passed, r.Score)
}
