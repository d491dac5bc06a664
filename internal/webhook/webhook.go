// Package webhook delivers decision notifications to operator-configured
// URLs. Every target passes the SSRF guard before a connection is made.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/formgate/formgate/internal/ssrf"
)

// Sender delivers one payload to one URL.
type Sender interface {
	Deliver(ctx context.Context, url string, payload []byte) error
}

// HTTPSender posts JSON payloads over HTTP after SSRF validation.
type HTTPSender struct {
	guard  *ssrf.Guard
	client *http.Client
}

// NewHTTPSender creates a sender backed by the given guard. timeout
// bounds each delivery attempt; zero means 5s.
func NewHTTPSender(guard *ssrf.Guard, timeout time.Duration) *HTTPSender {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSender{
		guard:  guard,
		client: &http.Client{Timeout: timeout},
	}
}

// Deliver validates the target and posts the payload. Any non-2xx status
// is an error so the queue retries.
func (s *HTTPSender) Deliver(ctx context.Context, url string, payload []byte) error {
	if err := s.guard.Validate(ctx, url); err != nil {
		return fmt.Errorf("webhook target rejected: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "formgate-webhook/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post %s: %w", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook post %s: status %d", url, resp.StatusCode)
	}
	return nil
}
