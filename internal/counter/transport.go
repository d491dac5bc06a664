package counter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/formgate/formgate/internal/model"
)

// SyncPath is the peer endpoint that ingests replicated increments.
const SyncPath = "/internal/v1/counters/sync"

// SyncRequest is the wire format for one replication batch.
type SyncRequest struct {
	Increments []model.Increment `json:"increments"`
}

// SyncResponse reports how many increments were newly applied.
type SyncResponse struct {
	Applied int `json:"applied"`
}

// HTTPTransport delivers increment batches to peers over plain HTTP.
type HTTPTransport struct {
	client *http.Client
	token  string
}

// NewHTTPTransport creates a transport. token authenticates against peers'
// internal endpoints; empty disables the header.
func NewHTTPTransport(token string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPTransport{
		client: &http.Client{Timeout: timeout},
		token:  token,
	}
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, addr string, batch []model.Increment) error {
	body, err := json.Marshal(SyncRequest{Increments: batch})
	if err != nil {
		return fmt.Errorf("counter transport: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+SyncPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("counter transport: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("counter transport: send to %s: %w", addr, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("counter transport: peer %s returned status %d", addr, resp.StatusCode)
	}
	return nil
}
