// Package reputation scores client addresses. A local blocklist is
// consulted first and is authoritative; a remote provider augments it and
// degrades to a neutral answer when unreachable.
package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/netip"
	"net/url"
	"sync"
	"time"
)

// Result is one address's reputation.
type Result struct {
	Score      int      `json:"score"` // 0 neutral, higher is worse
	Categories []string `json:"categories,omitempty"`
}

// Provider answers remote reputation lookups.
type Provider interface {
	Lookup(ctx context.Context, ip netip.Addr) (Result, error)
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Remote        Provider // nil disables remote lookups
	RemoteTimeout time.Duration
	// LocalScore is assigned to blocklisted addresses.
	LocalScore int
}

// Service combines the operator blocklist with the remote provider.
type Service struct {
	mu       sync.RWMutex
	local    []netip.Prefix
	remote   Provider
	timeout  time.Duration
	locScore int
}

// NewService creates a reputation service.
func NewService(cfg ServiceConfig) *Service {
	timeout := cfg.RemoteTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	score := cfg.LocalScore
	if score <= 0 {
		score = 100
	}
	return &Service{
		remote:   cfg.Remote,
		timeout:  timeout,
		locScore: score,
	}
}

// SetBlocklist replaces the local blocklist.
func (s *Service) SetBlocklist(nets []netip.Prefix) {
	s.mu.Lock()
	s.local = nets
	s.mu.Unlock()
}

// Lookup never fails: the local blocklist is authoritative, and a remote
// provider error degrades to a neutral result.
func (s *Service) Lookup(ctx context.Context, ip netip.Addr) Result {
	if !ip.IsValid() {
		return Result{}
	}
	ip = ip.Unmap()

	s.mu.RLock()
	local := s.local
	s.mu.RUnlock()
	for _, p := range local {
		if p.Contains(ip) {
			return Result{Score: s.locScore, Categories: []string{"local-blocklist"}}
		}
	}

	if s.remote == nil {
		return Result{}
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.remote.Lookup(ctx, ip)
	if err != nil {
		log.Printf("[reputation] remote lookup %s: %v", ip, err)
		return Result{}
	}
	return res
}

// HTTPProvider queries a JSON reputation endpoint:
// GET <base>?ip=<addr> -> {"score": n, "categories": [...]}.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPProvider creates a provider against baseURL.
func NewHTTPProvider(baseURL, apiKey string, client *http.Client) *HTTPProvider {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPProvider{baseURL: baseURL, apiKey: apiKey, client: client}
}

// Lookup implements Provider.
func (p *HTTPProvider) Lookup(ctx context.Context, ip netip.Addr) (Result, error) {
	u := p.baseURL + "?ip=" + url.QueryEscape(ip.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Result{}, fmt.Errorf("reputation: build request: %w", err)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("reputation: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("reputation: provider returned %d", resp.StatusCode)
	}
	var res Result
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("reputation: decode response: %w", err)
	}
	return res, nil
}
