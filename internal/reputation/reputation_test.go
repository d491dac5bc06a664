package reputation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"
)

type stubProvider struct {
	result Result
	err    error
	calls  int
}

func (s *stubProvider) Lookup(_ context.Context, _ netip.Addr) (Result, error) {
	s.calls++
	return s.result, s.err
}

func TestLookup_LocalBlocklistIsAuthoritative(t *testing.T) {
	remote := &stubProvider{err: errors.New("provider down")}
	s := NewService(ServiceConfig{Remote: remote})
	s.SetBlocklist([]netip.Prefix{netip.MustParsePrefix("203.0.113.0/24")})

	got := s.Lookup(context.Background(), netip.MustParseAddr("203.0.113.9"))
	if got.Score != 100 {
		t.Fatalf("blocklisted score = %d, want 100", got.Score)
	}
	if remote.calls != 0 {
		t.Fatal("blocklisted address must not reach the remote provider")
	}
}

func TestLookup_RemoteErrorIsNeutral(t *testing.T) {
	remote := &stubProvider{err: errors.New("timeout")}
	s := NewService(ServiceConfig{Remote: remote})

	got := s.Lookup(context.Background(), netip.MustParseAddr("93.184.216.34"))
	if got.Score != 0 || len(got.Categories) != 0 {
		t.Fatalf("remote failure should be neutral, got %+v", got)
	}
	if remote.calls != 1 {
		t.Fatalf("remote calls = %d, want 1", remote.calls)
	}
}

func TestLookup_NoRemoteConfigured(t *testing.T) {
	s := NewService(ServiceConfig{})
	got := s.Lookup(context.Background(), netip.MustParseAddr("93.184.216.34"))
	if got.Score != 0 || got.Categories != nil {
		t.Fatalf("no-remote lookup = %+v, want zero", got)
	}
}

func TestHTTPProvider_Lookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("ip") != "198.51.100.4" {
			t.Errorf("ip query = %q", r.URL.Query().Get("ip"))
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("missing api key header")
		}
		w.Write([]byte(`{"score": 42, "categories": ["botnet","proxy"]}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "key", srv.Client())
	got, err := p.Lookup(context.Background(), netip.MustParseAddr("198.51.100.4"))
	if err != nil {
		t.Fatal(err)
	}
	if got.Score != 42 || len(got.Categories) != 2 {
		t.Fatalf("got %+v", got)
	}
}

func TestHTTPProvider_Non200IsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "", srv.Client())
	if _, err := p.Lookup(context.Background(), netip.MustParseAddr("198.51.100.4")); err == nil {
		t.Fatal("502 should surface as an error")
	}
}

func TestLookup_RemoteTimeout(t *testing.T) {
	blocked := make(chan struct{})
	defer close(blocked)
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-blocked:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()

	s := NewService(ServiceConfig{
		Remote:        NewHTTPProvider(slow.URL, "", slow.Client()),
		RemoteTimeout: 50 * time.Millisecond,
	})
	start := time.Now()
	got := s.Lookup(context.Background(), netip.MustParseAddr("93.184.216.34"))
	if got.Score != 0 || got.Categories != nil {
		t.Fatalf("timeout should be neutral, got %+v", got)
	}
	if time.Since(start) > time.Second {
		t.Fatal("timeout not enforced")
	}
}
