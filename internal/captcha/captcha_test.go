package captcha

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"
)

func TestHTTPVerifier_Verify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if r.PostForm.Get("secret") != "s3cret" {
			t.Errorf("secret = %q", r.PostForm.Get("secret"))
		}
		if r.PostForm.Get("response") != "tok" {
			t.Errorf("response = %q", r.PostForm.Get("response"))
		}
		if r.PostForm.Get("remoteip") != "198.51.100.4" {
			t.Errorf("remoteip = %q", r.PostForm.Get("remoteip"))
		}
		w.Write([]byte(`{"success": true, "score": 0.9}`))
	}))
	defer srv.Close()

	v := NewHTTPVerifier(srv.URL, "s3cret", srv.Client(), 0)
	got := v.Verify(context.Background(), "tok", netip.MustParseAddr("198.51.100.4"))
	if !got.Passed || got.Neutral {
		t.Fatalf("got %+v, want passed", got)
	}
	if got.Score != 0.9 {
		t.Fatalf("score = %v, want 0.9", got.Score)
	}
}

func TestHTTPVerifier_FailedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"success": false}`))
	}))
	defer srv.Close()

	v := NewHTTPVerifier(srv.URL, "s", srv.Client(), 0)
	got := v.Verify(context.Background(), "bad", netip.Addr{})
	if got.Passed || got.Neutral {
		t.Fatalf("got %+v, want failed non-neutral", got)
	}
}

func TestHTTPVerifier_TimeoutIsNeutral(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-blocked:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(blocked)

	v := NewHTTPVerifier(srv.URL, "s", srv.Client(), 50*time.Millisecond)
	got := v.Verify(context.Background(), "tok", netip.Addr{})
	if !got.Neutral {
		t.Fatalf("timeout should be neutral, got %+v", got)
	}
}

func TestHTTPVerifier_ServerErrorIsNeutral(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	v := NewHTTPVerifier(srv.URL, "s", srv.Client(), 0)
	if got := v.Verify(context.Background(), "tok", netip.Addr{}); !got.Neutral {
		t.Fatalf("500 should be neutral, got %+v", got)
	}
}

func TestHTTPVerifier_EmptyTokenFails(t *testing.T) {
	v := NewHTTPVerifier("http://unused.invalid", "s", nil, 0)
	got := v.Verify(context.Background(), "", netip.Addr{})
	if got.Passed || got.Neutral {
		t.Fatalf("empty token should fail outright, got %+v", got)
	}
}
