package api

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/formgate/formgate/internal/configstore"
	"github.com/formgate/formgate/internal/counter"
	"github.com/formgate/formgate/internal/detector"
	"github.com/formgate/formgate/internal/model"
	"github.com/formgate/formgate/internal/pipeline"
	"github.com/formgate/formgate/internal/resolver"
)

const testAdminToken = "test-admin-token"

type staticSnapshots struct {
	snap *configstore.Snapshot
}

func (s staticSnapshots) Snapshot() *configstore.Snapshot { return s.snap }

func testSnapshot(t *testing.T) *configstore.Snapshot {
	t.Helper()
	table, err := resolver.BuildTable(
		[]model.VirtualHost{{ID: "default", Enabled: true, Default: true}},
		nil,
		resolver.GlobalConfig{
			Thresholds: model.Thresholds{
				SpamScoreBlock:   10,
				SpamScoreFlag:    5,
				IPRateLimit:      30,
				IPRateWindowSecs: 600,
			},
			BlockedKeywords: []string{"viagra"},
		},
	)
	if err != nil {
		t.Fatalf("BuildTable: %v", err)
	}
	return &configstore.Snapshot{Version: "v1", Table: table}
}

// testServer wires a server with the evaluation path and token issuance.
// Optional subsystems stay nil; route-specific tests wire their own.
func testServer(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()
	if cfg.AdminToken == "" {
		cfg.AdminToken = testAdminToken
	}
	if cfg.Snapshots == nil {
		cfg.Snapshots = staticSnapshots{testSnapshot(t)}
	}
	if cfg.Issuer == nil {
		cfg.Issuer = detector.NewTokenIssuer([]byte("test-secret"))
	}
	if cfg.Pipeline == nil {
		cfg.Pipeline = pipeline.New(pipeline.Config{
			Snapshots: cfg.Snapshots,
			Counters:  counter.NewStore(counter.Config{Origin: "test"}),
			Detectors: []detector.Detector{detector.Keyword{}},
		})
	}
	return NewServer(cfg)
}

func doRequest(t *testing.T, srv *Server, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func assertBodyContains(t *testing.T, rec *httptest.ResponseRecorder, substr string) {
	t.Helper()
	body := rec.Body.String()
	if !strings.Contains(body, substr) {
		t.Errorf("body %q does not contain %q", body, substr)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status: got %d, want %d (body %q)", rec.Code, want, rec.Body.String())
	}
}
