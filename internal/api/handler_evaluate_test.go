package api

import (
	"encoding/base64"
	"net/http"
	"testing"

	"github.com/formgate/formgate/internal/counter"
	"github.com/formgate/formgate/internal/detector"
	"github.com/formgate/formgate/internal/pipeline"
)

func evaluateBody(body string) EvaluateRequest {
	return EvaluateRequest{
		Host:        "forms.example.com",
		Path:        "/contact",
		Method:      "POST",
		ClientIP:    "203.0.113.7",
		ContentType: "application/x-www-form-urlencoded",
		BodyBase64:  base64.StdEncoding.EncodeToString([]byte(body)),
	}
}

func TestHandleEvaluate_Allow(t *testing.T) {
	srv := testServer(t, ServerConfig{})

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/evaluate", testAdminToken, evaluateBody("name=Ana&message=hello"))
	assertStatus(t, rec, http.StatusOK)

	resp := decodeJSON[EvaluateResponse](t, rec)
	if resp.Outcome != "allow" {
		t.Fatalf("outcome = %q: %+v", resp.Outcome, resp)
	}
	if resp.ID == "" {
		t.Fatal("missing decision id")
	}
	if resp.Results != nil {
		t.Fatalf("detector results leaked outside debug mode: %+v", resp.Results)
	}
}

func TestHandleEvaluate_Block(t *testing.T) {
	srv := testServer(t, ServerConfig{})

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/evaluate", testAdminToken, evaluateBody("message=cheap+viagra"))
	assertStatus(t, rec, http.StatusOK)

	resp := decodeJSON[EvaluateResponse](t, rec)
	if resp.Outcome != "block" || resp.ShortCircuit != "keyword" {
		t.Fatalf("got %+v", resp)
	}
}

func TestHandleEvaluate_DebugIncludesResults(t *testing.T) {
	srv := testServer(t, ServerConfig{Debug: true})

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/evaluate", testAdminToken, evaluateBody("message=hello"))
	assertStatus(t, rec, http.StatusOK)

	resp := decodeJSON[EvaluateResponse](t, rec)
	if len(resp.Results) == 0 {
		t.Fatal("debug mode response has no detector results")
	}
}

func TestHandleEvaluate_Validation(t *testing.T) {
	srv := testServer(t, ServerConfig{})

	tests := []struct {
		name   string
		mutate func(*EvaluateRequest)
	}{
		{"missing host", func(r *EvaluateRequest) { r.Host = "" }},
		{"missing path", func(r *EvaluateRequest) { r.Path = "" }},
		{"missing method", func(r *EvaluateRequest) { r.Method = "" }},
		{"bad client ip", func(r *EvaluateRequest) { r.ClientIP = "not-an-ip" }},
		{"bad body encoding", func(r *EvaluateRequest) { r.BodyBase64 = "%%%" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := evaluateBody("message=hello")
			tt.mutate(&req)
			rec := doRequest(t, srv, http.MethodPost, "/api/v1/evaluate", testAdminToken, req)
			assertStatus(t, rec, http.StatusBadRequest)
			assertBodyContains(t, rec, "INVALID_ARGUMENT")
		})
	}
}

func TestHandleEvaluate_NotReady(t *testing.T) {
	snapshots := staticSnapshots{nil}
	srv := testServer(t, ServerConfig{
		Snapshots: snapshots,
		Pipeline: pipeline.New(pipeline.Config{
			Snapshots: snapshots,
			Counters:  counter.NewStore(counter.Config{Origin: "test"}),
			Detectors: []detector.Detector{detector.Keyword{}},
		}),
	})

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/evaluate", testAdminToken, evaluateBody("message=hello"))
	assertStatus(t, rec, http.StatusServiceUnavailable)
	assertBodyContains(t, rec, "NOT_READY")
}

func TestHandleEvaluate_RequiresAuth(t *testing.T) {
	srv := testServer(t, ServerConfig{})

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/evaluate", "", evaluateBody("message=hello"))
	assertStatus(t, rec, http.StatusUnauthorized)
}

func TestHandleEvaluate_BodyLimit(t *testing.T) {
	srv := testServer(t, ServerConfig{MaxBodyBytes: 64})

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/evaluate", testAdminToken, evaluateBody("message=hello"))
	assertStatus(t, rec, http.StatusRequestEntityTooLarge)
	assertBodyContains(t, rec, "PAYLOAD_TOO_LARGE")
}
