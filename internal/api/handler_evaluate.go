package api

import (
	"encoding/base64"
	"errors"
	"net/http"
	"net/netip"
	"time"

	"github.com/formgate/formgate/internal/detector"
	"github.com/formgate/formgate/internal/engine"
	"github.com/formgate/formgate/internal/pipeline"
)

// EvaluateRequest is one submission as forwarded by the ingress layer.
// The raw body travels base64-encoded so binary multipart payloads
// survive the JSON envelope.
type EvaluateRequest struct {
	Host        string            `json:"host"`
	Path        string            `json:"path"`
	Method      string            `json:"method"`
	ClientIP    string            `json:"client_ip"`
	UserAgent   string            `json:"user_agent,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	BodyBase64  string            `json:"body_base64,omitempty"`
}

// EvaluateResponse is the verdict returned to the ingress layer. Results
// carries per-detector detail and is only populated in debug mode.
type EvaluateResponse struct {
	ID            string            `json:"id"`
	Outcome       string            `json:"outcome"`
	Computed      string            `json:"computed"`
	Score         float64           `json:"score"`
	Flags         []string          `json:"flags,omitempty"`
	Mode          string            `json:"mode"`
	WouldBlock    bool              `json:"would_block,omitempty"`
	Passthrough   bool              `json:"passthrough,omitempty"`
	ShortCircuit  string            `json:"short_circuit,omitempty"`
	RoutingTarget string            `json:"routing_target,omitempty"`
	EvaluatedAt   time.Time         `json:"evaluated_at"`
	Results       []detector.Result `json:"results,omitempty"`
}

// HandleEvaluate evaluates one form submission and returns the verdict.
func HandleEvaluate(p *pipeline.Pipeline, debug bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req EvaluateRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if req.Host == "" || req.Path == "" || req.Method == "" {
			writeInvalidArgument(w, "host, path, and method are required")
			return
		}
		var clientIP netip.Addr
		if req.ClientIP != "" {
			addr, err := netip.ParseAddr(req.ClientIP)
			if err != nil {
				writeInvalidArgument(w, "client_ip: invalid address")
				return
			}
			clientIP = addr
		}
		var body []byte
		if req.BodyBase64 != "" {
			decoded, err := base64.StdEncoding.DecodeString(req.BodyBase64)
			if err != nil {
				writeInvalidArgument(w, "body_base64: invalid base64")
				return
			}
			body = decoded
		}

		d, resolved, err := p.Evaluate(r.Context(), pipeline.Input{
			Host:        req.Host,
			Path:        req.Path,
			Method:      req.Method,
			ContentType: req.ContentType,
			Body:        body,
			ClientIP:    clientIP,
			UserAgent:   req.UserAgent,
			Headers:     req.Headers,
		})
		if err != nil {
			if errors.Is(err, pipeline.ErrNotReady) {
				WriteError(w, http.StatusServiceUnavailable, "NOT_READY", "configuration not loaded yet")
				return
			}
			writeInternal(w, err)
			return
		}

		WriteJSON(w, http.StatusOK, buildEvaluateResponse(d, resolved.RoutingTarget, debug))
	})
}

func buildEvaluateResponse(d engine.Decision, routingTarget string, debug bool) EvaluateResponse {
	resp := EvaluateResponse{
		ID:            d.ID,
		Outcome:       string(d.Outcome),
		Computed:      string(d.Computed),
		Score:         d.Score,
		Flags:         d.Flags,
		Mode:          string(d.Mode),
		WouldBlock:    d.WouldBlock,
		Passthrough:   d.Passthrough,
		ShortCircuit:  d.ShortCircuit,
		RoutingTarget: routingTarget,
		EvaluatedAt:   d.EvaluatedAt,
	}
	if debug {
		resp.Results = d.Results
	}
	return resp
}
