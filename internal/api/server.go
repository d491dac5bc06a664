package api

import (
	"context"
	"net/http"

	"github.com/formgate/formgate/internal/auditlog"
	"github.com/formgate/formgate/internal/cluster"
	"github.com/formgate/formgate/internal/configstore"
	"github.com/formgate/formgate/internal/counter"
	"github.com/formgate/formgate/internal/detector"
	"github.com/formgate/formgate/internal/metrics"
	"github.com/formgate/formgate/internal/pipeline"
)

// ServerConfig wires the HTTP server. Pipeline, Issuer, and Snapshots are
// required; routes whose dependency is nil are not registered.
type ServerConfig struct {
	ListenAddr string

	// AdminToken protects everything under /api/. ClusterToken protects
	// the peer counter-sync ingest; empty disables that check.
	AdminToken   string
	ClusterToken string

	MaxBodyBytes int64
	Debug        bool

	Pipeline    *pipeline.Pipeline
	Issuer      *detector.TokenIssuer
	Snapshots   SnapshotSource
	ConfigStore *configstore.Client
	AuditRepo   *auditlog.Repo
	Coordinator *cluster.Coordinator
	Counters    *counter.Store
	Metrics     *metrics.Metrics
}

// Server wraps the HTTP server and mux.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates the API server wired with all routes.
func NewServer(cfg ServerConfig) *Server {
	mux := http.NewServeMux()

	// Public (no auth).
	mux.Handle("GET /healthz", HandleHealthz())
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics.Handler())
	}

	// Peer replication ingest. Separate token from the admin surface so
	// instances never hold the operator credential.
	if cfg.Counters != nil {
		sync := RequestBodyLimitMiddleware(cfg.MaxBodyBytes, HandleCounterSync(cfg.Counters, cfg.Metrics))
		if cfg.ClusterToken != "" {
			sync = AuthMiddleware(cfg.ClusterToken, sync)
		}
		mux.Handle("POST "+counter.SyncPath, sync)
	}

	// Authenticated routes.
	authed := http.NewServeMux()
	authed.Handle("POST /api/v1/evaluate", HandleEvaluate(cfg.Pipeline, cfg.Debug))
	authed.Handle("GET /api/v1/form-token", HandleFormToken(cfg.Snapshots, cfg.Issuer, cfg.Metrics))

	if cfg.ConfigStore != nil {
		authed.Handle("GET /api/v1/config", HandleGetConfigStatus(cfg.Snapshots))
		authed.Handle("POST /api/v1/config/actions/resync", HandleConfigResync(cfg.ConfigStore, cfg.Metrics))

		authed.Handle("PUT /api/v1/vhosts/{id}", HandlePutVirtualHost(cfg.ConfigStore))
		authed.Handle("DELETE /api/v1/vhosts/{id}", HandleDeleteVirtualHost(cfg.ConfigStore))
		authed.Handle("PUT /api/v1/endpoints/{id}", HandlePutEndpoint(cfg.ConfigStore))
		authed.Handle("DELETE /api/v1/endpoints/{id}", HandleDeleteEndpoint(cfg.ConfigStore))

		authed.Handle("PUT /api/v1/keywords/blocked", HandleSetBlockedKeywords(cfg.ConfigStore))
		authed.Handle("PUT /api/v1/keywords/flagged", HandleSetFlaggedKeywords(cfg.ConfigStore))
		authed.Handle("PUT /api/v1/digests/blocked", HandleSetBlockedDigests(cfg.ConfigStore))
		authed.Handle("PUT /api/v1/ip-lists/allow", HandleSetIPAllowlist(cfg.ConfigStore))
		authed.Handle("PUT /api/v1/ip-lists/deny", HandleSetIPDenylist(cfg.ConfigStore))
		authed.Handle("PUT /api/v1/thresholds", HandleSetGlobalThresholds(cfg.ConfigStore))
	}

	if cfg.AuditRepo != nil {
		authed.Handle("GET /api/v1/decisions", HandleListDecisions(cfg.AuditRepo))
		authed.Handle("GET /api/v1/decisions/{decision_id}", HandleGetDecision(cfg.AuditRepo))
	}

	if cfg.Coordinator != nil {
		authed.Handle("GET /api/v1/cluster/status", HandleClusterStatus(cfg.Coordinator))
		authed.Handle("GET /api/v1/cluster/instances", HandleClusterInstances(cfg.Coordinator))
	}

	limitedAuthed := RequestBodyLimitMiddleware(cfg.MaxBodyBytes, authed)
	mux.Handle("/api/", AuthMiddleware(cfg.AdminToken, limitedAuthed))

	return &Server{
		httpServer: &http.Server{
			Addr:    cfg.ListenAddr,
			Handler: mux,
		},
		mux: mux,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
