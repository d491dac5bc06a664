package api

import (
	"net/http"

	"github.com/formgate/formgate/internal/configstore"
	"github.com/formgate/formgate/internal/detector"
	"github.com/formgate/formgate/internal/metrics"
)

// SnapshotSource yields the current configuration snapshot.
type SnapshotSource interface {
	Snapshot() *configstore.Snapshot
}

// FormTokenResponse carries a freshly minted timing token and the field
// name the form must embed it under.
type FormTokenResponse struct {
	Token string `json:"token"`
	Field string `json:"field"`
}

// HandleFormToken mints a timing token scoped to the resolved
// vhost/endpoint for (host, path, method).
func HandleFormToken(snapshots SnapshotSource, issuer *detector.TokenIssuer, m *metrics.Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		host := q.Get("host")
		path := q.Get("path")
		if host == "" || path == "" {
			writeInvalidArgument(w, "host and path are required")
			return
		}
		method := q.Get("method")
		if method == "" {
			method = http.MethodPost
		}

		snap := snapshots.Snapshot()
		if snap == nil || snap.Table == nil {
			WriteError(w, http.StatusServiceUnavailable, "NOT_READY", "configuration not loaded yet")
			return
		}
		resolved := snap.Table.Resolve(host, path, method)

		token := issuer.Issue(detector.TokenScope(resolved))
		if m != nil {
			m.TokensIssued.Inc()
		}
		WriteJSON(w, http.StatusOK, FormTokenResponse{
			Token: token,
			Field: detector.TokenField,
		})
	})
}
