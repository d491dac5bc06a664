package api

import (
	"net/http"

	"github.com/formgate/formgate/internal/counter"
	"github.com/formgate/formgate/internal/metrics"
)

// HandleCounterSync ingests a replication batch from a peer instance.
// Apply is idempotent per (origin, seq), so redelivered batches only
// count increments not seen before.
func HandleCounterSync(store *counter.Store, m *metrics.Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req counter.SyncRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}

		applied := 0
		for _, inc := range req.Increments {
			if store.Apply(inc) {
				applied++
			}
		}
		if m != nil {
			m.CounterSyncTotal.WithLabelValues("ingest", "ok").Inc()
			m.CounterStoreSize.Set(float64(store.Size()))
		}
		WriteJSON(w, http.StatusOK, counter.SyncResponse{Applied: applied})
	})
}
