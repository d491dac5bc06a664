package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/formgate/formgate/internal/auditlog"
)

// HandleListDecisions queries the decision audit trail. Supported query
// parameters: vhost_id, endpoint_id, client_ip, outcome, digest,
// would_block, from, to (RFC 3339), limit, offset.
func HandleListDecisions(repo *auditlog.Repo) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := ParsePagination(r)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}

		q := r.URL.Query()
		filter := auditlog.ListFilter{
			VHostID:    q.Get("vhost_id"),
			EndpointID: q.Get("endpoint_id"),
			ClientIP:   q.Get("client_ip"),
			Outcome:    q.Get("outcome"),
			DigestHex:  q.Get("digest"),
			Limit:      p.Limit,
			Offset:     p.Offset,
		}

		if v := q.Get("would_block"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				writeInvalidArgument(w, "would_block: must be true or false")
				return
			}
			filter.WouldBlock = &b
		}
		if v := q.Get("from"); v != "" {
			ts, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				writeInvalidArgument(w, "from: must be RFC 3339")
				return
			}
			filter.After = ts.UnixNano()
		}
		if v := q.Get("to"); v != "" {
			ts, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				writeInvalidArgument(w, "to: must be RFC 3339")
				return
			}
			filter.Before = ts.UnixNano()
		}

		rows, err := repo.List(filter)
		if err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, PageResponse[auditlog.Summary]{
			Items:  rows,
			Limit:  p.Limit,
			Offset: p.Offset,
		})
	})
}

// HandleGetDecision fetches one decision by ID.
func HandleGetDecision(repo *auditlog.Repo) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("decision_id")
		row, err := repo.GetByID(id)
		if err != nil {
			writeInternal(w, err)
			return
		}
		if row == nil {
			writeNotFound(w)
			return
		}
		WriteJSON(w, http.StatusOK, row)
	})
}
