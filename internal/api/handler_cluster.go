package api

import (
	"net/http"

	"github.com/formgate/formgate/internal/cluster"
	"github.com/formgate/formgate/internal/model"
)

// ClusterStatusResponse describes this instance's view of the cluster.
type ClusterStatusResponse struct {
	Self     string `json:"self"`
	IsLeader bool   `json:"is_leader"`
	Leader   string `json:"leader,omitempty"`
}

// HandleClusterStatus reports instance identity and current leadership.
func HandleClusterStatus(coord *cluster.Coordinator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := ClusterStatusResponse{
			Self:     coord.ID(),
			IsLeader: coord.IsLeader(),
		}
		if lease, held, err := coord.Leader(r.Context()); err == nil && held {
			resp.Leader = lease.Holder
		}
		WriteJSON(w, http.StatusOK, resp)
	})
}

// HandleClusterInstances lists the registered instances.
func HandleClusterInstances(coord *cluster.Coordinator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		instances, err := coord.Instances(r.Context())
		if err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, PageResponse[model.InstanceRecord]{
			Items:  instances,
			Limit:  len(instances),
			Offset: 0,
		})
	})
}
