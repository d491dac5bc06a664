package api

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"

	"github.com/formgate/formgate/internal/configstore"
	"github.com/formgate/formgate/internal/metrics"
	"github.com/formgate/formgate/internal/model"
)

// HandleGetConfigStatus reports the active snapshot version and scope.
func HandleGetConfigStatus(snapshots SnapshotSource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := snapshots.Snapshot()
		if snap == nil || snap.Table == nil {
			WriteError(w, http.StatusServiceUnavailable, "NOT_READY", "configuration not loaded yet")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"version":       snap.Version,
			"refreshed_at":  snap.RefreshedAt,
			"vhost_ids":     snap.Table.VHostIDs(),
			"default_vhost": snap.Table.DefaultVHostID(),
		})
	})
}

// HandlePutVirtualHost creates or replaces a virtual host.
func HandlePutVirtualHost(client *configstore.Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var vh model.VirtualHost
		if err := DecodeBody(r, &vh); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		id := r.PathValue("id")
		if vh.ID == "" {
			vh.ID = id
		}
		if vh.ID != id {
			writeInvalidArgument(w, "body id does not match path id")
			return
		}
		if err := client.PutVirtualHost(r.Context(), vh); err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, vh)
	})
}

// HandleDeleteVirtualHost removes a virtual host.
func HandleDeleteVirtualHost(client *configstore.Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := client.DeleteVirtualHost(r.Context(), r.PathValue("id")); err != nil {
			writeInternal(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// HandlePutEndpoint creates or replaces an endpoint policy.
func HandlePutEndpoint(client *configstore.Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ep model.Endpoint
		if err := DecodeBody(r, &ep); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		id := r.PathValue("id")
		if ep.ID == "" {
			ep.ID = id
		}
		if ep.ID != id {
			writeInvalidArgument(w, "body id does not match path id")
			return
		}
		if ep.Mode != "" && !ep.Mode.IsValid() {
			writeInvalidArgument(w, "mode: unknown value "+string(ep.Mode))
			return
		}
		if err := client.PutEndpoint(r.Context(), ep); err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, ep)
	})
}

// HandleDeleteEndpoint removes an endpoint policy.
func HandleDeleteEndpoint(client *configstore.Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := client.DeleteEndpoint(r.Context(), r.PathValue("id")); err != nil {
			writeInternal(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// KeywordListRequest replaces the force-block keyword list.
type KeywordListRequest struct {
	Keywords []string `json:"keywords"`
}

// ScoredKeywordsRequest replaces the scored keyword map.
type ScoredKeywordsRequest struct {
	Keywords map[string]float64 `json:"keywords"`
}

// HandleSetBlockedKeywords replaces the global blocked-keyword list.
func HandleSetBlockedKeywords(client *configstore.Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req KeywordListRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if err := client.SetBlockedKeywords(r.Context(), req.Keywords); err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, req)
	})
}

// HandleSetFlaggedKeywords replaces the global scored-keyword map.
func HandleSetFlaggedKeywords(client *configstore.Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ScoredKeywordsRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if err := client.SetFlaggedKeywords(r.Context(), req.Keywords); err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, req)
	})
}

// DigestListRequest replaces the blocked content-digest set.
type DigestListRequest struct {
	Digests []string `json:"digests"`
}

// HandleSetBlockedDigests replaces the blocked content-digest set.
func HandleSetBlockedDigests(client *configstore.Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req DigestListRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if err := client.SetBlockedDigests(r.Context(), req.Digests); err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, req)
	})
}

// IPListRequest replaces an operator IP list. Entries are single
// addresses or CIDR prefixes.
type IPListRequest struct {
	Entries []string `json:"entries"`
}

// HandleSetIPAllowlist replaces the operator IP allow-list.
func HandleSetIPAllowlist(client *configstore.Client) http.Handler {
	return handleSetIPList(client.SetIPAllowlist)
}

// HandleSetIPDenylist replaces the operator IP deny-list.
func HandleSetIPDenylist(client *configstore.Client) http.Handler {
	return handleSetIPList(client.SetIPDenylist)
}

func handleSetIPList(set func(ctx context.Context, entries []string) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req IPListRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		for _, e := range req.Entries {
			if err := validateIPEntry(e); err != nil {
				writeInvalidArgument(w, err.Error())
				return
			}
		}
		if err := set(r.Context(), req.Entries); err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, req)
	})
}

// validateIPEntry accepts a bare address or a CIDR prefix.
func validateIPEntry(entry string) error {
	if _, err := netip.ParsePrefix(entry); err == nil {
		return nil
	}
	if _, err := netip.ParseAddr(entry); err == nil {
		return nil
	}
	return fmt.Errorf("entries: %q is not an IP address or CIDR prefix", entry)
}

// HandleSetGlobalThresholds replaces the global threshold defaults.
func HandleSetGlobalThresholds(client *configstore.Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var t model.Thresholds
		if err := DecodeBody(r, &t); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if err := client.SetGlobalThresholds(r.Context(), t); err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, t)
	})
}

// HandleConfigResync forces an immediate snapshot rebuild on this
// instance, skipping the version check.
func HandleConfigResync(client *configstore.Client, m *metrics.Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := client.ForceSync(r.Context()); err != nil {
			if m != nil {
				m.ConfigSyncTotal.WithLabelValues("error").Inc()
			}
			writeInternal(w, err)
			return
		}
		if m != nil {
			m.ConfigSyncTotal.WithLabelValues("ok").Inc()
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "synced"})
	})
}
