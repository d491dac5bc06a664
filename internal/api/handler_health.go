package api

import (
	"net/http"

	"github.com/formgate/formgate/internal/buildinfo"
)

// HandleHealthz returns the liveness handler. Unauthenticated.
func HandleHealthz() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": buildinfo.Version,
		})
	})
}
