package admin

import (
	"encoding/json"
	"net/http"

	"github.com/julienstroheker/hexrelay/internal/api"
	"github.com/julienstroheker/hexrelay/internal/logging"
)

// StatusFunc reports the node's current mode and role
type StatusFunc func() api.HealthResponse

// ListenersFunc reports the addresses in the listen registry
type ListenersFunc func() api.ListenersResponse

// HealthHandler serves GET /healthz
func HealthHandler(status StatusFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		resp := api.HealthResponse{Status: "ok"}
		if status != nil {
			resp = status()
		}
		writeJSON(w, r, http.StatusOK, resp)
	}
}

// ListenersHandler serves GET /listeners
func ListenersHandler(listeners ListenersFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		resp := api.ListenersResponse{Listeners: map[string][]api.ListenerEntry{}}
		if listeners != nil {
			resp = listeners()
		}
		writeJSON(w, r, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Warn("Failed to write admin response", logging.Error(err))
	}
}
