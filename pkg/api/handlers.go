// Package api holds the demo REST endpoints that reflect the authenticated
// principal, plus the app server assembly.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/gatehouse/pkg/middleware"
	"github.com/platinummonkey/gatehouse/pkg/observability"
)

// Handlers serves the demo API endpoints
type Handlers struct {
	logger *observability.Logger
}

// NewHandlers creates the demo API handlers
func NewHandlers(logger *observability.Logger) *Handlers {
	return &Handlers{logger: logger}
}

// RegisterRoutes registers the demo endpoints on the router. The gate is
// applied outside this router, driven by the path policy.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/public/hello", h.hello).Methods(http.MethodGet)
	router.HandleFunc("/api/secure/me", h.me).Methods(http.MethodGet)
	router.HandleFunc("/api/secure/claims", h.claims).Methods(http.MethodGet)
}

func (h *Handlers) hello(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "Hello! This endpoint is public.",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handlers) me(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r)
	if identity == nil {
		h.writeJSON(w, http.StatusOK, map[string]interface{}{
			"authenticated": false,
		})
		return
	}

	authorities := identity.Roles
	if authorities == nil {
		authorities = []string{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"authenticated": true,
		"name":          identity.Subject,
		"authorities":   authorities,
	})
}

func (h *Handlers) claims(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r)
	if identity == nil {
		h.writeJSON(w, http.StatusOK, map[string]interface{}{
			"message": "not authenticated",
		})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":       identity.Subject,
		"attributes": identity.Attributes,
	})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.WithError(err).Error("failed to encode response")
	}
}
