package handler

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/pvebatch/internal/api/response"
)

// Checker reports whether a dependency is reachable.
type Checker func(ctx context.Context) error

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health.
// Every named check must pass for a 200.
func NewHealthHandler(checks map[string]Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := make(map[string]string, len(checks))
		degraded := false
		for name, check := range checks {
			results[name] = "ok"
			if err := check(r.Context()); err != nil {
				results[name] = "degraded"
				degraded = true
			}
		}

		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", results)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": results,
		})
	}
}
