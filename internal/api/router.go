package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/pvebatch/internal/api/middleware"
	"github.com/kiranshivaraju/pvebatch/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
// A nil RateLimit disables rate limiting.
type Dependencies struct {
	RateLimit *mw.RateLimit

	HealthHandler    http.HandlerFunc
	MetricsHandler   http.Handler
	ClusterResources http.HandlerFunc
	ClusterInfo      http.HandlerFunc

	StartJob         http.HandlerFunc
	ListJobs         http.HandlerFunc
	GetJob           http.HandlerFunc
	JobStatus        http.HandlerFunc
	ResourceAnalysis http.HandlerFunc
	DownloadJob      http.HandlerFunc
	CancelJob        http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	// Probes and scraping are never rate limited
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}

		r.Get("/api/v1/cluster/resources", orNotImplemented(deps.ClusterResources))
		r.Get("/api/v1/cluster/info", orNotImplemented(deps.ClusterInfo))

		r.Route("/api/v1/batch/jobs", func(r chi.Router) {
			r.Post("/", orNotImplemented(deps.StartJob))
			r.Get("/", orNotImplemented(deps.ListJobs))

			r.Route("/{jobID}", func(r chi.Router) {
				r.Get("/", orNotImplemented(deps.GetJob))
				r.Get("/status", orNotImplemented(deps.JobStatus))
				r.Get("/analyses/{vmID}", orNotImplemented(deps.ResourceAnalysis))
				r.Get("/download", orNotImplemented(deps.DownloadJob))
				r.Post("/cancel", orNotImplemented(deps.CancelJob))
			})
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
