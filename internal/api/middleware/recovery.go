package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kiranshivaraju/pvebatch/internal/api/response"
	"github.com/kiranshivaraju/pvebatch/internal/metrics"
)

// headerGuard remembers whether the wrapped handler already started its response.
type headerGuard struct {
	http.ResponseWriter
	wrote bool
}

func (g *headerGuard) WriteHeader(code int) {
	g.wrote = true
	g.ResponseWriter.WriteHeader(code)
}

func (g *headerGuard) Write(b []byte) (int, error) {
	g.wrote = true
	return g.ResponseWriter.Write(b)
}

func (g *headerGuard) Unwrap() http.ResponseWriter { return g.ResponseWriter }

// Recovery turns a handler panic into a 500 response. A panic after the
// handler began writing (a zip download, for instance) only gets logged since
// the status line is already on the wire. http.ErrAbortHandler is re-raised so
// net/http can drop the connection quietly.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		guard := &headerGuard{ResponseWriter: w}
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}

			metrics.HandlerPanics.Inc()
			slog.Error("panic recovered",
				"error", rec,
				"stack", string(debug.Stack()),
				"method", r.Method,
				"path", r.URL.Path,
				"request_id", chimw.GetReqID(r.Context()),
				"response_started", guard.wrote,
			)
			if guard.wrote {
				return
			}
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "An unexpected error occurred", nil)
		}()
		next.ServeHTTP(guard, r)
	})
}
