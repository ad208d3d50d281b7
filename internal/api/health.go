package api

import (
	"context"
	"net/http"
	"time"
)

// HealthChecker verifies connectivity to a dependency.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HandleHealth is the liveness probe. It answers as long as the process is up.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "service": "forged"})
}

// HandleHealthReady is the readiness probe. It checks the database and
// object storage dependencies and returns 503 when one is unreachable.
func (s *Server) HandleHealthReady(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name    string
		checker HealthChecker
	}{
		{"database", s.DBHealth},
		{"object storage", s.S3Health},
	}
	for _, c := range checks {
		if c.checker == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		err := c.checker.HealthCheck(ctx)
		cancel()
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"ok":    false,
				"error": c.name + " unreachable",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// HandlePing is an authenticated no-op used to verify credentials.
func (s *Server) HandlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "pong"})
}
