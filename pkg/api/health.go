package api

import (
	"net/http"
	"time"
)

// handleHealth is the liveness summary.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"version":   s.version,
		"timestamp": time.Now().UTC(),
	})
}

// handleReady reports whether the store is reachable. Load balancers stop
// routing here before the process is actually unable to serve.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"storage": "ok"}
	status := http.StatusOK

	if _, err := s.engine.Stats(); err != nil {
		checks["storage"] = "unavailable"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]any{
		"status":    readyWord(status),
		"checks":    checks,
		"timestamp": time.Now().UTC(),
	})
}

func readyWord(status int) string {
	if status == http.StatusOK {
		return "ready"
	}
	return "not_ready"
}

// handleLive answers as long as the process can serve HTTP at all.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleSystemInfo describes the running service.
func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":          "binlift",
		"version":          s.version,
		"uptime_seconds":   int64(time.Since(s.startedAt).Seconds()),
		"worker_count":     s.cfg.WorkerCount,
		"max_file_size_mb": s.cfg.MaxFileSizeMB,
		"providers":        s.providers.Known(),
	})
}
