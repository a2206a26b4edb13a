package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/binlift/binlift/pkg/alerts"
	"github.com/binlift/binlift/pkg/types"
)

// handleAdminStats returns a fresh system sample.
func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleAdminConfig exposes the effective configuration. Secrets (the API
// key salt) are omitted, not masked, so they cannot leak by accident.
func (s *Server) handleAdminConfig(w http.ResponseWriter, r *http.Request) {
	providers := make(map[string]map[string]any, len(s.cfg.Providers))
	for id, d := range s.cfg.Providers {
		providers[id] = map[string]any{
			"endpoint_url":       d.EndpointURL,
			"model":              d.Model,
			"cost_per_1k_tokens": d.CostPer1KTokens,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"server": map[string]any{
			"listen_addr": s.cfg.Server.ListenAddr,
		},
		"max_file_size_mb":         s.cfg.MaxFileSizeMB,
		"analysis_timeout_seconds": s.cfg.AnalysisTimeoutSeconds,
		"result_ttl_hours":         s.cfg.ResultTTLHours,
		"worker_count":             s.cfg.WorkerCount,
		"translation": map[string]any{
			"concurrency":          s.cfg.Translation.Concurrency,
			"call_timeout_seconds": s.cfg.Translation.CallTimeoutSeconds,
		},
		"disassembler": map[string]any{
			"binary":               s.cfg.Disassembler.Binary,
			"step_timeout_seconds": s.cfg.Disassembler.StepTimeoutSeconds,
		},
		"rate_limits":     s.cfg.RateLimits,
		"global_limit":    s.cfg.GlobalLimit,
		"circuit_breaker": s.cfg.CircuitBreaker,
		"providers":       providers,
	})
}

// handleMonitoringSummary aggregates the operational state in one reply.
func (s *Server) handleMonitoringSummary(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":    stats,
		"breakers": s.breakers.List(),
		"alerts":   s.alerts.List(),
	})
}

// handleDashboardOverview is the condensed JSON feed for external
// dashboards.
func (s *Server) handleDashboardOverview(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats()
	if err != nil {
		writeError(w, r, err)
		return
	}
	active := 0
	for _, a := range s.alerts.List() {
		if a.Status != alerts.StatusResolved {
			active++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sampled_at": stats.SampledAt,
		"jobs": map[string]any{
			"pending":     stats.JobsPending,
			"in_progress": stats.JobsInProgress,
			"completed":   stats.JobsCompleted,
			"failed":      stats.JobsFailed,
			"cancelled":   stats.JobsCancelled,
		},
		"tokens": map[string]any{
			"in":  stats.TotalTokensIn,
			"out": stats.TotalTokensOut,
		},
		"estimated_cost_dollars": stats.TotalCostDollars,
		"blob_bytes_used":        stats.BlobBytesUsed,
		"open_breakers":          stats.OpenBreakers,
		"active_alerts":          active,
	})
}

// createKeyRequest is the admin key-minting payload.
type createKeyRequest struct {
	UserID      string             `json:"user_id"`
	Tier        types.APIKeyTier   `json:"tier"`
	Permissions []types.Permission `json:"permissions"`
	ExpiresAt   *time.Time         `json:"expires_at,omitempty"`
}

// handleCreateAPIKey mints a key. The plaintext token appears in this
// response only and cannot be recovered later.
func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}
	key, token, err := s.auth.CreateKey(req.UserID, req.Tier, req.Permissions, req.ExpiresAt)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"key":   key,
		"token": token,
	})
}

// handleListAPIKeys lists a user's keys. Stored hashes are part of the
// record but tokens are not recoverable from them.
func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.auth.ListKeys(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

// handleDeleteAPIKey removes one key permanently.
func (s *Server) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	keyID := chi.URLParam(r, "keyID")
	if err := s.auth.DeleteKey(userID, keyID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

// breakerName decodes the {name} parameter. Breaker keys embed endpoint
// URLs, so clients URL-encode them into a single path segment.
func breakerName(r *http.Request) string {
	name := chi.URLParam(r, "name")
	if decoded, err := url.PathUnescape(name); err == nil {
		name = decoded
	}
	return name
}

// handleListBreakers snapshots every materialized breaker.
func (s *Server) handleListBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": s.breakers.List()})
}

// handleGetBreaker snapshots one breaker.
func (s *Server) handleGetBreaker(w http.ResponseWriter, r *http.Request) {
	state, err := s.breakers.Get(breakerName(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleResetBreaker replaces the breaker with a fresh closed instance.
func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := breakerName(r)
	if err := s.breakers.Reset(name); err != nil {
		writeError(w, r, err)
		return
	}
	state, err := s.breakers.Get(name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleForceOpenBreaker latches the breaker open until an admin reset.
func (s *Server) handleForceOpenBreaker(w http.ResponseWriter, r *http.Request) {
	name := breakerName(r)
	if err := s.breakers.ForceOpen(name); err != nil {
		writeError(w, r, err)
		return
	}
	state, err := s.breakers.Get(name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleBreakerHealthCheckAll probes the provider behind every
// materialized breaker key. Probes run without stored credentials, so an
// unhealthy verdict can also mean the provider requires a key.
func (s *Server) handleBreakerHealthCheckAll(w http.ResponseWriter, r *http.Request) {
	results := make(map[string]any)
	for _, state := range s.breakers.List() {
		parts := strings.SplitN(state.Key, "|", 3)
		if len(parts) != 3 {
			continue
		}
		p, err := s.providers.Resolve(types.ProviderParams{
			ProviderID:  parts[0],
			EndpointURL: parts[1],
			Model:       parts[2],
		})
		if err != nil {
			results[state.Key] = map[string]any{"healthy": false, "error": err.Error()}
			continue
		}
		ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
		results[state.Key] = p.HealthCheck(ctx)
		cancel()
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// handleListAlerts lists unresolved and recently resolved alerts.
func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"alerts": s.alerts.List()})
}

// handleCheckAlerts evaluates the alert rules against a fresh stats
// sample and returns whatever is firing.
func (s *Server) handleCheckAlerts(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"firing": s.alerts.Check(stats)})
}

// handleAcknowledgeAlert marks an alert as seen.
func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.alerts.Acknowledge(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// handleResolveAlert closes an alert.
func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.alerts.Resolve(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// bootstrapRequest names the first admin. An empty body defaults the
// user id.
type bootstrapRequest struct {
	UserID string `json:"user_id"`
}

// handleBootstrap mints the initial admin key. It needs no credential but
// refuses once any admin key exists.
func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	var req bootstrapRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErrorCode(w, http.StatusBadRequest, "invalid_request", "malformed request body")
			return
		}
	}
	if req.UserID == "" {
		req.UserID = "admin"
	}
	key, token, err := s.auth.Bootstrap(req.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"key":   key,
		"token": token,
	})
}
