package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/binlift/binlift/pkg/provider"
	"github.com/binlift/binlift/pkg/types"
)

// healthProbeTimeout bounds one provider health probe.
const healthProbeTimeout = 15 * time.Second

// providerInfo is the public description of one configured provider.
// Credentials are never part of it.
type providerInfo struct {
	ID           string                `json:"id"`
	Model        string                `json:"model,omitempty"`
	EndpointURL  string                `json:"endpoint_url,omitempty"`
	Capabilities provider.Capabilities `json:"capabilities"`
}

func (s *Server) providerInfo(id string) (providerInfo, error) {
	d, ok := s.providers.Defaults(id)
	if !ok {
		return providerInfo{}, fmt.Errorf("%w: unknown provider %q", types.ErrNotFound, id)
	}
	info := providerInfo{ID: id, Model: d.Model, EndpointURL: d.EndpointURL}
	if p, err := s.providers.Resolve(types.ProviderParams{ProviderID: id}); err == nil {
		info.Capabilities = p.Capabilities()
	}
	return info, nil
}

// handleListProviders lists the providers with configured defaults.
func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	ids := s.providers.Known()
	out := make([]providerInfo, 0, len(ids))
	for _, id := range ids {
		if info, err := s.providerInfo(id); err == nil {
			out = append(out, info)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

// handleGetProvider describes one provider.
func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	info, err := s.providerInfo(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// healthCheckRequest optionally overrides provider parameters for a probe.
// The API key travels only in the request body over TLS and is never
// echoed or logged.
type healthCheckRequest struct {
	Model       string `json:"model,omitempty"`
	EndpointURL string `json:"endpoint_url,omitempty"`
	APIKey      string `json:"api_key,omitempty"`
}

// handleProviderHealthCheck issues a one-token probe against the provider.
func (s *Server) handleProviderHealthCheck(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req healthCheckRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErrorCode(w, http.StatusBadRequest, "invalid_request", "malformed request body")
			return
		}
	}

	p, err := s.providers.Resolve(types.ProviderParams{
		ProviderID:  id,
		Model:       req.Model,
		EndpointURL: req.EndpointURL,
		APIKey:      req.APIKey,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()
	health := p.HealthCheck(ctx)

	writeJSON(w, http.StatusOK, map[string]any{
		"provider_id": id,
		"health":      health,
	})
}
