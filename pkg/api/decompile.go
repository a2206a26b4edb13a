package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/binlift/binlift/pkg/engine"
	"github.com/binlift/binlift/pkg/types"
)

// multipartMemory bounds how much of an upload is buffered in memory
// before spilling to disk.
const multipartMemory = 32 << 20

// fileInfo echoes upload facts in the submission response.
type fileInfo struct {
	Filename    string `json:"filename"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentType string `json:"content_type,omitempty"`
}

// submitResponse is the 202 body for an accepted submission.
type submitResponse struct {
	JobID          string               `json:"job_id"`
	Status         string               `json:"status"`
	FileInfo       fileInfo             `json:"file_info"`
	Config         types.AnalysisConfig `json:"config"`
	CheckStatusURL string               `json:"check_status_url"`
}

// handleSubmit accepts a multipart binary upload and enqueues a job.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	maxBytes := s.cfg.MaxFileSizeBytes()

	// Reject oversized uploads before reading the body when the client
	// declared a length. The slack covers multipart framing.
	if r.ContentLength > maxBytes+multipartMemory {
		writeErrorCode(w, http.StatusRequestEntityTooLarge, "payload_too_large",
			"upload exceeds the configured size limit")
		return
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		writeErrorCode(w, http.StatusUnsupportedMediaType, "unsupported_media_type",
			"expected multipart/form-data")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeErrorCode(w, http.StatusRequestEntityTooLarge, "payload_too_large",
				"upload exceeds the configured size limit")
			return
		}
		writeErrorCode(w, http.StatusBadRequest, "invalid_request", "malformed multipart body")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "invalid_request", "file field is required")
		return
	}
	defer file.Close()

	if header.Size > maxBytes {
		writeErrorCode(w, http.StatusRequestEntityTooLarge, "payload_too_large",
			"upload exceeds the configured size limit")
		return
	}

	cfg := types.AnalysisConfig{
		AnalysisDepth:     types.AnalysisDepth(r.FormValue("analysis_depth")),
		TranslationDetail: types.TranslationDetail(r.FormValue("translation_detail")),
		Provider: types.ProviderParams{
			ProviderID:  r.FormValue("llm_provider"),
			Model:       r.FormValue("llm_model"),
			EndpointURL: r.FormValue("llm_endpoint_url"),
			APIKey:      r.FormValue("llm_api_key"),
		},
	}
	if cfg.Provider.ProviderID == "" {
		cfg.Provider.ProviderID = "local"
	}

	key := keyFrom(r.Context())
	job, err := s.engine.Submit(&engine.SubmitRequest{
		Filename:      header.Filename,
		Content:       file,
		Config:        cfg,
		Priority:      types.JobPriority(r.FormValue("priority")),
		SubmittedBy:   key.UserID,
		SubmitterTier: key.Tier,
		CorrelationID: requestIDFrom(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := string(job.Status)
	if job.Status == types.JobStatusPending {
		status = "queued"
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:  job.ID,
		Status: status,
		FileInfo: fileInfo{
			Filename:    header.Filename,
			SizeBytes:   header.Size,
			ContentType: header.Header.Get("Content-Type"),
		},
		Config:         job.Config, // provider api_key never serializes
		CheckStatusURL: "/decompile/" + job.ID,
	})
}

// statusResponse merges the job record with its result document once the
// job is terminal and a result exists.
type statusResponse struct {
	Job    *types.Job      `json:"job"`
	Result json.RawMessage `json:"result,omitempty"`
}

// handleStatus returns job progress, and the stored result for terminal
// jobs that have one. Cancelled jobs never expose a result reference.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.GetJob(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := statusResponse{Job: job}
	if job.Status.Terminal() && job.ResultReference != "" {
		rc, err := s.engine.GetResult(job)
		if err == nil {
			data, readErr := io.ReadAll(rc)
			rc.Close()
			if readErr == nil {
				resp.Result = data
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCancel requests cancellation of a pending or running job.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.Cancel(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
	})
}

// handleTest is the authenticated smoke endpoint.
func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"time":    time.Now().UTC(),
	})
}
