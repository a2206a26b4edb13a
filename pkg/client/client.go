package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/binlift/binlift/pkg/types"
)

// defaultTimeout bounds one HTTP exchange, uploads included.
const defaultTimeout = 5 * time.Minute

// Client is a typed HTTP client for the service API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client for the given base URL, authenticating every
// request with the bearer token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubmitOptions carries the optional analysis parameters of a submission.
type SubmitOptions struct {
	AnalysisDepth     types.AnalysisDepth
	TranslationDetail types.TranslationDetail
	Priority          types.JobPriority

	Provider    string
	Model       string
	EndpointURL string
	APIKey      string
}

// SubmitResult is the accepted-submission response.
type SubmitResult struct {
	JobID          string               `json:"job_id"`
	Status         string               `json:"status"`
	Config         types.AnalysisConfig `json:"config"`
	CheckStatusURL string               `json:"check_status_url"`
}

// JobStatus is the status view of one job, with the result document once
// the job is terminal and produced one.
type JobStatus struct {
	Job    *types.Job      `json:"job"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Submit uploads a binary for analysis.
func (c *Client) Submit(ctx context.Context, filename string, content io.Reader, opts SubmitOptions) (*SubmitResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to build upload form: %w", err)
	}
	if _, err := io.Copy(fw, content); err != nil {
		return nil, fmt.Errorf("failed to read upload content: %w", err)
	}

	fields := map[string]string{
		"analysis_depth":     string(opts.AnalysisDepth),
		"translation_detail": string(opts.TranslationDetail),
		"priority":           string(opts.Priority),
		"llm_provider":       opts.Provider,
		"llm_model":          opts.Model,
		"llm_endpoint_url":   opts.EndpointURL,
		"llm_api_key":        opts.APIKey,
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("failed to build upload form: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to build upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/decompile", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out SubmitResult
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Job fetches the current status of a job.
func (c *Client) Job(ctx context.Context, id string) (*JobStatus, error) {
	var out JobStatus
	if err := c.get(ctx, "/decompile/"+id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Result fetches and decodes a terminal job's result document.
func (c *Client) Result(ctx context.Context, id string) (*types.ResultDocument, error) {
	status, err := c.Job(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(status.Result) == 0 {
		return nil, fmt.Errorf("%w: job %s has no result", types.ErrNotFound, id)
	}
	var doc types.ResultDocument
	if err := json.Unmarshal(status.Result, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode result document: %w", err)
	}
	return &doc, nil
}

// Wait polls until the job reaches a terminal state or the context ends.
func (c *Client) Wait(ctx context.Context, id string, poll time.Duration) (*types.Job, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		status, err := c.Job(ctx, id)
		if err != nil {
			return nil, err
		}
		if status.Job.Status.Terminal() {
			return status.Job, nil
		}
		select {
		case <-ctx.Done():
			return status.Job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel requests cancellation of a job.
func (c *Client) Cancel(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/decompile/"+id, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// ProviderInfo describes one configured provider.
type ProviderInfo struct {
	ID          string `json:"id"`
	Model       string `json:"model,omitempty"`
	EndpointURL string `json:"endpoint_url,omitempty"`
}

// Providers lists the providers the service knows defaults for.
func (c *Client) Providers(ctx context.Context) ([]ProviderInfo, error) {
	var out struct {
		Providers []ProviderInfo `json:"providers"`
	}
	if err := c.get(ctx, "/llm-providers", &out); err != nil {
		return nil, err
	}
	return out.Providers, nil
}

// Health fetches the liveness summary.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.get(ctx, "/health", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats fetches the admin system sample.
func (c *Client) Stats(ctx context.Context) (*types.SystemStats, error) {
	var out types.SystemStats
	if err := c.get(ctx, "/admin/stats", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MintedKey pairs a created key record with its one-time plaintext token.
type MintedKey struct {
	Key   *types.APIKey `json:"key"`
	Token string        `json:"token"`
}

// CreateAPIKey mints a credential through the admin API.
func (c *Client) CreateAPIKey(ctx context.Context, userID string, tier types.APIKeyTier, perms []types.Permission) (*MintedKey, error) {
	body, err := json.Marshal(map[string]any{
		"user_id":     userID,
		"tier":        tier,
		"permissions": perms,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/admin/api-keys", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out MintedKey
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Bootstrap mints the first admin key. It works only while no admin key
// exists yet.
func (c *Client) Bootstrap(ctx context.Context, userID string) (*MintedKey, error) {
	body, err := json.Marshal(map[string]string{"user_id": userID})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/admin/bootstrap/create-admin", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out MintedKey
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, v)
}

// do executes the request and decodes the reply, converting error bodies
// back into the shared sentinel errors.
func (c *Client) do(req *http.Request, v any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if v == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// decodeError maps a {error, detail} body onto the sentinel the server
// started from, so callers can keep using errors.Is.
func decodeError(resp *http.Response) error {
	var body struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body.Detail == "" {
		body.Detail = resp.Status
	}

	var sentinel error
	switch body.Error {
	case "invalid_request":
		sentinel = types.ErrInvalidRequest
	case "unauthorized":
		sentinel = types.ErrUnauthorized
	case "forbidden":
		sentinel = types.ErrForbidden
	case "not_found":
		sentinel = types.ErrNotFound
	case "conflict":
		sentinel = types.ErrConflict
	case "payload_too_large":
		sentinel = types.ErrPayloadTooLarge
	case "validation_error":
		sentinel = types.ErrValidation
	case "rate_limited":
		sentinel = types.ErrRateLimited
	case "circuit_open":
		sentinel = types.ErrCircuitOpen
	default:
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, body.Detail)
	}
	return fmt.Errorf("%w: %s", sentinel, body.Detail)
}
