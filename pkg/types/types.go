package types

import (
	"errors"
	"time"
)

// Sentinel errors shared across packages. Handlers map these to HTTP status
// codes; internal callers match them with errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrValidation      = errors.New("validation error")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrConflict        = errors.New("conflict")
	ErrRateLimited     = errors.New("rate limited")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrCircuitOpen     = errors.New("circuit open")
	ErrTimeout         = errors.New("timeout")
	ErrCancelled       = errors.New("cancelled")
	ErrToolFailure     = errors.New("tool failure")
	ErrUnsupported     = errors.New("unsupported format")
	ErrProviderFailure = errors.New("provider failure")
)

// JobStatus represents the lifecycle state of a decompilation job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal jobs are immutable.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// JobPriority controls dequeue ordering
type JobPriority string

const (
	PriorityUrgent JobPriority = "urgent"
	PriorityHigh   JobPriority = "high"
	PriorityNormal JobPriority = "normal"
	PriorityLow    JobPriority = "low"
)

// PriorityRank returns the dequeue rank for a priority; lower dequeues first.
// Unknown priorities sort after low.
func PriorityRank(p JobPriority) int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// AnalysisDepth selects how much the disassembler extracts
type AnalysisDepth string

const (
	DepthBasic         AnalysisDepth = "basic"
	DepthStandard      AnalysisDepth = "standard"
	DepthComprehensive AnalysisDepth = "comprehensive"
)

// TranslationDetail selects how verbose LLM translations are
type TranslationDetail string

const (
	DetailBasic    TranslationDetail = "basic"
	DetailStandard TranslationDetail = "standard"
	DetailDetailed TranslationDetail = "detailed"
)

// ProviderParams identify and authenticate an upstream LLM. The request is
// authoritative; process-wide defaults only fill fields the request omitted.
type ProviderParams struct {
	ProviderID  string `json:"provider_id"`
	Model       string `json:"model"`
	EndpointURL string `json:"endpoint_url,omitempty"`
	APIKey      string `json:"-"` // never serialized, never logged
}

// Key returns the provider key used for circuit breakers and accounting.
func (p ProviderParams) Key() string {
	return p.ProviderID + "|" + p.EndpointURL + "|" + p.Model
}

// AnalysisConfig is the per-job configuration captured at submission
type AnalysisConfig struct {
	AnalysisDepth     AnalysisDepth     `json:"analysis_depth"`
	TranslationDetail TranslationDetail `json:"translation_detail"`
	Provider          ProviderParams    `json:"provider"`
	TimeoutSeconds    int               `json:"timeout_seconds"`
}

// Job is the durable record of one submission through its lifecycle
type Job struct {
	ID              string         `json:"id"`
	Status          JobStatus      `json:"status"`
	Priority        JobPriority    `json:"priority"`
	FileHash        string         `json:"file_hash"`
	Filename        string         `json:"filename"`
	FileReference   string         `json:"file_reference"`
	Config          AnalysisConfig `json:"config"`
	ResultReference string         `json:"result_reference,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	ErrorKind       string         `json:"error_kind,omitempty"`

	ProgressPercentage int    `json:"progress_percentage"`
	CurrentStage       string `json:"current_stage,omitempty"`
	WorkerID           string `json:"worker_id,omitempty"`
	CancelRequested    bool   `json:"cancel_requested,omitempty"`
	RetryCount         int    `json:"retry_count,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	SubmittedBy   string     `json:"submitted_by,omitempty"`
	SubmitterTier APIKeyTier `json:"submitter_tier,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`

	ProcessingTimeSeconds      float64 `json:"processing_time_seconds,omitempty"`
	EstimatedCompletionSeconds float64 `json:"estimated_completion_seconds,omitempty"`

	TokensIn      int64   `json:"tokens_in,omitempty"`
	TokensOut     int64   `json:"tokens_out,omitempty"`
	EstimatedCost float64 `json:"estimated_cost,omitempty"`
}

// CacheEntry deduplicates identical (file, config) submissions
type CacheEntry struct {
	CacheKey      string    `json:"cache_key"`
	FilePath      string    `json:"file_path"` // result blob handle
	ExpiresAt     time.Time `json:"expires_at"`
	LastAccessed  time.Time `json:"last_accessed"`
	AccessCount   int64     `json:"access_count"`
	Tags          []string  `json:"tags,omitempty"`
	DataSizeBytes int64     `json:"data_size_bytes"`
}

// Expired reports whether the entry is past its TTL at the given instant.
func (c *CacheEntry) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// RateLimitScope identifies what a rate-limit bucket counts
type RateLimitScope string

const (
	ScopeGlobal RateLimitScope = "global"
	ScopeAPIKey RateLimitScope = "api_key"
	ScopeIP     RateLimitScope = "ip"
)

// RateLimitBucket is one fixed window of request counts for (scope, identifier)
type RateLimitBucket struct {
	Scope             RateLimitScope `json:"scope"`
	Identifier        string         `json:"identifier"`
	WindowStart       time.Time      `json:"window_start"`
	RequestCount      int            `json:"request_count"`
	WindowSizeSeconds int            `json:"window_size_seconds"`
	MaxRequests       int            `json:"max_requests"`
}

// APIKeyTier maps to rate-limit quotas in config
type APIKeyTier string

const (
	TierBasic      APIKeyTier = "basic"
	TierStandard   APIKeyTier = "standard"
	TierPremium    APIKeyTier = "premium"
	TierEnterprise APIKeyTier = "enterprise"
)

// Permission is a capability granted to an API key
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
	PermissionAdmin Permission = "admin"
)

// APIKeyStatus is the lifecycle state of a key
type APIKeyStatus string

const (
	APIKeyStatusActive  APIKeyStatus = "active"
	APIKeyStatusRevoked APIKeyStatus = "revoked"
)

// APIKey is the stored representation of a credential. The secret itself is
// never stored; only its salted SHA-256 hash.
type APIKey struct {
	KeyID       string       `json:"key_id"`
	KeyHash     string       `json:"key_hash"`
	UserID      string       `json:"user_id"`
	Tier        APIKeyTier   `json:"tier"`
	Permissions []Permission `json:"permissions"`
	Status      APIKeyStatus `json:"status"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	LastUsedAt  *time.Time   `json:"last_used_at,omitempty"`
}

// HasPermission checks whether the key grants the given permission.
func (k *APIKey) HasPermission(p Permission) bool {
	for _, have := range k.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// Active reports whether the key is usable at the given instant.
func (k *APIKey) Active(now time.Time) bool {
	if k.Status != APIKeyStatusActive {
		return false
	}
	if k.ExpiresAt != nil && now.After(*k.ExpiresAt) {
		return false
	}
	return true
}

// WorkerHeartbeat records worker liveness for crash detection
type WorkerHeartbeat struct {
	WorkerID      string    `json:"worker_id"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	CurrentJobID  string    `json:"current_job_id,omitempty"`
}

// Session holds temporary upload metadata with a TTL
type Session struct {
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SystemStats is a periodic sample of service-level counters
type SystemStats struct {
	SampledAt        time.Time `json:"sampled_at"`
	JobsPending      int       `json:"jobs_pending"`
	JobsInProgress   int       `json:"jobs_in_progress"`
	JobsCompleted    int64     `json:"jobs_completed"`
	JobsFailed       int64     `json:"jobs_failed"`
	JobsCancelled    int64     `json:"jobs_cancelled"`
	BlobBytesUsed    int64     `json:"blob_bytes_used"`
	OpenBreakers     int       `json:"open_breakers"`
	TotalTokensIn    int64     `json:"total_tokens_in"`
	TotalTokensOut   int64     `json:"total_tokens_out"`
	TotalCostDollars float64   `json:"total_cost_dollars"`
}
