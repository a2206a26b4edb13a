package storage

import (
	"io"
	"time"

	"github.com/binlift/binlift/pkg/types"
)

// Store is the transactional structured tier. All multi-step mutations
// (dequeue, rate-limit consume, cache insert) execute inside a single
// write transaction on the implementation.
type Store interface {
	// Job operations
	CreateJob(job *types.Job) error
	GetJob(id string) (*types.Job, error)
	UpdateJob(job *types.Job) error
	ListJobs(status types.JobStatus, limit int) ([]*types.Job, error)
	CountJobsByStatus() (map[types.JobStatus]int, error)

	// DequeueNextJob atomically claims the highest-priority oldest pending
	// job for the worker, or returns types.ErrNotFound when none is pending.
	DequeueNextJob(workerID string) (*types.Job, error)

	// TouchJob refreshes an in_progress job's updated_at so stale-lease
	// recovery sees its worker as live between progress checkpoints.
	TouchJob(id string, now time.Time) error

	// RecoverStaleJobs returns in_progress jobs whose updated_at is older
	// than staleAfter to pending (retry count incremented), or marks them
	// failed once retryCap is reached. Returns the ids it touched.
	RecoverStaleJobs(staleAfter time.Duration, retryCap int) ([]string, error)

	// RequestCancel flags a job for cancellation. Pending jobs transition to
	// cancelled immediately; in_progress jobs get the flag set for the
	// worker to observe at its next checkpoint.
	RequestCancel(id string) (*types.Job, error)

	// API key operations
	PutAPIKey(key *types.APIKey) error
	GetAPIKeyByHash(hash string) (*types.APIKey, error)
	ListAPIKeysByUser(userID string) ([]*types.APIKey, error)
	DeleteAPIKey(userID, keyID string) error
	HasAdminKey() (bool, error)

	// Rate limit operations; both steps of the sliding-window check run in
	// one transaction.
	CheckAndConsume(scope types.RateLimitScope, identifier string, window time.Duration, maxRequests int) (bool, error)

	// Cache operations. GetCacheEntry never returns expired entries.
	PutCacheEntry(entry *types.CacheEntry) error
	GetCacheEntry(cacheKey string) (*types.CacheEntry, error)
	TouchCacheEntry(cacheKey string, now time.Time) error

	// Worker heartbeat operations
	PutHeartbeat(hb *types.WorkerHeartbeat) error
	ListHeartbeats() ([]*types.WorkerHeartbeat, error)
	DeleteHeartbeat(workerID string) error

	// Session operations
	PutSession(s *types.Session) error
	GetSession(id string) (*types.Session, error)

	// System stats
	PutSystemStats(stats *types.SystemStats) error
	LatestSystemStats() (*types.SystemStats, error)

	// GC removes expired cache entries, sessions, and stale rate-limit
	// buckets. Idempotent.
	GC(now time.Time) error

	Close() error
}

// BlobInfo describes a stored blob
type BlobInfo struct {
	Handle      string
	Kind        string
	SizeBytes   int64
	ContentHash string
	StoredAt    time.Time
	ExpiresAt   time.Time
}

// Blobs is the content-addressed blob tier. Writes are atomic (tmpfile +
// rename); blobs are immutable after rename.
type Blobs interface {
	// Put streams bytes to a new blob of the given kind and returns its
	// handle of form {kind}/{yyyy}/{mm}/{dd}/{hash}.
	Put(kind string, r io.Reader) (*BlobInfo, error)
	Open(handle string) (io.ReadCloser, error)
	Delete(handle string) error
	Stat(handle string) (*BlobInfo, error)

	// Touch extends a blob's TTL from now (used on result access).
	Touch(handle string, now time.Time) error

	// GC removes blobs whose TTL has elapsed. Idempotent.
	GC(now time.Time) (removed int, err error)

	// UsedBytes reports total bytes currently stored.
	UsedBytes() (int64, error)
}
