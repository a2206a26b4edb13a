package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/binlift/binlift/pkg/types"
)

var (
	// Bucket names
	bucketJobs        = []byte("jobs")
	bucketJobQueue    = []byte("jobs_queue")
	bucketAPIKeys     = []byte("api_keys")
	bucketKeysByHash  = []byte("api_keys_by_hash")
	bucketRateLimits  = []byte("rate_limits")
	bucketCache       = []byte("cache_entries")
	bucketSessions    = []byte("sessions")
	bucketHeartbeats  = []byte("worker_heartbeats")
	bucketSystemStats = []byte("system_stats")
)

// rate-limit sub-window granularity; buckets within the sliding window are
// summed, so granularity only affects key churn, not correctness.
const rateLimitSlice = 10 * time.Second

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "binlift.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketJobs,
			bucketJobQueue,
			bucketAPIKeys,
			bucketKeysByHash,
			bucketRateLimits,
			bucketCache,
			bucketSessions,
			bucketHeartbeats,
			bucketSystemStats,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// queueKey orders pending jobs by priority rank then FIFO by creation time.
// Key layout: 1 rank byte, 8 big-endian nanosecond bytes, job id.
func queueKey(job *types.Job) []byte {
	key := make([]byte, 0, 9+len(job.ID))
	key = append(key, byte('0'+types.PriorityRank(job.Priority)))
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(job.CreatedAt.UnixNano()))
	key = append(key, ts[:]...)
	key = append(key, []byte(job.ID)...)
	return key
}

// Job operations

func (s *BoltStore) CreateJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		if b.Get([]byte(job.ID)) != nil {
			return fmt.Errorf("%w: job %s already exists", types.ErrConflict, job.ID)
		}
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(job.ID), data); err != nil {
			return err
		}
		if job.Status == types.JobStatusPending {
			return tx.Bucket(bucketJobQueue).Put(queueKey(job), []byte(job.ID))
		}
		return nil
	})
}

func (s *BoltStore) GetJob(id string) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: job %s", types.ErrNotFound, id)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) UpdateJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(job.ID))
		if data == nil {
			return fmt.Errorf("%w: job %s", types.ErrNotFound, job.ID)
		}
		var existing types.Job
		if err := json.Unmarshal(data, &existing); err != nil {
			return err
		}
		// Terminal states are immutable.
		if existing.Status.Terminal() && existing.Status != job.Status {
			return fmt.Errorf("%w: job %s is %s", types.ErrConflict, job.ID, existing.Status)
		}
		// The cancel flag is sticky until the job goes terminal, so a
		// worker's progress write cannot erase a concurrent cancel request.
		if existing.CancelRequested && !job.Status.Terminal() {
			job.CancelRequested = true
		}
		updated, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.ID), updated)
	})
}

func (s *BoltStore) ListJobs(status types.JobStatus, limit int) ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			if limit > 0 && len(jobs) >= limit {
				return nil
			}
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if status != "" && job.Status != status {
				return nil
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) CountJobsByStatus() (map[types.JobStatus]int, error) {
	counts := make(map[types.JobStatus]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			counts[job.Status]++
			return nil
		})
	})
	return counts, err
}

// DequeueNextJob claims the highest-priority oldest pending job. The whole
// selection and transition runs in one write transaction; bbolt serializes
// writers, so concurrent workers never claim the same job.
func (s *BoltStore) DequeueNextJob(workerID string) (*types.Job, error) {
	var claimed *types.Job
	err := s.db.Update(func(tx *bolt.Tx) error {
		queue := tx.Bucket(bucketJobQueue)
		jobs := tx.Bucket(bucketJobs)

		c := queue.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			data := jobs.Get(v)
			if data == nil {
				// Orphaned queue entry; drop it and keep scanning.
				if err := queue.Delete(k); err != nil {
					return err
				}
				continue
			}
			var job types.Job
			if err := json.Unmarshal(data, &job); err != nil {
				return err
			}
			if job.Status != types.JobStatusPending {
				if err := queue.Delete(k); err != nil {
					return err
				}
				continue
			}

			now := time.Now().UTC()
			job.Status = types.JobStatusInProgress
			job.WorkerID = workerID
			job.StartedAt = &now
			job.UpdatedAt = now

			updated, err := json.Marshal(&job)
			if err != nil {
				return err
			}
			if err := jobs.Put(v, updated); err != nil {
				return err
			}
			if err := queue.Delete(k); err != nil {
				return err
			}
			claimed = &job
			return nil
		}
		return fmt.Errorf("%w: no pending jobs", types.ErrNotFound)
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// TouchJob refreshes a leased job's updated_at. Stale-lease recovery keys
// on that column, so the worker heartbeat must keep it moving even when no
// progress checkpoint has landed. Jobs no longer in progress are left alone.
func (s *BoltStore) TouchJob(id string, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: job %s", types.ErrNotFound, id)
		}
		var job types.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		if job.Status != types.JobStatusInProgress {
			return nil
		}
		job.UpdatedAt = now
		updated, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

// RecoverStaleJobs requeues in_progress jobs whose lease went stale, or
// fails them once the retry cap is reached.
func (s *BoltStore) RecoverStaleJobs(staleAfter time.Duration, retryCap int) ([]string, error) {
	var touched []string
	now := time.Now().UTC()
	cutoff := now.Add(-staleAfter)

	err := s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		queue := tx.Bucket(bucketJobQueue)

		type stale struct {
			key []byte
			job types.Job
		}
		var found []stale
		if err := jobs.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.Status == types.JobStatusInProgress && job.UpdatedAt.Before(cutoff) {
				found = append(found, stale{key: append([]byte(nil), k...), job: job})
			}
			return nil
		}); err != nil {
			return err
		}

		for _, st := range found {
			job := st.job
			job.RetryCount++
			job.WorkerID = ""
			job.UpdatedAt = now
			if job.RetryCount > retryCap {
				job.Status = types.JobStatusFailed
				job.ErrorKind = "worker_lost"
				job.ErrorMessage = fmt.Sprintf("worker lease expired after %d retries", retryCap)
				job.CompletedAt = &now
			} else {
				job.Status = types.JobStatusPending
				job.StartedAt = nil
				job.ProgressPercentage = 0
				job.CurrentStage = ""
				if err := queue.Put(queueKey(&job), []byte(job.ID)); err != nil {
					return err
				}
			}
			data, err := json.Marshal(&job)
			if err != nil {
				return err
			}
			if err := jobs.Put(st.key, data); err != nil {
				return err
			}
			touched = append(touched, job.ID)
		}
		return nil
	})
	return touched, err
}

// RequestCancel transitions a pending job to cancelled or flags an
// in_progress job for the worker to stop at its next checkpoint.
func (s *BoltStore) RequestCancel(id string) (*types.Job, error) {
	var result *types.Job
	err := s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		data := jobs.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: job %s", types.ErrNotFound, id)
		}
		var job types.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}

		now := time.Now().UTC()
		switch job.Status {
		case types.JobStatusPending:
			if err := tx.Bucket(bucketJobQueue).Delete(queueKey(&job)); err != nil {
				return err
			}
			job.Status = types.JobStatusCancelled
			job.ErrorKind = "cancelled"
			job.CompletedAt = &now
			job.UpdatedAt = now
		case types.JobStatusInProgress:
			job.CancelRequested = true
			job.UpdatedAt = now
		default:
			return fmt.Errorf("%w: job %s is %s", types.ErrConflict, id, job.Status)
		}

		updated, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		if err := jobs.Put([]byte(id), updated); err != nil {
			return err
		}
		result = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// API key operations

func apiKeyKey(userID, keyID string) []byte {
	// Identifiers cannot contain '/', so it is a safe separator.
	return []byte(userID + "/" + keyID)
}

func (s *BoltStore) PutAPIKey(key *types.APIKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(key)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketAPIKeys).Put(apiKeyKey(key.UserID, key.KeyID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketKeysByHash).Put([]byte(key.KeyHash), apiKeyKey(key.UserID, key.KeyID))
	})
}

func (s *BoltStore) GetAPIKeyByHash(hash string) (*types.APIKey, error) {
	var key types.APIKey
	err := s.db.View(func(tx *bolt.Tx) error {
		ref := tx.Bucket(bucketKeysByHash).Get([]byte(hash))
		if ref == nil {
			return fmt.Errorf("%w: api key", types.ErrNotFound)
		}
		data := tx.Bucket(bucketAPIKeys).Get(ref)
		if data == nil {
			return fmt.Errorf("%w: api key", types.ErrNotFound)
		}
		return json.Unmarshal(data, &key)
	})
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (s *BoltStore) ListAPIKeysByUser(userID string) ([]*types.APIKey, error) {
	var keys []*types.APIKey
	prefix := []byte(userID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAPIKeys).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var key types.APIKey
			if err := json.Unmarshal(v, &key); err != nil {
				return err
			}
			keys = append(keys, &key)
		}
		return nil
	})
	return keys, err
}

func (s *BoltStore) DeleteAPIKey(userID, keyID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAPIKeys)
		data := b.Get(apiKeyKey(userID, keyID))
		if data == nil {
			return fmt.Errorf("%w: api key %s/%s", types.ErrNotFound, userID, keyID)
		}
		var key types.APIKey
		if err := json.Unmarshal(data, &key); err != nil {
			return err
		}
		if err := tx.Bucket(bucketKeysByHash).Delete([]byte(key.KeyHash)); err != nil {
			return err
		}
		return b.Delete(apiKeyKey(userID, keyID))
	})
}

func (s *BoltStore) HasAdminKey() (bool, error) {
	found := false
	now := time.Now()
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAPIKeys).ForEach(func(k, v []byte) error {
			var key types.APIKey
			if err := json.Unmarshal(v, &key); err != nil {
				return err
			}
			if key.Active(now) && key.HasPermission(types.PermissionAdmin) {
				found = true
			}
			return nil
		})
	})
	return found, err
}

// Rate limit operations

func rateLimitPrefix(scope types.RateLimitScope, identifier string) []byte {
	return []byte(string(scope) + "\x00" + identifier + "\x00")
}

func rateLimitKey(scope types.RateLimitScope, identifier string, windowStart time.Time) []byte {
	key := rateLimitPrefix(scope, identifier)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(windowStart.UnixNano()))
	return append(key, ts[:]...)
}

// CheckAndConsume prunes stale buckets, sums the live ones, and consumes a
// token if the sum is under the cap. All steps run in one transaction.
func (s *BoltStore) CheckAndConsume(scope types.RateLimitScope, identifier string, window time.Duration, maxRequests int) (bool, error) {
	allowed := false
	now := time.Now().UTC()
	cutoff := now.Add(-window)

	slice := rateLimitSlice
	if window < slice {
		slice = window
	}
	currentStart := now.Truncate(slice)

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRateLimits)
		prefix := rateLimitPrefix(scope, identifier)

		sum := 0
		c := b.Cursor()
		var staleKeys [][]byte
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var bucket types.RateLimitBucket
			if err := json.Unmarshal(v, &bucket); err != nil {
				return err
			}
			if bucket.WindowStart.Before(cutoff) {
				staleKeys = append(staleKeys, append([]byte(nil), k...))
				continue
			}
			sum += bucket.RequestCount
		}
		for _, k := range staleKeys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		if sum >= maxRequests {
			return nil
		}

		key := rateLimitKey(scope, identifier, currentStart)
		bucket := types.RateLimitBucket{
			Scope:             scope,
			Identifier:        identifier,
			WindowStart:       currentStart,
			WindowSizeSeconds: int(window.Seconds()),
			MaxRequests:       maxRequests,
		}
		if existing := b.Get(key); existing != nil {
			if err := json.Unmarshal(existing, &bucket); err != nil {
				return err
			}
		}
		bucket.RequestCount++
		data, err := json.Marshal(&bucket)
		if err != nil {
			return err
		}
		if err := b.Put(key, data); err != nil {
			return err
		}
		allowed = true
		return nil
	})
	return allowed, err
}

// Cache operations

func (s *BoltStore) PutCacheEntry(entry *types.CacheEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketCache).Put([]byte(entry.CacheKey), data)
	})
}

// GetCacheEntry returns the entry for the key, deleting and reporting
// not_found for expired ones.
func (s *BoltStore) GetCacheEntry(cacheKey string) (*types.CacheEntry, error) {
	var entry types.CacheEntry
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCache)
		data := b.Get([]byte(cacheKey))
		if data == nil {
			return fmt.Errorf("%w: cache entry", types.ErrNotFound)
		}
		if err := json.Unmarshal(data, &entry); err != nil {
			return err
		}
		if entry.Expired(time.Now()) {
			if err := b.Delete([]byte(cacheKey)); err != nil {
				return err
			}
			return fmt.Errorf("%w: cache entry expired", types.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *BoltStore) TouchCacheEntry(cacheKey string, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCache)
		data := b.Get([]byte(cacheKey))
		if data == nil {
			return fmt.Errorf("%w: cache entry", types.ErrNotFound)
		}
		var entry types.CacheEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return err
		}
		entry.LastAccessed = now
		entry.AccessCount++
		updated, err := json.Marshal(&entry)
		if err != nil {
			return err
		}
		return b.Put([]byte(cacheKey), updated)
	})
}

// Worker heartbeat operations

func (s *BoltStore) PutHeartbeat(hb *types.WorkerHeartbeat) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(hb)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketHeartbeats).Put([]byte(hb.WorkerID), data)
	})
}

func (s *BoltStore) ListHeartbeats() ([]*types.WorkerHeartbeat, error) {
	var beats []*types.WorkerHeartbeat
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHeartbeats).ForEach(func(k, v []byte) error {
			var hb types.WorkerHeartbeat
			if err := json.Unmarshal(v, &hb); err != nil {
				return err
			}
			beats = append(beats, &hb)
			return nil
		})
	})
	return beats, err
}

func (s *BoltStore) DeleteHeartbeat(workerID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHeartbeats).Delete([]byte(workerID))
	})
}

// Session operations

func (s *BoltStore) PutSession(sess *types.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSessions).Put([]byte(sess.ID), data)
	})
}

func (s *BoltStore) GetSession(id string) (*types.Session, error) {
	var sess types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: session %s", types.ErrNotFound, id)
		}
		return json.Unmarshal(data, &sess)
	})
	if err != nil {
		return nil, err
	}
	if sess.ExpiresAt.Before(time.Now()) {
		return nil, fmt.Errorf("%w: session %s expired", types.ErrNotFound, id)
	}
	return &sess, nil
}

// System stats

func (s *BoltStore) PutSystemStats(stats *types.SystemStats) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(stats)
		if err != nil {
			return err
		}
		var ts [8]byte
		binary.BigEndian.PutUint64(ts[:], uint64(stats.SampledAt.UnixNano()))
		return tx.Bucket(bucketSystemStats).Put(ts[:], data)
	})
}

func (s *BoltStore) LatestSystemStats() (*types.SystemStats, error) {
	var stats types.SystemStats
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSystemStats).Cursor()
		k, v := c.Last()
		if k == nil {
			return fmt.Errorf("%w: system stats", types.ErrNotFound)
		}
		return json.Unmarshal(v, &stats)
	})
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// GC removes expired cache entries and sessions and stale rate-limit
// buckets. Safe to run repeatedly.
func (s *BoltStore) GC(now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var stale [][]byte

		cache := tx.Bucket(bucketCache)
		if err := cache.ForEach(func(k, v []byte) error {
			var entry types.CacheEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.Expired(now) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := cache.Delete(k); err != nil {
				return err
			}
		}

		stale = stale[:0]
		sessions := tx.Bucket(bucketSessions)
		if err := sessions.ForEach(func(k, v []byte) error {
			var sess types.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}
			if sess.ExpiresAt.Before(now) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := sessions.Delete(k); err != nil {
				return err
			}
		}

		stale = stale[:0]
		limits := tx.Bucket(bucketRateLimits)
		if err := limits.ForEach(func(k, v []byte) error {
			var bucket types.RateLimitBucket
			if err := json.Unmarshal(v, &bucket); err != nil {
				return err
			}
			windowSize := time.Duration(bucket.WindowSizeSeconds) * time.Second
			if bucket.WindowStart.Add(windowSize).Before(now) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := limits.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
