package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/binlift/binlift/pkg/breaker"
	"github.com/binlift/binlift/pkg/config"
	"github.com/binlift/binlift/pkg/log"
	"github.com/binlift/binlift/pkg/metrics"
	"github.com/binlift/binlift/pkg/provider"
	"github.com/binlift/binlift/pkg/ratelimit"
	"github.com/binlift/binlift/pkg/storage"
	"github.com/binlift/binlift/pkg/translate"
	"github.com/binlift/binlift/pkg/types"
)

// retryCap bounds how many times a job lost to a dead worker is requeued
// before it finalizes as failed.
const retryCap = 3

// maintenanceInterval paces the GC and stats sampling loops.
const maintenanceInterval = time.Minute

// Extractor produces a Disassembly from a binary on disk.
type Extractor interface {
	Extract(ctx context.Context, path string, depth types.AnalysisDepth) (*types.Disassembly, error)
}

// ProviderResolver constructs a provider from request parameters.
type ProviderResolver interface {
	Resolve(params types.ProviderParams) (provider.Provider, error)
}

// Translator runs the LLM fan-out for one extraction.
type Translator interface {
	Translate(ctx context.Context, req *translate.Request) (*types.TranslatedResult, *types.Accounting, error)
}

// SubmitRequest carries one upload into the pipeline.
type SubmitRequest struct {
	Filename      string
	Content       io.Reader
	Config        types.AnalysisConfig
	Priority      types.JobPriority
	SubmittedBy   string
	SubmitterTier types.APIKeyTier
	CorrelationID string
}

// Engine owns the job lifecycle: submission with cache short-circuit,
// worker pool, crash recovery, storage GC, and stats sampling.
type Engine struct {
	cfg        *config.Config
	store      storage.Store
	blobs      storage.Blobs
	extractor  Extractor
	providers  ProviderResolver
	translator Translator
	limiter    *ratelimit.Limiter
	breakers   *breaker.Registry

	version string

	// Lifetime counters sampled into system stats; seeded from the last
	// persisted sample on start.
	completedTotal atomic.Int64
	failedTotal    atomic.Int64
	cancelledTotal atomic.Int64
	tokensInTotal  atomic.Int64
	tokensOutTotal atomic.Int64
	costTotal      atomic.Uint64 // float64 bits

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New wires an engine. Start must be called before it processes jobs.
func New(cfg *config.Config, store storage.Store, blobs storage.Blobs,
	extractor Extractor, providers ProviderResolver, translator Translator,
	limiter *ratelimit.Limiter, breakers *breaker.Registry, version string) *Engine {
	return &Engine{
		cfg:        cfg,
		store:      store,
		blobs:      blobs,
		extractor:  extractor,
		providers:  providers,
		translator: translator,
		limiter:    limiter,
		breakers:   breakers,
		version:    version,
		stopCh:     make(chan struct{}),
	}
}

// Start recovers stale jobs from a previous process, then launches the
// worker pool and maintenance loops.
func (e *Engine) Start() {
	logger := log.WithComponent("engine")

	if stats, err := e.store.LatestSystemStats(); err == nil && stats != nil {
		e.completedTotal.Store(stats.JobsCompleted)
		e.failedTotal.Store(stats.JobsFailed)
		e.cancelledTotal.Store(stats.JobsCancelled)
		e.tokensInTotal.Store(stats.TotalTokensIn)
		e.tokensOutTotal.Store(stats.TotalTokensOut)
		e.costTotal.Store(floatBits(stats.TotalCostDollars))
	}

	if ids, err := e.store.RecoverStaleJobs(e.cfg.StaleLease(), retryCap); err != nil {
		logger.Error().Err(err).Msg("Startup stale-job recovery failed")
	} else if len(ids) > 0 {
		logger.Info().Int("jobs", len(ids)).Msg("Recovered stale jobs from previous run")
	}

	for i := 0; i < e.cfg.WorkerCount; i++ {
		w := &worker{
			id:     fmt.Sprintf("worker-%s", uuid.New().String()[:8]),
			engine: e,
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			w.run()
		}()
	}

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.recoveryLoop()
	}()
	go func() {
		defer e.wg.Done()
		e.maintenanceLoop()
	}()

	logger.Info().Int("workers", e.cfg.WorkerCount).Msg("Engine started")
}

// Stop halts workers and maintenance; in-flight jobs finish their current
// checkpoint and are recovered on the next start.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
	logger := log.WithComponent("engine")
	logger.Info().Msg("Engine stopped")
}

// Submit stores the upload, short-circuits through the result cache, and
// otherwise enqueues a pending job.
func (e *Engine) Submit(req *SubmitRequest) (*types.Job, error) {
	cfg := req.Config
	cfg.ApplyDefaults(e.cfg.AnalysisTimeoutSeconds)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	info, err := e.blobs.Put(storage.BlobKindUpload, req.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}
	if info.SizeBytes == 0 {
		_ = e.blobs.Delete(info.Handle)
		return nil, fmt.Errorf("%w: empty file", types.ErrInvalidRequest)
	}

	if req.Priority == "" {
		req.Priority = types.PriorityNormal
	}

	now := time.Now().UTC()
	job := &types.Job{
		ID:            uuid.New().String(),
		Status:        types.JobStatusPending,
		Priority:      req.Priority,
		FileHash:      info.ContentHash,
		Filename:      req.Filename,
		FileReference: info.Handle,
		Config:        cfg,
		CreatedAt:     now,
		UpdatedAt:     now,
		SubmittedBy:   req.SubmittedBy,
		SubmitterTier: req.SubmitterTier,
		CorrelationID: req.CorrelationID,
	}
	logger := log.WithJobID(job.ID)

	// Identical file and config seen before: reuse the stored result and
	// skip the pipeline entirely.
	cacheKey := types.CacheKey(info.ContentHash, &cfg)
	if entry, err := e.store.GetCacheEntry(cacheKey); err == nil {
		if _, statErr := e.blobs.Stat(entry.FilePath); statErr == nil {
			_ = e.blobs.Delete(info.Handle)
			_ = e.store.TouchCacheEntry(cacheKey, now)
			_ = e.blobs.Touch(entry.FilePath, now)

			job.Status = types.JobStatusCompleted
			job.FileReference = ""
			job.ResultReference = entry.FilePath
			job.ProgressPercentage = 100
			job.CurrentStage = "completed"
			job.CompletedAt = &now
			if err := e.store.CreateJob(job); err != nil {
				return nil, err
			}
			metrics.CacheHits.Inc()
			logger.Info().
				Str("cache_key", cacheKey).
				Msg("Cache hit, job completed without analysis")
			return job, nil
		}
		// Result blob aged out from under the entry; fall through.
	}

	job.CurrentStage = "queued"
	if err := e.store.CreateJob(job); err != nil {
		_ = e.blobs.Delete(info.Handle)
		return nil, err
	}

	logger.Info().
		Str("filename", job.Filename).
		Str("priority", string(job.Priority)).
		Int64("size_bytes", info.SizeBytes).
		Msg("Job submitted")
	return job, nil
}

// GetJob returns the current job record.
func (e *Engine) GetJob(id string) (*types.Job, error) {
	return e.store.GetJob(id)
}

// GetResult loads a terminal job's result document and refreshes its TTL.
func (e *Engine) GetResult(job *types.Job) (io.ReadCloser, error) {
	if job.ResultReference == "" {
		return nil, fmt.Errorf("%w: job %s has no result", types.ErrNotFound, job.ID)
	}
	rc, err := e.blobs.Open(job.ResultReference)
	if err != nil {
		return nil, fmt.Errorf("%w: result blob missing for job %s", types.ErrNotFound, job.ID)
	}
	_ = e.blobs.Touch(job.ResultReference, time.Now().UTC())
	return rc, nil
}

// Cancel requests cancellation; pending jobs finalize immediately.
func (e *Engine) Cancel(id string) (*types.Job, error) {
	job, err := e.store.RequestCancel(id)
	if err != nil {
		return nil, err
	}
	if job.Status == types.JobStatusCancelled {
		e.cancelledTotal.Add(1)
		if job.FileReference != "" {
			_ = e.blobs.Delete(job.FileReference)
		}
	}
	logger := log.WithJobID(id)
	logger.Info().Str("status", string(job.Status)).Msg("Cancellation requested")
	return job, nil
}

// Stats assembles a fresh system sample.
func (e *Engine) Stats() (*types.SystemStats, error) {
	counts, err := e.store.CountJobsByStatus()
	if err != nil {
		return nil, err
	}
	used, err := e.blobs.UsedBytes()
	if err != nil {
		return nil, err
	}
	return &types.SystemStats{
		SampledAt:        time.Now().UTC(),
		JobsPending:      counts[types.JobStatusPending],
		JobsInProgress:   counts[types.JobStatusInProgress],
		JobsCompleted:    e.completedTotal.Load(),
		JobsFailed:       e.failedTotal.Load(),
		JobsCancelled:    e.cancelledTotal.Load(),
		BlobBytesUsed:    used,
		OpenBreakers:     e.breakers.OpenCount(),
		TotalTokensIn:    e.tokensInTotal.Load(),
		TotalTokensOut:   e.tokensOutTotal.Load(),
		TotalCostDollars: bitsFloat(e.costTotal.Load()),
	}, nil
}

// recoveryLoop periodically requeues jobs whose worker stopped reporting.
func (e *Engine) recoveryLoop() {
	interval := e.cfg.HeartbeatInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger := log.WithComponent("engine")
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			// A worker that misses three heartbeat intervals is dead.
			staleAfter := 3 * interval
			if staleAfter < e.cfg.StaleLease() {
				staleAfter = e.cfg.StaleLease()
			}
			ids, err := e.store.RecoverStaleJobs(staleAfter, retryCap)
			if err != nil {
				logger.Error().Err(err).Msg("Stale-job recovery failed")
				continue
			}
			for _, id := range ids {
				logger.Warn().Str("job_id", id).Msg("Requeued job from unresponsive worker")
			}
		}
	}
}

// maintenanceLoop runs storage GC and persists stats samples.
func (e *Engine) maintenanceLoop() {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	logger := log.WithComponent("engine")
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			now := time.Now().UTC()
			if err := e.store.GC(now); err != nil {
				logger.Error().Err(err).Msg("Store GC failed")
			}
			if removed, err := e.blobs.GC(now); err != nil {
				logger.Error().Err(err).Msg("Blob GC failed")
			} else if removed > 0 {
				logger.Info().Int("removed", removed).Msg("Blob GC removed expired files")
			}
			if stats, err := e.Stats(); err == nil {
				metrics.JobsTotal.WithLabelValues(string(types.JobStatusPending)).Set(float64(stats.JobsPending))
				metrics.JobsTotal.WithLabelValues(string(types.JobStatusInProgress)).Set(float64(stats.JobsInProgress))
				metrics.BlobBytesUsed.Set(float64(stats.BlobBytesUsed))
				metrics.BreakersOpen.Set(float64(stats.OpenBreakers))
				if err := e.store.PutSystemStats(stats); err != nil {
					logger.Error().Err(err).Msg("Failed to persist stats sample")
				}
			}
		}
	}
}

// recordOutcome folds a finished job into the lifetime counters.
func (e *Engine) recordOutcome(job *types.Job) {
	kind := job.ErrorKind
	if kind == "" {
		kind = "none"
	}
	metrics.JobsCompleted.WithLabelValues(string(job.Status), kind).Inc()
	if job.ProcessingTimeSeconds > 0 {
		metrics.JobDuration.WithLabelValues(string(job.Config.AnalysisDepth)).
			Observe(job.ProcessingTimeSeconds)
	}

	switch job.Status {
	case types.JobStatusCompleted:
		e.completedTotal.Add(1)
	case types.JobStatusFailed:
		e.failedTotal.Add(1)
	case types.JobStatusCancelled:
		e.cancelledTotal.Add(1)
	}
	e.tokensInTotal.Add(job.TokensIn)
	e.tokensOutTotal.Add(job.TokensOut)
	if job.EstimatedCost > 0 {
		for {
			old := e.costTotal.Load()
			if e.costTotal.CompareAndSwap(old, floatBits(bitsFloat(old)+job.EstimatedCost)) {
				break
			}
		}
	}
}

// errorKind maps a pipeline error onto its wire taxonomy name.
func errorKind(err error) string {
	switch {
	case errors.Is(err, types.ErrUnsupported):
		return "unsupported_format"
	case errors.Is(err, types.ErrToolFailure):
		return "tool_failure"
	case errors.Is(err, types.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, types.ErrProviderFailure):
		return "provider_failure"
	case errors.Is(err, types.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, types.ErrTimeout):
		return "timeout"
	case errors.Is(err, types.ErrCancelled):
		return "cancelled"
	case errors.Is(err, types.ErrInvalidRequest), errors.Is(err, types.ErrValidation):
		return "invalid_request"
	default:
		return "internal_error"
	}
}
