package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/binlift/binlift/pkg/log"
	"github.com/binlift/binlift/pkg/metrics"
	"github.com/binlift/binlift/pkg/storage"
	"github.com/binlift/binlift/pkg/translate"
	"github.com/binlift/binlift/pkg/types"
)

// pollInterval paces the dequeue loop when the queue is empty.
const pollInterval = time.Second

// worker owns one job at a time: it leases from the queue, runs the
// disassemble-translate pipeline, and finalizes the job record.
type worker struct {
	id     string
	engine *Engine
}

func (w *worker) run() {
	e := w.engine
	logger := log.WithWorkerID(w.id)
	logger.Debug().Msg("Worker started")

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			_ = e.store.DeleteHeartbeat(w.id)
			logger.Debug().Msg("Worker stopped")
			return
		case <-ticker.C:
		}

		// Drain the queue before sleeping again.
		for {
			job, err := e.store.DequeueNextJob(w.id)
			if err != nil {
				if !errors.Is(err, types.ErrNotFound) {
					logger.Error().Err(err).Msg("Dequeue failed")
				}
				break
			}
			w.execute(job)

			select {
			case <-e.stopCh:
				_ = e.store.DeleteHeartbeat(w.id)
				return
			default:
			}
		}
	}
}

// execute runs one leased job end to end.
func (w *worker) execute(job *types.Job) {
	e := w.engine
	logger := log.WithJobID(job.ID)
	started := time.Now()

	timeout := time.Duration(job.Config.TimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// The heartbeat loop doubles as the cancellation watcher: it refreshes
	// the lease and cancels the context once the flag appears.
	watcherDone := make(chan struct{})
	defer close(watcherDone)
	go w.watch(ctx, cancel, job.ID, watcherDone)

	logger.Info().
		Str("worker_id", w.id).
		Str("depth", string(job.Config.AnalysisDepth)).
		Str("provider_id", job.Config.Provider.ProviderID).
		Msg("Job started")

	doc, err := w.pipeline(ctx, job, started)
	if err != nil {
		w.finalizeFailure(job, err, doc, started)
		return
	}

	now := time.Now().UTC()
	job.Status = types.JobStatusCompleted
	job.ProgressPercentage = 100
	job.CurrentStage = "completed"
	job.WorkerID = ""
	job.CompletedAt = &now
	job.UpdatedAt = now
	job.ProcessingTimeSeconds = time.Since(started).Seconds()
	if err := e.store.UpdateJob(job); err != nil {
		logger.Error().Err(err).Msg("Failed to finalize completed job")
		return
	}
	e.recordOutcome(job)
	w.cleanupUpload(job)
	_ = e.store.DeleteHeartbeat(w.id)

	logger.Info().
		Float64("seconds", job.ProcessingTimeSeconds).
		Int64("tokens_in", job.TokensIn).
		Int64("tokens_out", job.TokensOut).
		Msg("Job completed")
}

// pipeline performs extraction, translation, and result persistence. The
// returned document is non-nil when a partial result exists even on error.
func (w *worker) pipeline(ctx context.Context, job *types.Job, started time.Time) (*types.ResultDocument, error) {
	e := w.engine
	logger := log.WithJobID(job.ID)

	w.progress(job, 5, "disassembling")

	rc, err := e.blobs.Open(job.FileReference)
	if err != nil {
		return nil, fmt.Errorf("upload blob unavailable: %w", err)
	}
	tmp, err := os.CreateTemp("", "binlift-*")
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("failed to create scratch file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	_, err = io.Copy(tmp, rc)
	rc.Close()
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stage upload: %w", err)
	}

	disStart := time.Now()
	dis, err := e.extractor.Extract(ctx, tmpPath, job.Config.AnalysisDepth)
	if err != nil {
		return nil, err
	}
	disassemblyMs := time.Since(disStart).Milliseconds()
	metrics.DisassemblyDuration.WithLabelValues(string(job.Config.AnalysisDepth)).
		Observe(time.Since(disStart).Seconds())
	w.progress(job, 60, "translating")

	prov, err := e.providers.Resolve(job.Config.Provider)
	if err != nil {
		return nil, err
	}

	lastPct := 60
	result, acct, terr := e.translator.Translate(ctx, &translate.Request{
		Disassembly: dis,
		Provider:    prov,
		Detail:      job.Config.TranslationDetail,
		Depth:       job.Config.AnalysisDepth,
		Checkpoint: func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			fresh, err := e.store.GetJob(job.ID)
			if err == nil && fresh.CancelRequested {
				return types.ErrCancelled
			}
			return nil
		},
		OnProgress: func(done, total int) {
			pct := 60 + 35*done/total
			if pct > lastPct {
				lastPct = pct
				w.progress(job, pct, "translating")
			}
		},
		OnLLMCall: func() error {
			if e.limiter == nil {
				return nil
			}
			return e.limiter.AllowLLMCall(job.SubmitterTier, job.SubmittedBy)
		},
	})
	if acct != nil {
		job.TokensIn = acct.TotalTokensIn
		job.TokensOut = acct.TotalTokensOut
		job.EstimatedCost = acct.EstimatedCost
	}
	if terr != nil && result == nil {
		return nil, terr
	}

	w.progress(job, 95, "storing result")

	doc := &types.ResultDocument{
		Disassembly:  dis,
		Translations: *result,
	}
	doc.Metadata.JobID = job.ID
	doc.Metadata.CreatedAt = job.CreatedAt
	doc.Metadata.CompletedAt = time.Now().UTC()
	doc.Metadata.Versions.Service = e.version
	doc.Metadata.Versions.Disassembler = e.cfg.Disassembler.Binary
	if acct != nil {
		doc.Accounting = *acct
		doc.Accounting.DisassemblyMs = disassemblyMs
		doc.Accounting.TotalDurationMs = time.Since(started).Milliseconds()
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize result: %w", err)
	}
	info, err := e.blobs.Put(storage.BlobKindResult, bytes.NewReader(data))
	if err != nil {
		return doc, fmt.Errorf("failed to store result: %w", err)
	}
	job.ResultReference = info.Handle

	if terr != nil {
		// Partial result persisted for diagnosis; the job still fails.
		return doc, terr
	}

	entry := &types.CacheEntry{
		CacheKey:      types.CacheKey(job.FileHash, &job.Config),
		FilePath:      info.Handle,
		ExpiresAt:     time.Now().UTC().Add(time.Duration(e.cfg.ResultTTLHours) * time.Hour),
		LastAccessed:  time.Now().UTC(),
		AccessCount:   1,
		DataSizeBytes: info.SizeBytes,
	}
	if err := e.store.PutCacheEntry(entry); err != nil {
		logger.Warn().Err(err).Msg("Failed to record cache entry")
	}
	return doc, nil
}

// watch refreshes the worker heartbeat and cancels the job context when a
// cancellation request lands.
func (w *worker) watch(ctx context.Context, cancel context.CancelFunc, jobID string, done <-chan struct{}) {
	e := w.engine
	ticker := time.NewTicker(e.cfg.HeartbeatInterval())
	defer ticker.Stop()

	beat := func() {
		now := time.Now().UTC()
		_ = e.store.PutHeartbeat(&types.WorkerHeartbeat{
			WorkerID:      w.id,
			LastHeartbeat: now,
			CurrentJobID:  jobID,
		})
		// Recovery keys on the job row's updated_at; refresh it here so a
		// long disassembly or LLM call cannot outlive the stale lease.
		_ = e.store.TouchJob(jobID, now)
	}
	beat()

	// Cancellation needs to land faster than the heartbeat cadence.
	cancelTicker := time.NewTicker(time.Second)
	defer cancelTicker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		case <-cancelTicker.C:
			job, err := e.store.GetJob(jobID)
			if err == nil && job.CancelRequested {
				cancel()
				return
			}
		}
	}
}

// progress persists a stage and percentage update, refreshing updated_at
// so the lease stays live.
func (w *worker) progress(job *types.Job, pct int, stage string) {
	job.ProgressPercentage = pct
	job.CurrentStage = stage
	job.UpdatedAt = time.Now().UTC()
	if err := w.engine.store.UpdateJob(job); err != nil {
		logger := log.WithJobID(job.ID)
		logger.Debug().Err(err).Msg("Progress update failed")
	}
}

// finalizeFailure marks the job failed or cancelled and releases resources.
func (w *worker) finalizeFailure(job *types.Job, err error, doc *types.ResultDocument, started time.Time) {
	e := w.engine
	logger := log.WithJobID(job.ID)

	kind := errorKind(err)
	now := time.Now().UTC()
	if kind == "cancelled" {
		job.Status = types.JobStatusCancelled
		job.CurrentStage = "cancelled"
		// Cancelled jobs never expose a result reference.
		job.ResultReference = ""
	} else {
		job.Status = types.JobStatusFailed
		job.CurrentStage = "failed"
	}
	job.ErrorKind = kind
	job.ErrorMessage = err.Error()
	job.WorkerID = ""
	job.CancelRequested = false
	job.CompletedAt = &now
	job.UpdatedAt = now
	job.ProcessingTimeSeconds = time.Since(started).Seconds()

	if uerr := e.store.UpdateJob(job); uerr != nil {
		logger.Error().Err(uerr).Msg("Failed to finalize job")
		return
	}
	e.recordOutcome(job)
	w.cleanupUpload(job)
	_ = e.store.DeleteHeartbeat(w.id)

	logger.Warn().
		Str("error_kind", kind).
		Str("reason", job.ErrorMessage).
		Bool("partial_result", doc != nil && job.ResultReference != "").
		Msg("Job did not complete")
}

// cleanupUpload drops the working copy once the job is terminal.
func (w *worker) cleanupUpload(job *types.Job) {
	if job.FileReference == "" {
		return
	}
	if err := w.engine.blobs.Delete(job.FileReference); err != nil {
		logger := log.WithJobID(job.ID)
		logger.Warn().Err(err).Msg("Failed to delete upload blob")
	}
}

func floatBits(f float64) uint64 { return math.Float64bits(f) }
func bitsFloat(b uint64) float64 { return math.Float64frombits(b) }
