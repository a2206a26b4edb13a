package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binlift/binlift/pkg/breaker"
	"github.com/binlift/binlift/pkg/config"
	"github.com/binlift/binlift/pkg/provider"
	"github.com/binlift/binlift/pkg/storage"
	"github.com/binlift/binlift/pkg/translate"
	"github.com/binlift/binlift/pkg/types"
)

type fakeExtractor struct {
	dis *types.Disassembly
	err error
}

func (f *fakeExtractor) Extract(ctx context.Context, path string, depth types.AnalysisDepth) (*types.Disassembly, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.dis, nil
}

type stubProvider struct{}

func (stubProvider) TranslateFunction(context.Context, types.Function, types.TranslationDetail) (*types.FunctionTranslation, error) {
	return nil, nil
}
func (stubProvider) TranslateImport(context.Context, types.Import, []string, types.TranslationDetail) (*types.ImportTranslation, error) {
	return nil, nil
}
func (stubProvider) TranslateString(context.Context, types.StringRef, types.TranslationDetail) (*types.StringTranslation, error) {
	return nil, nil
}
func (stubProvider) TranslateSummary(context.Context, *types.Disassembly, types.TranslationDetail) (*types.OverallSummary, error) {
	return nil, nil
}
func (stubProvider) HealthCheck(context.Context) *provider.Health {
	return &provider.Health{Healthy: true}
}
func (stubProvider) Capabilities() provider.Capabilities { return provider.Capabilities{} }
func (stubProvider) Params() types.ProviderParams {
	return types.ProviderParams{ProviderID: "openai", Model: "m", EndpointURL: "https://api.openai.com/v1"}
}

type fakeResolver struct {
	err error
}

func (f *fakeResolver) Resolve(params types.ProviderParams) (provider.Provider, error) {
	if f.err != nil {
		return nil, f.err
	}
	return stubProvider{}, nil
}

type fakeTranslator struct {
	result *types.TranslatedResult
	acct   *types.Accounting
	err    error

	// honorCheckpoint makes the fake consult req.Checkpoint once, the way
	// the real orchestrator does between items.
	honorCheckpoint bool
}

func (f *fakeTranslator) Translate(ctx context.Context, req *translate.Request) (*types.TranslatedResult, *types.Accounting, error) {
	if f.honorCheckpoint && req.Checkpoint != nil {
		if err := req.Checkpoint(); err != nil {
			return nil, f.acct, err
		}
	}
	if req.OnProgress != nil {
		req.OnProgress(1, 2)
		req.OnProgress(2, 2)
	}
	return f.result, f.acct, f.err
}

func testEngineConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.RootDir = t.TempDir()
	cfg.WorkerCount = 1
	cfg.HeartbeatIntervalSeconds = 1
	return cfg
}

func newTestEngine(t *testing.T, extractor Extractor, translator Translator) (*Engine, storage.Store, storage.Blobs) {
	t.Helper()
	cfg := testEngineConfig(t)

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	blobs, err := storage.NewFSBlobs(cfg.Storage.RootDir, map[string]time.Duration{
		storage.BlobKindUpload: time.Hour,
		storage.BlobKindResult: 24 * time.Hour,
	})
	require.NoError(t, err)

	breakers := breaker.NewRegistry(cfg.CircuitBreaker)
	eng := New(cfg, store, blobs, extractor, &fakeResolver{}, translator, nil, breakers, "test")
	return eng, store, blobs
}

func defaultDisassembly() *types.Disassembly {
	return &types.Disassembly{
		FileInfo: types.FileInfo{Format: types.FormatPE, Architecture: "x86", Bits: 64},
		Functions: []types.Function{{
			Name: "entry0", Address: 0x401000, SizeBytes: 32,
			Assembly: []types.Instruction{{Address: 0x401000, Mnemonic: "ret"}},
		}},
	}
}

func defaultTranslation() *types.TranslatedResult {
	return &types.TranslatedResult{
		OverallSummary: types.OverallSummary{Text: "a test binary"},
		Functions:      []types.FunctionTranslation{{FunctionAddress: 0x401000, NaturalLanguage: "returns"}},
	}
}

func submitRequest(content string) *SubmitRequest {
	return &SubmitRequest{
		Filename: "sample.exe",
		Content:  bytes.NewReader([]byte(content)),
		Config: types.AnalysisConfig{
			Provider: types.ProviderParams{ProviderID: "openai", Model: "m", EndpointURL: "https://api.openai.com/v1"},
		},
		SubmittedBy:   "user-1",
		SubmitterTier: types.TierStandard,
	}
}

// TestSubmitCreatesPendingJob tests the normal submission path
func TestSubmitCreatesPendingJob(t *testing.T) {
	eng, store, blobs := newTestEngine(t, &fakeExtractor{dis: defaultDisassembly()}, &fakeTranslator{result: defaultTranslation()})

	job, err := eng.Submit(submitRequest("MZ binary bytes"))
	require.NoError(t, err)

	assert.Equal(t, types.JobStatusPending, job.Status)
	assert.Equal(t, types.PriorityNormal, job.Priority)
	assert.NotEmpty(t, job.FileHash)
	assert.NotEmpty(t, job.FileReference)
	assert.Equal(t, types.DepthStandard, job.Config.AnalysisDepth)

	stored, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, stored.Status)

	_, err = blobs.Stat(job.FileReference)
	assert.NoError(t, err)
}

// TestSubmitEmptyFile tests the empty-upload rejection
func TestSubmitEmptyFile(t *testing.T) {
	eng, _, _ := newTestEngine(t, &fakeExtractor{}, &fakeTranslator{})

	_, err := eng.Submit(submitRequest(""))
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
}

// TestWorkerCompletesJob tests the full pipeline through a worker
func TestWorkerCompletesJob(t *testing.T) {
	eng, store, blobs := newTestEngine(t,
		&fakeExtractor{dis: defaultDisassembly()},
		&fakeTranslator{
			result: defaultTranslation(),
			acct:   &types.Accounting{ProviderID: "openai", Model: "m", TotalTokensIn: 500, TotalTokensOut: 100, EstimatedCost: 0.25},
		})

	submitted, err := eng.Submit(submitRequest("MZ binary bytes"))
	require.NoError(t, err)
	upload := submitted.FileReference

	w := &worker{id: "worker-test", engine: eng}
	job, err := store.DequeueNextJob(w.id)
	require.NoError(t, err)
	w.execute(job)

	final, err := store.GetJob(submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, final.Status)
	assert.Equal(t, 100, final.ProgressPercentage)
	assert.NotEmpty(t, final.ResultReference)
	assert.Empty(t, final.WorkerID)
	assert.Equal(t, int64(500), final.TokensIn)
	assert.InDelta(t, 0.25, final.EstimatedCost, 0.0001)
	require.NotNil(t, final.CompletedAt)
	assert.False(t, final.CompletedAt.Before(final.CreatedAt))

	// Result document round-trips.
	rc, err := blobs.Open(final.ResultReference)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	var doc types.ResultDocument
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, submitted.ID, doc.Metadata.JobID)
	assert.Equal(t, "a test binary", doc.Translations.OverallSummary.Text)
	require.Len(t, doc.Translations.Functions, 1)
	assert.Equal(t, uint64(0x401000), doc.Translations.Functions[0].FunctionAddress)

	// Upload working copy is gone; cache entry exists.
	_, err = blobs.Stat(upload)
	assert.Error(t, err)
	entry, err := store.GetCacheEntry(types.CacheKey(final.FileHash, &final.Config))
	require.NoError(t, err)
	assert.Equal(t, final.ResultReference, entry.FilePath)
}

// TestSubmitCacheHit tests the dedup short-circuit after a completed run
func TestSubmitCacheHit(t *testing.T) {
	eng, store, _ := newTestEngine(t,
		&fakeExtractor{dis: defaultDisassembly()},
		&fakeTranslator{result: defaultTranslation(), acct: &types.Accounting{}})

	first, err := eng.Submit(submitRequest("MZ binary bytes"))
	require.NoError(t, err)
	w := &worker{id: "worker-test", engine: eng}
	job, err := store.DequeueNextJob(w.id)
	require.NoError(t, err)
	w.execute(job)

	completed, err := store.GetJob(first.ID)
	require.NoError(t, err)

	second, err := eng.Submit(submitRequest("MZ binary bytes"))
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, second.Status)
	assert.Equal(t, completed.ResultReference, second.ResultReference)
	assert.Equal(t, 100, second.ProgressPercentage)

	// Nothing new is pending.
	_, err = store.DequeueNextJob("worker-test")
	assert.ErrorIs(t, err, types.ErrNotFound)

	// A different config misses the cache.
	req := submitRequest("MZ binary bytes")
	req.Config.AnalysisDepth = types.DepthComprehensive
	third, err := eng.Submit(req)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, third.Status)
}

// TestWorkerExtractionFailure tests failure classification and cleanup
func TestWorkerExtractionFailure(t *testing.T) {
	eng, store, blobs := newTestEngine(t,
		&fakeExtractor{err: fmt.Errorf("%w: command aflj crashed", types.ErrToolFailure)},
		&fakeTranslator{})

	submitted, err := eng.Submit(submitRequest("MZ binary bytes"))
	require.NoError(t, err)

	w := &worker{id: "worker-test", engine: eng}
	job, err := store.DequeueNextJob(w.id)
	require.NoError(t, err)
	w.execute(job)

	final, err := store.GetJob(submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, final.Status)
	assert.Equal(t, "tool_failure", final.ErrorKind)
	assert.Empty(t, final.ResultReference)

	_, err = blobs.Stat(submitted.FileReference)
	assert.Error(t, err, "upload should be cleaned up on failure")
}

// TestWorkerCancellation tests the cooperative cancel checkpoint
func TestWorkerCancellation(t *testing.T) {
	eng, store, _ := newTestEngine(t,
		&fakeExtractor{dis: defaultDisassembly()},
		&fakeTranslator{result: defaultTranslation(), honorCheckpoint: true})

	submitted, err := eng.Submit(submitRequest("MZ binary bytes"))
	require.NoError(t, err)

	w := &worker{id: "worker-test", engine: eng}
	job, err := store.DequeueNextJob(w.id)
	require.NoError(t, err)

	// Flag lands while the job is in progress.
	_, err = eng.Cancel(submitted.ID)
	require.NoError(t, err)
	w.execute(job)

	final, err := store.GetJob(submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, final.Status)
	assert.Empty(t, final.ResultReference, "cancelled jobs expose no result")
	assert.Equal(t, "cancelled", final.ErrorKind)
}

// TestWorkerPartialResultOnFloorFailure tests the diagnostic blob path
func TestWorkerPartialResultOnFloorFailure(t *testing.T) {
	partial := &types.TranslatedResult{
		OverallSummary: types.OverallSummary{Error: "provider failure: down"},
		Functions:      []types.FunctionTranslation{{FunctionAddress: 0x401000, Error: "provider failure: down"}},
	}
	eng, store, blobs := newTestEngine(t,
		&fakeExtractor{dis: defaultDisassembly()},
		&fakeTranslator{
			result: partial,
			acct:   &types.Accounting{},
			err:    fmt.Errorf("%w: only 0/1 function translations succeeded and the summary failed", types.ErrProviderFailure),
		})

	submitted, err := eng.Submit(submitRequest("MZ binary bytes"))
	require.NoError(t, err)

	w := &worker{id: "worker-test", engine: eng}
	job, err := store.DequeueNextJob(w.id)
	require.NoError(t, err)
	w.execute(job)

	final, err := store.GetJob(submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, final.Status)
	assert.Equal(t, "provider_failure", final.ErrorKind)
	// The partial result is persisted for diagnosis.
	require.NotEmpty(t, final.ResultReference)
	_, err = blobs.Stat(final.ResultReference)
	assert.NoError(t, err)

	// Failed runs do not seed the cache.
	_, err = store.GetCacheEntry(types.CacheKey(final.FileHash, &final.Config))
	assert.ErrorIs(t, err, types.ErrNotFound)
}

// TestGetResult tests result streaming and missing-result handling
func TestGetResult(t *testing.T) {
	eng, store, _ := newTestEngine(t,
		&fakeExtractor{dis: defaultDisassembly()},
		&fakeTranslator{result: defaultTranslation(), acct: &types.Accounting{}})

	submitted, err := eng.Submit(submitRequest("MZ binary bytes"))
	require.NoError(t, err)

	_, err = eng.GetResult(submitted)
	assert.ErrorIs(t, err, types.ErrNotFound)

	w := &worker{id: "worker-test", engine: eng}
	job, err := store.DequeueNextJob(w.id)
	require.NoError(t, err)
	w.execute(job)

	final, err := store.GetJob(submitted.ID)
	require.NoError(t, err)
	rc, err := eng.GetResult(final)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Contains(t, string(data), "a test binary")
}

// TestEngineStats tests the sampled counters
func TestEngineStats(t *testing.T) {
	eng, store, _ := newTestEngine(t,
		&fakeExtractor{dis: defaultDisassembly()},
		&fakeTranslator{result: defaultTranslation(), acct: &types.Accounting{TotalTokensIn: 500, TotalTokensOut: 100}})

	_, err := eng.Submit(submitRequest("MZ binary bytes"))
	require.NoError(t, err)

	stats, err := eng.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.JobsPending)
	assert.Zero(t, stats.JobsCompleted)

	w := &worker{id: "worker-test", engine: eng}
	job, err := store.DequeueNextJob(w.id)
	require.NoError(t, err)
	w.execute(job)

	stats, err = eng.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.JobsPending)
	assert.Equal(t, int64(1), stats.JobsCompleted)
	assert.Equal(t, int64(500), stats.TotalTokensIn)
	assert.NotZero(t, stats.BlobBytesUsed)
}

// TestErrorKind tests the error taxonomy mapping
func TestErrorKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "unsupported", err: fmt.Errorf("%w: bad magic", types.ErrUnsupported), want: "unsupported_format"},
		{name: "tool", err: types.ErrToolFailure, want: "tool_failure"},
		{name: "breaker", err: types.ErrCircuitOpen, want: "circuit_open"},
		{name: "provider", err: types.ErrProviderFailure, want: "provider_failure"},
		{name: "rate limit", err: types.ErrRateLimited, want: "rate_limited"},
		{name: "timeout", err: types.ErrTimeout, want: "timeout"},
		{name: "cancelled", err: types.ErrCancelled, want: "cancelled"},
		{name: "unclassified", err: fmt.Errorf("disk on fire"), want: "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorKind(tt.err))
		})
	}
}
