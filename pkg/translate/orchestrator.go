package translate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/binlift/binlift/pkg/breaker"
	"github.com/binlift/binlift/pkg/config"
	"github.com/binlift/binlift/pkg/log"
	"github.com/binlift/binlift/pkg/metrics"
	"github.com/binlift/binlift/pkg/provider"
	"github.com/binlift/binlift/pkg/types"
)

// Request carries everything one translation run needs.
type Request struct {
	Disassembly *types.Disassembly
	Provider    provider.Provider
	Detail      types.TranslationDetail
	Depth       types.AnalysisDepth

	// Checkpoint is consulted between items; returning an error aborts the
	// run promptly. Used for cooperative cancellation.
	Checkpoint func() error

	// OnProgress reports completed item counts as the fan-out advances.
	OnProgress func(done, total int)

	// OnLLMCall is consulted before each provider call for quota
	// enforcement; a rejection fails that item only.
	OnLLMCall func() error
}

// Orchestrator fans disassembly facts out to a provider under a bounded
// worker pool, circuit-breaker protection, and per-call timeouts.
type Orchestrator struct {
	breakers *breaker.Registry
	cfg      config.TranslationConfig
}

// NewOrchestrator creates an orchestrator sharing the given breakers.
func NewOrchestrator(breakers *breaker.Registry, cfg config.TranslationConfig) *Orchestrator {
	return &Orchestrator{breakers: breakers, cfg: cfg}
}

// Translate runs the full fan-out: one call per function with assembly, per
// unique import, and per selected string, then the overall summary once
// everything else has settled. Individual failures are recorded on their
// items; the run only fails as a whole when fewer than half the function
// translations succeed and the summary also fails.
func (o *Orchestrator) Translate(ctx context.Context, req *Request) (*types.TranslatedResult, *types.Accounting, error) {
	params := req.Provider.Params()
	logger := log.WithComponent("translate")
	start := time.Now()

	acct := &types.Accounting{
		ProviderID: params.ProviderID,
		Model:      params.Model,
	}
	result := &types.TranslatedResult{}

	fns, skipped := translatableFunctions(req.Disassembly.Functions)
	for _, name := range skipped {
		result.Warnings = append(result.Warnings, fmt.Sprintf("function %s has no assembly listing, not translated", name))
	}

	imports, referencedBy := dedupImports(req.Disassembly)
	strs := selectStrings(req.Disassembly.Strings, o.maxStrings(req.Depth))

	total := len(fns) + len(imports) + len(strs) + 1 // +1 for the summary
	var (
		mu   sync.Mutex
		done int
	)
	result.Functions = make([]types.FunctionTranslation, len(fns))
	result.Imports = make([]types.ImportTranslation, len(imports))
	result.Strings = make([]types.StringTranslation, len(strs))

	progress := func() {
		mu.Lock()
		done++
		n := done
		mu.Unlock()
		if req.OnProgress != nil {
			req.OnProgress(n, total)
		}
	}

	sem := semaphore.NewWeighted(int64(o.concurrency()))
	var wg sync.WaitGroup
	var aborted error

	run := func(fn func()) bool {
		if req.Checkpoint != nil {
			if err := req.Checkpoint(); err != nil {
				mu.Lock()
				if aborted == nil {
					aborted = err
				}
				mu.Unlock()
				return false
			}
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			if aborted == nil {
				aborted = err
			}
			mu.Unlock()
			return false
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			fn()
			progress()
		}()
		return true
	}

	key := params.Key()

	for i := range fns {
		i := i
		fn := fns[i]
		ok := run(func() {
			out, err := o.call(ctx, key, req, func(callCtx context.Context) (usageCarrier, error) {
				return req.Provider.TranslateFunction(callCtx, fn, req.Detail)
			})
			t := types.FunctionTranslation{FunctionAddress: fn.Address, FunctionName: fn.Name}
			if err != nil {
				t.Error = err.Error()
			} else {
				t = *out.(*types.FunctionTranslation)
			}
			mu.Lock()
			result.Functions[i] = t
			o.account(acct, t.TokensIn, t.TokensOut)
			mu.Unlock()
		})
		if !ok {
			break
		}
	}

	if aborted == nil {
		for i := range imports {
			i := i
			imp := imports[i]
			refs := referencedBy[imp.Library+"!"+imp.Name]
			ok := run(func() {
				out, err := o.call(ctx, key, req, func(callCtx context.Context) (usageCarrier, error) {
					return req.Provider.TranslateImport(callCtx, imp, refs, req.Detail)
				})
				t := types.ImportTranslation{Library: imp.Library, Name: imp.Name}
				if err != nil {
					t.Error = err.Error()
				} else {
					t = *out.(*types.ImportTranslation)
				}
				mu.Lock()
				result.Imports[i] = t
				o.account(acct, t.TokensIn, t.TokensOut)
				mu.Unlock()
			})
			if !ok {
				break
			}
		}
	}

	if aborted == nil {
		for i := range strs {
			i := i
			s := strs[i]
			ok := run(func() {
				out, err := o.call(ctx, key, req, func(callCtx context.Context) (usageCarrier, error) {
					return req.Provider.TranslateString(callCtx, s, req.Detail)
				})
				t := types.StringTranslation{Address: s.Address, Content: s.Content}
				if err != nil {
					t.Error = err.Error()
				} else {
					t = *out.(*types.StringTranslation)
				}
				mu.Lock()
				result.Strings[i] = t
				o.account(acct, t.TokensIn, t.TokensOut)
				mu.Unlock()
			})
			if !ok {
				break
			}
		}
	}

	wg.Wait()
	if aborted != nil {
		return nil, acct, aborted
	}
	if err := ctx.Err(); err != nil {
		return nil, acct, translateCtxErr(err)
	}

	// The summary runs strictly after the per-item calls so its prompt can
	// draw on the full extraction.
	out, err := o.call(ctx, key, req, func(callCtx context.Context) (usageCarrier, error) {
		return req.Provider.TranslateSummary(callCtx, req.Disassembly, req.Detail)
	})
	summaryOK := err == nil
	if summaryOK {
		result.OverallSummary = *out.(*types.OverallSummary)
	} else {
		result.OverallSummary = types.OverallSummary{Error: err.Error()}
	}
	o.account(acct, result.OverallSummary.TokensIn, result.OverallSummary.TokensOut)
	progress()

	if err := ctx.Err(); err != nil {
		return nil, acct, translateCtxErr(err)
	}

	acct.TranslationMs = time.Since(start).Milliseconds()
	metrics.ProviderTokens.WithLabelValues(params.ProviderID, "in").Add(float64(acct.TotalTokensIn))
	metrics.ProviderTokens.WithLabelValues(params.ProviderID, "out").Add(float64(acct.TotalTokensOut))
	if caps := req.Provider.Capabilities(); caps.CostPer1KTokens > 0 {
		acct.EstimatedCost = float64(acct.TotalTokensIn+acct.TotalTokensOut) / 1000 * caps.CostPer1KTokens
	}

	okFns := 0
	for _, t := range result.Functions {
		if t.Error == "" {
			okFns++
		}
	}
	// Below the success floor the run fails, but the partial result is
	// still returned so the caller can persist it for diagnosis.
	if len(fns) > 0 && okFns*2 < len(fns) && !summaryOK {
		return result, acct, fmt.Errorf("%w: only %d/%d function translations succeeded and the summary failed",
			types.ErrProviderFailure, okFns, len(fns))
	}

	logger.Info().
		Str("provider_key", key).
		Int("functions", okFns).
		Int("imports", len(imports)).
		Int("strings", len(strs)).
		Int64("tokens_in", acct.TotalTokensIn).
		Int64("tokens_out", acct.TotalTokensOut).
		Msg("Translation complete")

	return result, acct, nil
}

// usageCarrier is any translation record; calls are funneled through one
// wrapper so breaker, quota, and timeout handling stay in one place.
type usageCarrier interface{}

// call wraps one provider call with the LLM quota gate, the provider-key
// circuit breaker, and the per-call timeout.
func (o *Orchestrator) call(ctx context.Context, key string, req *Request, fn func(context.Context) (usageCarrier, error)) (usageCarrier, error) {
	if req.OnLLMCall != nil {
		if err := req.OnLLMCall(); err != nil {
			return nil, err
		}
	}

	var out usageCarrier
	err := o.breakers.Execute(key, func() error {
		callCtx := ctx
		if t := o.callTimeout(); t > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, t)
			defer cancel()
		}
		var err error
		out, err = fn(callCtx)
		return err
	})
	metrics.ProviderCalls.WithLabelValues(req.Provider.Params().ProviderID, callOutcome(err)).Inc()
	if err != nil {
		return nil, err
	}
	return out, nil
}

func callOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, types.ErrCircuitOpen):
		return "rejected"
	default:
		return "failure"
	}
}

func (o *Orchestrator) account(acct *types.Accounting, in, out int64) {
	acct.TotalTokensIn += in
	acct.TotalTokensOut += out
}

func (o *Orchestrator) concurrency() int {
	if o.cfg.Concurrency > 0 {
		return o.cfg.Concurrency
	}
	return 4
}

func (o *Orchestrator) callTimeout() time.Duration {
	return time.Duration(o.cfg.CallTimeoutSeconds) * time.Second
}

func (o *Orchestrator) maxStrings(depth types.AnalysisDepth) int {
	if depth == types.DepthComprehensive {
		return o.cfg.MaxStringsComprehensive
	}
	return o.cfg.MaxStringsStandard
}

// translatableFunctions drops functions whose listing came back empty.
func translatableFunctions(fns []types.Function) ([]types.Function, []string) {
	var out []types.Function
	var skipped []string
	for _, fn := range fns {
		if len(fn.Assembly) == 0 {
			skipped = append(skipped, fn.Name)
			continue
		}
		out = append(out, fn)
	}
	return out, skipped
}

func translateCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: translation deadline exceeded", types.ErrTimeout)
	}
	return types.ErrCancelled
}
