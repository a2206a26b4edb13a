package translate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binlift/binlift/pkg/breaker"
	"github.com/binlift/binlift/pkg/config"
	"github.com/binlift/binlift/pkg/provider"
	"github.com/binlift/binlift/pkg/types"
)

// fakeProvider scripts translation outcomes and records call ordering.
type fakeProvider struct {
	mu          sync.Mutex
	calls       []string
	inflight    int
	maxInflight int

	failFunctions bool
	failAll       bool
	summaryErr    error
	delay         time.Duration
}

func (f *fakeProvider) enter(kind string) {
	f.mu.Lock()
	f.calls = append(f.calls, kind)
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
}

func (f *fakeProvider) exit() {
	f.mu.Lock()
	f.inflight--
	f.mu.Unlock()
}

func (f *fakeProvider) TranslateFunction(ctx context.Context, fn types.Function, detail types.TranslationDetail) (*types.FunctionTranslation, error) {
	f.enter("function")
	defer f.exit()
	if f.failAll || f.failFunctions {
		return nil, fmt.Errorf("%w: scripted failure", types.ErrProviderFailure)
	}
	return &types.FunctionTranslation{
		FunctionAddress: fn.Address,
		FunctionName:    fn.Name,
		NaturalLanguage: "does " + fn.Name,
		TokensIn:        100,
		TokensOut:       20,
	}, nil
}

func (f *fakeProvider) TranslateImport(ctx context.Context, imp types.Import, referencedBy []string, detail types.TranslationDetail) (*types.ImportTranslation, error) {
	f.enter("import")
	defer f.exit()
	if f.failAll {
		return nil, fmt.Errorf("%w: scripted failure", types.ErrProviderFailure)
	}
	return &types.ImportTranslation{
		Library:         imp.Library,
		Name:            imp.Name,
		NaturalLanguage: strings.Join(referencedBy, ","),
		TokensIn:        50,
		TokensOut:       10,
	}, nil
}

func (f *fakeProvider) TranslateString(ctx context.Context, s types.StringRef, detail types.TranslationDetail) (*types.StringTranslation, error) {
	f.enter("string")
	defer f.exit()
	if f.failAll {
		return nil, fmt.Errorf("%w: scripted failure", types.ErrProviderFailure)
	}
	return &types.StringTranslation{Address: s.Address, Content: s.Content, NaturalLanguage: "a string", TokensIn: 30, TokensOut: 5}, nil
}

func (f *fakeProvider) TranslateSummary(ctx context.Context, dis *types.Disassembly, detail types.TranslationDetail) (*types.OverallSummary, error) {
	f.enter("summary")
	defer f.exit()
	if f.summaryErr != nil {
		return nil, f.summaryErr
	}
	return &types.OverallSummary{Text: "a test binary", TokensIn: 200, TokensOut: 40}, nil
}

func (f *fakeProvider) HealthCheck(ctx context.Context) *provider.Health {
	return &provider.Health{Healthy: true}
}

func (f *fakeProvider) Capabilities() provider.Capabilities {
	return provider.Capabilities{MaxContextTokens: 128000, CostPer1KTokens: 0.5}
}

func (f *fakeProvider) Params() types.ProviderParams {
	return types.ProviderParams{ProviderID: "openai", Model: "gpt-4o-mini", EndpointURL: "https://api.openai.com/v1"}
}

func newTestOrchestrator(concurrency int) *Orchestrator {
	breakers := breaker.NewRegistry(config.BreakerConfig{
		FailureThreshold: 5,
		WindowSeconds:    60,
		CoolDownSeconds:  30,
		SuccessThreshold: 2,
		ProbeLimit:       1,
	})
	return NewOrchestrator(breakers, config.TranslationConfig{
		Concurrency:             concurrency,
		CallTimeoutSeconds:      30,
		MaxStringsStandard:      200,
		MaxStringsComprehensive: 1000,
	})
}

func testDisassembly() *types.Disassembly {
	asm := []types.Instruction{{Address: 0x401000, Mnemonic: "call", Operands: "KERNEL32.dll_ExitProcess", XrefsFrom: []uint64{0x402010}}}
	return &types.Disassembly{
		FileInfo: types.FileInfo{Format: types.FormatPE, Architecture: "x86", Bits: 64},
		Functions: []types.Function{
			{Name: "entry0", Address: 0x401000, SizeBytes: 32, Assembly: asm},
			{Name: "fcn.main", Address: 0x401100, SizeBytes: 64, Assembly: asm},
			{Name: "fcn.empty", Address: 0x401200, SizeBytes: 16}, // no listing
		},
		Imports: []types.Import{
			{Library: "KERNEL32.dll", Name: "ExitProcess", Address: 0x402010},
			{Library: "KERNEL32.dll", Name: "ExitProcess", Address: 0x402010}, // duplicate
		},
		Strings: []types.StringRef{
			{Content: "hello world", Address: 0x403000, Length: 11, Encoding: "ascii", Section: ".rdata"},
			{Content: "x", Address: 0x403010, Length: 1, Encoding: "ascii"}, // too short
		},
	}
}

// TestTranslateFullRun tests the complete fan-out with skips and dedup
func TestTranslateFullRun(t *testing.T) {
	p := &fakeProvider{}
	o := newTestOrchestrator(4)

	var lastDone, lastTotal int
	result, acct, err := o.Translate(context.Background(), &Request{
		Disassembly: testDisassembly(),
		Provider:    p,
		Detail:      types.DetailStandard,
		Depth:       types.DepthStandard,
		OnProgress:  func(done, total int) { lastDone, lastTotal = done, total },
	})
	require.NoError(t, err)

	// Two translatable functions, one deduped import, one selected string.
	require.Len(t, result.Functions, 2)
	assert.Equal(t, "does entry0", result.Functions[0].NaturalLanguage)
	require.Len(t, result.Imports, 1)
	assert.Equal(t, "entry0,fcn.main", result.Imports[0].NaturalLanguage)
	require.Len(t, result.Strings, 1)
	assert.Equal(t, "a test binary", result.OverallSummary.Text)

	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "fcn.empty")

	// Summary is the last call issued.
	p.mu.Lock()
	require.NotEmpty(t, p.calls)
	assert.Equal(t, "summary", p.calls[len(p.calls)-1])
	p.mu.Unlock()

	// 2 functions + 1 import + 1 string + summary.
	assert.Equal(t, 5, lastTotal)
	assert.Equal(t, 5, lastDone)

	assert.Equal(t, int64(100+100+50+30+200), acct.TotalTokensIn)
	assert.Equal(t, int64(20+20+10+5+40), acct.TotalTokensOut)
	assert.InDelta(t, float64(575)/1000*0.5, acct.EstimatedCost, 0.0001)
	assert.Equal(t, "openai", acct.ProviderID)
}

// TestTranslateConcurrencyBound tests the worker-pool cap
func TestTranslateConcurrencyBound(t *testing.T) {
	p := &fakeProvider{delay: 20 * time.Millisecond}
	o := newTestOrchestrator(2)

	dis := &types.Disassembly{FileInfo: types.FileInfo{Format: types.FormatELF}}
	asm := []types.Instruction{{Address: 1, Mnemonic: "nop"}}
	for i := 0; i < 10; i++ {
		dis.Functions = append(dis.Functions, types.Function{
			Name: fmt.Sprintf("fcn.%d", i), Address: uint64(i + 1), Assembly: asm,
		})
	}

	_, _, err := o.Translate(context.Background(), &Request{
		Disassembly: dis, Provider: p, Detail: types.DetailStandard, Depth: types.DepthStandard,
	})
	require.NoError(t, err)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.LessOrEqual(t, p.maxInflight, 2)
}

// TestTranslatePartialFailureFloor tests the 50% completion policy
func TestTranslatePartialFailureFloor(t *testing.T) {
	t.Run("all functions fail but summary succeeds", func(t *testing.T) {
		p := &fakeProvider{failFunctions: true}
		o := newTestOrchestrator(4)

		result, _, err := o.Translate(context.Background(), &Request{
			Disassembly: testDisassembly(), Provider: p,
			Detail: types.DetailStandard, Depth: types.DepthStandard,
		})
		require.NoError(t, err)
		for _, fn := range result.Functions {
			assert.NotEmpty(t, fn.Error)
			assert.Empty(t, fn.NaturalLanguage)
		}
		assert.Equal(t, "a test binary", result.OverallSummary.Text)
	})

	t.Run("all functions and summary fail", func(t *testing.T) {
		p := &fakeProvider{
			failFunctions: true,
			summaryErr:    fmt.Errorf("%w: scripted failure", types.ErrProviderFailure),
		}
		o := newTestOrchestrator(4)

		_, _, err := o.Translate(context.Background(), &Request{
			Disassembly: testDisassembly(), Provider: p,
			Detail: types.DetailStandard, Depth: types.DepthStandard,
		})
		assert.ErrorIs(t, err, types.ErrProviderFailure)
	})
}

// TestTranslateBreakerSheds tests fast-fail once the breaker trips
func TestTranslateBreakerSheds(t *testing.T) {
	breakers := breaker.NewRegistry(config.BreakerConfig{
		FailureThreshold: 1,
		WindowSeconds:    60,
		CoolDownSeconds:  30,
		SuccessThreshold: 2,
		ProbeLimit:       1,
	})
	o := NewOrchestrator(breakers, config.TranslationConfig{Concurrency: 1, MaxStringsStandard: 200})
	p := &fakeProvider{failAll: true, summaryErr: fmt.Errorf("%w: down", types.ErrProviderFailure)}

	_, _, err := o.Translate(context.Background(), &Request{
		Disassembly: testDisassembly(), Provider: p,
		Detail: types.DetailStandard, Depth: types.DepthStandard,
	})
	require.Error(t, err)

	// The first failure trips the breaker; later calls shed without
	// reaching the provider.
	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Len(t, p.calls, 1)
}

// TestTranslateCheckpointAborts tests cooperative cancellation
func TestTranslateCheckpointAborts(t *testing.T) {
	p := &fakeProvider{}
	o := newTestOrchestrator(1)

	checks := 0
	_, _, err := o.Translate(context.Background(), &Request{
		Disassembly: testDisassembly(), Provider: p,
		Detail: types.DetailStandard, Depth: types.DepthStandard,
		Checkpoint: func() error {
			checks++
			if checks > 2 {
				return types.ErrCancelled
			}
			return nil
		},
	})
	assert.ErrorIs(t, err, types.ErrCancelled)
}

// TestTranslateLLMQuota tests per-call quota rejection
func TestTranslateLLMQuota(t *testing.T) {
	p := &fakeProvider{}
	o := newTestOrchestrator(1)

	allowed := 2
	result, _, err := o.Translate(context.Background(), &Request{
		Disassembly: testDisassembly(), Provider: p,
		Detail: types.DetailStandard, Depth: types.DepthStandard,
		OnLLMCall: func() error {
			if allowed == 0 {
				return types.ErrRateLimited
			}
			allowed--
			return nil
		},
	})
	require.NoError(t, err)

	// Two calls passed, the rest carry rate-limit errors.
	failed := 0
	for _, fn := range result.Functions {
		if fn.Error != "" {
			failed++
		}
	}
	for _, imp := range result.Imports {
		if imp.Error != "" {
			failed++
		}
	}
	assert.NotZero(t, failed)
}

// TestSelectStrings tests filtering, dedup, priority, and the cap
func TestSelectStrings(t *testing.T) {
	strs := []types.StringRef{
		{Content: "in .data section", Address: 1, Encoding: "ascii", Section: ".data"},
		{Content: "abc", Address: 2, Encoding: "ascii"},
		{Content: "\x01\x02\x03\x04\x05", Address: 3, Encoding: "ascii"},
		{Content: "in .rdata section", Address: 4, Encoding: "ascii", Section: ".rdata"},
		{Content: "in .data section", Address: 5, Encoding: "ascii", Section: ".data"}, // duplicate
		{Content: "in .data section", Address: 6, Encoding: "utf16le", Section: ".data"},
	}

	selected := selectStrings(strs, 10)
	require.Len(t, selected, 3)
	assert.Equal(t, ".rdata", selected[0].Section)

	capped := selectStrings(strs, 2)
	assert.Len(t, capped, 2)
}

// TestPrintable tests the printable-run filter
func TestPrintable(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{name: "plain ascii", in: "hello", want: true},
		{name: "control soup", in: "\x01\x02\x03\x04\x05\x06", want: false},
		{name: "short runs between controls", in: "ab\x00cd\x00ef", want: false},
		{name: "long run after controls", in: "\x00\x00hello world", want: true},
		{name: "invalid utf8", in: "\xff\xfe\xfd\xfc", want: false},
		{name: "unicode text", in: "привет мир", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, printable(tt.in))
		})
	}
}
