package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binlift/binlift/pkg/config"
	"github.com/binlift/binlift/pkg/types"
)

func newTestRegistry(defaults map[string]config.ProviderDefaults) *Registry {
	return NewRegistry(defaults, 10*time.Second)
}

func openaiReply(content string, tokensIn, tokensOut int64) string {
	resp := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
		"usage": map[string]any{
			"prompt_tokens":     tokensIn,
			"completion_tokens": tokensOut,
		},
	}
	data, _ := json.Marshal(resp)
	return string(data)
}

func testFunction() types.Function {
	return types.Function{
		Name:      "fcn.main",
		Address:   0x401064,
		SizeBytes: 64,
		Type:      types.FunctionTypeFunction,
		Assembly: []types.Instruction{
			{Address: 0x401064, Mnemonic: "xor", Operands: "eax, eax"},
			{Address: 0x401066, Mnemonic: "ret"},
		},
	}
}

// TestResolveDefaults tests default filling and request precedence
func TestResolveDefaults(t *testing.T) {
	reg := newTestRegistry(map[string]config.ProviderDefaults{
		"openai": {EndpointURL: "https://api.openai.com/v1", Model: "gpt-4o-mini"},
	})

	tests := []struct {
		name         string
		params       types.ProviderParams
		wantErr      bool
		wantModel    string
		wantEndpoint string
	}{
		{
			name:         "defaults fill omitted fields",
			params:       types.ProviderParams{ProviderID: "openai"},
			wantModel:    "gpt-4o-mini",
			wantEndpoint: "https://api.openai.com/v1",
		},
		{
			name: "request fields win over defaults",
			params: types.ProviderParams{
				ProviderID:  "openai",
				Model:       "gpt-4o",
				EndpointURL: "https://proxy.example/v1/",
			},
			wantModel:    "gpt-4o",
			wantEndpoint: "https://proxy.example/v1",
		},
		{
			name:    "unknown provider id rejected",
			params:  types.ProviderParams{ProviderID: "mystery", Model: "m", EndpointURL: "https://x"},
			wantErr: true,
		},
		{
			name:    "missing provider id rejected",
			params:  types.ProviderParams{},
			wantErr: true,
		},
		{
			name:    "no defaults and no fields rejected",
			params:  types.ProviderParams{ProviderID: "anthropic"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := reg.Resolve(tt.params)
			if tt.wantErr {
				assert.ErrorIs(t, err, types.ErrInvalidRequest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantModel, p.Params().Model)
			assert.Equal(t, tt.wantEndpoint, p.Params().EndpointURL)
		})
	}
}

// TestOpenAITranslateFunction tests the chat-completions round trip
func TestOpenAITranslateFunction(t *testing.T) {
	var gotAuth, gotPath string
	var gotReq openaiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		fmt.Fprint(w, openaiReply(`{"explanation":"zeroes eax and returns","purpose":"return 0","parameters":[],"security_notes":"","risk_score":0.1}`, 120, 30))
	}))
	defer srv.Close()

	reg := newTestRegistry(nil)
	p, err := reg.Resolve(types.ProviderParams{
		ProviderID: "openai", Model: "gpt-4o-mini", EndpointURL: srv.URL, APIKey: "sk-test",
	})
	require.NoError(t, err)

	got, err := p.TranslateFunction(context.Background(), testFunction(), types.DetailStandard)
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "/chat/completions", gotPath)
	assert.Equal(t, "gpt-4o-mini", gotReq.Model)
	require.Len(t, gotReq.Messages, 2)
	assert.Contains(t, gotReq.Messages[1].Content, "fcn.main at 0x401064")
	assert.Contains(t, gotReq.Messages[1].Content, "xor eax, eax")

	assert.Equal(t, uint64(0x401064), got.FunctionAddress)
	assert.Equal(t, "zeroes eax and returns", got.NaturalLanguage)
	assert.Equal(t, "return 0", got.Purpose)
	assert.InDelta(t, 0.1, got.RiskScore, 0.001)
	assert.Equal(t, int64(120), got.TokensIn)
	assert.Equal(t, int64(30), got.TokensOut)
}

// TestMalformedReplyRetriesOnce tests the single schema-reminder retry
func TestMalformedReplyRetriesOnce(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req openaiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if calls == 1 {
			fmt.Fprint(w, openaiReply("Sure! Here is my analysis in prose.", 100, 20))
			return
		}
		assert.Contains(t, req.Messages[1].Content, "ONLY a JSON object")
		fmt.Fprint(w, openaiReply(`{"explanation":"ok","category":"other"}`, 110, 25))
	}))
	defer srv.Close()

	reg := newTestRegistry(nil)
	p, err := reg.Resolve(types.ProviderParams{ProviderID: "openai", Model: "m", EndpointURL: srv.URL})
	require.NoError(t, err)

	got, err := p.TranslateString(context.Background(),
		types.StringRef{Content: "http://evil.example", Address: 0x402000, Encoding: "ascii"},
		types.DetailBasic)
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	assert.Equal(t, "ok", got.NaturalLanguage)
	// Usage accumulates across the retry.
	assert.Equal(t, int64(210), got.TokensIn)
	assert.Equal(t, int64(45), got.TokensOut)
}

// TestMalformedReplyTwiceFails tests the second parse failure is terminal
func TestMalformedReplyTwiceFails(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, openaiReply("still prose, no JSON here", 10, 5))
	}))
	defer srv.Close()

	reg := newTestRegistry(nil)
	p, err := reg.Resolve(types.ProviderParams{ProviderID: "openai", Model: "m", EndpointURL: srv.URL})
	require.NoError(t, err)

	_, err = p.TranslateImport(context.Background(),
		types.Import{Library: "KERNEL32.dll", Name: "ExitProcess"}, nil, types.DetailStandard)
	assert.ErrorIs(t, err, types.ErrProviderFailure)
	assert.Equal(t, 2, calls)
}

// TestUpstreamErrorStatus tests non-2xx mapping
func TestUpstreamErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := newTestRegistry(nil)
	p, err := reg.Resolve(types.ProviderParams{ProviderID: "openai", Model: "m", EndpointURL: srv.URL})
	require.NoError(t, err)

	_, err = p.TranslateSummary(context.Background(), &types.Disassembly{}, types.DetailStandard)
	assert.ErrorIs(t, err, types.ErrProviderFailure)
}

// TestAnthropicWire tests the messages protocol specifics
func TestAnthropicWire(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.NotEmpty(t, req.System)
		assert.NotZero(t, req.MaxTokens)
		fmt.Fprint(w, `{"content":[{"type":"text","text":"{\"explanation\":\"terminates the process\",\"purpose\":\"exit\",\"security_notes\":\"\"}"}],"usage":{"input_tokens":80,"output_tokens":15}}`)
	}))
	defer srv.Close()

	reg := newTestRegistry(nil)
	p, err := reg.Resolve(types.ProviderParams{
		ProviderID: "anthropic", Model: "claude-3-5-haiku-latest", EndpointURL: srv.URL, APIKey: "sk-ant",
	})
	require.NoError(t, err)

	got, err := p.TranslateImport(context.Background(),
		types.Import{Library: "KERNEL32.dll", Name: "ExitProcess", Address: 0x402010},
		[]string{"fcn.main"}, types.DetailStandard)
	require.NoError(t, err)
	assert.Equal(t, "terminates the process", got.NaturalLanguage)
	assert.Equal(t, int64(80), got.TokensIn)
	assert.Equal(t, int64(15), got.TokensOut)
}

// TestGeminiWire tests the generate-content protocol specifics
func TestGeminiWire(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-1.5-flash:generateContent", r.URL.Path)
		assert.Equal(t, "g-key", r.Header.Get("x-goog-api-key"))
		assert.Empty(t, r.URL.Query().Get("key"), "API key must not travel in the URL")
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"{\"explanation\":\"a url\",\"category\":\"url\"}"}]}}],"usageMetadata":{"promptTokenCount":50,"candidatesTokenCount":12}}`)
	}))
	defer srv.Close()

	reg := newTestRegistry(nil)
	p, err := reg.Resolve(types.ProviderParams{
		ProviderID: "gemini", Model: "gemini-1.5-flash", EndpointURL: srv.URL, APIKey: "g-key",
	})
	require.NoError(t, err)

	got, err := p.TranslateString(context.Background(),
		types.StringRef{Content: "http://c2.example/beacon", Address: 0x403000, Encoding: "ascii"},
		types.DetailStandard)
	require.NoError(t, err)
	assert.Equal(t, "url", got.Category)
	assert.Equal(t, int64(50), got.TokensIn)
}

// TestHealthCheck tests both probe outcomes
func TestHealthCheck(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, openaiReply("OK", 2, 1))
	}))
	defer healthy.Close()

	reg := newTestRegistry(nil)
	p, err := reg.Resolve(types.ProviderParams{ProviderID: "openai", Model: "m", EndpointURL: healthy.URL})
	require.NoError(t, err)
	h := p.HealthCheck(context.Background())
	assert.True(t, h.Healthy)
	assert.Empty(t, h.Error)

	down, err := reg.Resolve(types.ProviderParams{ProviderID: "openai", Model: "m", EndpointURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	h = down.HealthCheck(context.Background())
	assert.False(t, h.Healthy)
	assert.NotEmpty(t, h.Error)
}

// TestCostEstimation tests token-based cost derivation from defaults
func TestCostEstimation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, openaiReply(`{"explanation":"x","category":"other"}`, 900, 100))
	}))
	defer srv.Close()

	reg := newTestRegistry(map[string]config.ProviderDefaults{
		"openai": {EndpointURL: srv.URL, Model: "m", CostPer1KTokens: 0.5},
	})
	p, err := reg.Resolve(types.ProviderParams{ProviderID: "openai"})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, p.Capabilities().CostPer1KTokens, 0.001)

	got, err := p.TranslateString(context.Background(),
		types.StringRef{Content: "test", Address: 1, Encoding: "ascii"}, types.DetailStandard)
	require.NoError(t, err)
	assert.Equal(t, int64(900), got.TokensIn)
}

// TestParseJSONReply tests fence and prose tolerance
func TestParseJSONReply(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantErr bool
	}{
		{name: "bare object", text: `{"explanation":"x"}`},
		{name: "fenced json", text: "```json\n{\"explanation\":\"x\"}\n```"},
		{name: "fenced without language", text: "```\n{\"explanation\":\"x\"}\n```"},
		{name: "surrounding prose", text: "Here you go: {\"explanation\":\"x\"} hope that helps"},
		{name: "no object", text: "nothing structured here", wantErr: true},
		{name: "truncated object", text: `{"explanation":`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var reply stringReply
			err := parseJSONReply(tt.text, &reply)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, "x", reply.Explanation)
			}
		})
	}
}

// TestSummaryPromptShape tests the condensed overview content
func TestSummaryPromptShape(t *testing.T) {
	dis := &types.Disassembly{
		FileInfo: types.FileInfo{Format: types.FormatPE, Architecture: "x86", Bits: 64, SizeBytes: 2048, EntryPoint: 0x401000},
		Imports:  []types.Import{{Library: "KERNEL32.dll", Name: "ExitProcess"}},
		Strings:  []types.StringRef{{Content: "hello", Address: 0x402000, Encoding: "ascii"}},
	}
	for i := 0; i < 15; i++ {
		dis.Functions = append(dis.Functions, types.Function{
			Name: fmt.Sprintf("fcn.%d", i), Address: uint64(0x401000 + i), SizeBytes: int64(i * 10),
		})
	}

	prompt := summaryPrompt(dis, types.DetailStandard)
	assert.Contains(t, prompt, "pe x86 64-bit")
	assert.Contains(t, prompt, "15 functions")
	assert.Contains(t, prompt, "KERNEL32.dll!ExitProcess")
	assert.Contains(t, prompt, "fcn.14")
	// Only the ten largest make the cut; fcn.0 through fcn.4 do not.
	assert.NotContains(t, prompt, "fcn.4 at")
}
