package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/binlift/binlift/pkg/config"
	"github.com/binlift/binlift/pkg/log"
	"github.com/binlift/binlift/pkg/types"
)

// Usage records the upstream cost of one completion call.
type Usage struct {
	TokensIn  int64
	TokensOut int64
	LatencyMs int64
}

// Health is the outcome of a provider health probe.
type Health struct {
	Healthy   bool   `json:"healthy"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Capabilities describes static limits of a provider family.
type Capabilities struct {
	MaxContextTokens  int     `json:"max_context_tokens"`
	SupportsStreaming bool    `json:"supports_streaming"`
	CostPer1KTokens   float64 `json:"cost_per_1k_tokens,omitempty"`
}

// Provider translates disassembly facts into natural language through one
// upstream LLM. Instances are bound to the request's provider parameters
// and are safe for concurrent use.
type Provider interface {
	TranslateFunction(ctx context.Context, fn types.Function, detail types.TranslationDetail) (*types.FunctionTranslation, error)
	TranslateImport(ctx context.Context, imp types.Import, referencedBy []string, detail types.TranslationDetail) (*types.ImportTranslation, error)
	TranslateString(ctx context.Context, s types.StringRef, detail types.TranslationDetail) (*types.StringTranslation, error)
	TranslateSummary(ctx context.Context, dis *types.Disassembly, detail types.TranslationDetail) (*types.OverallSummary, error)

	HealthCheck(ctx context.Context) *Health
	Capabilities() Capabilities
	Params() types.ProviderParams
}

// completer is the wire-level half of a provider: one system+user exchange
// against the upstream, returning the raw text reply.
type completer interface {
	complete(ctx context.Context, system, user string, maxTokens int) (string, Usage, error)
}

// Registry constructs providers on demand from request parameters. The
// request is authoritative; configured defaults only fill omitted fields.
type Registry struct {
	defaults   map[string]config.ProviderDefaults
	httpClient *http.Client
}

// NewRegistry creates a registry with per-provider defaults and a shared
// HTTP client bounded by callTimeout.
func NewRegistry(defaults map[string]config.ProviderDefaults, callTimeout time.Duration) *Registry {
	return &Registry{
		defaults:   defaults,
		httpClient: &http.Client{Timeout: callTimeout},
	}
}

// Known returns the provider ids with configured defaults, sorted.
func (r *Registry) Known() []string {
	ids := make([]string, 0, len(r.defaults))
	for id := range r.defaults {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Defaults returns the configured defaults for a provider id.
func (r *Registry) Defaults(id string) (config.ProviderDefaults, bool) {
	d, ok := r.defaults[id]
	return d, ok
}

// Resolve builds a provider from request parameters, filling only omitted
// fields from configured defaults. Unknown provider ids are rejected.
func (r *Registry) Resolve(params types.ProviderParams) (Provider, error) {
	if params.ProviderID == "" {
		return nil, fmt.Errorf("%w: provider_id is required", types.ErrInvalidRequest)
	}

	d := r.defaults[params.ProviderID]
	if params.Model == "" {
		params.Model = d.Model
	}
	if params.EndpointURL == "" {
		params.EndpointURL = d.EndpointURL
	}
	if params.Model == "" || params.EndpointURL == "" {
		return nil, fmt.Errorf("%w: provider %q needs model and endpoint_url", types.ErrInvalidRequest, params.ProviderID)
	}
	params.EndpointURL = strings.TrimRight(params.EndpointURL, "/")

	var (
		c    completer
		caps Capabilities
	)
	switch params.ProviderID {
	case "openai", "local":
		// Self-hosted endpoints speak the chat-completions protocol.
		c = &openaiCompleter{params: params, httpClient: r.httpClient}
		caps = Capabilities{MaxContextTokens: 128000, SupportsStreaming: true, CostPer1KTokens: d.CostPer1KTokens}
	case "anthropic":
		c = &anthropicCompleter{params: params, httpClient: r.httpClient}
		caps = Capabilities{MaxContextTokens: 200000, SupportsStreaming: true, CostPer1KTokens: d.CostPer1KTokens}
	case "gemini":
		c = &geminiCompleter{params: params, httpClient: r.httpClient}
		caps = Capabilities{MaxContextTokens: 1000000, SupportsStreaming: true, CostPer1KTokens: d.CostPer1KTokens}
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", types.ErrInvalidRequest, params.ProviderID)
	}

	return &client{params: params, caps: caps, completer: c}, nil
}

// client implements Provider on top of a wire-level completer: it builds
// prompts, parses the JSON replies, and retries malformed replies once.
type client struct {
	params types.ProviderParams
	caps   Capabilities
	completer
}

func (c *client) Params() types.ProviderParams { return c.params }
func (c *client) Capabilities() Capabilities   { return c.caps }

func (c *client) TranslateFunction(ctx context.Context, fn types.Function, detail types.TranslationDetail) (*types.FunctionTranslation, error) {
	var reply functionReply
	usage, err := c.callJSON(ctx, functionSystemPrompt, functionPrompt(fn, detail), maxTokensFor(detail), &reply)
	if err != nil {
		return nil, err
	}
	out := &types.FunctionTranslation{
		FunctionAddress: fn.Address,
		FunctionName:    fn.Name,
		NaturalLanguage: reply.Explanation,
		Purpose:         reply.Purpose,
		Parameters:      reply.Parameters,
		SecurityNotes:   reply.SecurityNotes,
		RiskScore:       reply.RiskScore,
	}
	applyUsage(usage, &out.TokensIn, &out.TokensOut, &out.LatencyMs)
	return out, nil
}

func (c *client) TranslateImport(ctx context.Context, imp types.Import, referencedBy []string, detail types.TranslationDetail) (*types.ImportTranslation, error) {
	var reply importReply
	usage, err := c.callJSON(ctx, importSystemPrompt, importPrompt(imp, referencedBy, detail), maxTokensFor(detail), &reply)
	if err != nil {
		return nil, err
	}
	out := &types.ImportTranslation{
		Library:         imp.Library,
		Name:            imp.Name,
		NaturalLanguage: reply.Explanation,
		Purpose:         reply.Purpose,
		SecurityNotes:   reply.SecurityNotes,
	}
	applyUsage(usage, &out.TokensIn, &out.TokensOut, &out.LatencyMs)
	return out, nil
}

func (c *client) TranslateString(ctx context.Context, s types.StringRef, detail types.TranslationDetail) (*types.StringTranslation, error) {
	var reply stringReply
	usage, err := c.callJSON(ctx, stringSystemPrompt, stringPrompt(s, detail), maxTokensFor(detail), &reply)
	if err != nil {
		return nil, err
	}
	out := &types.StringTranslation{
		Address:         s.Address,
		Content:         s.Content,
		NaturalLanguage: reply.Explanation,
		Category:        reply.Category,
	}
	applyUsage(usage, &out.TokensIn, &out.TokensOut, &out.LatencyMs)
	return out, nil
}

func (c *client) TranslateSummary(ctx context.Context, dis *types.Disassembly, detail types.TranslationDetail) (*types.OverallSummary, error) {
	var reply summaryReply
	usage, err := c.callJSON(ctx, summarySystemPrompt, summaryPrompt(dis, detail), maxTokensFor(detail), &reply)
	if err != nil {
		return nil, err
	}
	out := &types.OverallSummary{
		Text:          reply.Summary,
		Purpose:       reply.Purpose,
		KeyBehaviors:  reply.KeyBehaviors,
		SecurityNotes: reply.SecurityNotes,
	}
	applyUsage(usage, &out.TokensIn, &out.TokensOut, &out.LatencyMs)
	return out, nil
}

// HealthCheck issues a minimal one-token exchange. A failure is reported,
// not returned as an error; callers decide what to do with it.
func (c *client) HealthCheck(ctx context.Context) *Health {
	_, usage, err := c.complete(ctx, "Reply with the single word OK.", "ping", 4)
	if err != nil {
		return &Health{Healthy: false, LatencyMs: usage.LatencyMs, Error: err.Error()}
	}
	return &Health{Healthy: true, LatencyMs: usage.LatencyMs}
}

// callJSON completes a prompt and parses the reply as JSON. A malformed
// reply earns exactly one retry carrying a schema reminder; the second
// failure surfaces as a provider failure.
func (c *client) callJSON(ctx context.Context, system, user string, maxTokens int, v any) (Usage, error) {
	text, usage, err := c.complete(ctx, system, user, maxTokens)
	if err != nil {
		return usage, err
	}
	if err := parseJSONReply(text, v); err == nil {
		return usage, nil
	}

	logger := log.WithComponent("provider")
	logger.Debug().
		Str("provider_id", c.params.ProviderID).
		Msg("Malformed JSON reply, retrying with schema reminder")

	reminder := user + "\n\nYour previous reply was not valid JSON. Return ONLY a JSON object matching the requested schema, with no surrounding prose or markdown."
	text, retryUsage, err := c.complete(ctx, system, reminder, maxTokens)
	usage.TokensIn += retryUsage.TokensIn
	usage.TokensOut += retryUsage.TokensOut
	usage.LatencyMs += retryUsage.LatencyMs
	if err != nil {
		return usage, err
	}
	if err := parseJSONReply(text, v); err != nil {
		return usage, fmt.Errorf("%w: reply did not match schema after retry: %v", types.ErrProviderFailure, err)
	}
	return usage, nil
}

func applyUsage(u Usage, in, out, latency *int64) {
	*in = u.TokensIn
	*out = u.TokensOut
	*latency = u.LatencyMs
}

// maxTokensFor bounds the reply size by requested verbosity.
func maxTokensFor(detail types.TranslationDetail) int {
	switch detail {
	case types.DetailBasic:
		return 512
	case types.DetailDetailed:
		return 4096
	default:
		return 1024
	}
}

// parseJSONReply extracts a JSON object from a model reply, tolerating
// markdown fences and surrounding prose.
func parseJSONReply(text string, v any) error {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if i := strings.LastIndex(trimmed, "```"); i >= 0 {
			trimmed = trimmed[:i]
		}
		trimmed = strings.TrimSpace(trimmed)
	}
	start := strings.IndexByte(trimmed, '{')
	end := strings.LastIndexByte(trimmed, '}')
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in reply")
	}
	return json.Unmarshal([]byte(trimmed[start:end+1]), v)
}

// Reply schemas the prompts instruct the model to produce.

type functionReply struct {
	Explanation   string   `json:"explanation"`
	Purpose       string   `json:"purpose"`
	Parameters    []string `json:"parameters"`
	SecurityNotes string   `json:"security_notes"`
	RiskScore     float64  `json:"risk_score"`
}

type importReply struct {
	Explanation   string `json:"explanation"`
	Purpose       string `json:"purpose"`
	SecurityNotes string `json:"security_notes"`
}

type stringReply struct {
	Explanation string `json:"explanation"`
	Category    string `json:"category"`
}

type summaryReply struct {
	Summary       string   `json:"summary"`
	Purpose       string   `json:"purpose"`
	KeyBehaviors  []string `json:"key_behaviors"`
	SecurityNotes string   `json:"security_notes"`
}
