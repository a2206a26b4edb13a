package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/binlift/binlift/pkg/types"
)

// maxResponseBytes caps how much of an upstream reply is read.
const maxResponseBytes = 4 << 20

// anthropicVersion pins the messages API revision.
const anthropicVersion = "2023-06-01"

// anthropicCompleter speaks the messages protocol.
type anthropicCompleter struct {
	params     types.ProviderParams
	httpClient *http.Client
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (a *anthropicCompleter) complete(ctx context.Context, system, user string, maxTokens int) (string, Usage, error) {
	body, err := json.Marshal(anthropicRequest{
		Model:     a.params.Model,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  []anthropicMessage{{Role: "user", Content: user}},
	})
	if err != nil {
		return "", Usage{}, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.params.EndpointURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", Usage{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", anthropicVersion)
	if a.params.APIKey != "" {
		req.Header.Set("x-api-key", a.params.APIKey)
	}

	start := time.Now()
	resp, err := a.httpClient.Do(req)
	usage := Usage{LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		return "", usage, wireError(ctx, err)
	}
	defer resp.Body.Close()
	usage.LatencyMs = time.Since(start).Milliseconds()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", usage, fmt.Errorf("%w: failed to read response: %v", types.ErrProviderFailure, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", usage, statusError(resp.StatusCode, data)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", usage, fmt.Errorf("%w: unreadable response body: %v", types.ErrProviderFailure, err)
	}
	if parsed.Error != nil {
		return "", usage, fmt.Errorf("%w: %s", types.ErrProviderFailure, parsed.Error.Message)
	}

	usage.TokensIn = parsed.Usage.InputTokens
	usage.TokensOut = parsed.Usage.OutputTokens
	for _, block := range parsed.Content {
		if block.Type == "text" {
			return block.Text, usage, nil
		}
	}
	return "", usage, fmt.Errorf("%w: response carried no text content", types.ErrProviderFailure)
}

// wireError classifies a transport-level failure: context problems keep
// their identity, everything else is a provider failure.
func wireError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", types.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", types.ErrProviderFailure, err)
}

// statusError renders a non-2xx reply. The body is truncated; it may echo
// request content but never credentials.
func statusError(status int, body []byte) error {
	const maxEcho = 200
	if len(body) > maxEcho {
		body = body[:maxEcho]
	}
	return fmt.Errorf("%w: upstream returned %d: %s", types.ErrProviderFailure, status, bytes.TrimSpace(body))
}
