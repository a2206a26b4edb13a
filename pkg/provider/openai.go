package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/binlift/binlift/pkg/types"
)

// openaiCompleter speaks the chat-completions protocol. It also serves
// "local" providers, which are self-hosted endpoints mimicking it.
type openaiCompleter struct {
	params     types.ProviderParams
	httpClient *http.Client
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	Choices []struct {
		Message openaiMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (o *openaiCompleter) complete(ctx context.Context, system, user string, maxTokens int) (string, Usage, error) {
	body, err := json.Marshal(openaiRequest{
		Model: o.params.Model,
		Messages: []openaiMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens:   maxTokens,
		Temperature: 0.2,
	})
	if err != nil {
		return "", Usage{}, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.params.EndpointURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", Usage{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.params.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.params.APIKey)
	}

	start := time.Now()
	resp, err := o.httpClient.Do(req)
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

	var parsed openaiResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", usage, fmt.Errorf("%w: unreadable response body: %v", types.ErrProviderFailure, err)
	}
	if parsed.Error != nil {
		return "", usage, fmt.Errorf("%w: %s", types.ErrProviderFailure, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", usage, fmt.Errorf("%w: response carried no choices", types.ErrProviderFailure)
	}

	usage.TokensIn = parsed.Usage.PromptTokens
	usage.TokensOut = parsed.Usage.CompletionTokens
	return parsed.Choices[0].Message.Content, usage, nil
}
