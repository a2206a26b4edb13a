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

// geminiCompleter speaks the generate-content protocol.
type geminiCompleter struct {
	params     types.ProviderParams
	httpClient *http.Client
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"system_instruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  geminiGenConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (g *geminiCompleter) complete(ctx context.Context, system, user string, maxTokens int) (string, Usage, error) {
	body, err := json.Marshal(geminiRequest{
		SystemInstruction: &geminiContent{Parts: []geminiPart{{Text: system}}},
		Contents:          []geminiContent{{Role: "user", Parts: []geminiPart{{Text: user}}}},
		GenerationConfig:  geminiGenConfig{MaxOutputTokens: maxTokens, Temperature: 0.2},
	})
	if err != nil {
		return "", Usage{}, fmt.Errorf("failed to encode request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", g.params.EndpointURL, g.params.Model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", Usage{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.params.APIKey != "" {
		// The key travels in a header, not the URL, so it never lands in
		// server logs.
		req.Header.Set("x-goog-api-key", g.params.APIKey)
	}

	start := time.Now()
	resp, err := g.httpClient.Do(req)
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

	var parsed geminiResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", usage, fmt.Errorf("%w: unreadable response body: %v", types.ErrProviderFailure, err)
	}
	if parsed.Error != nil {
		return "", usage, fmt.Errorf("%w: %s", types.ErrProviderFailure, parsed.Error.Message)
	}

	usage.TokensIn = parsed.UsageMetadata.PromptTokenCount
	usage.TokensOut = parsed.UsageMetadata.CandidatesTokenCount
	for _, cand := range parsed.Candidates {
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				return part.Text, usage, nil
			}
		}
	}
	return "", usage, fmt.Errorf("%w: response carried no candidates", types.ErrProviderFailure)
}
