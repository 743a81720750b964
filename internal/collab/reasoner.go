package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/steward-dao/steward/pkg/types"
)

// ProviderReasoner is the config key for the reasoning provider.
const ProviderReasoner = "reasoner"

const defaultReasonerModel = "gpt-4o-mini"

// HTTPReasoner calls an OpenAI-compatible chat completions endpoint,
// resolving its API key through the credential router on each call.
type HTTPReasoner struct {
	baseURL string
	model   string
	creds   *Credentials
	client  *http.Client
}

// NewHTTPReasoner creates a reasoner client for the given endpoint.
func NewHTTPReasoner(baseURL, model string, creds *Credentials) *HTTPReasoner {
	if model == "" {
		model = defaultReasonerModel
	}
	return &HTTPReasoner{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		creds:   creds,
		client:  &http.Client{Timeout: 2 * time.Minute},
	}
}

// Analyze sends the prompt as a single-turn chat completion.
func (r *HTTPReasoner) Analyze(ctx context.Context, prompt string, opts ReasonOptions) (string, error) {
	apiKey, err := r.creds.APIKey(ProviderReasoner)
	if err != nil {
		return "", fmt.Errorf("reasoner credentials: %w", err)
	}

	reqBody := map[string]any{
		"model": r.model,
		"messages": []map[string]any{
			{"role": "user", "content": prompt},
		},
	}
	if opts.Temperature > 0 {
		reqBody["temperature"] = opts.Temperature
	}
	if opts.MaxTokens > 0 {
		reqBody["max_tokens"] = opts.MaxTokens
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("reasoner request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("reasoner API returned %d", resp.StatusCode)
	}

	var apiResp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return "", fmt.Errorf("reasoner response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return "", fmt.Errorf("reasoner returned no choices")
	}
	return apiResp.Choices[0].Message.Content, nil
}

// NewSet builds the collaborator set from the configured providers.
// Only the reasoner has a generic HTTP client; code execution, source
// control, and knowledge backends vary per deployment and stay nil
// until a client is wired in.
func NewSet(config *types.CollaboratorsConfig, creds *Credentials, log *slog.Logger) Set {
	if log == nil {
		log = slog.Default()
	}
	var set Set
	if p, ok := config.Providers[ProviderReasoner]; ok && p.BaseURL != "" {
		set.Reasoner = NewHTTPReasoner(p.BaseURL, p.Model, creds)
		log.Info("reasoner client configured", "base_url", p.BaseURL)
	}
	return set
}
