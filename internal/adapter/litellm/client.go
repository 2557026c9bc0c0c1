// Package litellm provides an HTTP client for the LiteLLM proxy's
// OpenAI-compatible chat completions API.
package litellm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/planloom/planloom/internal/config"
	"github.com/planloom/planloom/internal/logger"
	"github.com/planloom/planloom/internal/port/llm"
	"github.com/planloom/planloom/internal/resilience"
	"github.com/planloom/planloom/internal/secrets"
)

// Client talks to the LiteLLM proxy. The gateway bearer key is read from the
// vault on every request so key rotation takes effect without a restart.
type Client struct {
	baseURL    string
	model      string
	maxTokens  int
	vault      *secrets.Vault
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates a LiteLLM client from the gateway configuration.
func NewClient(cfg config.LiteLLM, vault *secrets.Vault) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Client{
		baseURL:   cfg.URL,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		vault:     vault,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// chatCompletionResponse is the OpenAI-compatible completion envelope.
type chatCompletionResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      llm.Message `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// ChatCompletion sends a completion request and returns the first choice.
// Model and max_tokens fall back to configured defaults when unset.
func (c *Client) ChatCompletion(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = c.maxTokens
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/chat/completions", body)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}

	var result chatCompletionResponse
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("unmarshal chat response: %w", err)
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("chat completion: no choices returned")
	}

	slog.Debug("chat completion",
		"model", req.Model,
		"session_id", logger.SessionID(ctx),
		"prompt_tokens", result.Usage.PromptTokens,
		"completion_tokens", result.Usage.CompletionTokens,
		"finish_reason", result.Choices[0].FinishReason)

	return &llm.ChatResponse{
		Message:      result.Choices[0].Message,
		FinishReason: result.Choices[0].FinishReason,
	}, nil
}

// Health checks if the LiteLLM proxy is reachable.
func (c *Client) Health(ctx context.Context) (bool, error) {
	_, err := c.doRequest(ctx, http.MethodGet, "/health/liveliness", nil)
	return err == nil, err
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var result []byte
	call := func() error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		if key := c.vault.LLMMasterKey(); key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode >= 400 {
			return fmt.Errorf("litellm API error %d: %s", resp.StatusCode, string(data))
		}

		result = data
		return nil
	}

	if c.breaker != nil {
		if err := c.breaker.Execute(call); err != nil {
			return nil, err
		}
		return result, nil
	}

	if err := call(); err != nil {
		return nil, err
	}
	return result, nil
}
