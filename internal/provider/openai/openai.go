// Package openai adapts the OpenAI chat completions API to the gateway's
// streaming provider contract.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sourcenote/sourcenote-gateway/internal/provider"
)

var _ provider.ChatProvider = (*Adapter)(nil)

// Adapter sends requests to the OpenAI API.
type Adapter struct {
	apiKey     string
	baseURL    string
	model      string
	org        string // optional organization ID
	httpClient *http.Client
}

// Config holds configuration for the OpenAI adapter.
type Config struct {
	APIKey         string
	Model          string
	BaseURL        string // optional, defaults to https://api.openai.com/v1
	Organization   string // optional
	RequestTimeout time.Duration
}

// New creates an Adapter instance.
func New(cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key required")
	}
	if cfg.Model == "" {
		return nil, errors.New("openai: model required")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	return &Adapter{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		model:   cfg.Model,
		org:     cfg.Organization,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Name returns the provider identifier.
func (a *Adapter) Name() string { return "openai" }

// Model returns the configured model identifier.
func (a *Adapter) Model() string { return a.model }

// StreamChat implements provider.ChatProvider.
//
// OpenAI accepts system messages inline, so the context maps through
// unchanged; max_tokens is omitted entirely when not provided.
func (a *Adapter) StreamChat(ctx context.Context, messages []provider.Message, cfg provider.GenerationConfig, onDelta provider.DeltaHandler) error {
	if _, _, err := provider.SplitSystem(messages); err != nil {
		return err
	}

	payload := map[string]interface{}{
		"model":       a.model,
		"messages":    messages,
		"temperature": cfg.Temperature,
		"stream":      cfg.Stream,
	}
	if cfg.MaxTokens != nil {
		payload["max_tokens"] = *cfg.MaxTokens
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	if a.org != "" {
		httpReq.Header.Set("OpenAI-Organization", a.org)
	}
	if cfg.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return &provider.ProviderError{Provider: "openai", Detail: "send request", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}

	if !cfg.Stream {
		return a.consumeComplete(resp.Body, onDelta)
	}
	return a.consumeStream(ctx, resp.Body, onDelta)
}

func (a *Adapter) consumeComplete(body io.Reader, onDelta provider.DeltaHandler) error {
	respBody, err := io.ReadAll(body)
	if err != nil {
		return &provider.ProviderError{Provider: "openai", Detail: "read response", Err: err}
	}
	var parsed completionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return &provider.ProviderError{Provider: "openai", Detail: "unmarshal response", Err: err}
	}
	if len(parsed.Choices) == 0 {
		return &provider.ProviderError{Provider: "openai", Detail: "empty choices"}
	}
	if text := parsed.Choices[0].Message.Content; text != "" {
		onDelta(text)
	}
	return nil
}

func (a *Adapter) consumeStream(ctx context.Context, body io.Reader, onDelta provider.DeltaHandler) error {
	buf := make([]byte, 8192)
	leftover := ""
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := body.Read(buf)
		if n > 0 {
			data := leftover + string(buf[:n])
			lines := strings.Split(data, "\n")
			leftover = lines[len(lines)-1]
			lines = lines[:len(lines)-1]
			for _, line := range lines {
				line = strings.TrimSpace(line)
				if line == "" || !strings.HasPrefix(line, "data:") {
					continue
				}
				payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if payload == "[DONE]" {
					return nil
				}
				var chunk streamChunk
				if perr := json.Unmarshal([]byte(payload), &chunk); perr != nil {
					return &provider.ProviderError{Provider: "openai", Detail: "parse stream", Err: perr}
				}
				if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
					onDelta(chunk.Choices[0].Delta.Content)
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &provider.ProviderError{Provider: "openai", Detail: "read stream", Err: err}
		}
	}
}

func readAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return &provider.ProviderError{
			Provider: "openai",
			Detail:   fmt.Sprintf("%s (type=%s, code=%s)", errResp.Error.Message, errResp.Error.Type, errResp.Error.Code),
		}
	}
	return &provider.ProviderError{
		Provider: "openai",
		Detail:   fmt.Sprintf("http %d: %s", resp.StatusCode, string(data)),
	}
}

type completionResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}
