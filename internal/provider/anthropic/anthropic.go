// Package anthropic adapts the Anthropic Messages API to the gateway's
// streaming provider contract.
package anthropic

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

// defaultMaxTokens is substituted when the caller gives no bound; the
// Anthropic API rejects requests without max_tokens.
const defaultMaxTokens = 4096

// Adapter sends requests to the Anthropic API (Claude).
type Adapter struct {
	apiKey     string
	baseURL    string
	model      string
	version    string // API version header
	httpClient *http.Client
}

// Config holds configuration for the Anthropic adapter.
type Config struct {
	APIKey         string
	Model          string
	BaseURL        string // optional, defaults to https://api.anthropic.com
	Version        string // optional, defaults to 2023-06-01
	RequestTimeout time.Duration
}

// New creates an Adapter instance.
func New(cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: api key required")
	}
	if cfg.Model == "" {
		return nil, errors.New("anthropic: model required")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	version := strings.TrimSpace(cfg.Version)
	if version == "" {
		version = "2023-06-01"
	}

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	return &Adapter{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		model:   cfg.Model,
		version: version,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Name returns the provider identifier.
func (a *Adapter) Name() string { return "anthropic" }

// Model returns the configured model identifier.
func (a *Adapter) Model() string { return a.model }

// StreamChat implements provider.ChatProvider.
//
// Anthropic accepts only a single top-level system field, so the system
// prompt is extracted from the message list; the remainder maps 1:1.
func (a *Adapter) StreamChat(ctx context.Context, messages []provider.Message, cfg provider.GenerationConfig, onDelta provider.DeltaHandler) error {
	rest, system, err := provider.SplitSystem(messages)
	if err != nil {
		return err
	}

	maxTokens := defaultMaxTokens
	if cfg.MaxTokens != nil {
		maxTokens = *cfg.MaxTokens
	}

	payload := map[string]interface{}{
		"model":       a.model,
		"messages":    convertMessages(rest),
		"max_tokens":  maxTokens,
		"temperature": cfg.Temperature,
		"stream":      cfg.Stream,
	}
	if system != "" {
		payload["system"] = system
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", a.version)
	if cfg.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return &provider.ProviderError{Provider: "anthropic", Detail: "send request", Err: err}
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

// consumeComplete reads a non-streaming response and delivers the full text
// as a single fragment.
func (a *Adapter) consumeComplete(body io.Reader, onDelta provider.DeltaHandler) error {
	respBody, err := io.ReadAll(body)
	if err != nil {
		return &provider.ProviderError{Provider: "anthropic", Detail: "read response", Err: err}
	}
	var parsed messagesResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return &provider.ProviderError{Provider: "anthropic", Detail: "unmarshal response", Err: err}
	}
	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text != "" {
		onDelta(text)
	}
	return nil
}

// consumeStream decodes the SSE event stream, forwarding text deltas.
func (a *Adapter) consumeStream(ctx context.Context, body io.Reader, onDelta provider.DeltaHandler) error {
	buf := make([]byte, 8192)
	leftover := ""
	var eventType string
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
				if line == "" {
					continue
				}
				if strings.HasPrefix(line, "event:") {
					eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
					continue
				}
				if !strings.HasPrefix(line, "data:") {
					continue
				}
				payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if payload == "" || payload == "{}" {
					continue
				}
				var evt streamEvent
				if perr := json.Unmarshal([]byte(payload), &evt); perr != nil {
					return &provider.ProviderError{Provider: "anthropic", Detail: "parse stream", Err: perr}
				}
				if evt.Type == "content_block_delta" && evt.Delta.Type == "text_delta" && evt.Delta.Text != "" {
					onDelta(evt.Delta.Text)
					continue
				}
				if evt.Type == "message_stop" || eventType == "message_stop" {
					return nil
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
			return &provider.ProviderError{Provider: "anthropic", Detail: "read stream", Err: err}
		}
	}
}

func readAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return &provider.ProviderError{
			Provider: "anthropic",
			Detail:   fmt.Sprintf("%s (type=%s)", errResp.Error.Message, errResp.Error.Type),
		}
	}
	return &provider.ProviderError{
		Provider: "anthropic",
		Detail:   fmt.Sprintf("http %d: %s", resp.StatusCode, string(data)),
	}
}

// message is an entry in Anthropic's request format.
type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type messagesResponse struct {
	ID      string         `json:"id"`
	Content []contentBlock `json:"content"`
	Model   string         `json:"model"`
}

// streamEvent is the minimal schema read from the SSE stream.
type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"delta,omitempty"`
}

func convertMessages(in []provider.Message) []message {
	out := make([]message, 0, len(in))
	for _, m := range in {
		role := strings.ToLower(m.Role)
		if role != provider.RoleAssistant {
			role = provider.RoleUser
		}
		out = append(out, message{
			Role:    role,
			Content: []contentBlock{{Type: "text", Text: m.Content}},
		})
	}
	return out
}
