// Package gemini adapts the Google Gemini generateContent API to the
// gateway's streaming provider contract.
package gemini

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

// Adapter sends requests to the Google Gemini API.
type Adapter struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// Config holds configuration for the Gemini adapter.
type Config struct {
	APIKey         string
	Model          string
	BaseURL        string // optional, defaults to https://generativelanguage.googleapis.com
	RequestTimeout time.Duration
}

// New creates an Adapter instance.
func New(cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: api key required")
	}
	if cfg.Model == "" {
		return nil, errors.New("gemini: model required")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 120 * time.Second // Gemini may need more time for generation
	}

	return &Adapter{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		model:   cfg.Model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Name returns the provider identifier.
func (a *Adapter) Name() string { return "gemini" }

// Model returns the configured model identifier.
func (a *Adapter) Model() string { return a.model }

// StreamChat implements provider.ChatProvider.
//
// Gemini has no assistant role: model turns are sent with role "model" and
// the system prompt travels in a separate systemInstruction field.
func (a *Adapter) StreamChat(ctx context.Context, messages []provider.Message, cfg provider.GenerationConfig, onDelta provider.DeltaHandler) error {
	rest, system, err := provider.SplitSystem(messages)
	if err != nil {
		return err
	}

	genCfg := map[string]interface{}{
		"temperature": cfg.Temperature,
	}
	if cfg.MaxTokens != nil {
		genCfg["maxOutputTokens"] = *cfg.MaxTokens
	}
	payload := map[string]interface{}{
		"contents":         convertContents(rest),
		"generationConfig": genCfg,
	}
	if system != "" {
		payload["systemInstruction"] = content{
			Parts: []part{{Text: system}},
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("gemini: marshal request: %w", err)
	}

	// /v1beta/models/{model}:generateContent or :streamGenerateContent&alt=sse
	var url string
	if cfg.Stream {
		url = fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?key=%s&alt=sse", a.baseURL, a.model, a.apiKey)
	} else {
		url = fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", a.baseURL, a.model, a.apiKey)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("gemini: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if cfg.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return &provider.ProviderError{Provider: "gemini", Detail: "send request", Err: err}
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
		return &provider.ProviderError{Provider: "gemini", Detail: "read response", Err: err}
	}
	var parsed generateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return &provider.ProviderError{Provider: "gemini", Detail: "unmarshal response", Err: err}
	}
	if text := parsed.text(); text != "" {
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
				if payload == "" {
					continue
				}
				var chunk generateResponse
				if perr := json.Unmarshal([]byte(payload), &chunk); perr != nil {
					return &provider.ProviderError{Provider: "gemini", Detail: "parse stream", Err: perr}
				}
				if text := chunk.text(); text != "" {
					onDelta(text)
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
			return &provider.ProviderError{Provider: "gemini", Detail: "read stream", Err: err}
		}
	}
}

func readAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)
	var errResp struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return &provider.ProviderError{
			Provider: "gemini",
			Detail:   fmt.Sprintf("%s (code=%d, status=%s)", errResp.Error.Message, errResp.Error.Code, errResp.Error.Status),
		}
	}
	return &provider.ProviderError{
		Provider: "gemini",
		Detail:   fmt.Sprintf("http %d: %s", resp.StatusCode, string(data)),
	}
}

type part struct {
	Text string `json:"text,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

func (r generateResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

func convertContents(in []provider.Message) []content {
	out := make([]content, 0, len(in))
	for _, m := range in {
		role := "user"
		if strings.EqualFold(m.Role, provider.RoleAssistant) {
			role = "model"
		}
		out = append(out, content{Role: role, Parts: []part{{Text: m.Content}}})
	}
	return out
}
