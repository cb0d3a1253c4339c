package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/sourcenote/sourcenote-gateway/internal/provider"
	"github.com/sourcenote/sourcenote-gateway/internal/testutil"
)

func newTestAdapter(t *testing.T, baseURL string) *Adapter {
	t.Helper()
	a, err := New(Config{APIKey: "test-key", Model: "gpt-test", BaseURL: baseURL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestStreamChatDeltas(t *testing.T) {
	var gotReq map[string]interface{}
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	srv := testutil.NewIPv4Server(t, mux)
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	var deltas []string
	err := a.StreamChat(context.Background(), []provider.Message{
		{Role: provider.RoleSystem, Content: "be brief"},
		{Role: provider.RoleUser, Content: "hi"},
	}, provider.DefaultConfig(), func(text string) {
		deltas = append(deltas, text)
	})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	if got := strings.Join(deltas, ""); got != "Hello" {
		t.Errorf("accumulated = %q, want %q", got, "Hello")
	}

	// System messages travel inline and max_tokens stays absent when unset.
	msgs, _ := gotReq["messages"].([]interface{})
	if len(msgs) != 2 {
		t.Errorf("messages = %v, want pass-through including system", gotReq["messages"])
	}
	if _, present := gotReq["max_tokens"]; present {
		t.Errorf("max_tokens should be omitted when not configured, got %v", gotReq["max_tokens"])
	}
}

func TestStreamChatMaxTokensForwarded(t *testing.T) {
	var gotReq map[string]interface{}
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	srv := testutil.NewIPv4Server(t, mux)
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	cfg := provider.DefaultConfig()
	maxTokens := 256
	cfg.MaxTokens = &maxTokens
	if err := a.StreamChat(context.Background(), []provider.Message{{Role: provider.RoleUser, Content: "hi"}}, cfg, func(string) {}); err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	if gotReq["max_tokens"] != float64(256) {
		t.Errorf("max_tokens = %v, want 256", gotReq["max_tokens"])
	}
}

func TestStreamChatInvalidContextFailsFast(t *testing.T) {
	called := false
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { called = true })
	srv := testutil.NewIPv4Server(t, mux)
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	err := a.StreamChat(context.Background(), nil, provider.DefaultConfig(), func(string) {})
	if !errors.Is(err, provider.ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}
	if called {
		t.Error("invalid context must be rejected before the network call")
	}
}

func TestStreamChatAPIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"invalid api key","type":"invalid_request_error","code":"invalid_api_key"}}`)
	})
	srv := testutil.NewIPv4Server(t, mux)
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	err := a.StreamChat(context.Background(), []provider.Message{{Role: provider.RoleUser, Content: "hi"}}, provider.DefaultConfig(), func(string) {})
	var pe *provider.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ProviderError", err)
	}
	if !strings.Contains(pe.Error(), "invalid api key") {
		t.Errorf("detail lost: %v", pe)
	}
}

func TestNonStreamingSingleDelta(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"cmpl-1","choices":[{"message":{"content":"full response"},"finish_reason":"stop"}]}`)
	})
	srv := testutil.NewIPv4Server(t, mux)
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	cfg := provider.DefaultConfig()
	cfg.Stream = false
	var calls []string
	if err := a.StreamChat(context.Background(), []provider.Message{{Role: provider.RoleUser, Content: "hi"}}, cfg, func(text string) {
		calls = append(calls, text)
	}); err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	if len(calls) != 1 || calls[0] != "full response" {
		t.Fatalf("calls = %v, want single full fragment", calls)
	}
}
