package gemini

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
	a, err := New(Config{APIKey: "test-key", Model: "gemini-test", BaseURL: baseURL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestStreamChatDeltas(t *testing.T) {
	var gotReq map[string]interface{}
	var gotQuery string
	mux := http.NewServeMux()
	mux.HandleFunc("/v1beta/models/gemini-test:streamGenerateContent", func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"text\":\"Hi \"}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"text\":\"there\"}]}}]}\n\n")
	})
	srv := testutil.NewIPv4Server(t, mux)
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	var deltas []string
	err := a.StreamChat(context.Background(), []provider.Message{
		{Role: provider.RoleSystem, Content: "be brief"},
		{Role: provider.RoleUser, Content: "question"},
		{Role: provider.RoleAssistant, Content: "earlier answer"},
		{Role: provider.RoleUser, Content: "follow up"},
	}, provider.DefaultConfig(), func(text string) {
		deltas = append(deltas, text)
	})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	if got := strings.Join(deltas, ""); got != "Hi there" {
		t.Errorf("accumulated = %q, want %q", got, "Hi there")
	}
	if !strings.Contains(gotQuery, "alt=sse") || !strings.Contains(gotQuery, "key=test-key") {
		t.Errorf("query = %q, want alt=sse with key", gotQuery)
	}

	// Assistant turns map to role "model"; the system prompt moves to
	// systemInstruction and never appears in contents.
	contents, _ := gotReq["contents"].([]interface{})
	if len(contents) != 3 {
		t.Fatalf("contents = %v, want 3 entries", gotReq["contents"])
	}
	second, _ := contents[1].(map[string]interface{})
	if second["role"] != "model" {
		t.Errorf("assistant role = %v, want model", second["role"])
	}
	if _, ok := gotReq["systemInstruction"]; !ok {
		t.Error("systemInstruction missing")
	}
}

func TestStreamChatInvalidContextFailsFast(t *testing.T) {
	called := false
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { called = true })
	srv := testutil.NewIPv4Server(t, mux)
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	err := a.StreamChat(context.Background(), []provider.Message{
		{Role: provider.RoleSystem, Content: "only system"},
	}, provider.DefaultConfig(), func(string) {})
	if !errors.Is(err, provider.ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}
	if called {
		t.Error("invalid context must be rejected before the network call")
	}
}

func TestStreamChatAPIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1beta/models/gemini-test:streamGenerateContent", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"code":400,"message":"invalid argument","status":"INVALID_ARGUMENT"}}`)
	})
	srv := testutil.NewIPv4Server(t, mux)
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	err := a.StreamChat(context.Background(), []provider.Message{{Role: provider.RoleUser, Content: "hi"}}, provider.DefaultConfig(), func(string) {})
	var pe *provider.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ProviderError", err)
	}
	if !strings.Contains(pe.Error(), "invalid argument") {
		t.Errorf("detail lost: %v", pe)
	}
}

func TestNonStreamingSingleDelta(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1beta/models/gemini-test:generateContent", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"part a"},{"text":" part b"}]}}]}`)
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
	if len(calls) != 1 || calls[0] != "part a part b" {
		t.Fatalf("calls = %v, want single joined fragment", calls)
	}
}
