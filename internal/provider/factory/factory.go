// Package factory resolves provider identifiers to concrete chat adapters.
package factory

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sourcenote/sourcenote-gateway/internal/provider"
	"github.com/sourcenote/sourcenote-gateway/internal/provider/anthropic"
	"github.com/sourcenote/sourcenote-gateway/internal/provider/gemini"
	"github.com/sourcenote/sourcenote-gateway/internal/provider/openai"
)

// Config carries the credentials and model defaults for every vendor the
// factory can construct. Vendors with an empty API key are unavailable.
type Config struct {
	Anthropic anthropic.Config
	OpenAI    openai.Config
	Gemini    gemini.Config
}

// Factory constructs and caches one adapter per provider identifier.
type Factory struct {
	cfg Config

	mu    sync.Mutex
	cache map[string]provider.ChatProvider
}

// New creates a Factory from the supplied vendor configuration.
func New(cfg Config) *Factory {
	return &Factory{cfg: cfg, cache: make(map[string]provider.ChatProvider)}
}

// Provider resolves a provider identifier to a ChatProvider. Unknown
// identifiers fail with provider.ErrUnsupportedProvider; known identifiers
// without credentials fail with a configuration error.
func (f *Factory) Provider(name string) (provider.ChatProvider, error) {
	key := strings.ToLower(strings.TrimSpace(name))

	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.cache[key]; ok {
		return p, nil
	}

	var (
		p   provider.ChatProvider
		err error
	)
	switch key {
	case "anthropic":
		p, err = anthropic.New(f.cfg.Anthropic)
	case "openai":
		p, err = openai.New(f.cfg.OpenAI)
	case "gemini":
		p, err = gemini.New(f.cfg.Gemini)
	default:
		return nil, fmt.Errorf("%w: %q", provider.ErrUnsupportedProvider, name)
	}
	if err != nil {
		return nil, fmt.Errorf("factory: build %s adapter: %w", key, err)
	}

	f.cache[key] = p
	return p, nil
}
