package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/sourcenote/sourcenote-gateway/internal/auth"
	"github.com/sourcenote/sourcenote-gateway/internal/chatstore"
	chatpostgres "github.com/sourcenote/sourcenote-gateway/internal/chatstore/postgres"
	chatsqlite "github.com/sourcenote/sourcenote-gateway/internal/chatstore/sqlite"
	"github.com/sourcenote/sourcenote-gateway/internal/config"
	"github.com/sourcenote/sourcenote-gateway/internal/httpserver"
	"github.com/sourcenote/sourcenote-gateway/internal/logging"
	"github.com/sourcenote/sourcenote-gateway/internal/provider"
	"github.com/sourcenote/sourcenote-gateway/internal/provider/anthropic"
	"github.com/sourcenote/sourcenote-gateway/internal/provider/factory"
	"github.com/sourcenote/sourcenote-gateway/internal/provider/gemini"
	"github.com/sourcenote/sourcenote-gateway/internal/provider/openai"
	"github.com/sourcenote/sourcenote-gateway/internal/push"
	"github.com/sourcenote/sourcenote-gateway/internal/ratelimit"
	"github.com/sourcenote/sourcenote-gateway/internal/retrieval"
	retrpostgres "github.com/sourcenote/sourcenote-gateway/internal/retrieval/postgres"
	retrsqlite "github.com/sourcenote/sourcenote-gateway/internal/retrieval/sqlite"
	"github.com/sourcenote/sourcenote-gateway/internal/session"
	usagesqlite "github.com/sourcenote/sourcenote-gateway/internal/usage/sqlite"
)

const logMaxBytes = 64 << 20

func main() {
	configPath := "config/gateway.yaml"
	if v := os.Getenv("SOURCENOTE_CONFIG"); v != "" {
		configPath = v
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logOutput := io.Writer(os.Stdout)
	if cfg.LogFile != "" {
		fileSink, err := logging.NewRotatingWriter(cfg.LogFile, logMaxBytes)
		if err != nil {
			log.Fatalf("open log file: %v", err)
		}
		defer fileSink.Close()
		logOutput = io.MultiWriter(os.Stdout, fileSink)
	}
	levelTag := strings.ToUpper(cfg.LogLevel)
	rootLogger := log.New(logOutput, fmt.Sprintf("[gateway][%s][%s] ", cfg.Environment, levelTag), log.LstdFlags|log.Lmicroseconds)

	store, retriever, err := openStores(cfg)
	if err != nil {
		rootLogger.Fatalf("open stores: %v", err)
	}
	defer store.Close()
	defer retriever.Close()

	usageStore, err := usagesqlite.New(filepath.Join(cfg.Storage.Path, "usage.db"))
	if err != nil {
		rootLogger.Fatalf("open usage ledger: %v", err)
	}
	defer usageStore.Close()

	var authManager *auth.Manager
	if !cfg.Auth.Disabled {
		authManager, err = auth.NewManager(cfg.Auth.Secret)
		if err != nil {
			rootLogger.Fatalf("init auth: %v", err)
		}
	}

	providers := factory.New(factory.Config{
		Anthropic: anthropic.Config{
			APIKey:  cfg.Providers.Anthropic.APIKey,
			Model:   cfg.Providers.Anthropic.Model,
			BaseURL: cfg.Providers.Anthropic.BaseURL,
		},
		OpenAI: openai.Config{
			APIKey:  cfg.Providers.OpenAI.APIKey,
			Model:   cfg.Providers.OpenAI.Model,
			BaseURL: cfg.Providers.OpenAI.BaseURL,
		},
		Gemini: gemini.Config{
			APIKey:  cfg.Providers.Gemini.APIKey,
			Model:   cfg.Providers.Gemini.Model,
			BaseURL: cfg.Providers.Gemini.BaseURL,
		},
	})

	generation := provider.DefaultConfig()
	generation.Temperature = cfg.Generation.Temperature
	if cfg.Generation.MaxTokens > 0 {
		maxTokens := cfg.Generation.MaxTokens
		generation.MaxTokens = &maxTokens
	}

	registry := push.NewRegistry(rootLogger)
	controller := session.NewController(session.Deps{
		Providers:  providers,
		Registry:   registry,
		Messages:   store,
		Retriever:  retriever,
		Usage:      usageStore,
		Logger:     rootLogger,
		Generation: generation,
	})

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Burst)
	}

	server := httpserver.New(httpserver.Options{
		Controller:   controller,
		Providers:    providers,
		Registry:     registry,
		Store:        store,
		Usage:        usageStore,
		Auth:         authManager,
		AuthDisabled: cfg.Auth.Disabled,
		Limiter:      limiter,
		Logger:       rootLogger,
		LogLevel:     cfg.LogLevel,
	})

	httpSrv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.Routes(),
	}

	go func() {
		rootLogger.Printf("listening addr=%s storage=%s", cfg.Server.Addr, cfg.Storage.Driver)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			rootLogger.Fatalf("serve: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	rootLogger.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		rootLogger.Printf("shutdown: %v", err)
	}
}

func openStores(cfg config.Config) (chatstore.Store, retrieval.Retriever, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		store, err := chatpostgres.New(cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		retriever, err := retrpostgres.New(cfg.Storage.PostgresDSN)
		if err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		return store, retriever, nil
	default:
		store, err := chatsqlite.New(filepath.Join(cfg.Storage.Path, "chat.db"))
		if err != nil {
			return nil, nil, err
		}
		retriever, err := retrsqlite.New(filepath.Join(cfg.Storage.Path, "chunks.db"))
		if err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		return store, retriever, nil
	}
}
