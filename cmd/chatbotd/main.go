// chatbotd is the chat server: an agent loop over Ollama or an
// OpenAI-compatible backend, with tool calling and SSE streaming.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tom-mart/chatbot-base/internal/agent"
	"github.com/tom-mart/chatbot-base/internal/ai"
	"github.com/tom-mart/chatbot-base/internal/config"
	"github.com/tom-mart/chatbot-base/internal/embeddings"
	"github.com/tom-mart/chatbot-base/internal/logging"
	"github.com/tom-mart/chatbot-base/internal/selector"
	"github.com/tom-mart/chatbot-base/internal/server"
	"github.com/tom-mart/chatbot-base/internal/session"
	"github.com/tom-mart/chatbot-base/internal/tools"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config file")
	flag.Parse()

	// Optional .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Errorf("config: %v", err)
		os.Exit(1)
	}

	store, err := session.Open(filepath.Join(cfg.DataDir, "chatbot.db"))
	if err != nil {
		logging.Errorf("open store: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	registry := tools.BuildRegistry(cfg.Agent.ToolTimeout, tools.DefaultPacks()...)
	logging.Infof("registry ready with %d tools", registry.Len())

	sel := buildSelector(cfg, store, registry)
	gateway := pickGateway(cfg)
	logging.Infof("inference backend: %s", gateway.ID())

	engine := agent.NewEngine(gateway, registry, sel, agent.Config{
		MaxIterations: cfg.Agent.MaxIterations,
		HistoryWindow: cfg.Agent.HistoryWindow,
		TurnTimeout:   cfg.Agent.TurnTimeout,
	})

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.New(cfg, store, engine).Router(),
	}

	go func() {
		logging.Infof("listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Errorf("server: %v", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logging.Infof("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logging.Warnf("shutdown: %v", err)
	}
}

// buildSelector indexes tool descriptions for semantic selection. A
// missing or unreachable embedding backend is not fatal; the selector
// degrades to keyword matching.
func buildSelector(cfg *config.Config, store *session.Store, registry *tools.Registry) *selector.Selector {
	// Embeddings follow the same backend preference as pickGateway: the
	// hosted endpoint when a key is configured, local Ollama otherwise.
	var provider embeddings.Provider
	switch {
	case cfg.OpenAI.APIKey != "":
		provider = embeddings.NewOpenAIProvider(embeddings.OpenAIConfig{
			APIKey:     cfg.OpenAI.APIKey,
			Model:      cfg.OpenAI.EmbedModel,
			Dimensions: cfg.OpenAI.EmbedDimensions,
			BaseURL:    cfg.OpenAI.BaseURL,
		})
	case cfg.Ollama.EmbedModel != "":
		provider = embeddings.NewOllamaProvider(embeddings.OllamaConfig{
			BaseURL:    cfg.Ollama.BaseURL,
			Model:      cfg.Ollama.EmbedModel,
			Dimensions: cfg.Ollama.EmbedDimensions,
		})
	}

	svc, err := embeddings.NewService(store.DB(), provider)
	if err != nil {
		logging.Warnf("embeddings: %v, tool selection falls back to keywords", err)
		return selector.New(registry, nil, cfg.Agent.MaxTools)
	}

	sel := selector.New(registry, svc, cfg.Agent.MaxTools)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := sel.BuildIndex(ctx); err != nil {
		logging.Warnf("selector: %v, tool selection falls back to keywords", err)
	}
	return sel
}

// pickGateway prefers the hosted backend when a key is configured and
// the local Ollama instance otherwise.
func pickGateway(cfg *config.Config) ai.Gateway {
	if cfg.OpenAI.APIKey != "" {
		return ai.NewOpenAIGateway(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model)
	}
	return ai.NewOllamaGateway(cfg.Ollama.BaseURL, cfg.Ollama.Model)
}
