// Package backend provides the browser automation backends that execute
// one natural-language test prompt per session.
package backend

import (
	"context"
	"fmt"

	"github.com/tyemirov/utils/llm"
	"go.uber.org/zap"

	"webagentaa/internal/config"
	"webagentaa/internal/core"
)

// Backend is the contract shared by every implementation in this package.
type Backend interface {
	Execute(ctx context.Context, prompt string, cfg core.ExecutionConfig) (core.Trace, error)
	Negotiate(ctx context.Context, cfg core.ExecutionConfig) core.Negotiation
}

var (
	_ Backend = (*CommandBackend)(nil)
	_ Backend = (*ChromeBackend)(nil)
)

// ClientFactory builds the chat client for the chrome backend.
type ClientFactory func(config llm.Config) (llm.ChatClient, error)

// New selects the backend named by cfg.Backend.Kind.
func New(cfg *config.Config, newClient ClientFactory, logger *zap.Logger) (Backend, error) {
	switch cfg.Backend.Kind {
	case config.BackendCommand, "":
		return NewCommandBackend(cfg.Backend.Command, cfg.Backend.RemoteCapable, logger), nil
	case config.BackendChrome:
		if newClient == nil {
			newClient = NewLLMClient
		}
		client, err := newClient(llm.Config{
			BaseURL:             cfg.LLM.BaseURL,
			APIKey:              cfg.LLM.APIKey,
			Model:               cfg.LLM.Model,
			MaxCompletionTokens: cfg.LLM.MaxTokens,
			Temperature:         cfg.LLM.Temperature,
			RequestTimeout:      cfg.LLM.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("create llm client: %w", err)
		}
		planner := NewLLMPlanner(client, cfg.LLM.MaxTokens, cfg.LLM.Temperature)
		return NewChromeBackend(planner, logger), nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Backend.Kind)
	}
}
