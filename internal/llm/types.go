// Package llm provides pluggable text-generation backends used by the
// LLM-backed collaborators.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-interview/internal/config"
)

// FormatJSON asks the backend for a single JSON document.
const FormatJSON = "json"

// Request describes a language model prompt.
type Request struct {
	Prompt      string
	System      string
	Tier        string
	Format      string
	MaxTokens   int
	Temperature float64
	TraceID     string
}

// Chunk represents streamed model output.
type Chunk struct {
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	TraceID          string
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// RequestFromConfig builds request defaults from config.
func RequestFromConfig(cfg config.LLMConfig, tier string) Request {
	req := Request{Tier: cfg.DefaultTier, MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}
	if tier != "" {
		req.Tier = tier
	}
	return req
}

// Complete runs req to completion and returns the concatenated content.
func Complete(ctx context.Context, g Generator, req Request) (string, error) {
	var b strings.Builder
	err := g.Generate(ctx, req, func(c Chunk) error {
		b.WriteString(c.Content)
		return nil
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}

// New selects a backend by cfg.Mode. The returned close func releases
// backend resources and is never nil.
func New(ctx context.Context, cfg config.LLMConfig) (Generator, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(cfg.Mode) {
	case "", "mock":
		return NewMockGenerator(nil), noop, nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.ModelFast, cfg.ModelBalanced), noop, nil
	case "exec":
		g, err := NewExecGenerator(cfg.Command)
		if err != nil {
			return nil, nil, err
		}
		return g, noop, nil
	case "gemini":
		g, err := NewGeminiGenerator(ctx, cfg.APIKey, cfg.ModelFast, cfg.ModelBalanced)
		if err != nil {
			return nil, nil, err
		}
		return g, g.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
}
