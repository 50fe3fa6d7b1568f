package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-interview/internal/config"
)

func TestMockGeneratorDefaults(t *testing.T) {
	g := NewMockGenerator(nil)

	out, err := Complete(context.Background(), g, Request{Prompt: " hello "})
	require.NoError(t, err)
	assert.Equal(t, "[mock completion for hello]", out)

	out, err = Complete(context.Background(), g, Request{Prompt: "x", Format: FormatJSON})
	require.NoError(t, err)
	assert.Equal(t, "{}", out)
}

func TestMockGeneratorResponder(t *testing.T) {
	g := NewMockGenerator(func(req Request) string { return req.System + "|" + req.Prompt })
	out, err := Complete(context.Background(), g, Request{System: "sys", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "sys|p", out)
}

func TestMockGeneratorCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Complete(ctx, NewMockGenerator(nil), Request{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOllamaGeneratorStreams(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprintln(w, `{"response":"{\"ok\":","done":false}`)
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, `{"response":"true}","done":true,"eval_count":4,"prompt_eval_count":9}`)
	}))
	defer srv.Close()

	g := NewOllamaGenerator(srv.URL+"/", "fast-model", "")
	var chunks []Chunk
	err := g.Generate(context.Background(), Request{Prompt: "judge", Tier: "fast", Format: FormatJSON, MaxTokens: 64}, func(c Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "fast-model", got.Model)
	assert.Equal(t, FormatJSON, got.Format)
	assert.Equal(t, 64, got.Options.NumPredict)
	require.Len(t, chunks, 2)
	assert.True(t, chunks[0].Partial)
	assert.False(t, chunks[1].Partial)
	assert.Equal(t, 4, chunks[1].CompletionTokens)
	assert.Equal(t, 9, chunks[1].PromptTokens)
	assert.Equal(t, `{"ok":true}`, chunks[0].Content+chunks[1].Content)
}

func TestOllamaGeneratorStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := Complete(context.Background(), NewOllamaGenerator(srv.URL, "", ""), Request{Prompt: "x"})
	assert.Error(t, err)
}

func TestExecGenerator(t *testing.T) {
	g, err := NewExecGenerator(`sh -c 'cat >/dev/null; echo "{\"content\":\"정상\",\"completion_tokens\":2}"'`)
	require.NoError(t, err)

	out, err := Complete(context.Background(), g, Request{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "정상", out)

	_, err = NewExecGenerator("   ")
	assert.Error(t, err)
}

func TestNewSelectsBackend(t *testing.T) {
	cfg := config.Default().LLM

	cfg.Mode = "mock"
	g, closeFn, err := New(context.Background(), cfg)
	require.NoError(t, err)
	assert.NoError(t, closeFn())
	assert.IsType(t, &mockGenerator{}, g)

	cfg.Mode = "ollama"
	g, _, err = New(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &ollamaGenerator{}, g)

	cfg.Mode = "gemini"
	cfg.APIKey = ""
	_, _, err = New(context.Background(), cfg)
	assert.Error(t, err)

	cfg.Mode = "carrier-pigeon"
	_, _, err = New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestRequestFromConfig(t *testing.T) {
	cfg := config.LLMConfig{DefaultTier: "balanced", MaxTokens: 256, Temperature: 0.2}
	assert.Equal(t, Request{Tier: "balanced", MaxTokens: 256, Temperature: 0.2}, RequestFromConfig(cfg, ""))
	assert.Equal(t, "fast", RequestFromConfig(cfg, "fast").Tier)
}

func TestCleanJSONBlock(t *testing.T) {
	assert.Equal(t, `{"a":1}`, cleanJSONBlock("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, cleanJSONBlock(` {"a":1} `))
}
