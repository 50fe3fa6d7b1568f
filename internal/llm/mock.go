package llm

import (
	"context"
	"strings"
)

type mockGenerator struct {
	respond func(Request) string
}

// NewMockGenerator answers every request with respond(req). A nil respond
// echoes the prompt, or "{}" for JSON requests.
func NewMockGenerator(respond func(Request) string) Generator {
	return &mockGenerator{respond: respond}
}

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var content string
	switch {
	case m.respond != nil:
		content = m.respond(req)
	case req.Format == FormatJSON:
		content = "{}"
	default:
		content = "[mock completion for " + strings.TrimSpace(req.Prompt) + "]"
	}
	return consumer(Chunk{
		Content: content,
		Partial: false,
		TraceID: req.TraceID,
	})
}
