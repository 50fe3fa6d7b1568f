package collab

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"github.com/loqalabs/loqa-interview/internal/llm"
	"github.com/loqalabs/loqa-interview/internal/pipeline"
	"github.com/loqalabs/loqa-interview/internal/rubric"
	"github.com/loqalabs/loqa-interview/internal/schemas"
	"github.com/loqalabs/loqa-interview/internal/state"
)

//go:embed prompts/*.tmpl
var promptFiles embed.FS

var prompts = template.Must(template.New("prompts").
	Funcs(template.FuncMap{"join": strings.Join}).
	ParseFS(promptFiles, "prompts/*.tmpl"))

const systemPrompt = "당신은 면접 평가 전문가입니다."

// LLM implements every language-model collaborator over one generator.
type LLM struct {
	gen    llm.Generator
	base   llm.Request
	rubric rubric.Definition
	logger *slog.Logger
}

// NewLLM wraps gen. base carries tier, token and temperature defaults.
func NewLLM(gen llm.Generator, base llm.Request, def rubric.Definition, logger *slog.Logger) *LLM {
	return &LLM{
		gen:    gen,
		base:   base,
		rubric: def,
		logger: logger.With(slog.String("component", "llm-collaborator")),
	}
}

func (c *LLM) Normalize(ctx context.Context, text string) (string, error) {
	out, err := c.complete(ctx, "normalize.tmpl", "", map[string]any{"Text": text})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(stripFences(out)), nil
}

type verdictPayload struct {
	OK         bool     `json:"ok"`
	Notes      []string `json:"notes"`
	JudgeNotes []string `json:"judge_notes"`
}

func (p verdictPayload) verdict() state.Verdict {
	notes := append([]string{}, p.Notes...)
	notes = append(notes, p.JudgeNotes...)
	return state.Verdict{OK: p.OK, Notes: notes}
}

func (c *LLM) JudgeNormalization(ctx context.Context, original, normalized string) (state.Verdict, error) {
	out, err := c.complete(ctx, "judge_normalization.tmpl", llm.FormatJSON, map[string]any{
		"Original":   original,
		"Normalized": normalized,
	})
	if err != nil {
		return state.Verdict{}, err
	}
	var p verdictPayload
	if err := pipeline.DecodeObject(out, schemas.Verdict, &p); err != nil {
		return state.Verdict{}, err
	}
	return p.verdict(), nil
}

func (c *LLM) ScoreRubric(ctx context.Context, req pipeline.RubricRequest) (state.RubricScores, error) {
	out, err := c.complete(ctx, "score_rubric.tmpl", llm.FormatJSON, map[string]any{
		"Answer":   req.Answer,
		"Intent":   req.Intent,
		"Focus":    req.Keywords,
		"Keywords": c.rubric.Keywords,
		"Min":      c.rubric.MinScore,
		"Max":      c.rubric.MaxScore,
	})
	if err != nil {
		return nil, err
	}
	return pipeline.ParseRubricScores(out)
}

func (c *LLM) JudgeRubric(ctx context.Context, answer string, scores state.RubricScores, def rubric.Definition) (state.Verdict, error) {
	encoded, err := json.MarshalIndent(scores, "", "  ")
	if err != nil {
		return state.Verdict{}, err
	}
	out, err := c.complete(ctx, "judge_rubric.tmpl", llm.FormatJSON, map[string]any{
		"Answer":   answer,
		"Scores":   string(encoded),
		"Keywords": def.Keywords,
	})
	if err != nil {
		return state.Verdict{}, err
	}
	var p verdictPayload
	if err := pipeline.DecodeObject(out, schemas.Verdict, &p); err != nil {
		return state.Verdict{}, err
	}
	return p.verdict(), nil
}

func (c *LLM) ScoreNonverbal(ctx context.Context, counts state.ExpressionCounts) (state.NonverbalScore, error) {
	out, err := c.complete(ctx, "nonverbal.tmpl", llm.FormatJSON, counts)
	if err != nil {
		return state.NonverbalScore{}, err
	}
	var p struct {
		Score    float64 `json:"score"`
		Reason   string  `json:"reason"`
		Analysis string  `json:"analysis"`
		Feedback string  `json:"feedback"`
	}
	if err := pipeline.DecodeObject(out, schemas.Nonverbal, &p); err != nil {
		return state.NonverbalScore{}, err
	}
	reason := p.Reason
	if reason == "" {
		reason = strings.TrimSpace(p.Analysis + " " + p.Feedback)
	}
	return state.NonverbalScore{Score: p.Score, Rationale: reason}, nil
}

func (c *LLM) Narrate(ctx context.Context, answer string, rationales []string) ([]string, error) {
	out, err := c.complete(ctx, "narrate.tmpl", "", map[string]any{
		"Answer":     answer,
		"Rationales": rationales,
		"MaxLines":   pipeline.MaxNarrativeLines,
	})
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(stripFences(out), "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*•"))
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

func (c *LLM) complete(ctx context.Context, name, format string, data any) (string, error) {
	var buf bytes.Buffer
	if err := prompts.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	req := c.base
	req.System = systemPrompt
	req.Prompt = buf.String()
	req.Format = format
	out, err := llm.Complete(ctx, c.gen, req)
	if err != nil {
		c.logger.Warn("llm call failed", slog.String("prompt", name), slog.String("error", err.Error()))
		return "", err
	}
	return out, nil
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	if i := strings.Index(text, "\n"); i >= 0 {
		text = text[i+1:]
	}
	return strings.TrimSuffix(strings.TrimSpace(text), "```")
}
