package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/loqalabs/loqa-interview/internal/clips"
	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/evaluator"
	"github.com/loqalabs/loqa-interview/internal/pipeline"
	"github.com/loqalabs/loqa-interview/internal/queue"
	"github.com/loqalabs/loqa-interview/internal/rubric"
	"github.com/loqalabs/loqa-interview/internal/runtime"
	"github.com/loqalabs/loqa-interview/internal/state"
)

// stack is an in-process evaluator with an in-memory clip store and no bus.
type stack struct {
	cfg   config.Config
	ev    *evaluator.Evaluator
	queue *queue.PerSubjectQueue
	close func() error
}

func newLogger() *slog.Logger {
	if !verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func buildStack(ctx context.Context, logger *slog.Logger) (*stack, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	def, err := rubric.Load(cfg.Rubric.Path)
	if err != nil {
		return nil, err
	}
	questions, err := rubric.LoadQuestions(cfg.Matcher.QuestionsPath)
	if err != nil {
		return nil, err
	}

	store := state.NewStore(state.NewMemoryRepository(), state.WithLogger(logger))
	clipStore := clips.NewMemoryStore()
	collabs, closeCollabs, err := runtime.BuildCollaborators(ctx, cfg, def, clipStore, logger)
	if err != nil {
		return nil, err
	}
	q := queue.New(ctx, logger)
	engine := pipeline.NewEngine(store, collabs, def, pipeline.OptionsFrom(cfg.Pipeline), logger)
	ev := evaluator.New(evaluator.Deps{
		Store:  store,
		Engine: engine,
		Queue:  q,
		Clips:  clipStore,
	}, logger,
		evaluator.WithQuestions(questions),
		evaluator.WithMatchThreshold(cfg.Matcher.Threshold),
	)
	return &stack{cfg: cfg, ev: ev, queue: q, close: closeCollabs}, nil
}

// reports collects the reports of ids; candidates without a result carry
// the error text instead.
func (s *stack) reports(ids []int64) map[string]any {
	out := make(map[string]any, len(ids))
	for _, id := range ids {
		key := fmt.Sprint(id)
		report, err := s.ev.GetResult(id)
		if err != nil {
			out[key] = map[string]string{"error": err.Error()}
			continue
		}
		out[key] = report
	}
	return out
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
