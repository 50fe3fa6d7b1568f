package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-interview/internal/clips"
	"github.com/loqalabs/loqa-interview/internal/collab"
	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/llm"
	"github.com/loqalabs/loqa-interview/internal/pipeline"
	"github.com/loqalabs/loqa-interview/internal/rubric"
	"github.com/loqalabs/loqa-interview/internal/stt"
)

// BuildCollaborators assembles the engine's collaborators from config.
// Transcription always goes through the clip store and the configured
// recognizer; llm.mode=mock selects the offline heuristic collaborators.
// The returned close func is never nil.
func BuildCollaborators(ctx context.Context, cfg config.Config, def rubric.Definition, clipStore clips.Store, logger *slog.Logger) (pipeline.Collaborators, func() error, error) {
	recognizer, err := stt.New(cfg.STT)
	if err != nil {
		return pipeline.Collaborators{}, nil, fmt.Errorf("stt: %w", err)
	}
	transcriber := collab.NewSTT(clipStore, recognizer, logger)

	if cfg.LLM.Mode == "" || cfg.LLM.Mode == "mock" {
		h := collab.NewHeuristic(def)
		logger.Info("using offline collaborators", slog.String("stt_mode", cfg.STT.Mode))
		return pipeline.Collaborators{
			Transcriber:     transcriber,
			Normalizer:      h,
			NormJudge:       h,
			RubricScorer:    h,
			RubricJudge:     h,
			NonverbalScorer: h,
			Narrator:        h,
		}, func() error { return nil }, nil
	}

	gen, closeGen, err := llm.New(ctx, cfg.LLM)
	if err != nil {
		return pipeline.Collaborators{}, nil, fmt.Errorf("llm: %w", err)
	}
	c := collab.NewLLM(gen, llm.RequestFromConfig(cfg.LLM, ""), def, logger)
	logger.Info("using llm collaborators", slog.String("llm_mode", cfg.LLM.Mode), slog.String("stt_mode", cfg.STT.Mode))
	return pipeline.Collaborators{
		Transcriber:     transcriber,
		Normalizer:      c,
		NormJudge:       c,
		RubricScorer:    c,
		RubricJudge:     c,
		NonverbalScorer: c,
		Narrator:        c,
	}, closeGen, nil
}
