// Package blocks groups transcribed turns into per-question blocks and
// evaluates each block once it closes.
package blocks

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-interview/internal/pipeline"
	"github.com/loqalabs/loqa-interview/internal/queue"
	"github.com/loqalabs/loqa-interview/internal/rubric"
	"github.com/loqalabs/loqa-interview/internal/state"
)

// Evaluator scores one closed block against the question it answers.
type Evaluator interface {
	EvaluateBlock(ctx context.Context, candidateID int64, block state.QuestionBlock, q rubric.Question) (state.BlockEvaluation, error)
}

type FinalizerOption func(*Finalizer)

// WithOnClosed registers a hook invoked after a block is persisted.
func WithOnClosed(fn func(state.QuestionBlock)) FinalizerOption {
	return func(f *Finalizer) {
		f.onClosed = fn
	}
}

// WithOnEvaluated registers a hook invoked after a block evaluation is attached.
func WithOnEvaluated(fn func(state.QuestionBlock)) FinalizerOption {
	return func(f *Finalizer) {
		f.onEvaluated = fn
	}
}

// Finalizer persists closed blocks and evaluates them on the candidate's
// queue, so block evaluations and pipeline tasks for one candidate never
// interleave.
type Finalizer struct {
	store     *state.Store
	queue     *queue.PerSubjectQueue
	eval      Evaluator
	questions []rubric.Question
	logger    *slog.Logger

	onClosed    func(state.QuestionBlock)
	onEvaluated func(state.QuestionBlock)

	wg      sync.WaitGroup
	mu      sync.Mutex
	pending map[int64]int
}

// NewFinalizer builds a finalizer. questions is the fallback canonical set
// for candidates whose state carries no question analysis.
func NewFinalizer(store *state.Store, q *queue.PerSubjectQueue, eval Evaluator, questions []rubric.Question, logger *slog.Logger, opts ...FinalizerOption) *Finalizer {
	f := &Finalizer{
		store:     store,
		queue:     q,
		eval:      eval,
		questions: questions,
		logger:    logger.With(slog.String("component", "block-finalizer")),
		pending:   make(map[int64]int),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Close marks the block closed, appends it to the candidate's finalized
// blocks and schedules its evaluation.
func (f *Finalizer) Close(block state.QuestionBlock) error {
	block.Open = false
	block.EndedAt = f.store.Now()
	block.MergedText = pipeline.MergeTurns(block.Turns)

	f.track(block.CandidateID, 1)
	err := f.store.Update(block.CandidateID, func(st *state.CandidateState) error {
		st.Blocks = append(st.Blocks, block.Clone())
		return nil
	})
	if err != nil {
		f.logger.Warn("failed to persist closed block",
			slog.Int64("candidate_id", block.CandidateID),
			slog.String("block_id", block.ID),
			slog.String("error", err.Error()),
		)
		f.track(block.CandidateID, -1)
		return err
	}
	if f.onClosed != nil {
		f.onClosed(block.Clone())
	}

	f.wg.Add(1)
	f.queue.Enqueue(block.CandidateID, func(ctx context.Context) error {
		defer f.wg.Done()
		defer f.track(block.CandidateID, -1)
		return f.evaluate(ctx, block)
	})
	return nil
}

func (f *Finalizer) evaluate(ctx context.Context, block state.QuestionBlock) error {
	q, ok := f.question(block.CandidateID, block.QuestionID)
	if !ok {
		return errors.New("blocks: unknown question " + block.QuestionID)
	}
	eval, err := f.eval.EvaluateBlock(ctx, block.CandidateID, block, q)
	if err != nil {
		return err
	}
	var updated state.QuestionBlock
	err = f.store.Update(block.CandidateID, func(st *state.CandidateState) error {
		for i := range st.Blocks {
			if st.Blocks[i].ID == block.ID {
				ev := eval
				st.Blocks[i].Evaluation = &ev
				updated = st.Blocks[i].Clone()
				return nil
			}
		}
		return state.ErrNotFound
	})
	if err != nil {
		return err
	}
	f.logger.Debug("block evaluated",
		slog.Int64("candidate_id", block.CandidateID),
		slog.String("block_id", block.ID),
		slog.String("question_id", block.QuestionID),
	)
	if f.onEvaluated != nil {
		f.onEvaluated(updated)
	}
	return nil
}

func (f *Finalizer) question(candidateID int64, id string) (rubric.Question, bool) {
	if st, err := f.store.Get(candidateID); err == nil {
		if q, ok := rubric.Find(st.Questions, id); ok {
			return q, true
		}
	}
	return rubric.Find(f.questions, id)
}

func (f *Finalizer) track(candidateID int64, delta int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.pending[candidateID] + delta; n > 0 {
		f.pending[candidateID] = n
	} else {
		delete(f.pending, candidateID)
	}
}

// Pending counts the candidate's closed blocks whose evaluation has not
// finished yet.
func (f *Finalizer) Pending(candidateID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending[candidateID]
}

// Wait blocks until every scheduled block evaluation has finished.
func (f *Finalizer) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitCandidate blocks until the candidate's queue, and with it every block
// evaluation scheduled so far for that candidate, has drained.
func (f *Finalizer) WaitCandidate(ctx context.Context, candidateID int64) error {
	return f.queue.Wait(ctx, candidateID)
}
