// Package evaluator is the entry point of the interview service. It accepts
// audio uploads, ends interviews, answers status and result queries and runs
// live interview sessions on top of the pipeline engine.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-interview/internal/blocks"
	"github.com/loqalabs/loqa-interview/internal/clips"
	"github.com/loqalabs/loqa-interview/internal/matcher"
	"github.com/loqalabs/loqa-interview/internal/pipeline"
	"github.com/loqalabs/loqa-interview/internal/queue"
	"github.com/loqalabs/loqa-interview/internal/rubric"
	"github.com/loqalabs/loqa-interview/internal/state"
)

var (
	ErrNotReady = errors.New("evaluator: result not ready")
	ErrNoAudio  = errors.New("evaluator: submission carries no audio")
)

const (
	StatusPending = "PENDING"
	StatusDone    = "DONE"

	OutcomeProcessed = "processed"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

const defaultThreshold = 0.8

type Status struct {
	CandidateID int64  `json:"candidate_id"`
	State       string `json:"status"`
	Score       *int   `json:"score,omitempty"`
}

// Upload is one audio submission. Audio is a WAV document that still has to
// be stored; AudioRef names a clip that is already stored. Transcript, when
// set, skips speech recognition.
type Upload struct {
	Audio      []byte
	AudioRef   string
	Transcript *string
}

// Outcome is the per-candidate result of EndInterviews.
type Outcome struct {
	CandidateID int64
	Outcome     string
	Err         error
}

// Deps are the collaborators an Evaluator drives.
type Deps struct {
	Store  *state.Store
	Engine *pipeline.Engine
	Queue  *queue.PerSubjectQueue
	Clips  clips.Store
}

type Option func(*Evaluator)

// WithQuestions sets the canonical question set used when a candidate is
// created without one and for live question matching.
func WithQuestions(questions []rubric.Question) Option {
	return func(e *Evaluator) {
		if len(questions) > 0 {
			e.questions = questions
		}
	}
}

func WithMatchThreshold(threshold float64) Option {
	return func(e *Evaluator) {
		if threshold > 0 {
			e.threshold = threshold
		}
	}
}

// WithResultHook registers fn to run whenever a candidate reaches DONE.
func WithResultHook(fn func(candidateID int64, score int)) Option {
	return func(e *Evaluator) {
		e.onResult = fn
	}
}

// WithBlockHooks registers callbacks for closed and evaluated question blocks.
func WithBlockHooks(closed, evaluated func(state.QuestionBlock)) Option {
	return func(e *Evaluator) {
		e.onClosed = closed
		e.onEvaluated = evaluated
	}
}

type Evaluator struct {
	store     *state.Store
	engine    *pipeline.Engine
	queue     *queue.PerSubjectQueue
	locker    *queue.Locker
	clips     clips.Store
	finalizer *blocks.Finalizer
	index     *matcher.Index
	questions []rubric.Question
	threshold float64
	logger    *slog.Logger

	onResult    func(int64, int)
	onClosed    func(state.QuestionBlock)
	onEvaluated func(state.QuestionBlock)

	mu   sync.Mutex
	live map[int64]*Session

	uploads metric.Int64Counter
	ends    metric.Int64Counter
}

func New(deps Deps, logger *slog.Logger, opts ...Option) *Evaluator {
	e := &Evaluator{
		store:     deps.Store,
		engine:    deps.Engine,
		queue:     deps.Queue,
		locker:    queue.NewLocker(),
		clips:     deps.Clips,
		live:      make(map[int64]*Session),
		questions: rubric.DefaultQuestions(),
		threshold: defaultThreshold,
		logger:    logger.With(slog.String("component", "evaluator")),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.index = matcher.NewIndex(e.questions)

	var fopts []blocks.FinalizerOption
	if e.onClosed != nil {
		fopts = append(fopts, blocks.WithOnClosed(e.onClosed))
	}
	if e.onEvaluated != nil {
		fopts = append(fopts, blocks.WithOnEvaluated(e.onEvaluated))
	}
	e.finalizer = blocks.NewFinalizer(e.store, e.queue, e.engine, e.questions, logger, fopts...)

	meter := otel.Meter("github.com/loqalabs/loqa-interview/evaluator")
	var err error
	if e.uploads, err = meter.Int64Counter("interview.uploads", metric.WithDescription("Accepted audio submissions")); err != nil {
		e.logger.Warn("failed to create upload counter", slogError(err))
	}
	if e.ends, err = meter.Int64Counter("interview.ends", metric.WithDescription("Interview end requests by outcome")); err != nil {
		e.logger.Warn("failed to create end counter", slogError(err))
	}
	return e
}

// Questions returns the canonical question set.
func (e *Evaluator) Questions() []rubric.Question {
	return append([]rubric.Question(nil), e.questions...)
}

func (e *Evaluator) Store() *state.Store {
	return e.store
}

// StartInterview creates the candidate's state if needed and records the
// question analysis. It reports whether the state was created.
func (e *Evaluator) StartInterview(candidateID int64, questions []rubric.Question) (bool, error) {
	release := e.locker.Lock(candidateID)
	defer release()

	qs := questions
	if len(qs) == 0 {
		qs = e.questions
	}
	_, created := e.store.GetOrCreate(candidateID, qs)
	if !created && len(questions) > 0 {
		err := e.store.Update(candidateID, func(st *state.CandidateState) error {
			st.Questions = append([]rubric.Question(nil), questions...)
			return nil
		})
		if err != nil {
			return false, err
		}
	}
	if err := e.store.AppendLog(candidateID, "start_interview", state.ResultOK, map[string]any{
		"created":   created,
		"questions": len(qs),
	}); err != nil {
		return created, err
	}
	e.logger.Info("interview started", slog.Int64("candidate_id", candidateID), slog.Bool("created", created))
	return created, nil
}

// SubmitAudioSegment stores the upload, creates the candidate lazily and
// schedules ingestion. It returns the clip reference without waiting for
// ingestion to run.
func (e *Evaluator) SubmitAudioSegment(ctx context.Context, candidateID int64, up Upload) (string, error) {
	if len(up.Audio) == 0 && up.AudioRef == "" && up.Transcript == nil {
		return "", ErrNoAudio
	}

	release := e.locker.Lock(candidateID)
	defer release()

	ref := up.AudioRef
	if len(up.Audio) > 0 {
		var err error
		ref, err = e.clips.Put(ctx, candidateID, up.Audio)
		if err != nil {
			return "", fmt.Errorf("store upload: %w", err)
		}
	}
	if _, created := e.store.GetOrCreate(candidateID, e.questions); created {
		e.logger.Info("created candidate on first upload", slog.Int64("candidate_id", candidateID))
	}

	sub := pipeline.Submission{AudioRef: ref, Transcript: up.Transcript}
	e.queue.Enqueue(candidateID, func(ctx context.Context) error {
		return e.engine.RunIngestion(ctx, candidateID, sub)
	})
	if e.uploads != nil {
		e.uploads.Add(ctx, 1)
	}
	e.logger.Debug("upload scheduled", slog.Int64("candidate_id", candidateID), slog.String("audio_ref", ref))
	return ref, nil
}

// EndInterview stops any live session holding the candidate, schedules
// evaluation behind every earlier upload and block evaluation of the
// candidate and waits for it. counts may be nil when no nonverbal data was
// captured.
func (e *Evaluator) EndInterview(ctx context.Context, candidateID int64, counts *state.ExpressionCounts) (Status, error) {
	if !e.store.Exists(candidateID) {
		e.countEnd(ctx, OutcomeSkipped)
		return Status{CandidateID: candidateID, State: StatusPending}, state.ErrNotFound
	}

	if s := e.liveSession(candidateID); s != nil {
		e.logger.Info("stopping live session before evaluation", slog.Int64("candidate_id", candidateID), slog.String("session_id", s.ID()))
		if err := s.Stop(ctx); err != nil {
			if ctx.Err() != nil {
				return e.GetStatus(candidateID), err
			}
			e.logger.Warn("live session stopped with error", slog.String("session_id", s.ID()), slogError(err))
		}
	}

	done := make(chan error, 1)
	release := e.locker.Lock(candidateID)
	e.queue.Enqueue(candidateID, func(ctx context.Context) error {
		err := e.engine.RunEvaluation(ctx, candidateID, counts)
		done <- err
		return err
	})
	release()

	select {
	case err := <-done:
		if err != nil {
			e.countEnd(ctx, OutcomeFailed)
			return e.GetStatus(candidateID), err
		}
	case <-ctx.Done():
		return e.GetStatus(candidateID), ctx.Err()
	}
	if err := e.finalizer.WaitCandidate(ctx, candidateID); err != nil {
		return e.GetStatus(candidateID), err
	}

	status := e.GetStatus(candidateID)
	e.countEnd(ctx, OutcomeProcessed)
	if status.State == StatusDone {
		e.logger.Info("interview evaluated", slog.Int64("candidate_id", candidateID), slog.Int("score", *status.Score))
		if e.onResult != nil {
			e.onResult(candidateID, *status.Score)
		}
	}
	return status, nil
}

// EndInterviews ends several interviews concurrently. Unknown candidates are
// skipped; the returned outcomes are ordered by candidate id. The error is
// only set when ctx ends before every candidate finished.
func (e *Evaluator) EndInterviews(ctx context.Context, counts map[int64]*state.ExpressionCounts) ([]Outcome, error) {
	ids := make([]int64, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Outcome, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			if !e.store.Exists(id) {
				out[i] = Outcome{CandidateID: id, Outcome: OutcomeSkipped}
				return nil
			}
			if _, err := e.EndInterview(gctx, id, counts[id]); err != nil {
				out[i] = Outcome{CandidateID: id, Outcome: OutcomeFailed, Err: err}
				if gctx.Err() != nil {
					return gctx.Err()
				}
				return nil
			}
			out[i] = Outcome{CandidateID: id, Outcome: OutcomeProcessed}
			return nil
		})
	}
	err := g.Wait()
	return out, err
}

// GetStatus is PENDING for unknown or unfinished candidates, including
// finished ones with block evaluations still outstanding.
func (e *Evaluator) GetStatus(candidateID int64) Status {
	st, ok := e.store.Snapshot(candidateID)
	if !ok || !e.ready(st) {
		return Status{CandidateID: candidateID, State: StatusPending}
	}
	score := st.Summary.Score()
	return Status{CandidateID: candidateID, State: StatusDone, Score: &score}
}

// GetResult returns the full report of a finished candidate.
func (e *Evaluator) GetResult(candidateID int64) (Report, error) {
	st, ok := e.store.Snapshot(candidateID)
	if !ok {
		return Report{}, state.ErrNotFound
	}
	if !e.ready(st) {
		return Report{}, ErrNotReady
	}
	return buildReport(e.engine.Rubric(), st), nil
}

// Wait blocks until the candidate's queued work has finished.
func (e *Evaluator) Wait(ctx context.Context, candidateID int64) error {
	return e.queue.Wait(ctx, candidateID)
}

func (e *Evaluator) ready(st *state.CandidateState) bool {
	return st.Done && st.Summary != nil && e.finalizer.Pending(st.ID) == 0
}

// register makes the session's candidates reachable from EndInterview.
func (e *Evaluator) register(s *Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range s.candidates {
		e.live[id] = s
	}
}

func (e *Evaluator) unregister(s *Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range s.candidates {
		if e.live[id] == s {
			delete(e.live, id)
		}
	}
}

func (e *Evaluator) liveSession(candidateID int64) *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.live[candidateID]
}

func (e *Evaluator) countEnd(ctx context.Context, outcome string) {
	if e.ends != nil {
		e.ends.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
