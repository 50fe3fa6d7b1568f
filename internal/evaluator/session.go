package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-interview/internal/audio"
	"github.com/loqalabs/loqa-interview/internal/blocks"
	"github.com/loqalabs/loqa-interview/internal/matcher"
	"github.com/loqalabs/loqa-interview/internal/pipeline"
	"github.com/loqalabs/loqa-interview/internal/segmenter"
)

// Interviewer clips are stored under this owner id.
const interviewerClipOwner int64 = 0

// TurnRecord describes one transcribed turn of a live session.
type TurnRecord struct {
	SessionID   string
	Speaker     string
	Slot        int
	CandidateID int64
	Text        string
	AudioRef    string
	Start       time.Duration
	End         time.Duration
}

type SessionOption func(*Session)

// WithTurnHook registers fn to run after every routed turn.
func WithTurnHook(fn func(TurnRecord)) SessionOption {
	return func(s *Session) {
		s.onTurn = fn
	}
}

// Session runs one live interview: segmented turns are stored, transcribed
// and routed to the question block tracker. Candidate slots map to
// candidate ids in the order given to NewSession.
type Session struct {
	id         string
	ev         *Evaluator
	seg        *segmenter.Segmenter
	tracker    *blocks.Tracker
	candidates []int64
	logger     *slog.Logger
	onTurn     func(TurnRecord)
	turns      metric.Int64Counter

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error

	stopMu  sync.Mutex
	stopped bool
	stopErr error
}

// NewSession prepares a session reading frames from src. cfg.Slots is set to
// the number of candidates.
func (e *Evaluator) NewSession(id string, candidates []int64, src segmenter.FrameSource, cfg segmenter.Config, opts ...SessionOption) (*Session, error) {
	if len(candidates) == 0 {
		return nil, errors.New("evaluator: session needs at least one candidate")
	}
	seen := make(map[int64]bool, len(candidates))
	for _, cid := range candidates {
		if seen[cid] {
			return nil, fmt.Errorf("evaluator: candidate %d listed twice", cid)
		}
		seen[cid] = true
		if _, created := e.store.GetOrCreate(cid, e.questions); created {
			e.logger.Info("created candidate for live session", slog.Int64("candidate_id", cid), slog.String("session_id", id))
		}
	}

	logger := e.logger.With(slog.String("session_id", id))
	cfg.Slots = len(candidates)
	s := &Session{
		id:         id,
		ev:         e,
		seg:        segmenter.New(cfg, src, segmenter.NewMouthState(len(candidates)), logger),
		tracker:    blocks.NewTracker(matcher.New(e.index, e.threshold), e.finalizer, candidates, e.store.Now, logger),
		candidates: append([]int64(nil), candidates...),
		logger:     logger,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-interview/evaluator").Int64Counter(
		"interview.turns",
		metric.WithDescription("Live session turns by speaker kind"),
	)
	if err != nil {
		logger.Warn("failed to create turn counter", slogError(err))
	} else {
		s.turns = counter
	}
	return s, nil
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Candidates() []int64 {
	return append([]int64(nil), s.candidates...)
}

// Mouth is where the video side reports per-slot mouth state.
func (s *Session) Mouth() *segmenter.MouthState {
	return s.seg.Mouth()
}

// Dropped counts turns that arrived before the first question match.
func (s *Session) Dropped() int64 {
	return s.tracker.Dropped()
}

// Start begins reading frames. Turn handling runs under a context that
// outlives ctx's cancellation so turns already captured are still processed.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	work := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := s.seg.Run(runCtx); err != nil {
			s.logger.Warn("segmenter stopped", slogError(err))
			s.mu.Lock()
			s.runErr = err
			s.mu.Unlock()
		}
	}()
	go func() {
		defer wg.Done()
		for turn := range s.seg.Turns() {
			s.handle(work, turn)
		}
	}()
	go func() {
		wg.Wait()
		close(s.done)
	}()
	s.ev.register(s)
	s.logger.Info("live session started", slog.Int("candidates", len(s.candidates)))
}

// Done is closed once the frame source is exhausted and every turn handled.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Stop ends intake, waits for captured turns, closes every open block and
// waits for the resulting block evaluations. Once it has completed, later
// calls return the same result.
func (s *Session) Stop(ctx context.Context) error {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	if s.stopped {
		return s.stopErr
	}

	s.mu.Lock()
	started, cancel := s.started, s.cancel
	s.mu.Unlock()

	if started {
		cancel()
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	errs := []error{s.tracker.FinalizeAll()}
	for _, id := range s.candidates {
		if err := s.ev.finalizer.WaitCandidate(ctx, id); err != nil {
			errs = append(errs, err)
			break
		}
	}
	s.mu.Lock()
	errs = append(errs, s.runErr)
	s.mu.Unlock()

	s.stopped = true
	s.stopErr = errors.Join(errs...)
	s.ev.unregister(s)
	s.logger.Info("live session stopped",
		slog.Int64("dropped_turns", s.tracker.Dropped()),
		slog.Int64("overflow_turns", s.seg.Dropped()),
		slog.Int64("malformed_frames", s.seg.Malformed()),
	)
	return s.stopErr
}

func (s *Session) handle(ctx context.Context, turn segmenter.Turn) {
	var candidateID int64 = interviewerClipOwner
	if turn.Slot >= 0 {
		if turn.Slot >= len(s.candidates) {
			s.logger.Warn("turn for unknown slot", slog.Int("slot", turn.Slot))
			return
		}
		candidateID = s.candidates[turn.Slot]
	}

	wav, err := audio.EncodeWAV(turn.PCM, turn.SampleRate, 1)
	if err != nil {
		s.logger.Warn("failed to encode turn", slog.String("speaker", turn.Speaker), slogError(err))
		return
	}
	ref, err := s.ev.clips.Put(ctx, candidateID, wav)
	if err != nil {
		s.logger.Warn("failed to store turn clip", slog.String("speaker", turn.Speaker), slogError(err))
		return
	}
	text, err := s.ev.engine.Transcribe(ctx, candidateID, ref)
	if err != nil {
		s.logger.Warn("failed to transcribe turn", slog.String("audio_ref", ref), slogError(err))
		return
	}
	text = strings.TrimSpace(text)
	if text == "" || strings.Contains(text, pipeline.DamagedAudioMarker) {
		if turn.Slot < 0 {
			s.logger.Debug("skipping unrecognized interviewer turn", slog.String("audio_ref", ref))
			return
		}
		// Phase A records the unrecognized segment; the block tracker never sees it.
		s.logger.Info("unrecognized candidate turn", slog.Int64("candidate_id", candidateID), slog.String("audio_ref", ref))
		if _, err := s.ev.SubmitAudioSegment(ctx, candidateID, Upload{AudioRef: ref, Transcript: &text}); err != nil {
			s.logger.Warn("failed to schedule turn ingestion", slog.Int64("candidate_id", candidateID), slogError(err))
		}
		if s.turns != nil {
			s.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("speaker", "unrecognized")))
		}
		return
	}

	kind := blocks.SpeakerInterviewer
	if turn.Slot < 0 {
		match, err := s.tracker.HandleInterviewer(ctx, text)
		if err != nil {
			s.logger.Warn("failed to close question blocks", slogError(err))
		}
		if match.OK {
			s.logger.Info("question matched", slog.String("question_id", match.Question.ID), slog.Float64("similarity", match.Score))
		}
	} else {
		kind = blocks.SpeakerCandidate
		if err := s.tracker.HandleCandidate(ctx, candidateID, text); err != nil {
			s.logger.Warn("failed to route candidate turn", slog.Int64("candidate_id", candidateID), slogError(err))
		}
		if _, err := s.ev.SubmitAudioSegment(ctx, candidateID, Upload{AudioRef: ref, Transcript: &text}); err != nil {
			s.logger.Warn("failed to schedule turn ingestion", slog.Int64("candidate_id", candidateID), slogError(err))
		}
	}
	if s.turns != nil {
		s.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("speaker", kind)))
	}

	if s.onTurn != nil {
		rec := TurnRecord{
			SessionID: s.id,
			Speaker:   turn.Speaker,
			Slot:      turn.Slot,
			Text:      text,
			AudioRef:  ref,
			Start:     turn.Start,
			End:       turn.End,
		}
		if turn.Slot >= 0 {
			rec.CandidateID = candidateID
		}
		s.onTurn(rec)
	}
}
