package blocks

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-interview/internal/matcher"
	"github.com/loqalabs/loqa-interview/internal/state"
)

const (
	SpeakerInterviewer = "interviewer"
	SpeakerCandidate   = "candidate"
)

var ErrUnknownCandidate = errors.New("blocks: candidate is not part of this session")

// Closer receives blocks as they close.
type Closer interface {
	Close(block state.QuestionBlock) error
}

// Tracker owns the open block of every active candidate in one interview
// session. Interviewer turns that match a canonical question close all open
// blocks and open new ones; everything else is appended to the open block.
type Tracker struct {
	matcher *matcher.Matcher
	closer  Closer
	logger  *slog.Logger
	now     func() time.Time

	mu         sync.Mutex
	candidates []int64
	open       map[int64]*state.QuestionBlock

	dropped        atomic.Int64
	droppedCounter metric.Int64Counter
}

// NewTracker builds a tracker over the given active candidate ids. now
// stamps turns and block starts; nil means time.Now.
func NewTracker(m *matcher.Matcher, closer Closer, candidates []int64, now func() time.Time, logger *slog.Logger) *Tracker {
	ids := append([]int64(nil), candidates...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if now == nil {
		now = time.Now
	}
	t := &Tracker{
		matcher:    m,
		closer:     closer,
		logger:     logger.With(slog.String("component", "block-tracker")),
		now:        now,
		candidates: ids,
		open:       make(map[int64]*state.QuestionBlock, len(ids)),
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-interview/blocks").Int64Counter(
		"interview.blocks.dropped_turns",
		metric.WithDescription("Turns dropped because no block was open"),
	)
	if err != nil {
		t.logger.Warn("failed to create dropped-turn counter", slog.String("error", err.Error()))
	} else {
		t.droppedCounter = counter
	}
	return t
}

// HandleInterviewer routes an interviewer utterance. A match at or above the
// threshold closes every open block and opens one per candidate bound to
// the matched question; otherwise the utterance is a tail turn.
func (t *Tracker) HandleInterviewer(ctx context.Context, text string) (matcher.Match, error) {
	match := t.matcher.Match(text)

	t.mu.Lock()
	defer t.mu.Unlock()

	if !match.OK {
		turn := state.BlockTurn{Speaker: SpeakerInterviewer, Text: text, At: t.now()}
		for _, id := range t.candidates {
			t.appendLocked(ctx, id, turn)
		}
		return match, nil
	}

	var errs []error
	for _, id := range t.candidates {
		if err := t.closeLocked(id); err != nil {
			errs = append(errs, err)
		}
	}
	now := t.now()
	for _, id := range t.candidates {
		t.open[id] = &state.QuestionBlock{
			ID:          uuid.NewString(),
			CandidateID: id,
			QuestionID:  match.Question.ID,
			Turns:       []state.BlockTurn{{Speaker: SpeakerInterviewer, Text: text, At: now}},
			Open:        true,
			StartedAt:   now,
		}
	}
	t.logger.Debug("opened question blocks",
		slog.String("question_id", match.Question.ID),
		slog.Float64("similarity", match.Score),
		slog.Int("candidates", len(t.candidates)),
	)
	return match, errors.Join(errs...)
}

// HandleCandidate appends a candidate utterance to that candidate's open block.
func (t *Tracker) HandleCandidate(ctx context.Context, candidateID int64, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.activeLocked(candidateID) {
		return ErrUnknownCandidate
	}
	t.appendLocked(ctx, candidateID, state.BlockTurn{Speaker: SpeakerCandidate, Text: text, At: t.now()})
	return nil
}

// FinalizeAll closes every open block.
func (t *Tracker) FinalizeAll() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	for _, id := range t.candidates {
		if err := t.closeLocked(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open returns a copy of the candidate's open block.
func (t *Tracker) Open(candidateID int64) (state.QuestionBlock, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.open[candidateID]
	if !ok {
		return state.QuestionBlock{}, false
	}
	return b.Clone(), true
}

// Dropped counts turns that arrived while no block was open.
func (t *Tracker) Dropped() int64 {
	return t.dropped.Load()
}

func (t *Tracker) Candidates() []int64 {
	return append([]int64(nil), t.candidates...)
}

func (t *Tracker) appendLocked(ctx context.Context, id int64, turn state.BlockTurn) {
	b, ok := t.open[id]
	if !ok {
		t.dropped.Add(1)
		if t.droppedCounter != nil {
			t.droppedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("speaker", turn.Speaker)))
		}
		t.logger.Info("dropped turn before first question match",
			slog.Int64("candidate_id", id),
			slog.String("speaker", turn.Speaker),
		)
		return
	}
	b.Turns = append(b.Turns, turn)
}

func (t *Tracker) closeLocked(id int64) error {
	b, ok := t.open[id]
	if !ok {
		return nil
	}
	delete(t.open, id)
	return t.closer.Close(*b)
}

func (t *Tracker) activeLocked(id int64) bool {
	i := sort.Search(len(t.candidates), func(i int) bool { return t.candidates[i] >= id })
	return i < len(t.candidates) && t.candidates[i] == id
}
