package blocks

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-interview/internal/matcher"
	"github.com/loqalabs/loqa-interview/internal/queue"
	"github.com/loqalabs/loqa-interview/internal/rubric"
	"github.com/loqalabs/loqa-interview/internal/state"
)

type scripted struct {
	questions []rubric.Question
	scores    map[string]struct {
		idx   int
		score float64
	}
}

func (s scripted) Best(text string) (int, float64) {
	r, ok := s.scores[text]
	if !ok {
		return -1, 0
	}
	return r.idx, r.score
}

func (s scripted) Question(i int) rubric.Question {
	return s.questions[i]
}

type recordingCloser struct {
	mu     sync.Mutex
	closed []state.QuestionBlock
}

func (r *recordingCloser) Close(b state.QuestionBlock) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, b)
	return nil
}

type fakeEvaluator func(ctx context.Context, candidateID int64, block state.QuestionBlock, q rubric.Question) (state.BlockEvaluation, error)

func (f fakeEvaluator) EvaluateBlock(ctx context.Context, candidateID int64, block state.QuestionBlock, q rubric.Question) (state.BlockEvaluation, error) {
	return f(ctx, candidateID, block, q)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newScriptedTracker(closer Closer, candidates ...int64) *Tracker {
	qs := rubric.DefaultQuestions()
	s := scripted{questions: qs, scores: map[string]struct {
		idx   int
		score float64
	}{
		"first question":  {idx: 0, score: 0.95},
		"second question": {idx: 1, score: 0.9},
		"follow up":       {idx: 1, score: 0.4},
	}}
	return NewTracker(matcher.New(s, 0.8), closer, candidates, nil, discard())
}

func TestTrackerMatchOpensAndClosesBlocks(t *testing.T) {
	closer := &recordingCloser{}
	tr := newScriptedTracker(closer, 8, 7)
	ctx := context.Background()

	m, err := tr.HandleInterviewer(ctx, "first question")
	require.NoError(t, err)
	require.True(t, m.OK)
	require.NoError(t, tr.HandleCandidate(ctx, 7, "answer one"))

	m, err = tr.HandleInterviewer(ctx, "second question")
	require.NoError(t, err)
	assert.Equal(t, "q2", m.Question.ID)

	require.Len(t, closer.closed, 2)
	assert.Equal(t, int64(7), closer.closed[0].CandidateID)
	assert.Equal(t, "q1", closer.closed[0].QuestionID)
	assert.Len(t, closer.closed[0].Turns, 2)
	assert.Equal(t, int64(8), closer.closed[1].CandidateID)

	open, ok := tr.Open(7)
	require.True(t, ok)
	assert.Equal(t, "q2", open.QuestionID)
	assert.True(t, open.Open)
	assert.Equal(t, []state.BlockTurn{{Speaker: SpeakerInterviewer, Text: "second question", At: open.Turns[0].At}}, open.Turns)
}

func TestTrackerLowSimilarityAppendsTail(t *testing.T) {
	closer := &recordingCloser{}
	tr := newScriptedTracker(closer, 7)
	ctx := context.Background()

	_, err := tr.HandleInterviewer(ctx, "second question")
	require.NoError(t, err)
	m, err := tr.HandleInterviewer(ctx, "follow up")
	require.NoError(t, err)
	assert.False(t, m.OK)

	assert.Empty(t, closer.closed)
	open, ok := tr.Open(7)
	require.True(t, ok)
	assert.Equal(t, "q2", open.QuestionID)
	require.Len(t, open.Turns, 2)
	assert.Equal(t, "follow up", open.Turns[1].Text)
}

func TestTrackerDropsTurnsBeforeFirstMatch(t *testing.T) {
	closer := &recordingCloser{}
	tr := newScriptedTracker(closer, 7, 8)
	ctx := context.Background()

	_, err := tr.HandleInterviewer(ctx, "small talk")
	require.NoError(t, err)
	require.NoError(t, tr.HandleCandidate(ctx, 7, "hello"))

	assert.Equal(t, int64(3), tr.Dropped())
	_, ok := tr.Open(7)
	assert.False(t, ok)
	assert.ErrorIs(t, tr.HandleCandidate(ctx, 99, "who"), ErrUnknownCandidate)
}

func TestTrackerFinalizeAll(t *testing.T) {
	closer := &recordingCloser{}
	tr := newScriptedTracker(closer, 7, 8)
	_, err := tr.HandleInterviewer(context.Background(), "first question")
	require.NoError(t, err)

	require.NoError(t, tr.FinalizeAll())
	assert.Len(t, closer.closed, 2)
	require.NoError(t, tr.FinalizeAll())
	assert.Len(t, closer.closed, 2)
}

func TestFinalizerPersistsAndEvaluates(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := state.NewStore(state.NewMemoryRepository())
	_, err := store.Create(7, rubric.DefaultQuestions())
	require.NoError(t, err)
	q := queue.New(ctx, discard())

	var closedHook, evaluatedHook []string
	var mu sync.Mutex
	eval := fakeEvaluator(func(_ context.Context, id int64, b state.QuestionBlock, question rubric.Question) (state.BlockEvaluation, error) {
		assert.Equal(t, "q3", question.ID)
		assert.Equal(t, "interviewer: 갈등 질문\ncandidate: 대화로 풀었습니다", b.MergedText)
		return state.BlockEvaluation{Normalized: b.MergedText, KeywordTotals: map[string]int{"People": 12}}, nil
	})
	f := NewFinalizer(store, q, eval, rubric.DefaultQuestions(), discard(),
		WithOnClosed(func(b state.QuestionBlock) {
			mu.Lock()
			closedHook = append(closedHook, b.ID)
			mu.Unlock()
		}),
		WithOnEvaluated(func(b state.QuestionBlock) {
			mu.Lock()
			evaluatedHook = append(evaluatedHook, b.ID)
			mu.Unlock()
		}),
	)

	block := state.QuestionBlock{
		ID:          "blk-1",
		CandidateID: 7,
		QuestionID:  "q3",
		Open:        true,
		Turns: []state.BlockTurn{
			{Speaker: SpeakerInterviewer, Text: "갈등 질문"},
			{Speaker: SpeakerCandidate, Text: "대화로 풀었습니다"},
		},
	}
	require.NoError(t, f.Close(block))
	require.NoError(t, f.Wait(ctx))

	st, err := store.Get(7)
	require.NoError(t, err)
	require.Len(t, st.Blocks, 1)
	got := st.Blocks[0]
	assert.False(t, got.Open)
	assert.False(t, got.EndedAt.IsZero())
	require.NotNil(t, got.Evaluation)
	assert.Equal(t, 12, got.Evaluation.KeywordTotals["People"])

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"blk-1"}, closedHook)
	assert.Equal(t, []string{"blk-1"}, evaluatedHook)
}

func TestFinalizerUnknownCandidate(t *testing.T) {
	store := state.NewStore(state.NewMemoryRepository())
	q := queue.New(context.Background(), discard())
	f := NewFinalizer(store, q, fakeEvaluator(func(context.Context, int64, state.QuestionBlock, rubric.Question) (state.BlockEvaluation, error) {
		return state.BlockEvaluation{}, errors.New("unreachable")
	}), nil, discard())

	err := f.Close(state.QuestionBlock{ID: "x", CandidateID: 42, QuestionID: "q1"})
	assert.ErrorIs(t, err, state.ErrNotFound)
	require.NoError(t, f.Wait(context.Background()))
	assert.Zero(t, f.Pending(42))
}

func TestFinalizerPendingUntilEvaluated(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := state.NewStore(state.NewMemoryRepository())
	_, err := store.Create(7, rubric.DefaultQuestions())
	require.NoError(t, err)
	release := make(chan struct{})
	f := NewFinalizer(store, queue.New(ctx, discard()), fakeEvaluator(func(_ context.Context, _ int64, b state.QuestionBlock, _ rubric.Question) (state.BlockEvaluation, error) {
		<-release
		if b.ID == "bad" {
			return state.BlockEvaluation{}, errors.New("scorer down")
		}
		return state.BlockEvaluation{}, nil
	}), nil, discard())

	require.NoError(t, f.Close(state.QuestionBlock{ID: "ok", CandidateID: 7, QuestionID: "q1"}))
	require.NoError(t, f.Close(state.QuestionBlock{ID: "bad", CandidateID: 7, QuestionID: "q2"}))
	assert.Equal(t, 2, f.Pending(7))

	close(release)
	require.NoError(t, f.WaitCandidate(ctx, 7))
	assert.Zero(t, f.Pending(7))
}

func TestTrackerWithFinalizerAndIndex(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	qs := rubric.DefaultQuestions()
	store := state.NewStore(state.NewMemoryRepository())
	_, err := store.Create(7, qs)
	require.NoError(t, err)
	q := queue.New(ctx, discard())
	var evaluated []string
	var mu sync.Mutex
	f := NewFinalizer(store, q, fakeEvaluator(func(_ context.Context, _ int64, b state.QuestionBlock, question rubric.Question) (state.BlockEvaluation, error) {
		mu.Lock()
		evaluated = append(evaluated, question.ID)
		mu.Unlock()
		return state.BlockEvaluation{}, nil
	}), qs, discard())

	tr := NewTracker(matcher.New(matcher.NewIndex(qs), 0.8), f, []int64{7}, nil, discard())
	_, err = tr.HandleInterviewer(ctx, qs[0].Text)
	require.NoError(t, err)
	require.NoError(t, tr.HandleCandidate(ctx, 7, "저는 백엔드 개발자입니다"))
	_, err = tr.HandleInterviewer(ctx, qs[3].Text)
	require.NoError(t, err)
	require.NoError(t, tr.FinalizeAll())
	require.NoError(t, f.WaitCandidate(ctx, 7))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"q1", "q4"}, evaluated)
}
