package state

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-interview/internal/rubric"
)

type recordingSink struct {
	mu      sync.Mutex
	entries []LogEntry
}

func (r *recordingSink) RecordLog(_ int64, entry LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func fixedClock() func() time.Time {
	base := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time { return base }
}

func TestStoreCreateAndGet(t *testing.T) {
	store := NewStore(NewMemoryRepository(), WithClock(fixedClock()))

	_, err := store.Get(7)
	assert.ErrorIs(t, err, ErrNotFound)

	st, err := store.Create(7, rubric.DefaultQuestions())
	require.NoError(t, err)
	assert.Equal(t, int64(7), st.ID)
	assert.Len(t, st.Questions, 5)
	assert.Nil(t, st.Ingestion)
	assert.Nil(t, st.Evaluation)

	_, err = store.Create(7, nil)
	assert.ErrorIs(t, err, ErrExists)
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	store := NewStore(NewMemoryRepository())

	_, created := store.GetOrCreate(1, nil)
	assert.True(t, created)

	st, created := store.GetOrCreate(1, rubric.DefaultQuestions())
	assert.False(t, created)
	assert.Len(t, st.Questions, 5, "questions fill a lazily created record")

	st, _ = store.GetOrCreate(1, rubric.DefaultQuestions()[:1])
	assert.Len(t, st.Questions, 5, "existing questions are kept")
}

func TestUpdateIsCopyOnWrite(t *testing.T) {
	store := NewStore(NewMemoryRepository())
	_, err := store.Create(3, nil)
	require.NoError(t, err)

	before, err := store.Get(3)
	require.NoError(t, err)

	err = store.Update(3, func(st *CandidateState) error {
		st.Ingestion = &IngestionRecord{Segments: []TranscriptSegment{{Text: "hello"}}}
		return nil
	})
	require.NoError(t, err)
	assert.Nil(t, before.Ingestion, "previously read snapshot is untouched")

	after, err := store.Get(3)
	require.NoError(t, err)
	require.NotNil(t, after.Ingestion)
	after.Ingestion.Segments[0].Text = "mutated"

	again, err := store.Get(3)
	require.NoError(t, err)
	assert.Equal(t, "hello", again.Ingestion.Segments[0].Text)
}

func TestUpdateErrorDiscardsChanges(t *testing.T) {
	store := NewStore(NewMemoryRepository())
	_, err := store.Create(4, nil)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = store.Update(4, func(st *CandidateState) error {
		st.Done = true
		return boom
	})
	assert.ErrorIs(t, err, boom)

	st, err := store.Get(4)
	require.NoError(t, err)
	assert.False(t, st.Done)

	assert.ErrorIs(t, store.Update(99, func(*CandidateState) error { return nil }), ErrNotFound)
}

func TestLogEntriesReachSink(t *testing.T) {
	sink := &recordingSink{}
	store := NewStore(NewMemoryRepository(), WithLogSink(sink), WithClock(fixedClock()))
	_, err := store.Create(5, nil)
	require.NoError(t, err)

	require.NoError(t, store.AppendLog(5, "transcribe", ResultOK, map[string]any{"chars": 10}))
	require.NoError(t, store.Update(5, func(st *CandidateState) error {
		st.Log = append(st.Log,
			LogEntry{Step: "normalize", Result: ResultOK},
			LogEntry{Step: "verify", Result: ResultRetry},
		)
		return nil
	}))

	st, err := store.Get(5)
	require.NoError(t, err)
	require.Len(t, st.Log, 3)
	assert.Equal(t, fixedClock()(), st.Log[0].Time)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.entries, 3)
	assert.Equal(t, "verify", sink.entries[2].Step)
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	store := NewStore(NewMemoryRepository())
	_, err := store.Create(6, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.AppendLog(6, "step", ResultOK, nil)
		}()
	}
	wg.Wait()

	st, err := store.Get(6)
	require.NoError(t, err)
	assert.Len(t, st.Log, 50)
}

func TestExpressionCountsValid(t *testing.T) {
	assert.False(t, ExpressionCounts{}.Valid())
	assert.False(t, ExpressionCounts{Smile: -1, Neutral: 4}.Valid())
	assert.True(t, ExpressionCounts{Neutral: 4}.Valid())
}

func TestUpdateKeepsEmptyQuotes(t *testing.T) {
	store := NewStore(NewMemoryRepository())
	_, err := store.Create(4, nil)
	require.NoError(t, err)

	err = store.Update(4, func(st *CandidateState) error {
		st.Evaluation = &EvaluationRecord{Results: RubricScores{
			"SUPEX": {"c1": {Score: 1, Rationale: "평가 사유없음", Quotes: []string{}}},
		}}
		return nil
	})
	require.NoError(t, err)

	st, err := store.Get(4)
	require.NoError(t, err)
	quotes := st.Evaluation.Results["SUPEX"]["c1"].Quotes
	require.NotNil(t, quotes)
	assert.Empty(t, quotes)

	data, err := json.Marshal(st.Evaluation.Results)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"quotes":[]`)
}
