package evaluator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-interview/internal/audio"
	"github.com/loqalabs/loqa-interview/internal/blocks"
	"github.com/loqalabs/loqa-interview/internal/clips"
	"github.com/loqalabs/loqa-interview/internal/collab"
	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/pipeline"
	"github.com/loqalabs/loqa-interview/internal/queue"
	"github.com/loqalabs/loqa-interview/internal/rubric"
	"github.com/loqalabs/loqa-interview/internal/segmenter"
	"github.com/loqalabs/loqa-interview/internal/state"
)

const answer = "저는 가장 어려운 목표에 끝까지 도전했습니다. 동료와 협업하며 소통했고 기술 문제를 해결했습니다."

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedTranscriber returns its lines in call order, then repeats the last.
type scriptedTranscriber struct {
	mu    sync.Mutex
	lines []string
	calls int
}

func (s *scriptedTranscriber) Transcribe(context.Context, string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.lines) {
		i = len(s.lines) - 1
	}
	s.calls++
	return s.lines[i], nil
}

func newTestEvaluator(t *testing.T, tr pipeline.Transcriber, opts ...Option) *Evaluator {
	t.Helper()
	def := rubric.Default()
	store := state.NewStore(state.NewMemoryRepository())
	h := collab.NewHeuristic(def)
	popts := pipeline.OptionsFrom(config.Default().Pipeline)
	popts.RetryBackoff = time.Millisecond
	engine := pipeline.NewEngine(store, pipeline.Collaborators{
		Transcriber:     tr,
		Normalizer:      h,
		NormJudge:       h,
		RubricScorer:    h,
		RubricJudge:     h,
		NonverbalScorer: h,
		Narrator:        h,
	}, def, popts, discard())
	return New(Deps{
		Store:  store,
		Engine: engine,
		Queue:  queue.New(context.Background(), discard()),
		Clips:  clips.NewMemoryStore(),
	}, discard(), opts...)
}

func testWAV(t *testing.T) []byte {
	t.Helper()
	wav, err := audio.EncodeWAV(audio.Tone(1500, 16000), 16000, 1)
	require.NoError(t, err)
	return wav
}

func TestEndToEndSingleCandidate(t *testing.T) {
	ctx := context.Background()
	var results []int64
	ev := newTestEvaluator(t, &scriptedTranscriber{lines: []string{answer}}, WithResultHook(func(id int64, score int) {
		results = append(results, id)
	}))

	created, err := ev.StartInterview(7, nil)
	require.NoError(t, err)
	assert.True(t, created)
	st, err := ev.Store().Get(7)
	require.NoError(t, err)
	assert.Len(t, st.Questions, 5)

	ref, err := ev.SubmitAudioSegment(ctx, 7, Upload{Audio: testWAV(t)})
	require.NoError(t, err)
	assert.Contains(t, ref, "candidates/7/")

	assert.Equal(t, StatusPending, ev.GetStatus(7).State)
	_, err = ev.GetResult(7)
	assert.ErrorIs(t, err, ErrNotReady)

	status, err := ev.EndInterview(ctx, 7, &state.ExpressionCounts{Smile: 6, Neutral: 4})
	require.NoError(t, err)
	assert.Equal(t, StatusDone, status.State)
	require.NotNil(t, status.Score)
	assert.Equal(t, []int64{7}, results)

	report, err := ev.GetResult(7)
	require.NoError(t, err)
	assert.Equal(t, *status.Score, report.Score)
	assert.Len(t, report.KeywordScores, 8)
	assert.Len(t, report.Results, 8)
	assert.Equal(t, "nonverbal", report.Nonverbal.Key)
	assert.Equal(t, 15, report.Nonverbal.Max)
	assert.Positive(t, report.Nonverbal.Raw)
	assert.InDelta(t, 10.0, report.Weights["nonverbal"], 1e-9)
	assert.InDelta(t, 45.0, report.Weights["personality"], 1e-9)
	assert.NotEmpty(t, report.Narrative)
	assert.NotEmpty(t, report.Log)
	assert.Equal(t, StatusDone, ev.GetStatus(7).State)
}

func TestStatusPendingForUnknownCandidate(t *testing.T) {
	ev := newTestEvaluator(t, &scriptedTranscriber{lines: []string{answer}})
	status := ev.GetStatus(42)
	assert.Equal(t, StatusPending, status.State)
	assert.Nil(t, status.Score)

	_, err := ev.GetResult(42)
	assert.ErrorIs(t, err, state.ErrNotFound)

	_, err = ev.EndInterview(context.Background(), 42, nil)
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestSubmissionsRunInOrder(t *testing.T) {
	ctx := context.Background()
	ev := newTestEvaluator(t, &scriptedTranscriber{lines: []string{answer}})

	texts := []string{"첫 번째 답변", "두 번째 답변", "세 번째 답변", "네 번째 답변", "다섯 번째 답변"}
	for _, text := range texts {
		text := text
		_, err := ev.SubmitAudioSegment(ctx, 3, Upload{Transcript: &text})
		require.NoError(t, err)
	}
	require.NoError(t, ev.Wait(ctx, 3))

	st, err := ev.Store().Get(3)
	require.NoError(t, err)
	require.NotNil(t, st.Ingestion)
	require.Len(t, st.Ingestion.Accepted, len(texts))
	for i, item := range st.Ingestion.Accepted {
		assert.Equal(t, texts[i], item.Original)
	}
}

func TestSubmitRejectsEmptyUpload(t *testing.T) {
	ev := newTestEvaluator(t, &scriptedTranscriber{lines: []string{answer}})
	_, err := ev.SubmitAudioSegment(context.Background(), 1, Upload{})
	assert.ErrorIs(t, err, ErrNoAudio)
	assert.False(t, ev.Store().Exists(1))
}

func TestStartInterviewKeepsExplicitQuestions(t *testing.T) {
	ev := newTestEvaluator(t, &scriptedTranscriber{lines: []string{answer}})
	text := answer
	_, err := ev.SubmitAudioSegment(context.Background(), 5, Upload{Transcript: &text})
	require.NoError(t, err)

	custom := []rubric.Question{{ID: "c1", Text: "직무 경험을 말씀해 주세요."}}
	created, err := ev.StartInterview(5, custom)
	require.NoError(t, err)
	assert.False(t, created)

	st, err := ev.Store().Get(5)
	require.NoError(t, err)
	assert.Equal(t, custom, st.Questions)
}

func TestEndInterviewsSkipsUnknown(t *testing.T) {
	ctx := context.Background()
	ev := newTestEvaluator(t, &scriptedTranscriber{lines: []string{answer}})
	for _, id := range []int64{7, 8} {
		_, err := ev.SubmitAudioSegment(ctx, id, Upload{Audio: testWAV(t)})
		require.NoError(t, err)
	}

	outcomes, err := ev.EndInterviews(ctx, map[int64]*state.ExpressionCounts{
		7:  {Smile: 1},
		8:  nil,
		99: {Neutral: 2},
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	assert.Equal(t, Outcome{CandidateID: 7, Outcome: OutcomeProcessed}, outcomes[0])
	assert.Equal(t, Outcome{CandidateID: 8, Outcome: OutcomeProcessed}, outcomes[1])
	assert.Equal(t, Outcome{CandidateID: 99, Outcome: OutcomeSkipped}, outcomes[2])
	assert.Equal(t, StatusDone, ev.GetStatus(7).State)
	assert.Equal(t, StatusDone, ev.GetStatus(8).State)
}

func TestLiveSessionBuildsBlocks(t *testing.T) {
	ctx := context.Background()
	questions := rubric.DefaultQuestions()
	tr := &scriptedTranscriber{lines: []string{questions[1].Text, answer}}

	var mu sync.Mutex
	var turns []TurnRecord
	var closed []state.QuestionBlock
	ev := newTestEvaluator(t, tr, WithBlockHooks(func(b state.QuestionBlock) {
		mu.Lock()
		closed = append(closed, b)
		mu.Unlock()
	}, nil))

	loud := func() []byte { return audio.Tone(2000, 1600) }
	quiet := func() []byte { return make([]byte, 3200) }
	var frames [][]byte
	for _, f := range []func() []byte{loud, quiet, loud, quiet} {
		for i := 0; i < 5; i++ {
			frames = append(frames, f())
		}
	}

	var session *Session
	src := &segmenter.SliceSource{Frames: frames, Before: func(i int) {
		session.Mouth().Set(0, i >= 10 && i < 15)
	}}
	session, err := ev.NewSession("room-1", []int64{7}, src, segmenter.ConfigFrom(config.Default().Segmenter), WithTurnHook(func(rec TurnRecord) {
		mu.Lock()
		turns = append(turns, rec)
		mu.Unlock()
	}))
	require.NoError(t, err)

	session.Start(ctx)
	select {
	case <-session.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
	require.NoError(t, session.Stop(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, turns, 2)
	assert.Equal(t, segmenter.SpeakerInterviewer, turns[0].Speaker)
	assert.Equal(t, "candidate_0", turns[1].Speaker)
	assert.Equal(t, int64(7), turns[1].CandidateID)
	require.Len(t, closed, 1)
	assert.Equal(t, "q2", closed[0].QuestionID)
	assert.Zero(t, session.Dropped())

	st, err := ev.Store().Get(7)
	require.NoError(t, err)
	require.Len(t, st.Blocks, 1)
	block := st.Blocks[0]
	assert.False(t, block.Open)
	require.Len(t, block.Turns, 2)
	assert.Equal(t, answer, block.Turns[1].Text)
	require.NotNil(t, block.Evaluation)
	assert.Len(t, block.Evaluation.KeywordTotals, 8)
	require.NotNil(t, st.Ingestion)
	assert.Len(t, st.Ingestion.Accepted, 1)
}

func TestNewSessionValidatesCandidates(t *testing.T) {
	ev := newTestEvaluator(t, &scriptedTranscriber{lines: []string{answer}})
	cfg := segmenter.ConfigFrom(config.Default().Segmenter)
	_, err := ev.NewSession("s", nil, &segmenter.SliceSource{}, cfg)
	assert.Error(t, err)
	_, err = ev.NewSession("s", []int64{1, 1}, &segmenter.SliceSource{}, cfg)
	assert.Error(t, err)
}

// liveSource plays frames and then blocks like an open microphone until ctx ends.
type liveSource struct {
	frames [][]byte
	before func(int)
	next   int
}

func (s *liveSource) ReadFrame(ctx context.Context) ([]byte, error) {
	if s.next < len(s.frames) {
		if s.before != nil {
			s.before(s.next)
		}
		frame := s.frames[s.next]
		s.next++
		return frame, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

// questionThenAnswer is an interviewer turn followed by a slot 0 turn.
func questionThenAnswer() [][]byte {
	loud := func() []byte { return audio.Tone(2000, 1600) }
	quiet := func() []byte { return make([]byte, 3200) }
	var frames [][]byte
	for _, f := range []func() []byte{loud, quiet, loud, quiet} {
		for i := 0; i < 5; i++ {
			frames = append(frames, f())
		}
	}
	return frames
}

func mouthOpenForAnswer(session **Session) func(int) {
	return func(i int) {
		(*session).Mouth().Set(0, i >= 10 && i < 15)
	}
}

func TestEndInterviewStopsLiveSession(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	questions := rubric.DefaultQuestions()
	ev := newTestEvaluator(t, &scriptedTranscriber{lines: []string{questions[1].Text, answer}})

	var session *Session
	src := &liveSource{frames: questionThenAnswer(), before: mouthOpenForAnswer(&session)}
	routed := make(chan TurnRecord, 4)
	session, err := ev.NewSession("room-2", []int64{7}, src, segmenter.ConfigFrom(config.Default().Segmenter), WithTurnHook(func(rec TurnRecord) {
		routed <- rec
	}))
	require.NoError(t, err)
	session.Start(ctx)
	for i := 0; i < 2; i++ {
		select {
		case <-routed:
		case <-ctx.Done():
			t.Fatal("turns were not routed")
		}
	}
	require.Same(t, session, ev.liveSession(7))

	status, err := ev.EndInterview(ctx, 7, &state.ExpressionCounts{Smile: 3, Neutral: 1})
	require.NoError(t, err)
	assert.Equal(t, StatusDone, status.State)

	select {
	case <-session.Done():
	default:
		t.Fatal("session still capturing after interview end")
	}
	assert.Nil(t, ev.liveSession(7))
	assert.NoError(t, session.Stop(ctx))

	report, err := ev.GetResult(7)
	require.NoError(t, err)
	require.Len(t, report.Blocks, 1)
	assert.Equal(t, "q2", report.Blocks[0].QuestionID)
	require.NotNil(t, report.Blocks[0].Evaluation)
}

func TestBlockClosedAfterEndIsEvaluatedBeforeReport(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ev := newTestEvaluator(t, &scriptedTranscriber{lines: []string{answer}})
	text := answer
	_, err := ev.SubmitAudioSegment(ctx, 7, Upload{Transcript: &text})
	require.NoError(t, err)
	require.NoError(t, ev.Wait(ctx, 7))

	gate := func() (chan struct{}, chan struct{}) {
		started, release := make(chan struct{}), make(chan struct{})
		ev.queue.Enqueue(7, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
		return started, release
	}
	started, release := gate()
	<-started

	ended := make(chan Status, 1)
	go func() {
		status, err := ev.EndInterview(ctx, 7, &state.ExpressionCounts{Smile: 2, Neutral: 2})
		assert.NoError(t, err)
		ended <- status
	}()
	require.Eventually(t, func() bool { return ev.queue.Stats().Pending == 1 }, 5*time.Second, time.Millisecond)

	afterEval, releaseAfter := gate()
	require.NoError(t, ev.finalizer.Close(state.QuestionBlock{
		ID:          "late",
		CandidateID: 7,
		QuestionID:  "q2",
		Open:        true,
		Turns:       []state.BlockTurn{{Speaker: blocks.SpeakerCandidate, Text: answer}},
	}))
	close(release)
	<-afterEval

	st, err := ev.Store().Get(7)
	require.NoError(t, err)
	assert.True(t, st.Done)
	assert.Equal(t, StatusPending, ev.GetStatus(7).State)
	_, err = ev.GetResult(7)
	assert.ErrorIs(t, err, ErrNotReady)

	close(releaseAfter)
	var status Status
	select {
	case status = <-ended:
	case <-ctx.Done():
		t.Fatal("EndInterview did not return")
	}
	assert.Equal(t, StatusDone, status.State)
	report, err := ev.GetResult(7)
	require.NoError(t, err)
	require.Len(t, report.Blocks, 1)
	require.NotNil(t, report.Blocks[0].Evaluation)
}

func TestReportOmitsUnevaluatedBlocks(t *testing.T) {
	st := &state.CandidateState{
		ID:      3,
		Done:    true,
		Summary: &state.ScoreSummary{},
		Blocks: []state.QuestionBlock{
			{ID: "a", QuestionID: "q1", Evaluation: &state.BlockEvaluation{}},
			{ID: "b", QuestionID: "q2"},
		},
	}
	report := buildReport(rubric.Default(), st)
	require.Len(t, report.Blocks, 1)
	assert.Equal(t, "a", report.Blocks[0].ID)
}

func TestLiveSessionForwardsUnrecognizedAnswer(t *testing.T) {
	ctx := context.Background()
	questions := rubric.DefaultQuestions()
	ev := newTestEvaluator(t, &scriptedTranscriber{lines: []string{questions[1].Text, "  "}})

	var session *Session
	var mu sync.Mutex
	var turns []TurnRecord
	src := &segmenter.SliceSource{Frames: questionThenAnswer(), Before: mouthOpenForAnswer(&session)}
	session, err := ev.NewSession("room-3", []int64{7}, src, segmenter.ConfigFrom(config.Default().Segmenter), WithTurnHook(func(rec TurnRecord) {
		mu.Lock()
		turns = append(turns, rec)
		mu.Unlock()
	}))
	require.NoError(t, err)
	session.Start(ctx)
	select {
	case <-session.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
	require.NoError(t, session.Stop(ctx))

	mu.Lock()
	assert.Len(t, turns, 1, "only the interviewer turn is routed")
	mu.Unlock()

	st, err := ev.Store().Get(7)
	require.NoError(t, err)
	require.NotNil(t, st.Ingestion)
	require.Len(t, st.Ingestion.Segments, 1)
	assert.False(t, st.Ingestion.Segments[0].Recognized)
	assert.Equal(t, pipeline.UnrecognizedText, st.Ingestion.Segments[0].Text)
	require.Len(t, st.Blocks, 1)
	assert.Len(t, st.Blocks[0].Turns, 1)
}
