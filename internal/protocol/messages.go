// Package protocol defines the bus subjects and JSON payloads of the
// interview service.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/loqalabs/loqa-interview/internal/rubric"
	"github.com/loqalabs/loqa-interview/internal/state"
)

const (
	SubjectStart      = "interview.start"
	SubjectSubmit     = "interview.submit"
	SubjectEnd        = "interview.end"
	SubjectEndBatch   = "interview.end.batch"
	SubjectStatus     = "interview.status"
	SubjectResult     = "interview.result"
	SubjectSessionOn  = "interview.session.start"
	SubjectSessionOff = "interview.session.stop"

	SubjectTurn           = "interview.turn"
	SubjectBlockClosed    = "interview.block.closed"
	SubjectBlockEvaluated = "interview.block.evaluated"
	SubjectResultReady    = "interview.result.ready"

	SubjectAudioFramePrefix = "audio.frame"
	SubjectMouthPrefix      = "video.mouth"
)

// AudioFrame represents PCM audio data streamed from a capture device.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// MouthSignal reports a candidate slot's mouth state from the video side.
type MouthSignal struct {
	SessionID string    `json:"session_id"`
	Slot      int       `json:"slot"`
	Open      bool      `json:"open"`
	Timestamp time.Time `json:"timestamp"`
}

type StartRequest struct {
	CandidateID int64             `json:"candidate_id"`
	Questions   []rubric.Question `json:"questions,omitempty"`
}

type StartResponse struct {
	CandidateID int64  `json:"candidate_id"`
	Created     bool   `json:"created"`
	Error       string `json:"error,omitempty"`
}

// SubmitRequest carries one audio upload. Audio is a WAV document; AudioRef
// points at a clip already in the clip store; Transcript bypasses STT.
type SubmitRequest struct {
	CandidateID int64   `json:"candidate_id"`
	Audio       []byte  `json:"audio,omitempty"`
	AudioRef    string  `json:"audio_ref,omitempty"`
	Transcript  *string `json:"transcript,omitempty"`
}

type SubmitResponse struct {
	CandidateID int64  `json:"candidate_id"`
	AudioRef    string `json:"audio_ref,omitempty"`
	Accepted    bool   `json:"accepted"`
	Error       string `json:"error,omitempty"`
}

// NonverbalCounts wraps the expression tallies the way capture clients send
// them. A missing expression object is a malformed payload.
type NonverbalCounts struct {
	Expression *state.ExpressionCounts `json:"expression"`
}

type EndRequest struct {
	CandidateID     int64           `json:"candidate_id"`
	NonverbalCounts NonverbalCounts `json:"nonverbal_counts"`
}

type EndResponse struct {
	CandidateID int64  `json:"candidate_id"`
	Status      string `json:"status"`
	Score       *int   `json:"score,omitempty"`
	Error       string `json:"error,omitempty"`
}

type EndBatchRequest struct {
	Candidates []EndRequest `json:"candidates"`
}

type EndOutcome struct {
	CandidateID int64  `json:"candidate_id"`
	Outcome     string `json:"outcome"`
	Error       string `json:"error,omitempty"`
}

type EndBatchResponse struct {
	Results []EndOutcome `json:"results"`
	Error   string       `json:"error,omitempty"`
}

type StatusRequest struct {
	CandidateID int64 `json:"candidate_id"`
}

type StatusResponse struct {
	CandidateID int64  `json:"candidate_id"`
	Status      string `json:"status"`
	Score       *int   `json:"score,omitempty"`
	Error       string `json:"error,omitempty"`
}

type ResultRequest struct {
	CandidateID int64 `json:"candidate_id"`
}

type ResultResponse struct {
	CandidateID int64           `json:"candidate_id"`
	Report      json.RawMessage `json:"report,omitempty"`
	Error       string          `json:"error,omitempty"`
	Code        string          `json:"code,omitempty"`
}

// SessionStartRequest opens a live session: audio frames and mouth signals
// for SessionID are routed to the listed candidates by slot order.
type SessionStartRequest struct {
	SessionID    string  `json:"session_id"`
	CandidateIDs []int64 `json:"candidate_ids"`
	SampleRate   int     `json:"sample_rate,omitempty"`
}

type SessionStopRequest struct {
	SessionID string `json:"session_id"`
}

type SessionResponse struct {
	SessionID string `json:"session_id"`
	Active    bool   `json:"active"`
	Dropped   int64  `json:"dropped_turns,omitempty"`
	Error     string `json:"error,omitempty"`
}

// TurnEvent is published for every speaker turn a live session transcribes.
type TurnEvent struct {
	SessionID   string    `json:"session_id"`
	Speaker     string    `json:"speaker"`
	Slot        int       `json:"slot"`
	CandidateID int64     `json:"candidate_id,omitempty"`
	Text        string    `json:"text"`
	AudioRef    string    `json:"audio_ref,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

type BlockEvent struct {
	CandidateID   int64          `json:"candidate_id"`
	BlockID       string         `json:"block_id"`
	QuestionID    string         `json:"question_id"`
	Turns         int            `json:"turns"`
	StartedAt     time.Time      `json:"started_at"`
	EndedAt       time.Time      `json:"ended_at"`
	KeywordTotals map[string]int `json:"keyword_totals,omitempty"`
}

type ResultReady struct {
	CandidateID int64 `json:"candidate_id"`
	Score       int   `json:"score"`
}

// Error codes carried in ResultResponse.Code.
const (
	CodeNotFound = "not_found"
	CodeNotReady = "not_ready"
	CodeInternal = "internal"
)
