package state

import (
	"math"
	"time"

	"github.com/loqalabs/loqa-interview/internal/rubric"
)

// Log results used across the pipeline.
const (
	ResultOK          = "ok"
	ResultRetry       = "retry"
	ResultForced      = "forced"
	ResultSkipped     = "skipped"
	ResultSoftFailure = "soft_failure"
	ResultError       = "error"
)

type CandidateState struct {
	ID         int64             `json:"id"`
	Questions  []rubric.Question `json:"questions"`
	AudioRef   string            `json:"audio_ref,omitempty"`
	Ingestion  *IngestionRecord  `json:"ingestion,omitempty"`
	Evaluation *EvaluationRecord `json:"evaluation,omitempty"`
	Nonverbal  *ExpressionCounts `json:"nonverbal_counts,omitempty"`
	Summary    *ScoreSummary     `json:"summary,omitempty"`
	Blocks     []QuestionBlock   `json:"blocks,omitempty"`
	Log        []LogEntry        `json:"log"`
	Done       bool              `json:"done"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

type TranscriptSegment struct {
	Text       string    `json:"text"`
	AudioRef   string    `json:"audio_ref,omitempty"`
	Recognized bool      `json:"recognized"`
	At         time.Time `json:"at"`
}

// NormalizationItem is one original/normalized pair moving through verify.
type NormalizationItem struct {
	Original   string   `json:"original"`
	Normalized string   `json:"normalized"`
	Accepted   bool     `json:"accepted"`
	Forced     bool     `json:"forced,omitempty"`
	Retries    int      `json:"retries"`
	Notes      []string `json:"notes,omitempty"`
	Drift      float64  `json:"drift"`
}

type IngestionRecord struct {
	Segments []TranscriptSegment `json:"segments"`
	Pending  *NormalizationItem  `json:"pending,omitempty"`
	Accepted []NormalizationItem `json:"accepted"`
}

// HasAccepted reports whether an identical normalized text was already accepted.
func (r *IngestionRecord) HasAccepted(normalized string) bool {
	for _, item := range r.Accepted {
		if item.Normalized == normalized {
			return true
		}
	}
	return false
}

type CriterionScore struct {
	Score     int      `json:"score"`
	Rationale string   `json:"reason"`
	Quotes    []string `json:"quotes"`
}

// RubricScores maps keyword → criterion → score.
type RubricScores map[string]map[string]CriterionScore

func (s RubricScores) Clone() RubricScores {
	if s == nil {
		return nil
	}
	out := make(RubricScores, len(s))
	for kw, criteria := range s {
		inner := make(map[string]CriterionScore, len(criteria))
		for name, c := range criteria {
			c.Quotes = cloneStrings(c.Quotes)
			inner[name] = c
		}
		out[kw] = inner
	}
	return out
}

// Total sums every criterion score.
func (s RubricScores) Total() int {
	total := 0
	for _, criteria := range s {
		for _, c := range criteria {
			total += c.Score
		}
	}
	return total
}

// KeywordTotal sums the criteria of one keyword.
func (s RubricScores) KeywordTotal(keyword string) int {
	total := 0
	for _, c := range s[keyword] {
		total += c.Score
	}
	return total
}

type NonverbalScore struct {
	Score     float64 `json:"score"`
	Rationale string  `json:"reason"`
}

// Points converts the [0,1] score to rubric points.
func (n NonverbalScore) Points(max int) int {
	return int(math.Round(n.Score * float64(max)))
}

type ExpressionCounts struct {
	Smile   int `json:"smile"`
	Neutral int `json:"neutral"`
	Frown   int `json:"frown"`
	Angry   int `json:"angry"`
}

func (c ExpressionCounts) Total() int {
	return c.Smile + c.Neutral + c.Frown + c.Angry
}

// Valid is false for negative or all-zero counts.
func (c ExpressionCounts) Valid() bool {
	if c.Smile < 0 || c.Neutral < 0 || c.Frown < 0 || c.Angry < 0 {
		return false
	}
	return c.Total() > 0
}

type Verdict struct {
	OK    bool     `json:"ok"`
	Notes []string `json:"notes"`
	Total int      `json:"total,omitempty"`
	Max   int      `json:"max,omitempty"`
}

type EvaluationRecord struct {
	Answer         string          `json:"answer,omitempty"`
	Results        RubricScores    `json:"results"`
	Nonverbal      *NonverbalScore `json:"nonverbal,omitempty"`
	Verdict        *Verdict        `json:"verdict,omitempty"`
	ContentVerdict *Verdict        `json:"content_verdict,omitempty"`
	Retries        int             `json:"retries"`
}

type BucketScore struct {
	Name   string  `json:"name"`
	Label  string  `json:"label,omitempty"`
	Raw    int     `json:"raw"`
	Max    int     `json:"max"`
	Weight float64 `json:"weight"`
	Points float64 `json:"points"`
}

type ScoreSummary struct {
	Buckets            []BucketScore  `json:"buckets"`
	Nonverbal          BucketScore    `json:"nonverbal"`
	VerbalPoints       float64        `json:"verbal_points"`
	KeywordTotals      map[string]int `json:"keyword_totals"`
	Total              float64        `json:"total"`
	Narrative          []string       `json:"narrative"`
	NonverbalRationale string         `json:"nonverbal_reason"`
}

// Score is the integer status score.
func (s ScoreSummary) Score() int {
	return int(math.Round(s.Total))
}

type BlockTurn struct {
	Speaker string    `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

type BlockEvaluation struct {
	Normalized    string         `json:"normalized"`
	Scores        RubricScores   `json:"scores"`
	KeywordTotals map[string]int `json:"keyword_totals"`
	Error         string         `json:"error,omitempty"`
}

// QuestionBlock groups the turns spoken under one canonical question.
type QuestionBlock struct {
	ID          string           `json:"id"`
	CandidateID int64            `json:"candidate_id"`
	QuestionID  string           `json:"question_id"`
	Turns       []BlockTurn      `json:"turns"`
	Open        bool             `json:"open"`
	StartedAt   time.Time        `json:"started_at"`
	EndedAt     time.Time        `json:"ended_at,omitempty"`
	MergedText  string           `json:"merged_text,omitempty"`
	Evaluation  *BlockEvaluation `json:"evaluation,omitempty"`
}

type LogEntry struct {
	Step    string         `json:"step"`
	Result  string         `json:"result"`
	Time    time.Time      `json:"time"`
	Details map[string]any `json:"details,omitempty"`
}

// Clone returns a deep copy. Log details maps are copied one level deep.
func (s *CandidateState) Clone() *CandidateState {
	if s == nil {
		return nil
	}
	out := *s
	out.Questions = cloneQuestions(s.Questions)
	if s.Ingestion != nil {
		ing := &IngestionRecord{
			Segments: append([]TranscriptSegment(nil), s.Ingestion.Segments...),
			Accepted: make([]NormalizationItem, 0, len(s.Ingestion.Accepted)),
		}
		for _, item := range s.Ingestion.Accepted {
			ing.Accepted = append(ing.Accepted, item.clone())
		}
		if s.Ingestion.Pending != nil {
			p := s.Ingestion.Pending.clone()
			ing.Pending = &p
		}
		out.Ingestion = ing
	}
	if s.Evaluation != nil {
		ev := *s.Evaluation
		ev.Results = s.Evaluation.Results.Clone()
		if s.Evaluation.Nonverbal != nil {
			nv := *s.Evaluation.Nonverbal
			ev.Nonverbal = &nv
		}
		ev.Verdict = s.Evaluation.Verdict.clone()
		ev.ContentVerdict = s.Evaluation.ContentVerdict.clone()
		out.Evaluation = &ev
	}
	if s.Nonverbal != nil {
		nv := *s.Nonverbal
		out.Nonverbal = &nv
	}
	if s.Summary != nil {
		sum := *s.Summary
		sum.Buckets = append([]BucketScore(nil), s.Summary.Buckets...)
		sum.Narrative = cloneStrings(s.Summary.Narrative)
		sum.KeywordTotals = cloneIntMap(s.Summary.KeywordTotals)
		out.Summary = &sum
	}
	if s.Blocks != nil {
		out.Blocks = make([]QuestionBlock, len(s.Blocks))
		for i, b := range s.Blocks {
			out.Blocks[i] = b.Clone()
		}
	}
	if s.Log != nil {
		out.Log = make([]LogEntry, len(s.Log))
		for i, e := range s.Log {
			e.Details = cloneDetails(e.Details)
			out.Log[i] = e
		}
	}
	return &out
}

func (b QuestionBlock) Clone() QuestionBlock {
	out := b
	out.Turns = append([]BlockTurn(nil), b.Turns...)
	if b.Evaluation != nil {
		ev := *b.Evaluation
		ev.Scores = b.Evaluation.Scores.Clone()
		ev.KeywordTotals = cloneIntMap(b.Evaluation.KeywordTotals)
		out.Evaluation = &ev
	}
	return out
}

func (n NormalizationItem) clone() NormalizationItem {
	n.Notes = cloneStrings(n.Notes)
	return n
}

// cloneStrings keeps nil and empty slices apart so JSON output is stable.
func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func (v *Verdict) clone() *Verdict {
	if v == nil {
		return nil
	}
	out := *v
	out.Notes = cloneStrings(v.Notes)
	return &out
}

func cloneQuestions(in []rubric.Question) []rubric.Question {
	if in == nil {
		return nil
	}
	out := make([]rubric.Question, len(in))
	for i, q := range in {
		q.Keywords = cloneStrings(q.Keywords)
		out[i] = q
	}
	return out
}

func cloneIntMap(in map[string]int) map[string]int {
	if in == nil {
		return nil
	}
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneDetails(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
