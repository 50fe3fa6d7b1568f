package transport

import (
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-interview/internal/bus"
	"github.com/loqalabs/loqa-interview/internal/evaluator"
	"github.com/loqalabs/loqa-interview/internal/protocol"
	"github.com/loqalabs/loqa-interview/internal/state"
)

// EventStream retains published interview events in JetStream.
const EventStream = "INTERVIEW_EVENTS"

// Publisher emits turn, block and result events. A nil bus makes every
// method a no-op.
type Publisher struct {
	bus    *bus.Client
	logger *slog.Logger
	epoch  time.Time
}

func NewPublisher(busClient *bus.Client, logger *slog.Logger) *Publisher {
	return &Publisher{
		bus:    busClient,
		logger: logger.With(slog.String("component", "event-publisher")),
		epoch:  time.Now().UTC(),
	}
}

// EnsureStream creates the JetStream stream backing the event subjects.
func (p *Publisher) EnsureStream() error {
	if p.bus == nil {
		return nil
	}
	return p.bus.EnsureStream(EventStream,
		protocol.SubjectTurn,
		protocol.SubjectBlockClosed,
		protocol.SubjectBlockEvaluated,
		protocol.SubjectResultReady,
	)
}

func (p *Publisher) Turn(rec evaluator.TurnRecord) {
	p.publish(protocol.SubjectTurn, protocol.TurnEvent{
		SessionID:   rec.SessionID,
		Speaker:     rec.Speaker,
		Slot:        rec.Slot,
		CandidateID: rec.CandidateID,
		Text:        rec.Text,
		AudioRef:    rec.AudioRef,
		Start:       p.epoch.Add(rec.Start),
		End:         p.epoch.Add(rec.End),
	})
}

func (p *Publisher) BlockClosed(b state.QuestionBlock) {
	p.publish(protocol.SubjectBlockClosed, blockEvent(b))
}

func (p *Publisher) BlockEvaluated(b state.QuestionBlock) {
	p.publish(protocol.SubjectBlockEvaluated, blockEvent(b))
}

func (p *Publisher) ResultReady(candidateID int64, score int) {
	p.publish(protocol.SubjectResultReady, protocol.ResultReady{CandidateID: candidateID, Score: score})
}

func (p *Publisher) publish(subject string, v any) {
	if p.bus == nil {
		return
	}
	if err := p.bus.PublishJSON(subject, v); err != nil {
		p.logger.Warn("failed to publish event", slog.String("subject", subject), slogError(err))
	}
}

func blockEvent(b state.QuestionBlock) protocol.BlockEvent {
	ev := protocol.BlockEvent{
		CandidateID: b.CandidateID,
		BlockID:     b.ID,
		QuestionID:  b.QuestionID,
		Turns:       len(b.Turns),
		StartedAt:   b.StartedAt,
		EndedAt:     b.EndedAt,
	}
	if b.Evaluation != nil {
		ev.KeywordTotals = b.Evaluation.KeywordTotals
	}
	return ev
}
