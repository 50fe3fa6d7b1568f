// Package transport exposes the evaluator over the NATS bus: request/reply
// operations, live session audio and mouth subscriptions, and events.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-interview/internal/bus"
	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/evaluator"
	"github.com/loqalabs/loqa-interview/internal/protocol"
	"github.com/loqalabs/loqa-interview/internal/segmenter"
	"github.com/loqalabs/loqa-interview/internal/state"
)

const stopTimeout = 30 * time.Second

type Service struct {
	cfg       config.BusConfig
	segCfg    segmenter.Config
	bus       *bus.Client
	ev        *evaluator.Evaluator
	publisher *Publisher
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	subs     []*nats.Subscription
	mu       sync.Mutex
	sessions map[string]*liveSession
}

type liveSession struct {
	session *evaluator.Session
	frames  *FrameSubscriber
	mouth   *nats.Subscription
}

func NewService(parent context.Context, cfg config.BusConfig, segCfg segmenter.Config, busClient *bus.Client, ev *evaluator.Evaluator, publisher *Publisher, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:       cfg,
		segCfg:    segCfg,
		bus:       busClient,
		ev:        ev,
		publisher: publisher,
		logger:    logger.With(slog.String("component", "transport")),
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*liveSession),
	}
}

func (s *Service) Start() error {
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectStart:      s.handleStart,
		protocol.SubjectSubmit:     s.handleSubmit,
		protocol.SubjectEnd:        s.async(s.handleEnd),
		protocol.SubjectEndBatch:   s.async(s.handleEndBatch),
		protocol.SubjectStatus:     s.handleStatus,
		protocol.SubjectResult:     s.handleResult,
		protocol.SubjectSessionOn:  s.handleSessionStart,
		protocol.SubjectSessionOff: s.async(s.handleSessionStop),
	}
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			s.drainSubs()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.logger.Info("transport subscribed", slog.Int("subjects", len(s.subs)))
	return nil
}

// Close stops accepting requests, stops live sessions and waits for
// in-flight handlers.
func (s *Service) Close() {
	s.drainSubs()

	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*liveSession)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), stopTimeout)
	defer cancel()
	for id, ls := range sessions {
		if err := ls.stop(ctx); err != nil {
			s.logger.Warn("failed to stop session", slog.String("session_id", id), slogError(err))
		}
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.bus.Healthy() && len(s.subs) > 0
}

// Sessions counts active live sessions.
func (s *Service) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Service) drainSubs() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

// async runs blocking handlers off the subscription goroutine.
func (s *Service) async(h nats.MsgHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			h(msg)
		}()
	}
}

func (s *Service) handleStart(msg *nats.Msg) {
	var req protocol.StartRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.reply(msg, protocol.StartResponse{Error: "invalid request: " + err.Error()})
		return
	}
	created, err := s.ev.StartInterview(req.CandidateID, req.Questions)
	resp := protocol.StartResponse{CandidateID: req.CandidateID, Created: created}
	if err != nil {
		resp.Error = err.Error()
	}
	s.reply(msg, resp)
}

func (s *Service) handleSubmit(msg *nats.Msg) {
	var req protocol.SubmitRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.reply(msg, protocol.SubmitResponse{Error: "invalid request: " + err.Error()})
		return
	}
	ref, err := s.ev.SubmitAudioSegment(s.ctx, req.CandidateID, evaluator.Upload{
		Audio:      req.Audio,
		AudioRef:   req.AudioRef,
		Transcript: req.Transcript,
	})
	resp := protocol.SubmitResponse{CandidateID: req.CandidateID, AudioRef: ref, Accepted: err == nil}
	if err != nil {
		resp.Error = err.Error()
	}
	s.reply(msg, resp)
}

func (s *Service) handleEnd(msg *nats.Msg) {
	var req protocol.EndRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.reply(msg, protocol.EndResponse{Error: "invalid request: " + err.Error()})
		return
	}
	s.closeSessionsOf(req.CandidateID)
	status, err := s.ev.EndInterview(s.ctx, req.CandidateID, countsOf(req.NonverbalCounts))
	resp := protocol.EndResponse{CandidateID: req.CandidateID, Status: status.State, Score: status.Score}
	if err != nil {
		resp.Error = err.Error()
	}
	s.reply(msg, resp)
}

func (s *Service) handleEndBatch(msg *nats.Msg) {
	var req protocol.EndBatchRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.reply(msg, protocol.EndBatchResponse{Error: "invalid request: " + err.Error()})
		return
	}
	counts := make(map[int64]*state.ExpressionCounts, len(req.Candidates))
	ids := make([]int64, 0, len(req.Candidates))
	for _, c := range req.Candidates {
		counts[c.CandidateID] = countsOf(c.NonverbalCounts)
		ids = append(ids, c.CandidateID)
	}
	s.closeSessionsOf(ids...)
	outcomes, err := s.ev.EndInterviews(s.ctx, counts)
	resp := protocol.EndBatchResponse{Results: make([]protocol.EndOutcome, 0, len(outcomes))}
	for _, o := range outcomes {
		out := protocol.EndOutcome{CandidateID: o.CandidateID, Outcome: o.Outcome}
		if o.Err != nil {
			out.Error = o.Err.Error()
		}
		resp.Results = append(resp.Results, out)
	}
	if err != nil {
		resp.Error = err.Error()
	}
	s.reply(msg, resp)
}

func (s *Service) handleStatus(msg *nats.Msg) {
	var req protocol.StatusRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.reply(msg, protocol.StatusResponse{Error: "invalid request: " + err.Error()})
		return
	}
	status := s.ev.GetStatus(req.CandidateID)
	s.reply(msg, protocol.StatusResponse{CandidateID: req.CandidateID, Status: status.State, Score: status.Score})
}

func (s *Service) handleResult(msg *nats.Msg) {
	var req protocol.ResultRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.reply(msg, protocol.ResultResponse{Error: "invalid request: " + err.Error(), Code: protocol.CodeInternal})
		return
	}
	resp := protocol.ResultResponse{CandidateID: req.CandidateID}
	report, err := s.ev.GetResult(req.CandidateID)
	switch {
	case errors.Is(err, state.ErrNotFound):
		resp.Error, resp.Code = err.Error(), protocol.CodeNotFound
	case errors.Is(err, evaluator.ErrNotReady):
		resp.Error, resp.Code = err.Error(), protocol.CodeNotReady
	case err != nil:
		resp.Error, resp.Code = err.Error(), protocol.CodeInternal
	default:
		data, err := json.Marshal(report)
		if err != nil {
			resp.Error, resp.Code = err.Error(), protocol.CodeInternal
		} else {
			resp.Report = data
		}
	}
	s.reply(msg, resp)
}

func (s *Service) handleSessionStart(msg *nats.Msg) {
	var req protocol.SessionStartRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.reply(msg, protocol.SessionResponse{Error: "invalid request: " + err.Error()})
		return
	}
	if req.SessionID == "" {
		s.reply(msg, protocol.SessionResponse{Error: "session_id is required"})
		return
	}
	if err := s.startSession(req); err != nil {
		s.reply(msg, protocol.SessionResponse{SessionID: req.SessionID, Error: err.Error()})
		return
	}
	s.reply(msg, protocol.SessionResponse{SessionID: req.SessionID, Active: true})
}

func (s *Service) startSession(req protocol.SessionStartRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[req.SessionID]; exists {
		return fmt.Errorf("session %s already active", req.SessionID)
	}

	cfg := s.segCfg
	if req.SampleRate > 0 {
		cfg.SampleRate = req.SampleRate
	}
	frames, err := SubscribeFrames(s.bus.Conn(), req.SessionID, cfg.SampleRate, s.cfg.FrameBuffer, s.logger)
	if err != nil {
		return err
	}
	session, err := s.ev.NewSession(req.SessionID, req.CandidateIDs, frames, cfg, evaluator.WithTurnHook(s.publisher.Turn))
	if err != nil {
		frames.Close()
		return err
	}
	mouth, err := s.bus.Conn().Subscribe(protocol.SubjectMouthPrefix+"."+req.SessionID, func(m *nats.Msg) {
		var sig protocol.MouthSignal
		if err := json.Unmarshal(m.Data, &sig); err != nil {
			s.logger.Warn("failed to decode mouth signal", slog.String("session_id", req.SessionID), slogError(err))
			return
		}
		session.Mouth().Set(sig.Slot, sig.Open)
	})
	if err != nil {
		frames.Close()
		return fmt.Errorf("subscribe mouth signals: %w", err)
	}

	session.Start(s.ctx)
	s.sessions[req.SessionID] = &liveSession{session: session, frames: frames, mouth: mouth}
	s.logger.Info("live session opened", slog.String("session_id", req.SessionID), slog.Any("candidates", req.CandidateIDs))
	return nil
}

func (s *Service) handleSessionStop(msg *nats.Msg) {
	var req protocol.SessionStopRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.reply(msg, protocol.SessionResponse{Error: "invalid request: " + err.Error()})
		return
	}
	s.mu.Lock()
	ls, ok := s.sessions[req.SessionID]
	delete(s.sessions, req.SessionID)
	s.mu.Unlock()
	if !ok {
		s.reply(msg, protocol.SessionResponse{SessionID: req.SessionID, Error: "session not found"})
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, stopTimeout)
	defer cancel()
	resp := protocol.SessionResponse{SessionID: req.SessionID}
	if err := ls.stop(ctx); err != nil {
		resp.Error = err.Error()
	}
	resp.Dropped = ls.session.Dropped()
	s.reply(msg, resp)
}

// closeSessionsOf drops the bus subscriptions of every live session that
// records one of ids and stops its intake.
func (s *Service) closeSessionsOf(ids ...int64) {
	s.mu.Lock()
	var closing []*liveSession
	for id, ls := range s.sessions {
		if slices.ContainsFunc(ls.session.Candidates(), func(c int64) bool { return slices.Contains(ids, c) }) {
			closing = append(closing, ls)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, ls := range closing {
		ctx, cancel := context.WithTimeout(s.ctx, stopTimeout)
		if err := ls.stop(ctx); err != nil {
			s.logger.Warn("failed to stop session", slog.String("session_id", ls.session.ID()), slogError(err))
		} else {
			s.logger.Info("session closed by interview end", slog.String("session_id", ls.session.ID()))
		}
		cancel()
	}
}

func (ls *liveSession) stop(ctx context.Context) error {
	_ = ls.mouth.Unsubscribe()
	ls.frames.Close()
	return ls.session.Stop(ctx)
}

func (s *Service) reply(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("failed to encode reply", slog.String("subject", msg.Subject), slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send reply", slog.String("subject", msg.Subject), slogError(err))
	}
}

// countsOf maps the wire payload to engine input. A missing expression
// object becomes empty counts, which the engine logs as a soft failure.
func countsOf(nc protocol.NonverbalCounts) *state.ExpressionCounts {
	if nc.Expression == nil {
		return &state.ExpressionCounts{}
	}
	c := *nc.Expression
	return &c
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
