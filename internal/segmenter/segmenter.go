// Package segmenter splits a live mono PCM stream into speaker-attributed
// turns using loudness and per-slot mouth-open signals.
package segmenter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-interview/internal/audio"
	"github.com/loqalabs/loqa-interview/internal/config"
)

const SpeakerInterviewer = "interviewer"

const silence = ""

var ErrMalformedFrame = errors.New("malformed audio frame")

// CandidateSpeaker is the speaker tag for a video slot.
func CandidateSpeaker(slot int) string {
	return fmt.Sprintf("candidate_%d", slot)
}

// Turn is one contiguous speaker-attributed segment. Slot is -1 for the interviewer.
type Turn struct {
	Speaker    string
	Slot       int
	PCM        []byte
	SampleRate int
	Start      time.Duration
	End        time.Duration
}

func (t Turn) Duration() time.Duration {
	return t.End - t.Start
}

type FrameSource interface {
	ReadFrame(ctx context.Context) ([]byte, error)
}

// MouthState holds one flag per video slot. The video side writes, the
// audio side reads; last write wins.
type MouthState struct {
	flags []atomic.Bool
}

func NewMouthState(slots int) *MouthState {
	return &MouthState{flags: make([]atomic.Bool, slots)}
}

func (m *MouthState) Set(slot int, open bool) {
	if slot < 0 || slot >= len(m.flags) {
		return
	}
	m.flags[slot].Store(open)
}

func (m *MouthState) Open(slot int) bool {
	if slot < 0 || slot >= len(m.flags) {
		return false
	}
	return m.flags[slot].Load()
}

func (m *MouthState) Slots() int {
	return len(m.flags)
}

type Config struct {
	SampleRate int
	Window     time.Duration
	Hold       time.Duration
	Hangover   time.Duration
	Floor      float64
	Slots      int
	Buffer     int
}

func ConfigFrom(cfg config.SegmenterConfig) Config {
	return Config{
		SampleRate: cfg.SampleRate,
		Window:     time.Duration(cfg.WindowMS) * time.Millisecond,
		Hold:       time.Duration(cfg.HoldMS) * time.Millisecond,
		Hangover:   time.Duration(cfg.HangoverMS) * time.Millisecond,
		Floor:      cfg.LoudnessFloor,
		Slots:      cfg.Slots,
		Buffer:     cfg.TurnBuffer,
	}
}

func (c Config) windowBytes() int {
	return audio.WindowBytes(c.SampleRate, int(c.Window/time.Millisecond))
}

type Segmenter struct {
	cfg    Config
	source FrameSource
	mouth  *MouthState
	logger *slog.Logger
	turns  chan Turn

	now        time.Duration
	lastOpen   []time.Duration
	openSeen   []bool
	lastVoiced time.Duration
	voiced     bool
	label      string
	pending    *Turn

	malformed atomic.Int64
	dropped   atomic.Int64
}

func New(cfg Config, source FrameSource, mouth *MouthState, logger *slog.Logger) *Segmenter {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1
	}
	if mouth == nil {
		mouth = NewMouthState(cfg.Slots)
	}
	return &Segmenter{
		cfg:      cfg,
		source:   source,
		mouth:    mouth,
		logger:   logger.With(slog.String("component", "segmenter")),
		turns:    make(chan Turn, cfg.Buffer),
		lastOpen: make([]time.Duration, cfg.Slots),
		openSeen: make([]bool, cfg.Slots),
	}
}

// Turns delivers completed turns in detection order. It is closed when Run returns.
func (s *Segmenter) Turns() <-chan Turn {
	return s.turns
}

func (s *Segmenter) Mouth() *MouthState {
	return s.mouth
}

// Malformed counts frames skipped for bad framing.
func (s *Segmenter) Malformed() int64 {
	return s.malformed.Load()
}

// Dropped counts turns discarded because the turn buffer was full.
func (s *Segmenter) Dropped() int64 {
	return s.dropped.Load()
}

// Run reads frames until the source ends or ctx is cancelled, flushing any
// pending turn before returning. Source errors other than io.EOF are fatal.
func (s *Segmenter) Run(ctx context.Context) error {
	defer close(s.turns)
	for {
		frame, err := s.source.ReadFrame(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), ctx.Err() != nil:
				s.flush()
				return nil
			case errors.Is(err, ErrMalformedFrame):
				s.skip(err)
				continue
			default:
				s.flush()
				return fmt.Errorf("read frame: %w", err)
			}
		}
		if err := s.check(frame); err != nil {
			s.skip(err)
			continue
		}
		s.process(frame)
	}
}

func (s *Segmenter) check(frame []byte) error {
	switch {
	case len(frame) == 0:
		return fmt.Errorf("%w: empty", ErrMalformedFrame)
	case len(frame)%2 != 0:
		return fmt.Errorf("%w: odd length %d", ErrMalformedFrame, len(frame))
	case len(frame) != s.cfg.windowBytes():
		return fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedFrame, len(frame), s.cfg.windowBytes())
	}
	return nil
}

func (s *Segmenter) skip(err error) {
	s.malformed.Add(1)
	s.logger.Warn("skipping audio frame", slog.String("error", err.Error()), slog.Duration("at", s.now))
}

func (s *Segmenter) process(frame []byte) {
	s.now += s.cfg.Window
	rms, _ := audio.RMS(frame)
	loud := rms > s.cfg.Floor
	if loud {
		s.lastVoiced = s.now
		s.voiced = true
	}
	for slot := range s.lastOpen {
		if s.mouth.Open(slot) {
			s.lastOpen[slot] = s.now
			s.openSeen[slot] = true
		}
	}

	label, slot := s.classify(loud)
	if label != s.label {
		if s.pending != nil {
			s.emit(*s.pending)
			s.pending = nil
		}
		if label != silence {
			s.pending = &Turn{
				Speaker:    label,
				Slot:       slot,
				SampleRate: s.cfg.SampleRate,
				Start:      s.now - s.cfg.Window,
			}
		}
		s.label = label
	}
	if s.pending != nil {
		s.pending.PCM = append(s.pending.PCM, frame...)
		s.pending.End = s.now
	}
}

func (s *Segmenter) classify(loud bool) (string, int) {
	if s.label == SpeakerInterviewer && s.voiced && s.now-s.lastVoiced <= s.cfg.Hangover {
		return SpeakerInterviewer, -1
	}
	if loud {
		for slot := range s.lastOpen {
			if s.openSeen[slot] && s.now-s.lastOpen[slot] <= s.cfg.Hold {
				return CandidateSpeaker(slot), slot
			}
		}
		return SpeakerInterviewer, -1
	}
	return silence, -1
}

func (s *Segmenter) flush() {
	if s.pending == nil {
		return
	}
	s.emit(*s.pending)
	s.pending = nil
	s.label = silence
}

// emit never waits on the consumer: a turn that does not fit the buffer is
// dropped and counted.
func (s *Segmenter) emit(turn Turn) {
	select {
	case s.turns <- turn:
	default:
		s.dropped.Add(1)
		s.logger.Warn("dropping turn, consumer is behind",
			slog.String("speaker", turn.Speaker),
			slog.Duration("start", turn.Start),
			slog.Int("buffer", cap(s.turns)),
		)
	}
}

// SliceSource replays in-memory frames. Before, when set, runs ahead of each
// frame and is where tests drive mouth state.
type SliceSource struct {
	Frames [][]byte
	Before func(index int)
	next   int
}

func (s *SliceSource) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= len(s.Frames) {
		return nil, io.EOF
	}
	if s.Before != nil {
		s.Before(s.next)
	}
	frame := s.Frames[s.next]
	s.next++
	return frame, nil
}
