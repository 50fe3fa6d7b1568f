package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loqalabs/loqa-interview/internal/segmenter"
	"github.com/loqalabs/loqa-interview/internal/state"
)

// MouthSpan marks a slot's mouth as open for [FromMS, ToMS).
type MouthSpan struct {
	Slot   int `yaml:"slot"`
	FromMS int `yaml:"from_ms"`
	ToMS   int `yaml:"to_ms"`
}

// SlotExpressions are the expression tallies captured for one slot.
type SlotExpressions struct {
	Slot                   int `yaml:"slot"`
	state.ExpressionCounts `yaml:",inline"`
}

// Track is the video side of a recorded interview.
type Track struct {
	Spans       []MouthSpan       `yaml:"spans"`
	Expressions []SlotExpressions `yaml:"expressions"`
}

func loadTrack(path string) (Track, error) {
	var t Track
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("read mouth track: %w", err)
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("parse mouth track: %w", err)
	}
	for _, s := range t.Spans {
		if s.ToMS < s.FromMS {
			return t, fmt.Errorf("mouth span for slot %d ends before it starts", s.Slot)
		}
	}
	return t, nil
}

// openAt reports whether slot's mouth is open at offset.
func (t Track) openAt(slot int, offset time.Duration) bool {
	ms := int(offset / time.Millisecond)
	for _, s := range t.Spans {
		if s.Slot == slot && ms >= s.FromMS && ms < s.ToMS {
			return true
		}
	}
	return false
}

// counts maps slot expressions onto candidate ids.
func (t Track) counts(candidates []int64) map[int64]*state.ExpressionCounts {
	out := make(map[int64]*state.ExpressionCounts, len(candidates))
	for _, id := range candidates {
		out[id] = nil
	}
	for _, e := range t.Expressions {
		if e.Slot < 0 || e.Slot >= len(candidates) {
			continue
		}
		c := e.ExpressionCounts
		out[candidates[e.Slot]] = &c
	}
	return out
}

// trackedSource drives mouth state from the track before each frame.
type trackedSource struct {
	src    segmenter.FrameSource
	track  Track
	mouth  func() *segmenter.MouthState
	slots  int
	window time.Duration
	frame  int
}

func (s *trackedSource) ReadFrame(ctx context.Context) ([]byte, error) {
	offset := time.Duration(s.frame) * s.window
	mouth := s.mouth()
	for slot := 0; slot < s.slots; slot++ {
		mouth.Set(slot, s.track.openAt(slot, offset))
	}
	s.frame++
	return s.src.ReadFrame(ctx)
}

func parseCandidates(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid candidate id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("at least one candidate id is required")
	}
	return ids, nil
}
