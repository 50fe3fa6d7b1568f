// Package stt provides speech recognizer backends that turn 16-bit PCM
// into text.
package stt

import (
	"context"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-interview/internal/config"
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int) (TranscriptResult, error)
}

// New selects a recognizer by cfg.Mode.
func New(cfg config.STTConfig) (Recognizer, error) {
	switch strings.ToLower(cfg.Mode) {
	case "", "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	case "http":
		return NewHTTPRecognizer(cfg)
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}
