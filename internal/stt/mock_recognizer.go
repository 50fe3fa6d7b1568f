package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

// NewMockRecognizer reports the clip duration instead of recognizing speech.
// Silent clips yield an empty transcript.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, pcm []byte, sampleRate int, channels int) (TranscriptResult, error) {
	if len(pcm) == 0 || sampleRate <= 0 || channels <= 0 {
		return TranscriptResult{}, nil
	}
	ms := len(pcm) / 2 / channels * 1000 / sampleRate
	return TranscriptResult{
		Text:       fmt.Sprintf("[transcript %dms]", ms),
		Confidence: 0,
	}, nil
}
