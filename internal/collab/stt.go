// Package collab implements the pipeline collaborators: speech recognition
// over stored clips, language-model backed rewriting and judging, and a
// deterministic offline variant.
package collab

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-interview/internal/audio"
	"github.com/loqalabs/loqa-interview/internal/clips"
	"github.com/loqalabs/loqa-interview/internal/pipeline"
	"github.com/loqalabs/loqa-interview/internal/stt"
)

// damagedReport is what STT returns for clips that do not decode as WAV.
const damagedReport = "음성 파일이 " + pipeline.DamagedAudioMarker + "."

// STT resolves clip refs and runs them through a recognizer.
type STT struct {
	clips      clips.Store
	recognizer stt.Recognizer
	logger     *slog.Logger
}

func NewSTT(store clips.Store, recognizer stt.Recognizer, logger *slog.Logger) *STT {
	return &STT{
		clips:      store,
		recognizer: recognizer,
		logger:     logger.With(slog.String("component", "stt-collaborator")),
	}
}

func (s *STT) Transcribe(ctx context.Context, audioRef string) (string, error) {
	data, err := s.clips.Get(ctx, audioRef)
	if err != nil {
		return "", fmt.Errorf("load clip %s: %w", audioRef, err)
	}
	clip, err := audio.DecodeWAV(data)
	if err != nil {
		s.logger.Warn("clip is not decodable audio", slog.String("ref", audioRef), slog.String("error", err.Error()))
		return damagedReport, nil
	}
	res, err := s.recognizer.Transcribe(ctx, clip.PCM, clip.SampleRate, clip.Channels)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Text), nil
}
