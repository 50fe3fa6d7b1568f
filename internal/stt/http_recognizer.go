package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/loqalabs/loqa-interview/internal/audio"
	"github.com/loqalabs/loqa-interview/internal/config"
)

// httpRecognizer posts each clip as audio/wav to a transcription endpoint
// that answers with {"text": "...", "confidence": 0.9}.
type httpRecognizer struct {
	endpoint string
	language string
	client   *http.Client
}

func NewHTTPRecognizer(cfg config.STTConfig) (Recognizer, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("stt endpoint is required for http mode")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("parse stt endpoint: %w", err)
	}
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	return &httpRecognizer{
		endpoint: cfg.Endpoint,
		language: cfg.Language,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

func (r *httpRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int) (TranscriptResult, error) {
	body, err := audio.EncodeWAV(pcm, sampleRate, channels)
	if err != nil {
		return TranscriptResult{}, err
	}
	target := r.endpoint
	if r.language != "" {
		u, _ := url.Parse(r.endpoint)
		q := u.Query()
		q.Set("language", r.language)
		u.RawQuery = q.Encode()
		target = u.String()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return TranscriptResult{}, err
	}
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := r.client.Do(req)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("stt request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return TranscriptResult{}, fmt.Errorf("stt endpoint returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	var out execResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return TranscriptResult{Text: out.Text, Confidence: out.Confidence}, nil
}
