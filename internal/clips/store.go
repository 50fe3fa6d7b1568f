// Package clips stores uploaded and captured audio clips under opaque
// references that transcribers later resolve.
package clips

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-interview/internal/config"
)

var ErrNotFound = errors.New("clips: clip not found")

// Store persists WAV clips. Refs are store-relative keys.
type Store interface {
	Put(ctx context.Context, candidateID int64, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

// Key is the object key for a new clip of the candidate.
func Key(candidateID int64) string {
	return fmt.Sprintf("candidates/%d/%s.wav", candidateID, uuid.NewString())
}

// New builds the store selected by cfg.Mode.
func New(ctx context.Context, cfg config.ClipsConfig, logger *slog.Logger) (Store, error) {
	switch strings.ToLower(cfg.Mode) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "fs":
		return NewFSStore(cfg.Directory)
	case "minio":
		return NewMinioStore(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported clip store mode %q", cfg.Mode)
	}
}

type MemoryStore struct {
	mu    sync.RWMutex
	clips map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{clips: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, candidateID int64, data []byte) (string, error) {
	ref := Key(candidateID)
	s.mu.Lock()
	s.clips[ref] = append([]byte(nil), data...)
	s.mu.Unlock()
	return ref, nil
}

func (s *MemoryStore) Get(_ context.Context, ref string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.clips[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Delete(_ context.Context, ref string) error {
	s.mu.Lock()
	delete(s.clips, ref)
	s.mu.Unlock()
	return nil
}
