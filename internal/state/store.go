package state

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-interview/internal/rubric"
)

var (
	ErrNotFound = errors.New("candidate state not found")
	ErrExists   = errors.New("candidate state already exists")
)

// Repository is the keyed backing map for candidate state.
type Repository interface {
	Get(id int64) (*CandidateState, bool)
	Set(id int64, st *CandidateState)
	Delete(id int64)
}

// LogSink receives every processing log entry after it is committed.
type LogSink interface {
	RecordLog(candidateID int64, entry LogEntry) error
}

type MemoryRepository struct {
	mu    sync.RWMutex
	items map[int64]*CandidateState
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{items: make(map[int64]*CandidateState)}
}

func (r *MemoryRepository) Get(id int64) (*CandidateState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.items[id]
	return st, ok
}

func (r *MemoryRepository) Set(id int64, st *CandidateState) {
	r.mu.Lock()
	r.items[id] = st
	r.mu.Unlock()
}

func (r *MemoryRepository) Delete(id int64) {
	r.mu.Lock()
	delete(r.items, id)
	r.mu.Unlock()
}

type Option func(*Store)

func WithLogSink(sink LogSink) Option {
	return func(s *Store) { s.sink = sink }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// Store serializes read-modify-write cycles over a Repository. Records held
// by the repository are never mutated in place; Update commits a fresh copy.
type Store struct {
	repo   Repository
	sink   LogSink
	logger *slog.Logger
	clock  func() time.Time
	mu     sync.Mutex
}

func NewStore(repo Repository, opts ...Option) *Store {
	s := &Store{
		repo:   repo,
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Now() time.Time {
	return s.clock()
}

func (s *Store) Create(id int64, questions []rubric.Question) (*CandidateState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.repo.Get(id); ok {
		return nil, ErrExists
	}
	st := s.newState(id, questions)
	s.repo.Set(id, st)
	return st.Clone(), nil
}

// GetOrCreate returns the existing state or creates it. Questions are only
// applied to a new record, or to an existing one that has none yet.
func (s *Store) GetOrCreate(id int64, questions []rubric.Question) (*CandidateState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.repo.Get(id); ok {
		if len(cur.Questions) == 0 && len(questions) > 0 {
			next := cur.Clone()
			next.Questions = cloneQuestions(questions)
			next.UpdatedAt = s.clock()
			s.repo.Set(id, next)
			cur = next
		}
		return cur.Clone(), false
	}
	st := s.newState(id, questions)
	s.repo.Set(id, st)
	return st.Clone(), true
}

// Get returns a deep copy of the candidate's state.
func (s *Store) Get(id int64) (*CandidateState, error) {
	st, ok := s.repo.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return st.Clone(), nil
}

func (s *Store) Exists(id int64) bool {
	_, ok := s.repo.Get(id)
	return ok
}

// Update applies fn to a copy of the state and commits it when fn succeeds.
// Log entries appended by fn are forwarded to the sink after the commit.
func (s *Store) Update(id int64, fn func(*CandidateState) error) error {
	s.mu.Lock()
	cur, ok := s.repo.Get(id)
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		s.mu.Unlock()
		return err
	}
	next.UpdatedAt = s.clock()
	s.repo.Set(id, next)
	var fresh []LogEntry
	if len(next.Log) > len(cur.Log) {
		fresh = append(fresh, next.Log[len(cur.Log):]...)
	}
	s.mu.Unlock()

	s.forward(id, fresh)
	return nil
}

// AppendLog adds one processing log entry.
func (s *Store) AppendLog(id int64, step, result string, details map[string]any) error {
	return s.Update(id, func(st *CandidateState) error {
		st.Log = append(st.Log, LogEntry{
			Step:    step,
			Result:  result,
			Time:    s.clock(),
			Details: details,
		})
		return nil
	})
}

// Snapshot is Get for read-only consumers such as status polling.
func (s *Store) Snapshot(id int64) (*CandidateState, bool) {
	st, err := s.Get(id)
	if err != nil {
		return nil, false
	}
	return st, true
}

func (s *Store) newState(id int64, questions []rubric.Question) *CandidateState {
	now := s.clock()
	return &CandidateState{
		ID:        id,
		Questions: cloneQuestions(questions),
		Log:       []LogEntry{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *Store) forward(id int64, entries []LogEntry) {
	if s.sink == nil {
		return
	}
	for _, entry := range entries {
		if err := s.sink.RecordLog(id, entry); err != nil {
			s.logger.Warn("failed to record processing log", slog.Int64("candidate_id", id), slog.String("step", entry.Step), slog.String("error", err.Error()))
		}
	}
}
