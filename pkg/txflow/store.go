package txflow

import (
	"context"
	"sync"
)

// Store keeps State per message id. Begin is the only compare-and-set
// transition; every other write applies to a message already claimed by Begin.
type Store interface {
	// Get returns the state of id or DefaultState when unseen.
	Get(ctx context.Context, id string) (State, error)
	// Begin claims id for submission. It fails to claim when a submission is
	// in flight or a terminal outcome is already recorded, returning the
	// current state in both cases.
	Begin(ctx context.Context, id string) (State, bool, error)
	// RecordHash stores the broadcast hash while the submission is in flight.
	RecordHash(ctx context.Context, id, hash string) error
	// Finish records a terminal state and releases the claim.
	Finish(ctx context.Context, id string, state State) error
	// MarkObserved sets the observation marker and reports whether this call set it.
	MarkObserved(ctx context.Context, id string) (bool, error)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]State
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

func (s *MemoryStore) load(id string) State {
	if st, ok := s.states[id]; ok {
		return st
	}
	return DefaultState()
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(id), nil
}

// Begin implements Store.
func (s *MemoryStore) Begin(_ context.Context, id string) (State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.load(id)
	if current.IsSubmitting || current.Code.Terminal() {
		return current, false, nil
	}
	s.states[id] = State{IsSubmitting: true, Code: CodePending, Observed: current.Observed}
	return current, true, nil
}

// RecordHash implements Store.
func (s *MemoryStore) RecordHash(_ context.Context, id, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.load(id)
	st.TransactionHash = hash
	s.states[id] = st
	return nil
}

// Finish implements Store.
func (s *MemoryStore) Finish(_ context.Context, id string, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state.IsSubmitting = false
	state.Observed = state.Observed || s.load(id).Observed
	s.states[id] = state
	return nil
}

// MarkObserved implements Store.
func (s *MemoryStore) MarkObserved(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.load(id)
	if st.Observed {
		return false, nil
	}
	st.Observed = true
	s.states[id] = st
	return true, nil
}
