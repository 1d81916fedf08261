// Package memory provides the reference in-memory SagaStore.
package memory

import (
	"context"
	"sync"

	"github.com/tidemill/eventflow"
)

// Store keeps saga instances in memory, keyed by correlation id. Instances
// are copied on the way in and out so callers never alias stored state.
type Store struct {
	mu        sync.RWMutex
	instances map[string]*eventflow.SagaInstance
}

var _ eventflow.SagaStore = (*Store)(nil)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{instances: make(map[string]*eventflow.SagaInstance)}
}

// Save implements eventflow.SagaStore.
func (s *Store) Save(ctx context.Context, inst *eventflow.SagaInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.CorrelationID] = clone(inst)
	return nil
}

// Load implements eventflow.SagaStore. Unknown correlation ids yield nil.
func (s *Store) Load(ctx context.Context, correlationID string) (*eventflow.SagaInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[correlationID]
	if !ok {
		return nil, nil
	}
	return clone(inst), nil
}

// LoadActive implements eventflow.SagaStore.
func (s *Store) LoadActive(ctx context.Context) ([]*eventflow.SagaInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var active []*eventflow.SagaInstance
	for _, inst := range s.instances {
		if !inst.Status.Terminal() {
			active = append(active, clone(inst))
		}
	}
	return active, nil
}

func clone(inst *eventflow.SagaInstance) *eventflow.SagaInstance {
	out := *inst
	out.History = append([]eventflow.StepRecord(nil), inst.History...)
	out.Compensated = append([]string(nil), inst.Compensated...)
	return &out
}
