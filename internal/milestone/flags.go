package milestone

import (
	"context"
	"sync"
)

// FlagKey identifies one (event, milestone) pair.
type FlagKey struct {
	EventID int64
	Kind    Kind
}

// FlagStore is the durable record of milestones that have already fired.
//
// FiredFlags reads the whole set once per pass. MarkFired must persist every
// key it is given before returning; a pass treats a nil error as "committed".
// Keys are never unset by the evaluator.
type FlagStore interface {
	FiredFlags(ctx context.Context) (map[FlagKey]bool, error)
	MarkFired(ctx context.Context, keys []FlagKey) error
}

// MemoryFlags is a process-local FlagStore. It is lost on restart and is meant
// for tests and -once dry runs.
type MemoryFlags struct {
	mu    sync.Mutex
	fired map[FlagKey]bool
}

func NewMemoryFlags() *MemoryFlags {
	return &MemoryFlags{fired: make(map[FlagKey]bool)}
}

func (m *MemoryFlags) FiredFlags(_ context.Context) (map[FlagKey]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[FlagKey]bool, len(m.fired))
	for k, v := range m.fired {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryFlags) MarkFired(_ context.Context, keys []FlagKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		m.fired[k] = true
	}
	return nil
}
