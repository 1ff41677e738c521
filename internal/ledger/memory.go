// internal/ledger/memory.go
package ledger

import (
	"context"
	"sync"
	"time"

	"gatekeeper-go/internal/gatekeeper"
)

// Memory is an in-process ledger. Load hands out clones, so a rejected
// call never touches the committed state.
type Memory struct {
	mu     sync.RWMutex
	state  *gatekeeper.State
	events []gatekeeper.Record
}

func NewMemory() *Memory {
	return &Memory{state: gatekeeper.NewState()}
}

func (m *Memory) Load(_ context.Context) (*gatekeeper.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Clone(), nil
}

func (m *Memory) Commit(_ context.Context, _ time.Time, state *gatekeeper.State, records []gatekeeper.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state.Clone()
	next := uint64(len(m.events)) + 1
	for _, r := range records {
		r.Seq = next
		next++
		m.events = append(m.events, r)
	}
	return nil
}

// Events returns records with Seq >= from. Sequence numbers start at 1.
func (m *Memory) Events(_ context.Context, from uint64) ([]gatekeeper.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if from == 0 {
		from = 1
	}
	if from > uint64(len(m.events)) {
		return nil, nil
	}
	out := make([]gatekeeper.Record, len(m.events)-int(from-1))
	copy(out, m.events[from-1:])
	return out, nil
}
