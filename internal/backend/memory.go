package backend

import (
	"context"
	"sort"
	"sync"
	"time"

	"streamsink/internal/domain"
)

// Memory is an in-process Backend. It survives job restarts within the same
// process, which is exactly what restart tests need.
type Memory struct {
	mu           sync.Mutex
	committables map[string]domain.Committable
	applied      map[string]time.Time
	completed    map[domain.CheckpointID]int64
	states       map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{
		committables: make(map[string]domain.Committable),
		applied:      make(map[string]time.Time),
		completed:    make(map[domain.CheckpointID]int64),
		states:       make(map[string][]byte),
	}
}

func (m *Memory) PersistCommittables(_ context.Context, committables []domain.Committable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range committables {
		if _, ok := m.committables[c.CommitID()]; ok {
			continue
		}
		m.committables[c.CommitID()] = c
	}
	return nil
}

func (m *Memory) PendingCommittables(context.Context) ([]domain.Committable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Committable
	for id, c := range m.committables {
		if _, ok := m.applied[id]; ok {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CheckpointID != out[j].CheckpointID {
			return out[i].CheckpointID < out[j].CheckpointID
		}
		if out[i].ProducerID != out[j].ProducerID {
			return out[i].ProducerID < out[j].ProducerID
		}
		return out[i].SequenceNo < out[j].SequenceNo
	})
	return out, nil
}

func (m *Memory) DiscardAbove(_ context.Context, restored domain.CheckpointID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.committables {
		if c.CheckpointID > restored {
			delete(m.committables, id)
		}
	}
	return nil
}

func (m *Memory) MarkApplied(_ context.Context, commitID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.applied[commitID]; !ok {
		m.applied[commitID] = at
	}
	return nil
}

func (m *Memory) Applied(_ context.Context, commitID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.applied[commitID]
	return ok, nil
}

func (m *Memory) MarkCompleted(_ context.Context, id domain.CheckpointID, sourcePos int64, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed[id] = sourcePos
	return nil
}

func (m *Memory) LatestCompleted(context.Context) (domain.CheckpointID, int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		best domain.CheckpointID
		pos  int64
		ok   bool
	)
	for id, p := range m.completed {
		if !ok || id > best {
			best, pos, ok = id, p, true
		}
	}
	return best, pos, ok, nil
}

func (m *Memory) PruneCheckpoint(_ context.Context, id domain.CheckpointID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for cid, c := range m.committables {
		if c.CheckpointID == id {
			delete(m.committables, cid)
		}
	}
	return nil
}

func (m *Memory) PersistState(_ context.Context, componentID string, checkpointID domain.CheckpointID, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[stateKey(componentID, checkpointID)] = append([]byte(nil), state...)
	return nil
}

func (m *Memory) RestoreState(_ context.Context, componentID string, checkpointID domain.CheckpointID) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[stateKey(componentID, checkpointID)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), s...), true, nil
}

func (m *Memory) Close() error { return nil }

func stateKey(componentID string, checkpointID domain.CheckpointID) string {
	return componentID + "::" + checkpointID.String()
}
