package capture

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store, used by tests and by the operator API
// when replaying uploaded observations.
type MemoryStore struct {
	mu    sync.RWMutex
	calls map[string][]Observation
	byID  map[string]Observation
	order []string
}

// NewMemoryStore returns a store holding obs.
func NewMemoryStore(obs ...Observation) *MemoryStore {
	m := &MemoryStore{
		calls: make(map[string][]Observation),
		byID:  make(map[string]Observation),
	}
	m.Add(obs...)
	return m
}

// Add appends observations. Insertion order breaks timestamp ties.
func (m *MemoryStore) Add(obs ...Observation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range obs {
		if o.ActionKey == "" {
			o.ActionKey = DeriveActionKey(o.Endpoint, o.Name)
		}
		if _, ok := m.calls[o.CallID]; !ok {
			m.order = append(m.order, o.CallID)
		}
		m.calls[o.CallID] = append(m.calls[o.CallID], o)
		m.byID[o.ID] = o
	}
}

func (m *MemoryStore) Observations(ctx context.Context, callID string) ([]Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]Observation{}, m.calls[callID]...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (m *MemoryStore) Observation(ctx context.Context, id string) (Observation, error) {
	if err := ctx.Err(); err != nil {
		return Observation{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obs, ok := m.byID[id]
	if !ok {
		return Observation{}, fmt.Errorf("%w: %s", ErrObservationNotFound, id)
	}
	return obs, nil
}

func (m *MemoryStore) Calls(ctx context.Context, limit int) ([]CallSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []CallSummary
	for _, callID := range m.order {
		obs := m.calls[callID]
		summary := CallSummary{CallID: callID, Observations: len(obs)}
		for i, o := range obs {
			if i == 0 || o.Timestamp.Before(summary.FirstSeen) {
				summary.FirstSeen = o.Timestamp
			}
			if o.Timestamp.After(summary.LastSeen) {
				summary.LastSeen = o.Timestamp
			}
			switch {
			case o.Kind == KindTurn:
				summary.Turns++
			case o.Kind == KindTool && o.IsError():
				summary.ToolErrors++
			}
		}
		out = append(out, summary)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return strings.Compare(out[i].CallID, out[j].CallID) < 0
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
