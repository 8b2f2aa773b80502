// Package replay re-executes captured calls: tool logic against frozen
// responses, conversations against the live agent, and single middleware
// exchanges directly against the backend.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/mdwoicke/dentix-ortho-sub015/internal/capture"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/logger"
)

// Entry is one captured response available for substitution.
type Entry struct {
	ObservationID string          `json:"observationId"`
	Key           string          `json:"key"`
	Name          string          `json:"name,omitempty"`
	Kind          capture.Kind    `json:"kind"`
	Response      json.RawMessage `json:"response,omitempty"`
	StatusCode    int             `json:"statusCode,omitempty"`
	Failed        bool            `json:"failed,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// MockHarness is the substitution map of one call. It is built fresh for
// every replay and never written back to the capture store.
type MockHarness struct {
	CallID       string
	Observations []capture.Observation
	// entries holds action keys and observation names in one map, folded
	// in chronological order.
	entries map[string]Entry
	primary map[string]struct{}
}

// Empty reports a call without captured observations. An empty harness is
// valid: every lookup against it misses.
func (h *MockHarness) Empty() bool {
	return h == nil || len(h.Observations) == 0
}

// Len returns the number of primary keys.
func (h *MockHarness) Len() int {
	if h == nil {
		return 0
	}
	return len(h.primary)
}

// Keys returns the primary keys in sorted order.
func (h *MockHarness) Keys() []string {
	if h == nil {
		return nil
	}
	keys := make([]string, 0, len(h.primary))
	for k := range h.primary {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Aliases returns the name keys that are not also primary keys.
func (h *MockHarness) Aliases() []string {
	if h == nil {
		return nil
	}
	keys := make([]string, 0, len(h.entries)-len(h.primary))
	for k := range h.entries {
		if _, ok := h.primary[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Lookup resolves an action key or an observation name. When both schemes
// share a key, the latest capture wins.
func (h *MockHarness) Lookup(key string) (Entry, bool) {
	if h == nil || key == "" {
		return Entry{}, false
	}
	e, ok := h.entries[key]
	return e, ok
}

// HarnessBuilder folds the observations of one call into a MockHarness.
type HarnessBuilder struct {
	store  capture.Store
	logger logger.Logger
}

// NewHarnessBuilder creates a builder reading from store.
func NewHarnessBuilder(store capture.Store, log logger.Logger) *HarnessBuilder {
	return &HarnessBuilder{store: store, logger: log}
}

// Build reads only the given call. Observations are folded in chronological
// order so a key that recurs keeps its latest capture.
func (b *HarnessBuilder) Build(ctx context.Context, callID string) (*MockHarness, error) {
	obs, err := b.store.Observations(ctx, callID)
	if err != nil {
		return nil, fmt.Errorf("load observations for call %s: %w", callID, err)
	}
	h := newHarness(callID, obs)
	b.logger.Debug("Mock harness built",
		"call_id", callID,
		"observations", len(obs),
		"keys", h.Len(),
		"aliases", len(h.entries)-len(h.primary),
	)
	return h, nil
}

func newHarness(callID string, obs []capture.Observation) *MockHarness {
	h := &MockHarness{
		CallID:       callID,
		Observations: append([]capture.Observation(nil), obs...),
		entries:      make(map[string]Entry),
		primary:      make(map[string]struct{}),
	}
	for _, o := range h.Observations {
		if o.Kind != capture.KindAPI && o.Kind != capture.KindTool {
			continue
		}
		key := o.ActionKey
		if key == "" {
			key = capture.DeriveActionKey(o.Endpoint, o.Name)
		}
		e := Entry{
			ObservationID: o.ID,
			Key:           key,
			Name:          o.Name,
			Kind:          o.Kind,
			Response:      o.Response,
			StatusCode:    o.StatusCode,
			Failed:        o.IsError(),
			Timestamp:     o.Timestamp,
		}
		if key != "" {
			h.entries[key] = e
			h.primary[key] = struct{}{}
		}
		if o.Name != "" {
			h.entries[o.Name] = e
		}
	}
	return h
}
