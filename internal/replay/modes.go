package replay

import (
	"errors"
	"fmt"
	"sync"
)

const (
	ModeDiagnose     = "diagnose"
	ModeMock         = "mock"
	ModeConversation = "conversation"
	ModeDirect       = "direct"
	ModeTool         = "tool"
)

// Mode describes one supported replay or probe mode.
type Mode struct {
	Name        string `json:"name"`
	Target      string `json:"target"`
	Live        bool   `json:"live"`
	Description string `json:"description"`
}

var modes = []Mode{
	{
		Name:        ModeDiagnose,
		Target:      "environment",
		Live:        true,
		Description: "Probe backend, middleware, orchestration and conversational layers in order and report the first failing layer.",
	},
	{
		Name:        ModeMock,
		Target:      "call",
		Live:        false,
		Description: "Re-run the call's tool logic against its captured middleware responses, with no network access.",
	},
	{
		Name:        ModeConversation,
		Target:      "call",
		Live:        true,
		Description: "Resend the call's utterances to the live agent in a fresh session and compare tool invocations by position.",
	},
	{
		Name:        ModeDirect,
		Target:      "observation",
		Live:        true,
		Description: "Re-issue one captured middleware exchange directly against the backend and classify the bottleneck.",
	},
	{
		Name:        ModeTool,
		Target:      "call",
		Live:        true,
		Description: "Re-run the call's tool invocations through the same tool logic against the live middleware and flag drift from the recording.",
	},
}

// Modes returns the static set of supported modes.
func Modes() []Mode {
	out := make([]Mode, len(modes))
	copy(out, modes)
	return out
}

// ErrReplayInProgress is returned when a replay of the same call is running.
var ErrReplayInProgress = errors.New("replay already in progress for call")

// Guard serializes replays per call id. A nil Guard admits everything.
type Guard struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// NewGuard creates an empty guard.
func NewGuard() *Guard {
	return &Guard{active: make(map[string]struct{})}
}

// Acquire claims callID until release is called.
func (g *Guard) Acquire(callID string) (release func(), err error) {
	if g == nil {
		return func() {}, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.active[callID]; busy {
		return nil, fmt.Errorf("%w: %s", ErrReplayInProgress, callID)
	}
	g.active[callID] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.active, callID)
			g.mu.Unlock()
		})
	}, nil
}

// Active reports whether callID is being replayed.
func (g *Guard) Active(callID string) bool {
	if g == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.active[callID]
	return ok
}
