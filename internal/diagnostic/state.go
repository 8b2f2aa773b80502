package diagnostic

import (
	"fmt"
	"time"

	"github.com/mdwoicke/dentix-ortho-sub015/internal/probe"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/protocol"
)

// Phase is the coarse state of a run.
type Phase string

const (
	PhaseNotStarted   Phase = "not_started"
	PhaseRunningLayer Phase = "running_layer"
	PhaseStopped      Phase = "stopped"
	PhaseCompleted    Phase = "completed"
)

// State is the orchestrator state. Layer and Index are set while running.
type State struct {
	Phase Phase        `json:"phase"`
	Layer protocol.Hop `json:"layer,omitempty"`
	Index int          `json:"index"`
}

func (s State) String() string {
	if s.Phase == PhaseRunningLayer {
		return fmt.Sprintf("%s(%d:%s)", s.Phase, s.Index, s.Layer)
	}
	return string(s.Phase)
}

// EventType names an orchestrator event.
type EventType string

const (
	EventState  EventType = "state"
	EventResult EventType = "result"
	EventLayer  EventType = "layer"
	EventReport EventType = "report"
)

// Event is delivered to observers synchronously, in run order.
type Event struct {
	Type   EventType              `json:"type"`
	RunID  string                 `json:"runId"`
	Time   time.Time              `json:"time"`
	State  State                  `json:"state"`
	Result *probe.LayerTestResult `json:"result,omitempty"`
	Layer  *LayerReport           `json:"layerReport,omitempty"`
	Report *DebugReport           `json:"report,omitempty"`
}

// Observer receives run events. It must not block for long: the run waits.
type Observer func(Event)
