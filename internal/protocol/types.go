package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
)

// Hop identifies one tier of the pipeline.
type Hop string

const (
	HopBackend        Hop = "backend"
	HopMiddleware     Hop = "middleware"
	HopOrchestration  Hop = "orchestration"
	HopConversational Hop = "conversational"
)

var hopOrder = []Hop{HopBackend, HopMiddleware, HopOrchestration, HopConversational}

// Order returns the fixed dependency order, lowest hop first.
func Order() []Hop {
	out := make([]Hop, len(hopOrder))
	copy(out, hopOrder)
	return out
}

// Index returns the position of h in the dependency order, or -1.
func (h Hop) Index() int {
	for i, candidate := range hopOrder {
		if candidate == h {
			return i
		}
	}
	return -1
}

// ParseHop accepts a hop name case-insensitively.
func ParseHop(name string) (Hop, error) {
	h := Hop(strings.ToLower(strings.TrimSpace(name)))
	if h.Index() < 0 {
		return "", fmt.Errorf("unknown layer %q", name)
	}
	return h, nil
}

// ErrorClass is the failure taxonomy attached to outcomes and results.
type ErrorClass string

const (
	ClassNone          ErrorClass = ""
	ClassTransport     ErrorClass = "transport"
	ClassProtocol      ErrorClass = "protocol"
	ClassExpectation   ErrorClass = "expectation"
	ClassConfiguration ErrorClass = "configuration"
	ClassNoMockMatch   ErrorClass = "no_mock_match"
)

// Param is one flat backend procedure parameter.
type Param struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Record is one flat record lifted out of a response.
type Record map[string]string

// ToolCall is one tool invocation reported by the orchestration layer.
type ToolCall struct {
	Tool   string          `json:"tool"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output string          `json:"output,omitempty"`
}

// Request addresses one call to one hop.
//
// Action is the backend procedure name, the middleware action path segment,
// or unused for the orchestration and conversational hops, where Message
// carries the utterance instead.
type Request struct {
	Hop           Hop
	Action        string
	Params        []Param
	Body          map[string]any
	Message       string
	SessionID     string
	CorrelationID string
	Timeout       time.Duration
}

// Outcome is the normalized result of a single call. It is a value: failures
// are described by OK, Error and Class rather than returned as Go errors.
type Outcome struct {
	OK             bool            `json:"ok"`
	Status         int             `json:"status,omitempty"`
	ProtocolStatus string          `json:"protocolStatus,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Records        []Record        `json:"records,omitempty"`
	Message        string          `json:"message,omitempty"`
	Text           string          `json:"text,omitempty"`
	ToolCalls      []ToolCall      `json:"toolCalls,omitempty"`
	DurationMs     int64           `json:"durationMs"`
	Error          string          `json:"error,omitempty"`
	Class          ErrorClass      `json:"class,omitempty"`
	RawRequest     string          `json:"rawRequest,omitempty"`
}

// ToolNames returns the tool names in invocation order.
func (o Outcome) ToolNames() []string {
	names := make([]string, 0, len(o.ToolCalls))
	for _, call := range o.ToolCalls {
		names = append(names, call.Tool)
	}
	return names
}

// Summary renders a one-line description suitable for reports.
func (o Outcome) Summary() string {
	switch {
	case !o.OK && o.Error != "":
		return o.Error
	case o.Text != "":
		return truncate(o.Text, 240)
	case o.Records != nil || o.ProtocolStatus != "":
		return fmt.Sprintf("%d record(s)", len(o.Records))
	case o.Status != 0:
		return fmt.Sprintf("HTTP %d", o.Status)
	default:
		return ""
	}
}

func truncate(s string, width int) string {
	return runewidth.Truncate(strings.TrimSpace(s), width, "...")
}
