// Package tools holds the agent tool logic that sits between the
// orchestration layer and the middleware. The same code runs live and under
// mock replay; only the MiddlewareCaller differs.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mdwoicke/dentix-ortho-sub015/internal/config"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/logger"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/protocol"
)

// Tool names exposed to the agent.
const (
	ToolPatient    = "chord_ortho_patient"
	ToolSchedule   = "schedule_appointment_ortho"
	ToolDateTime   = "current_date_time"
	ToolEscalation = "chord_handleEscalation"
)

var knownTools = map[string]struct{}{
	ToolPatient:    {},
	ToolSchedule:   {},
	ToolDateTime:   {},
	ToolEscalation: {},
}

// IsKnownTool reports whether name is one of the agent's real tools.
func IsKnownTool(name string) bool {
	_, ok := knownTools[strings.TrimSpace(name)]
	return ok
}

// ErrUnknownAction indicates a tool input names no supported action.
var ErrUnknownAction = errors.New("unknown tool action")

// MiddlewareCaller issues one middleware action on behalf of tool logic.
type MiddlewareCaller interface {
	CallAction(ctx context.Context, action string, body map[string]any) protocol.Outcome
}

// LiveCaller forwards tool actions to the real middleware.
type LiveCaller struct {
	Client        protocol.Caller
	Env           config.EnvironmentConfig
	CorrelationID string
}

// CallAction implements MiddlewareCaller.
func (l LiveCaller) CallAction(ctx context.Context, action string, body map[string]any) protocol.Outcome {
	return l.Client.Call(ctx, l.Env, protocol.Request{
		Hop:           protocol.HopMiddleware,
		Action:        action,
		Body:          body,
		CorrelationID: l.CorrelationID,
	})
}

// Input is one tool invocation as issued by the agent.
type Input struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// ParseInput decodes a recorded tool input. Inputs recorded as a JSON string
// holding an object are unwrapped.
func ParseInput(tool string, raw json.RawMessage) (Input, error) {
	in := Input{Tool: tool, Args: map[string]any{}}
	if len(raw) == 0 || string(raw) == "null" {
		return in, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		raw = json.RawMessage(s)
		if strings.TrimSpace(s) == "" {
			return in, nil
		}
	}
	if err := json.Unmarshal(raw, &in.Args); err != nil {
		return in, fmt.Errorf("decode %s input: %w", tool, err)
	}
	return in, nil
}

// Result is the outcome of one tool execution.
type Result struct {
	Tool     string              `json:"tool"`
	Action   string              `json:"action,omitempty"`
	OK       bool                `json:"ok"`
	Output   json.RawMessage     `json:"output,omitempty"`
	Error    string              `json:"error,omitempty"`
	Class    protocol.ErrorClass `json:"class,omitempty"`
	Upstream *protocol.Outcome   `json:"upstream,omitempty"`
}

// Executor runs tool logic.
type Executor struct {
	caller     MiddlewareCaller
	logger     logger.Logger
	now        func() time.Time
	windowDays int
	maxSlots   int
}

// Option customizes an Executor.
type Option func(*Executor)

// WithClock fixes the clock used by date handling.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithSlotWindow sets the default slot search window in days.
func WithSlotWindow(days int) Option {
	return func(e *Executor) {
		if days > 0 {
			e.windowDays = days
		}
	}
}

// NewExecutor returns tool logic bound to caller.
func NewExecutor(caller MiddlewareCaller, log logger.Logger, opts ...Option) *Executor {
	e := &Executor{
		caller:     caller,
		logger:     log,
		now:        time.Now,
		windowDays: 14,
		maxSlots:   10,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one tool invocation.
func (e *Executor) Run(ctx context.Context, in Input) Result {
	res := Result{Tool: in.Tool}
	if in.Tool == ToolDateTime {
		return e.currentDateTime(res)
	}

	call, err := ResolveAction(in.Tool, in.Args, e.now(), e.windowDays)
	if err != nil {
		res.Error = err.Error()
		res.Class = protocol.ClassConfiguration
		return res
	}
	res.Action = call.Action
	if missing := call.missingFields(); len(missing) > 0 {
		res.Error = fmt.Sprintf("missing required field(s): %s", strings.Join(missing, ", "))
		res.Class = protocol.ClassProtocol
		return res
	}

	out := e.caller.CallAction(ctx, call.Action, call.Body)
	res.Upstream = &out
	if !out.OK {
		res.Error = out.Error
		res.Class = out.Class
		res.Output = errorOutput(call.Action, out.Error)
		return res
	}

	records := out.Records
	if call.Action == ActionSlots || call.Action == ActionGroupedSlots {
		records = e.pickSlots(records)
	}
	res.OK = true
	res.Output = successOutput(call.Action, records, out.Message)
	e.logger.Debug("Tool executed", "tool", in.Tool, "action", call.Action, "records", len(records))
	return res
}

func (e *Executor) currentDateTime(res Result) Result {
	now := e.now()
	payload, _ := json.Marshal(map[string]string{
		"date":     now.Format("2006-01-02"),
		"time":     now.Format("15:04"),
		"weekday":  now.Weekday().String(),
		"timezone": now.Location().String(),
	})
	res.OK = true
	res.Output = payload
	return res
}

// pickSlots keeps the earliest slots in start-time order.
func (e *Executor) pickSlots(records []protocol.Record) []protocol.Record {
	sorted := append([]protocol.Record(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return slotStart(sorted[i]) < slotStart(sorted[j])
	})
	if len(sorted) > e.maxSlots {
		sorted = sorted[:e.maxSlots]
	}
	return sorted
}

func slotStart(r protocol.Record) string {
	for _, key := range []string{"StartTime", "startTime", "start", "dateTime"} {
		if v, ok := r[key]; ok {
			return v
		}
	}
	return ""
}

func successOutput(action string, records []protocol.Record, message string) json.RawMessage {
	if records == nil {
		records = []protocol.Record{}
	}
	payload, _ := json.Marshal(map[string]any{
		"success": true,
		"action":  action,
		"count":   len(records),
		"records": records,
		"message": message,
	})
	return payload
}

func errorOutput(action, msg string) json.RawMessage {
	payload, _ := json.Marshal(map[string]any{
		"success": false,
		"action":  action,
		"error":   msg,
	})
	return payload
}
