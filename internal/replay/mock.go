package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mdwoicke/dentix-ortho-sub015/internal/capture"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/logger"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/metrics"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/protocol"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/tools"
)

// MockMarker tags every log line produced by a mock replay.
const MockMarker = "[MOCK]"

// mockCaller satisfies tools.MiddlewareCaller from a harness. It never
// touches the network: a miss is a no_mock_match failure.
type mockCaller struct {
	harness *MockHarness
	logger  logger.Logger

	mu     sync.Mutex
	lines  []string
	hits   []string
	misses []string
}

func (m *mockCaller) CallAction(_ context.Context, action string, _ map[string]any) protocol.Outcome {
	entry, ok := m.harness.Lookup(action)
	metrics.ObserveMockLookup(ok)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !ok {
		line := fmt.Sprintf("%s miss: no captured response for action %q", MockMarker, action)
		m.lines = append(m.lines, line)
		m.misses = append(m.misses, action)
		m.logger.Warn(line, "action", action)
		return protocol.Outcome{
			OK:    false,
			Class: protocol.ClassNoMockMatch,
			Error: fmt.Sprintf("no mock match for action %q", action),
		}
	}

	line := fmt.Sprintf("%s hit: action %q served from observation %s", MockMarker, action, entry.ObservationID)
	m.lines = append(m.lines, line)
	m.hits = append(m.hits, action)
	m.logger.Info(line, "action", action, "observation_id", entry.ObservationID)

	status := entry.StatusCode
	if status == 0 {
		status = 200
	}
	return protocol.DecodeMiddlewareResponse(status, "application/json", entry.Response)
}

// MockReplayResult is the outcome of one tool invocation replayed against a
// harness.
type MockReplayResult struct {
	Mode   string              `json:"mode"`
	CallID string              `json:"callId"`
	Tool   string              `json:"tool"`
	Action string              `json:"action,omitempty"`
	OK     bool                `json:"ok"`
	Output json.RawMessage     `json:"output,omitempty"`
	Error  string              `json:"error,omitempty"`
	Class  protocol.ErrorClass `json:"class,omitempty"`
	Log    []string            `json:"log"`
	Hits   []string            `json:"hits,omitempty"`
	Misses []string            `json:"misses,omitempty"`
}

// NoMockMatch reports whether the replay failed because the harness lacked
// a captured response.
func (r MockReplayResult) NoMockMatch() bool {
	return r.Class == protocol.ClassNoMockMatch
}

// InvocationReplay pairs a captured tool invocation with its mock replay.
type InvocationReplay struct {
	ObservationID  string           `json:"observationId"`
	Tool           string           `json:"tool"`
	OriginalOK     bool             `json:"originalOk"`
	OriginalOutput json.RawMessage  `json:"originalOutput,omitempty"`
	Replay         MockReplayResult `json:"replay"`
	// Drift is set when the replay's success differs from the recording.
	Drift bool `json:"drift"`
	// OutputChanged is set when both succeeded but the outputs differ.
	OutputChanged bool `json:"outputChanged,omitempty"`
}

// CallReplayResult covers every captured tool invocation of a call.
type CallReplayResult struct {
	Mode         string             `json:"mode"`
	CallID       string             `json:"callId"`
	Empty        bool               `json:"empty"`
	HarnessKeys  []string           `json:"harnessKeys"`
	Invocations  []InvocationReplay `json:"invocations"`
	Drifted      int                `json:"drifted"`
	NoMockMatch  int                `json:"noMockMatch"`
	Incomplete   bool               `json:"incomplete,omitempty"`
	Error        string             `json:"error,omitempty"`
	DurationMs   int64              `json:"durationMs"`
	StartedAt    time.Time          `json:"startedAt"`
	SkippedTools []string           `json:"skippedTools,omitempty"`
}

// MockExecutor runs the live tool logic with the middleware replaced by a
// harness.
type MockExecutor struct {
	builder *HarnessBuilder
	guard   *Guard
	logger  logger.Logger
	opts    []tools.Option
}

// NewMockExecutor creates a mock executor. guard may be nil.
func NewMockExecutor(builder *HarnessBuilder, guard *Guard, log logger.Logger, opts ...tools.Option) *MockExecutor {
	return &MockExecutor{builder: builder, guard: guard, logger: log, opts: opts}
}

// Execute runs one tool invocation against harness.
func (m *MockExecutor) Execute(ctx context.Context, in tools.Input, harness *MockHarness, opts ...tools.Option) MockReplayResult {
	mc := &mockCaller{harness: harness, logger: m.logger}
	exec := tools.NewExecutor(mc, m.logger, append(append([]tools.Option(nil), m.opts...), opts...)...)
	res := exec.Run(ctx, in)

	out := MockReplayResult{
		Mode:   ModeMock,
		Tool:   in.Tool,
		Action: res.Action,
		OK:     res.OK,
		Output: res.Output,
		Error:  res.Error,
		Class:  res.Class,
		Log:    append([]string{}, mc.lines...),
		Hits:   mc.hits,
		Misses: mc.misses,
	}
	if harness != nil {
		out.CallID = harness.CallID
	}
	if !res.OK {
		out.Log = append(out.Log, fmt.Sprintf("%s %s failed: %s", MockMarker, in.Tool, res.Error))
	}
	return out
}

// ReplayCall replays every captured tool invocation of callID in recorded
// order, each with the clock fixed at its capture time.
func (m *MockExecutor) ReplayCall(ctx context.Context, callID string) (result CallReplayResult, err error) {
	release, err := m.guard.Acquire(callID)
	if err != nil {
		return CallReplayResult{}, err
	}
	defer release()

	start := time.Now()
	result = CallReplayResult{Mode: ModeMock, CallID: callID, StartedAt: start, Invocations: []InvocationReplay{}}
	defer func() {
		result.DurationMs = time.Since(start).Milliseconds()
		metrics.ObserveReplay(ModeMock, result.Error == "" && !result.Incomplete && result.Drifted == 0)
	}()

	harness, berr := m.builder.Build(ctx, callID)
	if berr != nil {
		result.Error = berr.Error()
		return result, nil
	}
	result.Empty = harness.Empty()
	result.HarnessKeys = harness.Keys()

	replayToolInvocations(ctx, &result, harness.Observations, func(ctx context.Context, in tools.Input, ts time.Time) MockReplayResult {
		return m.Execute(ctx, in, harness, tools.WithClock(func() time.Time { return ts }))
	})

	m.logger.Info("Mock replay finished",
		"call_id", callID,
		"invocations", len(result.Invocations),
		"drifted", result.Drifted,
		"no_mock_match", result.NoMockMatch,
	)
	return result, nil
}

// replayToolInvocations feeds every captured invocation of a known tool, in
// recorded order, to run and folds the comparisons into result.
func replayToolInvocations(ctx context.Context, result *CallReplayResult, observations []capture.Observation,
	run func(ctx context.Context, in tools.Input, capturedAt time.Time) MockReplayResult) {
	for _, obs := range observations {
		if obs.Kind != capture.KindTool {
			continue
		}
		if !tools.IsKnownTool(obs.Name) {
			result.SkippedTools = append(result.SkippedTools, obs.Name)
			continue
		}
		if ctx.Err() != nil {
			result.Incomplete = true
			break
		}
		in, perr := tools.ParseInput(obs.Name, obs.Request)
		if perr != nil {
			origOK := recordedSuccess(obs)
			result.Invocations = append(result.Invocations, InvocationReplay{
				ObservationID: obs.ID,
				Tool:          obs.Name,
				OriginalOK:    origOK,
				Replay:        MockReplayResult{Mode: result.Mode, CallID: result.CallID, Tool: obs.Name, Error: perr.Error(), Class: protocol.ClassProtocol},
				Drift:         origOK,
			})
			result.Drifted += boolToInt(origOK)
			continue
		}
		rep := run(ctx, in, obs.Timestamp)
		inv := compareInvocation(obs, rep)
		if inv.Drift {
			result.Drifted++
		}
		if rep.NoMockMatch() {
			result.NoMockMatch++
		}
		result.Invocations = append(result.Invocations, inv)
	}
}

func compareInvocation(obs capture.Observation, rep MockReplayResult) InvocationReplay {
	origOK := recordedSuccess(obs)
	inv := InvocationReplay{
		ObservationID:  obs.ID,
		Tool:           obs.Name,
		OriginalOK:     origOK,
		OriginalOutput: obs.Response,
		Replay:         rep,
		Drift:          origOK != rep.OK,
	}
	if origOK && rep.OK && obs.Name != tools.ToolDateTime {
		inv.OutputChanged = !sameJSON(unwrapJSONString(obs.Response), rep.Output)
	}
	return inv
}

// recordedSuccess reads the success of a captured tool invocation from its
// level and, when present, the "success" flag of its output.
func recordedSuccess(obs capture.Observation) bool {
	if obs.IsError() {
		return false
	}
	var payload struct {
		Success *bool  `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(unwrapJSONString(obs.Response), &payload); err == nil {
		if payload.Success != nil {
			return *payload.Success
		}
		if payload.Error != "" {
			return false
		}
	}
	return true
}

func unwrapJSONString(raw json.RawMessage) json.RawMessage {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	return raw
}

func sameJSON(a, b json.RawMessage) bool {
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b))
	}
	ca, _ := json.Marshal(va)
	cb, _ := json.Marshal(vb)
	return bytes.Equal(ca, cb)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
