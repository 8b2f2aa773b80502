package probe

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mdwoicke/dentix-ortho-sub015/internal/config"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/logger"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedCaller answers by action (or message) and records call order.
type scriptedCaller struct {
	mu       sync.Mutex
	answers  map[string]protocol.Outcome
	fallback protocol.Outcome
	requests []protocol.Request
	times    []time.Time
	onCall   func(int)
}

func (s *scriptedCaller) Call(_ context.Context, _ config.EnvironmentConfig, req protocol.Request) protocol.Outcome {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.times = append(s.times, time.Now())
	n := len(s.requests)
	s.mu.Unlock()
	if s.onCall != nil {
		s.onCall(n)
	}
	key := req.Action
	if key == "" {
		key = req.Message
	}
	if out, ok := s.answers[key]; ok {
		return out
	}
	return s.fallback
}

func (s *scriptedCaller) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, r := range s.requests {
		out = append(out, r.Action)
	}
	return out
}

func testEnv() config.EnvironmentConfig {
	return config.EnvironmentConfig{
		Name:          "test",
		Backend:       config.BackendConfig{Endpoint: "http://backend.invalid/GetData.ashx"},
		Middleware:    config.MiddlewareConfig{BaseURL: "http://middleware.invalid/chord"},
		Orchestration: config.OrchestrationConfig{Endpoint: "http://agent.invalid/predict"},
		Defaults:      config.DefaultIdentifiers{LocationGUID: "loc", ScheduleViewGUID: "view", PatientLastName: "Test"},
	}
}

func healthyBackend() *scriptedCaller {
	rec := protocol.Record{"LocationGUID": "l", "ProviderGUID": "p", "AppointmentTypeGUID": "a"}
	return &scriptedCaller{
		answers: map[string]protocol.Outcome{
			"GetPatientInformation": {OK: false, Class: protocol.ClassProtocol, Error: "Patient not found"},
		},
		fallback: protocol.Outcome{OK: true, Records: []protocol.Record{rec}},
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name   string
		expect Expectation
		out    protocol.Outcome
		passed bool
		class  protocol.ErrorClass
	}{
		{"ok with records", Expectation{ExpectSuccess: true, ExpectRecords: true}, protocol.Outcome{OK: true, Records: []protocol.Record{{}}}, true, ""},
		{"no records", Expectation{ExpectSuccess: true, ExpectRecords: true}, protocol.Outcome{OK: true, Records: []protocol.Record{}}, false, protocol.ClassExpectation},
		{"missing field", Expectation{ExpectSuccess: true, ExpectedFields: []string{"LocationGUID"}}, protocol.Outcome{OK: true, Records: []protocol.Record{{"Other": "x"}}}, false, protocol.ClassExpectation},
		{"empty set skips field check", Expectation{ExpectSuccess: true, ExpectedFields: []string{"LocationGUID"}}, protocol.Outcome{OK: true, Records: []protocol.Record{}}, true, ""},
		{"expected failure observed", Expectation{ExpectSuccess: false}, protocol.Outcome{OK: false, Error: "bad id", Class: protocol.ClassProtocol}, true, ""},
		{"expected failure but ok", Expectation{ExpectSuccess: false}, protocol.Outcome{OK: true}, false, protocol.ClassExpectation},
		{"transport failure", Expectation{ExpectSuccess: true}, protocol.Outcome{OK: false, Error: "unreachable", Class: protocol.ClassTransport}, false, protocol.ClassTransport},
		{"empty reply", Expectation{ExpectSuccess: true, ExpectReply: true}, protocol.Outcome{OK: true, Text: "  "}, false, protocol.ClassExpectation},
		{"tool missing", Expectation{ExpectSuccess: true, ExpectTools: []string{"current_date_time"}}, protocol.Outcome{OK: true, Text: "hi"}, false, protocol.ClassExpectation},
		{"tool present", Expectation{ExpectSuccess: true, ExpectTools: []string{"current_date_time"}}, protocol.Outcome{OK: true, ToolCalls: []protocol.ToolCall{{Tool: "current_date_time"}}}, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Evaluate(protocol.HopBackend, LayerTestCase{Name: tt.name, Expect: tt.expect}, tt.out)
			assert.Equal(t, tt.passed, r.Passed)
			assert.Equal(t, tt.class, r.Class)
			if !tt.passed {
				assert.NotEmpty(t, r.Error)
			}
		})
	}
}

func TestBackendProbeRunsBatteryInOrder(t *testing.T) {
	caller := healthyBackend()
	p := NewBackendProbe(caller, protocol.NewPacer(0), logger.Nop(), Settings{})

	var observed int
	results := p.Run(context.Background(), testEnv(), RunOptions{OnResult: func(LayerTestResult) { observed++ }})

	require.Len(t, results, 6)
	assert.Equal(t, 6, observed)
	for _, r := range results {
		assert.True(t, r.Passed, "%s: %s", r.TestName, r.Error)
		assert.Equal(t, protocol.HopBackend, r.Layer)
	}
	assert.Equal(t, []string{
		"GetLocations", "GetDoctors", "GetAppointmentTypes",
		"GetOnlineReservations", "GetPortalPatientLookup", "GetPatientInformation",
	}, caller.actions())
}

func TestBackendProbePacesCalls(t *testing.T) {
	caller := healthyBackend()
	p := NewBackendProbe(caller, protocol.NewPacer(15*time.Millisecond), logger.Nop(), Settings{})
	p.Run(context.Background(), testEnv(), RunOptions{})

	require.Len(t, caller.times, 6)
	for i := 1; i < len(caller.times); i++ {
		assert.GreaterOrEqual(t, caller.times[i].Sub(caller.times[i-1]), 10*time.Millisecond)
	}
}

func TestStopOnFirstFailure(t *testing.T) {
	caller := healthyBackend()
	caller.answers["GetDoctors"] = protocol.Outcome{OK: false, Error: "Invalid credentials", Class: protocol.ClassProtocol}
	p := NewBackendProbe(caller, nil, logger.Nop(), Settings{})

	results := p.Run(context.Background(), testEnv(), RunOptions{StopOnFirstFailure: true})
	require.Len(t, results, 2)
	assert.True(t, results[1].Failed())
	assert.Equal(t, "Invalid credentials", results[1].Error)

	all := p.Run(context.Background(), testEnv(), RunOptions{StopOnFirstFailure: false})
	assert.Len(t, all, 6)
}

func TestMissingEndpointYieldsOneSkippedResult(t *testing.T) {
	env := testEnv()
	env.Orchestration.Endpoint = ""
	caller := &scriptedCaller{}

	for _, p := range []*Probe{
		NewOrchestrationProbe(caller, logger.Nop(), Settings{}),
		NewConversationalProbe(caller, logger.Nop(), Settings{}),
	} {
		results := p.Run(context.Background(), env, RunOptions{})
		require.Len(t, results, 1, p.Layer())
		assert.True(t, results[0].Skipped)
		assert.False(t, results[0].Failed())
		assert.Equal(t, protocol.ClassConfiguration, results[0].Class)
		assert.Contains(t, results[0].Error, "not configured")
	}
	assert.Empty(t, caller.requests)
}

func TestConversationalProxyWithoutOrchestrationIsSkipped(t *testing.T) {
	env := testEnv()
	env.Orchestration.Endpoint = ""
	env.Conversational.Endpoint = "http://chat.invalid/api/chat"
	caller := &scriptedCaller{fallback: protocol.Outcome{OK: true, Text: "reply"}}

	results := NewConversationalProbe(caller, logger.Nop(), Settings{}).Run(context.Background(), env, RunOptions{})
	require.Len(t, results, 1)
	assert.True(t, results[0].Skipped)
	assert.Equal(t, protocol.ClassConfiguration, results[0].Class)
	assert.Contains(t, results[0].Error, "orchestration endpoint")
	assert.Empty(t, caller.requests)
}

func TestConversationalProbeSharesSession(t *testing.T) {
	caller := &scriptedCaller{fallback: protocol.Outcome{OK: true, Text: "reply"}}
	p := NewConversationalProbe(caller, logger.Nop(), Settings{MessageDelay: time.Millisecond})

	results := p.Run(context.Background(), testEnv(), RunOptions{})
	require.Len(t, results, 3)
	require.Len(t, caller.requests, 3)
	session := caller.requests[0].SessionID
	assert.NotEmpty(t, session)
	for _, req := range caller.requests {
		assert.Equal(t, session, req.SessionID)
		assert.Equal(t, protocol.HopConversational, req.Hop)
	}
}

func TestOrchestrationProbeUsesFreshSessions(t *testing.T) {
	caller := &scriptedCaller{fallback: protocol.Outcome{OK: true, Text: "reply",
		ToolCalls: []protocol.ToolCall{{Tool: "current_date_time"}}}}
	p := NewOrchestrationProbe(caller, logger.Nop(), Settings{})

	results := p.Run(context.Background(), testEnv(), RunOptions{})
	require.Len(t, results, 2)
	assert.NotEqual(t, caller.requests[0].SessionID, caller.requests[1].SessionID)
}

func TestCancellationReturnsPartialResults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	caller := healthyBackend()
	caller.onCall = func(n int) {
		if n == 3 {
			cancel()
		}
	}
	p := NewBackendProbe(caller, nil, logger.Nop(), Settings{})

	results := p.Run(ctx, testEnv(), RunOptions{})
	assert.Len(t, results, 2)
	assert.Len(t, caller.requests, 3)
}

func TestBatteryParameterizedFromDefaults(t *testing.T) {
	now := func() time.Time { return time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC) }
	p := NewBackendProbe(nil, nil, logger.Nop(), Settings{SlotWindowDays: 7, Now: now})
	cases := p.Cases(testEnv())

	slots := cases[3]
	assert.Equal(t, "GetOnlineReservations", slots.Action)
	assert.Contains(t, slots.Params, protocol.Param{Name: "startDate", Value: "10/17/2026 7:00:00 AM"})
	assert.Contains(t, slots.Params, protocol.Param{Name: "endDate", Value: "10/24/2026 7:00:00 AM"})
	assert.Contains(t, slots.Params, protocol.Param{Name: "schdvwGUIDs", Value: "view"})
	assert.False(t, cases[5].Expect.ExpectSuccess)
}
