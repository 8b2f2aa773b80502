package diagnostic

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mdwoicke/dentix-ortho-sub015/internal/config"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/logger"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/probe"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/protocol"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/recommend"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hopCaller answers every hop with a healthy outcome unless overridden.
type hopCaller struct {
	mu       sync.Mutex
	failHop  map[protocol.Hop]protocol.Outcome
	block    bool
	requests []protocol.Request
}

func (h *hopCaller) Call(ctx context.Context, _ config.EnvironmentConfig, req protocol.Request) protocol.Outcome {
	h.mu.Lock()
	h.requests = append(h.requests, req)
	h.mu.Unlock()

	if h.block {
		<-ctx.Done()
		return protocol.Outcome{OK: false, Class: protocol.ClassTransport, Error: "call cancelled"}
	}
	if out, ok := h.failHop[req.Hop]; ok {
		return out
	}
	if req.Action == "GetPatientInformation" || req.Action == tools.ActionPatient {
		return protocol.Outcome{OK: false, Class: protocol.ClassProtocol, Error: "Patient not found"}
	}
	return protocol.Outcome{
		OK:        true,
		Records:   []protocol.Record{{"LocationGUID": "l", "ProviderGUID": "p", "AppointmentTypeGUID": "a"}},
		Text:      "Happy to help.",
		ToolCalls: []protocol.ToolCall{{Tool: tools.ToolDateTime}},
	}
}

func (h *hopCaller) hops() map[protocol.Hop]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := map[protocol.Hop]int{}
	for _, r := range h.requests {
		out[r.Hop]++
	}
	return out
}

func fullEnv() config.EnvironmentConfig {
	return config.EnvironmentConfig{
		Name:          "test",
		Backend:       config.BackendConfig{Endpoint: "http://backend.invalid/GetData.ashx", ClientID: "c", UserName: "u", Password: "p"},
		Middleware:    config.MiddlewareConfig{BaseURL: "http://middleware.invalid/chord"},
		Orchestration: config.OrchestrationConfig{Endpoint: "http://agent.invalid/predict"},
		Defaults:      config.DefaultIdentifiers{LocationGUID: "loc", ScheduleViewGUID: "view", PatientLastName: "Test"},
	}
}

func newOrchestrator(caller protocol.Caller, opts ...Option) *Orchestrator {
	probes := probe.All(caller, protocol.NewPacer(0), logger.Nop(), probe.Settings{})
	return NewOrchestrator(probes, recommend.NewEngine(logger.Nop()), logger.Nop(), opts...)
}

func TestAllLayersPass(t *testing.T) {
	caller := &hopCaller{}
	report := newOrchestrator(caller).Run(context.Background(), fullEnv(), Policy{StopOnFirstFailure: true})

	require.Len(t, report.Layers, 4)
	for i, hop := range protocol.Order() {
		assert.Equal(t, hop, report.Layers[i].Layer)
		assert.Equal(t, StatusPassed, report.Layers[i].Status, hop)
	}
	assert.Nil(t, report.FirstFailure)
	assert.True(t, report.Passed())
	assert.Equal(t, recommend.AllPassedMessage, report.Recommendation)
	assert.Equal(t, probe.BatteryVersion, report.BatteryVersion)
	assert.NotEmpty(t, report.ID)
}

func TestStopOnFirstFailureSkipsUpperLayers(t *testing.T) {
	caller := &hopCaller{failHop: map[protocol.Hop]protocol.Outcome{
		protocol.HopMiddleware: {OK: false, Class: protocol.ClassProtocol, Error: "HTTP 500: workflow error"},
	}}
	report := newOrchestrator(caller).Run(context.Background(), fullEnv(), Policy{StopOnFirstFailure: true})

	require.Len(t, report.Layers, 4)
	require.NotNil(t, report.FirstFailure)
	assert.Equal(t, protocol.HopMiddleware, report.FirstFailure.Layer)
	assert.Equal(t, "list locations", report.FirstFailure.TestName)
	assert.Equal(t, StatusFailed, report.Layers[1].Status)
	for _, lr := range report.Layers[2:] {
		assert.Equal(t, StatusSkipped, lr.Status)
		assert.Empty(t, lr.Results)
		assert.NotNil(t, lr.Results)
		assert.Contains(t, lr.SkipReason, "middleware layer failed")
	}
	assert.Zero(t, caller.hops()[protocol.HopOrchestration])
	assert.Zero(t, caller.hops()[protocol.HopConversational])
	assert.Contains(t, report.Recommendation, "workflow")
}

func TestFirstFailureIsNeverOverwritten(t *testing.T) {
	caller := &hopCaller{failHop: map[protocol.Hop]protocol.Outcome{
		protocol.HopMiddleware:     {OK: false, Class: protocol.ClassProtocol, Error: "first"},
		protocol.HopConversational: {OK: false, Class: protocol.ClassProtocol, Error: "later"},
	}}
	report := newOrchestrator(caller).Run(context.Background(), fullEnv(), Policy{StopOnFirstFailure: false})

	require.NotNil(t, report.FirstFailure)
	assert.Equal(t, protocol.HopMiddleware, report.FirstFailure.Layer)
	assert.Equal(t, "first", report.FirstFailure.Error)
	assert.Equal(t, StatusFailed, report.Layers[3].Status)
	assert.Equal(t, StatusPassed, report.Layers[2].Status)
	assert.Positive(t, caller.hops()[protocol.HopConversational])
}

func TestLayerSubsetKeepsDependencyOrder(t *testing.T) {
	caller := &hopCaller{}
	policy := Policy{Layers: []protocol.Hop{protocol.HopConversational, protocol.HopBackend}}
	report := newOrchestrator(caller).Run(context.Background(), fullEnv(), policy)

	require.Len(t, report.Layers, 2)
	assert.Equal(t, protocol.HopBackend, report.Layers[0].Layer)
	assert.Equal(t, protocol.HopConversational, report.Layers[1].Layer)
	assert.Zero(t, caller.hops()[protocol.HopMiddleware])
}

func TestUnconfiguredLayerIsSkippedNotFailed(t *testing.T) {
	env := fullEnv()
	env.Orchestration.Endpoint = ""
	report := newOrchestrator(&hopCaller{}).Run(context.Background(), env, Policy{StopOnFirstFailure: true})

	require.Len(t, report.Layers, 4)
	orch, ok := report.Layer(protocol.HopOrchestration)
	require.True(t, ok)
	assert.Equal(t, StatusSkipped, orch.Status)
	assert.Contains(t, orch.SkipReason, "not configured")
	assert.Nil(t, report.FirstFailure)
}

func TestRunTimeoutYieldsIncompleteReport(t *testing.T) {
	caller := &hopCaller{block: true}
	o := newOrchestrator(caller, WithRunTimeout(30*time.Millisecond))

	report := o.Run(context.Background(), fullEnv(), Policy{StopOnFirstFailure: true})
	require.NotNil(t, report)
	assert.True(t, report.Incomplete)
	assert.Contains(t, report.IncompleteReason, "timeout")
	require.Len(t, report.Layers, 4)
	for _, lr := range report.Layers {
		assert.Equal(t, StatusSkipped, lr.Status)
		assert.Contains(t, lr.SkipReason, "interrupted")
	}
	assert.Len(t, caller.requests, 1)
	assert.NotEmpty(t, report.Recommendation)
}

func TestObserverSeesTransitionsInOrder(t *testing.T) {
	var (
		mu     sync.Mutex
		states []string
		n      int
	)
	obs := func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		switch ev.Type {
		case EventState:
			states = append(states, ev.State.String())
		case EventResult:
			n++
		}
	}
	caller := &hopCaller{failHop: map[protocol.Hop]protocol.Outcome{
		protocol.HopOrchestration: {OK: false, Class: protocol.ClassExpectation, Error: "empty reply from agent"},
	}}
	report := newOrchestrator(caller, WithObserver(obs)).Run(context.Background(), fullEnv(), Policy{StopOnFirstFailure: true})

	assert.Equal(t, []string{
		"not_started",
		"running_layer(0:backend)",
		"running_layer(1:middleware)",
		"running_layer(2:orchestration)",
		"stopped",
	}, states)
	assert.Equal(t, len(report.AllResults()), n)
}

// TestUnreachableMiddlewareEndToEnd drives the real protocol client against a
// working backend and a middleware address nobody listens on.
func TestUnreachableMiddlewareEndToEnd(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		procedure, _, err := protocol.DecodeBackendRequest(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := protocol.BackendResponse{
			Status:  protocol.BackendStatusSuccess,
			Records: []protocol.Record{{"LocationGUID": "l", "ProviderGUID": "p", "AppointmentTypeGUID": "a"}},
		}
		if procedure == "GetPatientInformation" {
			resp = protocol.BackendResponse{Status: "Error", Message: "Patient not found"}
		}
		out, err := protocol.EncodeBackendResponse(resp)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write(out)
	}))
	defer backend.Close()

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	env := fullEnv()
	env.Backend.Endpoint = backend.URL + "/GetData.ashx"
	env.Middleware.BaseURL = deadURL + "/chord"

	client := protocol.NewClient(logger.Nop(), protocol.Options{Timeouts: protocol.Timeouts{
		Backend: 5 * time.Second, Middleware: 2 * time.Second, Orchestration: 2 * time.Second,
	}})
	defer client.Close()

	o := newOrchestrator(client)
	report := o.Run(context.Background(), env, Policy{StopOnFirstFailure: true})

	require.Len(t, report.Layers, 4)
	be := report.Layers[0]
	assert.Equal(t, StatusPassed, be.Status)
	assert.Equal(t, 6, be.Summary.Passed)
	assert.Zero(t, be.Summary.Failed)

	mw := report.Layers[1]
	assert.Equal(t, StatusFailed, mw.Status)
	assert.GreaterOrEqual(t, mw.Summary.Failed, 1)
	assert.Equal(t, protocol.ClassTransport, mw.Results[0].Class)

	require.NotNil(t, report.FirstFailure)
	assert.Equal(t, protocol.HopMiddleware, report.FirstFailure.Layer)
	assert.Equal(t, StatusSkipped, report.Layers[2].Status)
	assert.Equal(t, StatusSkipped, report.Layers[3].Status)
	assert.Empty(t, report.Layers[2].Results)
	assert.Contains(t, report.Recommendation, "middleware.base_url")
}
