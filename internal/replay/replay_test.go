package replay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mdwoicke/dentix-ortho-sub015/internal/capture"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/config"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/logger"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/protocol"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 10, 1, 10, 0, 0, 0, time.UTC)

// fakeCaller stands in for the protocol client.
type fakeCaller struct {
	mu       sync.Mutex
	reply    func(req protocol.Request) protocol.Outcome
	requests []protocol.Request
	times    []time.Time
}

func (f *fakeCaller) Call(_ context.Context, _ config.EnvironmentConfig, req protocol.Request) protocol.Outcome {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.times = append(f.times, time.Now())
	f.mu.Unlock()
	if f.reply == nil {
		return protocol.Outcome{OK: true}
	}
	return f.reply(req)
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

// sampleCall is a two-turn call with one patient lookup and one failed slot
// search.
func sampleCall() []capture.Observation {
	return []capture.Observation{
		{ID: "turn-1", CallID: "call-1", Kind: capture.KindTurn, Timestamp: t0,
			Request: raw(`{"question":"I need to book a consult for Jane Smith"}`), Response: raw(`{"text":"Let me look that up."}`)},
		{ID: "tool-1", CallID: "call-1", Kind: capture.KindTool, Name: tools.ToolPatient, Timestamp: t0.Add(1 * time.Second),
			Request: raw(`{"action":"lookup","filter":"Smith"}`), Response: raw(`"{\"success\":true,\"count\":1}"`)},
		{ID: "api-1", CallID: "call-1", Kind: capture.KindAPI, Name: "http api call", StatusCode: 200, Timestamp: t0.Add(2 * time.Second),
			Endpoint: "https://mw.example.com/chord/ortho/getPatientByFilter",
			Request:  raw(`{"filter":"Smith"}`), Response: raw(`{"patients":[{"patientGUID":"p-1","lastName":"Smith"}]}`)},
		{ID: "turn-2", CallID: "call-1", Kind: capture.KindTurn, Timestamp: t0.Add(60 * time.Second),
			Request: raw(`{"question":"Any openings next week?"}`), Response: raw(`{"text":"Checking."}`)},
		{ID: "tool-2", CallID: "call-1", Kind: capture.KindTool, Name: tools.ToolSchedule, Timestamp: t0.Add(61 * time.Second),
			Level: "ERROR", StatusMessage: "slot search failed", Request: raw(`{"action":"slots"}`)},
		{ID: "api-2", CallID: "call-1", Kind: capture.KindAPI, Name: "slots api", StatusCode: 200, Timestamp: t0.Add(62 * time.Second),
			Endpoint: "https://mw.example.com/chord/ortho/getApptSlots",
			Request:  raw(`{"startDate":"10/01/2026","endDate":"10/15/2026"}`), Response: raw(`{"slots":[{"StartTime":"2026-10-05T09:00:00Z"}]}`)},
		{ID: "gen-1", CallID: "call-1", Kind: capture.KindGeneration, Name: "ChatOpenAI", Timestamp: t0.Add(63 * time.Second)},
	}
}

func newBuilder(obs ...capture.Observation) *HarnessBuilder {
	return NewHarnessBuilder(capture.NewMemoryStore(obs...), logger.Nop())
}

func TestEmptyHarness(t *testing.T) {
	h, err := newBuilder(sampleCall()...).Build(context.Background(), "no-such-call")
	require.NoError(t, err)
	assert.True(t, h.Empty())
	assert.Len(t, h.Observations, 0)
	assert.Zero(t, h.Len())

	exec := NewMockExecutor(nil, nil, logger.Nop())
	for _, in := range []tools.Input{
		{Tool: tools.ToolPatient, Args: map[string]any{"action": "lookup", "filter": "Smith"}},
		{Tool: tools.ToolSchedule, Args: map[string]any{"action": "slots"}},
		{Tool: tools.ToolPatient, Args: map[string]any{"action": "locations"}},
	} {
		res := exec.Execute(context.Background(), in, h)
		assert.False(t, res.OK)
		assert.True(t, res.NoMockMatch(), res.Error)
		assert.Contains(t, res.Log[0], MockMarker)
	}
}

func TestHarnessKeysAndAliases(t *testing.T) {
	a := sampleCall()[2]
	b := sampleCall()[5]
	c := sampleCall()[1]
	h, err := newBuilder(a, b, c).Build(context.Background(), "call-1")
	require.NoError(t, err)

	assert.Equal(t, 3, h.Len())
	assert.Equal(t, []string{"chord_ortho_patient", "getApptSlots", "getPatientByFilter"}, h.Keys())
	assert.Equal(t, []string{"http api call", "slots api"}, h.Aliases())

	byKey, ok := h.Lookup("getPatientByFilter")
	require.True(t, ok)
	byName, ok := h.Lookup("http api call")
	require.True(t, ok)
	assert.Equal(t, byKey, byName)
	assert.Equal(t, "api-1", byKey.ObservationID)
}

func TestHarnessLastWriteWins(t *testing.T) {
	first := sampleCall()[2]
	later := first
	later.ID = "api-1b"
	later.Timestamp = first.Timestamp.Add(time.Minute)
	later.Response = raw(`{"patients":[]}`)

	h, err := newBuilder(later, first).Build(context.Background(), "call-1")
	require.NoError(t, err)
	e, ok := h.Lookup("getPatientByFilter")
	require.True(t, ok)
	assert.Equal(t, "api-1b", e.ObservationID)
	assert.Equal(t, 1, h.Len())
}

func TestHarnessLastWriteWinsAcrossKeySchemes(t *testing.T) {
	early := capture.Observation{ID: "tool-early", CallID: "call-1", Kind: capture.KindTool, Name: "getPatient",
		Timestamp: t0, Response: raw(`{"patient":{"PatientGUID":"p-1"}}`)}
	late := capture.Observation{ID: "api-late", CallID: "call-1", Kind: capture.KindAPI, Name: "getPatient", StatusCode: 200,
		Timestamp: t0.Add(time.Second), Endpoint: "https://mw.example.com/chord/ortho/otherKey",
		Response: raw(`{"patient":{"PatientGUID":"p-2"}}`)}

	h, err := newBuilder(late, early).Build(context.Background(), "call-1")
	require.NoError(t, err)

	e, ok := h.Lookup("getPatient")
	require.True(t, ok)
	assert.Equal(t, "api-late", e.ObservationID)
	e, ok = h.Lookup("otherKey")
	require.True(t, ok)
	assert.Equal(t, "api-late", e.ObservationID)
	assert.Equal(t, []string{"getPatient", "otherKey"}, h.Keys())
	assert.Empty(t, h.Aliases())
}

func TestHarnessBuildIsIdempotent(t *testing.T) {
	b := newBuilder(sampleCall()...)
	h1, err := b.Build(context.Background(), "call-1")
	require.NoError(t, err)
	h2, err := b.Build(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestMockExecuteServesCapturedResponse(t *testing.T) {
	h, err := newBuilder(sampleCall()...).Build(context.Background(), "call-1")
	require.NoError(t, err)

	exec := NewMockExecutor(nil, nil, logger.Nop())
	res := exec.Execute(context.Background(), tools.Input{
		Tool: tools.ToolPatient,
		Args: map[string]any{"action": "lookup", "filter": "Smith"},
	}, h)

	require.True(t, res.OK, res.Error)
	assert.Equal(t, tools.ActionPatientByFilter, res.Action)
	assert.Equal(t, []string{tools.ActionPatientByFilter}, res.Hits)
	assert.Empty(t, res.Misses)
	require.NotEmpty(t, res.Log)
	assert.Contains(t, res.Log[0], "[MOCK] hit")
	assert.Contains(t, res.Log[0], "api-1")

	var out struct {
		Count   int               `json:"count"`
		Records []protocol.Record `json:"records"`
	}
	require.NoError(t, json.Unmarshal(res.Output, &out))
	assert.Equal(t, 1, out.Count)
	assert.Equal(t, "p-1", out.Records[0]["patientGUID"])
}

func TestMockExecuteNeverFallsThrough(t *testing.T) {
	h, err := newBuilder(sampleCall()...).Build(context.Background(), "call-1")
	require.NoError(t, err)

	res := NewMockExecutor(nil, nil, logger.Nop()).Execute(context.Background(), tools.Input{
		Tool: tools.ToolPatient,
		Args: map[string]any{"action": "get", "patientGUID": "p-1"},
	}, h)
	assert.False(t, res.OK)
	assert.Equal(t, protocol.ClassNoMockMatch, res.Class)
	assert.Equal(t, []string{tools.ActionPatient}, res.Misses)
}

func TestReplayCallFlagsDrift(t *testing.T) {
	b := newBuilder(sampleCall()...)
	exec := NewMockExecutor(b, NewGuard(), logger.Nop())

	res, err := exec.ReplayCall(context.Background(), "call-1")
	require.NoError(t, err)
	assert.False(t, res.Empty)
	require.Len(t, res.Invocations, 2)

	lookup := res.Invocations[0]
	assert.Equal(t, "tool-1", lookup.ObservationID)
	assert.True(t, lookup.OriginalOK)
	assert.True(t, lookup.Replay.OK)
	assert.False(t, lookup.Drift)

	slots := res.Invocations[1]
	assert.Equal(t, "tool-2", slots.ObservationID)
	assert.False(t, slots.OriginalOK)
	assert.True(t, slots.Replay.OK, slots.Replay.Error)
	assert.True(t, slots.Drift)
	assert.Equal(t, 1, res.Drifted)
	assert.Zero(t, res.NoMockMatch)
}

func TestReplayCallRejectsConcurrentReplay(t *testing.T) {
	guard := NewGuard()
	release, err := guard.Acquire("call-1")
	require.NoError(t, err)

	exec := NewMockExecutor(newBuilder(sampleCall()...), guard, logger.Nop())
	_, err = exec.ReplayCall(context.Background(), "call-1")
	assert.True(t, errors.Is(err, ErrReplayInProgress))

	release()
	_, err = exec.ReplayCall(context.Background(), "call-1")
	assert.NoError(t, err)
	assert.False(t, guard.Active("call-1"))
}

func TestModes(t *testing.T) {
	got := Modes()
	require.Len(t, got, 5)
	names := []string{}
	for _, m := range got {
		names = append(names, m.Name)
		assert.NotEmpty(t, m.Description)
	}
	assert.Equal(t, []string{ModeDiagnose, ModeMock, ModeConversation, ModeDirect, ModeTool}, names)

	got[0].Name = "changed"
	assert.Equal(t, ModeDiagnose, Modes()[0].Name)
}

func TestNilGuardAdmitsEverything(t *testing.T) {
	var g *Guard
	release, err := g.Acquire("x")
	require.NoError(t, err)
	release()
	assert.False(t, g.Active("x"))
}
