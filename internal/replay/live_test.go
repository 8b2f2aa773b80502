package replay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/mdwoicke/dentix-ortho-sub015/internal/capture"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/config"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/logger"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type middlewareRecorder struct {
	mu           sync.Mutex
	paths        []string
	correlations []string
}

func (m *middlewareRecorder) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.paths = append(m.paths, r.URL.Path)
		m.correlations = append(m.correlations, r.Header.Get("X-Correlation-ID"))
		m.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/getPatientByFilter":
			w.Write([]byte(`{"patients":[{"patientGUID":"p-1","lastName":"Smith"}]}`))
		case "/getApptSlots":
			w.Write([]byte(`{"slots":[{"StartTime":"2026-10-20T09:00:00Z"}]}`))
		default:
			t.Errorf("unexpected middleware path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func newLiveClient(t *testing.T) *protocol.Client {
	t.Helper()
	client := protocol.NewClient(logger.Nop(), protocol.Options{})
	t.Cleanup(client.Close)
	return client
}

func TestLiveToolReplayHitsMiddleware(t *testing.T) {
	rec := &middlewareRecorder{}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	env := config.EnvironmentConfig{Name: "sandbox", Middleware: config.MiddlewareConfig{BaseURL: srv.URL}}
	live := NewLiveToolReplay(capture.NewMemoryStore(sampleCall()...), newLiveClient(t), env, NewGuard(), logger.Nop())

	res, err := live.ReplayCall(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, ModeTool, res.Mode)
	assert.False(t, res.Empty)
	assert.Empty(t, res.Error)
	require.Len(t, res.Invocations, 2)

	lookup := res.Invocations[0]
	assert.Equal(t, "tool-1", lookup.ObservationID)
	assert.True(t, lookup.Replay.OK, lookup.Replay.Error)
	assert.False(t, lookup.Drift)
	assert.Equal(t, "getPatientByFilter", lookup.Replay.Action)
	assert.Contains(t, lookup.Replay.Log[0], LiveMarker)

	// Recorded as a failure, the middleware now answers.
	slots := res.Invocations[1]
	assert.Equal(t, "tool-2", slots.ObservationID)
	assert.True(t, slots.Replay.OK, slots.Replay.Error)
	assert.True(t, slots.Drift)
	assert.Equal(t, 1, res.Drifted)
	assert.Zero(t, res.NoMockMatch)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"/getPatientByFilter", "/getApptSlots"}, rec.paths)
	require.Len(t, rec.correlations, 2)
	assert.NotEmpty(t, rec.correlations[0])
	assert.Equal(t, rec.correlations[0], rec.correlations[1])
}

func TestLiveToolReplayMiddlewareDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	env := config.EnvironmentConfig{Name: "sandbox", Middleware: config.MiddlewareConfig{BaseURL: srv.URL}}
	live := NewLiveToolReplay(capture.NewMemoryStore(sampleCall()...), newLiveClient(t), env, nil, logger.Nop())

	res, err := live.ReplayCall(context.Background(), "call-1")
	require.NoError(t, err)
	require.Len(t, res.Invocations, 2)

	lookup := res.Invocations[0]
	assert.False(t, lookup.Replay.OK)
	assert.True(t, lookup.Drift)
	assert.NotEmpty(t, lookup.Replay.Error)

	slots := res.Invocations[1]
	assert.False(t, slots.Replay.OK)
	assert.False(t, slots.Drift)
	assert.Equal(t, 1, res.Drifted)
}

func TestLiveToolReplayUnknownCall(t *testing.T) {
	env := config.EnvironmentConfig{Name: "sandbox", Middleware: config.MiddlewareConfig{BaseURL: "http://middleware.invalid"}}
	live := NewLiveToolReplay(capture.NewMemoryStore(sampleCall()...), newLiveClient(t), env, nil, logger.Nop())

	res, err := live.ReplayCall(context.Background(), "no-such-call")
	require.NoError(t, err)
	assert.True(t, res.Empty)
	assert.Empty(t, res.Invocations)
}
