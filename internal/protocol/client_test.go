package protocol

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mdwoicke/dentix-ortho-sub015/internal/config"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient() *Client {
	return NewClient(logger.Nop(), Options{})
}

func backendHandler(t *testing.T, resp BackendResponse, seen *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			seen.Add(1)
		}
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		proc, _, err := DecodeBackendRequest(body)
		require.NoError(t, err)
		require.NotEmpty(t, proc)
		out, err := EncodeBackendResponse(resp)
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write(out)
	}
}

func TestBackendEnvelopeRoundTrip(t *testing.T) {
	body, err := EncodeBackendRequest(config.BackendConfig{ClientID: "c", UserName: "u", Password: "p"}, "GetLocations",
		[]Param{{Name: "showDeleted", Value: "False"}})
	require.NoError(t, err)
	assert.Contains(t, string(body), "<Procedure>GetLocations</Procedure>")
	assert.Contains(t, string(body), "<ClientID>c</ClientID>")

	proc, params, err := DecodeBackendRequest(body)
	require.NoError(t, err)
	assert.Equal(t, "GetLocations", proc)
	assert.Equal(t, []Param{{Name: "showDeleted", Value: "False"}}, params)
}

func TestDecodeBackendResponseAnyFields(t *testing.T) {
	raw := `<?xml version="1.0"?>
<GetDataResponse xmlns="http://schemas.practica.ws/cloud9/partners/">
  <ResponseStatus>Success</ResponseStatus>
  <Records>
    <Record><LocationGUID>abc</LocationGUID><LocationName> Main </LocationName></Record>
    <Record><LocationGUID>def</LocationGUID></Record>
  </Records>
</GetDataResponse>`
	resp, err := DecodeBackendResponse([]byte(raw))
	require.NoError(t, err)
	assert.True(t, resp.Success())
	require.Len(t, resp.Records, 2)
	assert.Equal(t, "Main", resp.Records[0]["LocationName"])
	assert.Equal(t, "def", resp.Records[1]["LocationGUID"])
}

func TestDecodeBackendResponseEmptyRecords(t *testing.T) {
	resp, err := DecodeBackendResponse([]byte(`<GetDataResponse><ResponseStatus>Success</ResponseStatus></GetDataResponse>`))
	require.NoError(t, err)
	assert.NotNil(t, resp.Records)
	assert.Empty(t, resp.Records)
}

func TestCallBackendSuccess(t *testing.T) {
	srv := httptest.NewServer(backendHandler(t, BackendResponse{
		Status:  BackendStatusSuccess,
		Records: []Record{{"LocationGUID": "abc"}},
	}, nil))
	defer srv.Close()

	env := config.EnvironmentConfig{Backend: config.BackendConfig{Endpoint: srv.URL, Password: "secret"}}
	out := newTestClient().Call(context.Background(), env, Request{Hop: HopBackend, Action: "GetLocations"})

	require.True(t, out.OK, out.Error)
	assert.Equal(t, http.StatusOK, out.Status)
	assert.Equal(t, BackendStatusSuccess, out.ProtocolStatus)
	require.Len(t, out.Records, 1)
	assert.NotContains(t, out.RawRequest, "secret")
	assert.Contains(t, out.RawRequest, "***")
}

func TestCallBackendProtocolError(t *testing.T) {
	srv := httptest.NewServer(backendHandler(t, BackendResponse{
		Status:  "Error",
		Message: "Invalid patGUID",
	}, nil))
	defer srv.Close()

	env := config.EnvironmentConfig{Backend: config.BackendConfig{Endpoint: srv.URL}}
	out := newTestClient().Call(context.Background(), env, Request{Hop: HopBackend, Action: "GetPatientInformation"})

	assert.False(t, out.OK)
	assert.Equal(t, ClassProtocol, out.Class)
	assert.Equal(t, "Invalid patGUID", out.Error)
}

func TestCallBackendHTMLErrorPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "<html><head><title>502 Bad Gateway</title></head><body>nginx</body></html>")
	}))
	defer srv.Close()

	env := config.EnvironmentConfig{Backend: config.BackendConfig{Endpoint: srv.URL}}
	out := newTestClient().Call(context.Background(), env, Request{Hop: HopBackend, Action: "GetLocations"})

	assert.False(t, out.OK)
	assert.Equal(t, ClassProtocol, out.Class)
	assert.Equal(t, http.StatusBadGateway, out.Status)
	assert.Equal(t, "HTTP 502: 502 Bad Gateway", out.Error)
}

func TestCallMiddlewareRecordsAndHeaders(t *testing.T) {
	var gotAuth, gotCorrelation, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("X-Api-Key")
		gotCorrelation = r.Header.Get("X-Correlation-ID")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"success":true,"data":{"slots":[{"startTime":"09:00","duration":30}]}}`)
	}))
	defer srv.Close()

	env := config.EnvironmentConfig{Middleware: config.MiddlewareConfig{
		BaseURL: srv.URL + "/chord", AuthHeader: "X-Api-Key", AuthValue: "k",
	}}
	out := newTestClient().Call(context.Background(), env, Request{
		Hop: HopMiddleware, Action: "getApptSlots", Body: map[string]any{"days": 14}, CorrelationID: "corr-1",
	})

	require.True(t, out.OK, out.Error)
	assert.Equal(t, "/chord/getApptSlots", gotPath)
	assert.Equal(t, "k", gotAuth)
	assert.Equal(t, "corr-1", gotCorrelation)
	require.Len(t, out.Records, 1)
	assert.Equal(t, "30", out.Records[0]["duration"])
	assert.JSONEq(t, `{"days":14}`, out.RawRequest)
}

func TestCallMiddlewareGeneratesCorrelationID(t *testing.T) {
	var gotCorrelation string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCorrelation = r.Header.Get("X-Correlation-ID")
		_, _ = io.WriteString(w, `[]`)
	}))
	defer srv.Close()

	env := config.EnvironmentConfig{Middleware: config.MiddlewareConfig{BaseURL: srv.URL}}
	out := newTestClient().Call(context.Background(), env, Request{Hop: HopMiddleware, Action: "getLocations"})
	require.True(t, out.OK, out.Error)
	assert.NotEmpty(t, gotCorrelation)
	assert.Empty(t, out.Records)
}

func TestDecodeMiddlewareResponseStatusWins(t *testing.T) {
	out := DecodeMiddlewareResponse(http.StatusInternalServerError, "application/json", []byte(`{"success":true,"data":[]}`))
	assert.False(t, out.OK)
	assert.Equal(t, ClassProtocol, out.Class)
	assert.Equal(t, http.StatusInternalServerError, out.Status)
}

func TestDecodeMiddlewareResponseSuccessFalse(t *testing.T) {
	out := DecodeMiddlewareResponse(http.StatusOK, "application/json", []byte(`{"success":false,"error":"Patient not found"}`))
	assert.False(t, out.OK)
	assert.Equal(t, "Patient not found", out.Error)
}

func TestDecodeMiddlewareResponseSingleEntity(t *testing.T) {
	out := DecodeMiddlewareResponse(http.StatusOK, "application/json",
		[]byte(`{"success":true,"patient":{"PatientGUID":"p-1","LastName":"Smith"}}`))
	require.True(t, out.OK, out.Error)
	require.Len(t, out.Records, 1)
	assert.Equal(t, "Smith", out.Records[0]["LastName"])

	out = DecodeMiddlewareResponse(http.StatusOK, "application/json", []byte(`{"success":true,"patientGUID":"p-1","count":1}`))
	require.Len(t, out.Records, 1)
	assert.Equal(t, Record{"patientGUID": "p-1"}, out.Records[0])

	out = DecodeMiddlewareResponse(http.StatusOK, "application/json", []byte(`{"success":true,"message":"No patients found"}`))
	assert.True(t, out.OK)
	assert.Empty(t, out.Records)

	out = DecodeMiddlewareResponse(http.StatusOK, "application/json", []byte(`{"success":true,"patients":[]}`))
	assert.Empty(t, out.Records)
}

func TestCallMiddlewareUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	env := config.EnvironmentConfig{Middleware: config.MiddlewareConfig{BaseURL: url}}
	out := newTestClient().Call(context.Background(), env, Request{Hop: HopMiddleware, Action: "getLocations"})
	assert.False(t, out.OK)
	assert.Equal(t, ClassTransport, out.Class)
	assert.True(t, strings.HasPrefix(out.Error, "unreachable"), out.Error)
}

func TestCallTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	env := config.EnvironmentConfig{Middleware: config.MiddlewareConfig{BaseURL: srv.URL}}
	out := newTestClient().Call(context.Background(), env, Request{
		Hop: HopMiddleware, Action: "getLocations", Timeout: 50 * time.Millisecond,
	})
	assert.False(t, out.OK)
	assert.Equal(t, ClassTransport, out.Class)
	assert.Contains(t, out.Error, "timeout")
}

func TestCallMissingEndpointIsConfiguration(t *testing.T) {
	client := newTestClient()
	for _, hop := range Order() {
		out := client.Call(context.Background(), config.EnvironmentConfig{}, Request{Hop: hop, Action: "x", Message: "hi"})
		assert.False(t, out.OK, hop)
		assert.Equal(t, ClassConfiguration, out.Class, hop)
	}
}

func TestCallPredictionParsesTools(t *testing.T) {
	var got PredictionRequest
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"text":"It is Monday.","usedTools":[{"tool":"current_date_time","toolInput":{},"toolOutput":"\"2026-10-17\""}]}`)
	}))
	defer srv.Close()

	env := config.EnvironmentConfig{Orchestration: config.OrchestrationConfig{Endpoint: srv.URL, APIKey: "key"}}
	out := newTestClient().Call(context.Background(), env, Request{
		Hop: HopOrchestration, Message: "What day is it?", SessionID: "s-1",
	})

	require.True(t, out.OK, out.Error)
	assert.Equal(t, "Bearer key", gotAuth)
	assert.Equal(t, "What day is it?", got.Question)
	assert.Equal(t, "s-1", got.OverrideConfig.SessionID)
	assert.Equal(t, "It is Monday.", out.Text)
	assert.Equal(t, []string{"current_date_time"}, out.ToolNames())
	assert.Equal(t, `"2026-10-17"`, out.ToolCalls[0].Output)
}

func TestConversationalUsesChatProxy(t *testing.T) {
	var proxyHits atomic.Int32
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxyHits.Add(1)
		_, _ = io.WriteString(w, `{"text":"hello"}`)
	}))
	defer proxy.Close()

	env := config.EnvironmentConfig{
		Orchestration:  config.OrchestrationConfig{Endpoint: "http://127.0.0.1:1/never"},
		Conversational: config.ConversationalConfig{Endpoint: proxy.URL + "/api/chat"},
	}
	out := newTestClient().Call(context.Background(), env, Request{Hop: HopConversational, Message: "hi"})
	require.True(t, out.OK, out.Error)
	assert.Equal(t, int32(1), proxyHits.Load())
}

func TestClosedClientRefusesCalls(t *testing.T) {
	client := newTestClient()
	client.Close()
	client.Close()
	out := client.Call(context.Background(), config.EnvironmentConfig{}, Request{Hop: HopBackend, Action: "GetLocations"})
	assert.False(t, out.OK)
	assert.Equal(t, ClassTransport, out.Class)
}

func TestParseHopAndOrder(t *testing.T) {
	h, err := ParseHop(" Middleware ")
	require.NoError(t, err)
	assert.Equal(t, HopMiddleware, h)
	_, err = ParseHop("database")
	assert.Error(t, err)

	order := Order()
	order[0] = HopConversational
	assert.Equal(t, HopBackend, Order()[0])
	assert.Equal(t, 3, HopConversational.Index())
}

func TestBackendTimeLayout(t *testing.T) {
	at := time.Date(2026, 3, 9, 16, 45, 0, 0, time.UTC)
	assert.Equal(t, "03/09/2026 7:00:00 AM", at.Format(BackendTimeLayout))
}
