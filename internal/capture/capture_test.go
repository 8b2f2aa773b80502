package capture

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mdwoicke/dentix-ortho-sub015/internal/config"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleExport = `{
  "traces": [
    {
      "id": "trace-1",
      "sessionId": "call-42",
      "timestamp": "2026-10-01T10:00:00Z",
      "input": {"question": "I need to book a consult"},
      "output": {"text": "Sure, what is your name?"},
      "observations": [
        {"id": "o-1", "type": "SPAN", "name": "RunnableSequence", "startTime": "2026-10-01T10:00:01Z"},
        {"id": "o-2", "type": "SPAN", "name": "chord_ortho_patient", "startTime": "2026-10-01T10:00:02Z",
         "input": {"action": "lookup", "filter": "Smith"}, "output": "{\"patients\":[]}"},
        {"id": "o-3", "type": "SPAN", "name": "http api call", "startTime": "2026-10-01T10:00:03Z",
         "input": {"filter": "Smith"}, "output": {"patients": []},
         "metadata": {"endpoint": "https://mw.example.com/chord/ortho/getPatientByFilter", "statusCode": 200}},
        {"id": "o-4", "type": "GENERATION", "name": "ChatOpenAI", "startTime": "2026-10-01T10:00:04Z"}
      ]
    },
    {
      "id": "trace-2",
      "sessionId": "call-42",
      "timestamp": "2026-10-01T10:01:00Z",
      "input": {"question": "Jane Smith"},
      "output": {"text": "Thanks Jane."},
      "observations": [
        {"id": "o-5", "type": "SPAN", "name": "schedule_appointment_ortho", "startTime": "2026-10-01T10:01:02Z",
         "level": "ERROR", "statusMessage": "slot unavailable"}
      ]
    }
  ]
}`

func isTool(name string) bool {
	switch name {
	case "chord_ortho_patient", "schedule_appointment_ortho", "current_date_time":
		return true
	}
	return false
}

func TestDeriveActionKey(t *testing.T) {
	assert.Equal(t, "getApptSlots", DeriveActionKey("https://mw.example.com/chord/ortho/getApptSlots?x=1", "tool"))
	assert.Equal(t, "getApptSlots", DeriveActionKey("/chord/getApptSlots/", "tool"))
	assert.Equal(t, "chord_ortho_patient", DeriveActionKey("", " chord_ortho_patient "))
	assert.Equal(t, "fallback", DeriveActionKey("https://mw.example.com/", "fallback"))
}

func TestObservationText(t *testing.T) {
	obs := Observation{
		Request:  json.RawMessage(`{"question":" hello "}`),
		Response: json.RawMessage(`"hi there"`),
	}
	assert.Equal(t, "hello", obs.Utterance())
	assert.Equal(t, "hi there", obs.Reply())
	assert.Equal(t, "", Observation{}.Utterance())
}

func TestImportAndReadBack(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "capture.db")

	im, err := NewImporter(path, logger.Nop(), isTool)
	require.NoError(t, err)
	stats, err := im.Import(ctx, strings.NewReader(sampleExport))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Traces)
	assert.Equal(t, 6, stats.Inserted)
	assert.Equal(t, 1, stats.Skipped)

	again, err := im.Import(ctx, strings.NewReader(sampleExport))
	require.NoError(t, err)
	assert.Equal(t, 0, again.Inserted)
	require.NoError(t, im.Close())

	store, err := Open(&config.CaptureConfig{Driver: "sqlite", Path: path}, logger.Nop())
	require.NoError(t, err)
	defer store.Close()

	obs, err := store.Observations(ctx, "call-42")
	require.NoError(t, err)
	var ids []string
	for _, o := range obs {
		ids = append(ids, o.ID)
	}
	assert.Equal(t, []string{"trace-1", "o-2", "o-3", "o-4", "trace-2", "o-5"}, ids)
	assert.Equal(t, KindTurn, obs[0].Kind)
	assert.Equal(t, "I need to book a consult", obs[0].Utterance())
	assert.Equal(t, KindTool, obs[1].Kind)
	assert.Equal(t, "chord_ortho_patient", obs[1].ActionKey)
	assert.Equal(t, KindAPI, obs[2].Kind)
	assert.Equal(t, "getPatientByFilter", obs[2].ActionKey)
	assert.Equal(t, 200, obs[2].StatusCode)
	assert.Equal(t, KindGeneration, obs[3].Kind)

	one, err := store.Observation(ctx, "o-5")
	require.NoError(t, err)
	assert.True(t, one.IsError())
	assert.Equal(t, "slot unavailable", one.StatusMessage)

	_, err = store.Observation(ctx, "missing")
	assert.True(t, errors.Is(err, ErrObservationNotFound))

	empty, err := store.Observations(ctx, "unknown-call")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	calls, err := store.Calls(ctx, 10)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "call-42", calls[0].CallID)
	assert.Equal(t, 6, calls[0].Observations)
	assert.Equal(t, 2, calls[0].Turns)
	assert.Equal(t, 1, calls[0].ToolErrors)
}

func TestOpenMissingArchive(t *testing.T) {
	_, err := Open(&config.CaptureConfig{Path: filepath.Join(t.TempDir(), "absent.db")}, logger.Nop())
	assert.Error(t, err)

	_, err = Open(&config.CaptureConfig{Driver: "postgres", Path: "x"}, logger.Nop())
	assert.ErrorIs(t, err, ErrUnsupportedDriver)
}

func TestImportRejectsGarbage(t *testing.T) {
	im, err := NewImporter(filepath.Join(t.TempDir(), "capture.db"), logger.Nop(), nil)
	require.NoError(t, err)
	defer im.Close()

	_, err = im.Import(context.Background(), strings.NewReader("   "))
	assert.Error(t, err)
	_, err = im.Import(context.Background(), strings.NewReader("{not json"))
	assert.Error(t, err)
}

func TestMemoryStoreOrdering(t *testing.T) {
	base := time.Date(2026, 10, 1, 10, 0, 0, 0, time.UTC)
	store := NewMemoryStore(
		Observation{ID: "b", CallID: "c1", Kind: KindTool, Name: "x", Timestamp: base.Add(time.Second)},
		Observation{ID: "a", CallID: "c1", Kind: KindTurn, Timestamp: base},
		Observation{ID: "c", CallID: "c1", Kind: KindTool, Name: "y", Timestamp: base.Add(time.Second)},
		Observation{ID: "z", CallID: "c2", Kind: KindTurn, Timestamp: base.Add(time.Hour)},
	)
	obs, err := store.Observations(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, obs, 3)
	assert.Equal(t, "a", obs[0].ID)
	assert.Equal(t, "b", obs[1].ID)
	assert.Equal(t, "c", obs[2].ID)
	assert.Equal(t, "x", obs[1].ActionKey)

	calls, err := store.Calls(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "c2", calls[0].CallID)
}
