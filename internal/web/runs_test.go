package web

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdwoicke/dentix-ortho-sub015/internal/storage"
)

func TestRunLog_RingEvictsOldest(t *testing.T) {
	log := NewRunLog(2)
	first := log.Start("mock", "call-1", "")
	second := log.Start("direct", "obs-1", "sandbox")
	log.Start("diagnose", "sandbox", "sandbox")

	_, ok := log.Get(first.ID)
	assert.False(t, ok)
	got, ok := log.Get(second.ID)
	require.True(t, ok)
	assert.Equal(t, RunRunning, got.Status)
}

func TestRunLog_FinishAndFilter(t *testing.T) {
	log := NewRunLog(10)
	a := log.Start("mock", "call-1", "")
	b := log.Start("mock", "call-2", "")
	log.Start("direct", "obs-1", "")

	log.Finish(a.ID, nil)
	log.Finish(b.ID, errors.New("boom"))

	items, total := log.List(RunListOptions{Kind: "mock"})
	require.Equal(t, 2, total)
	assert.Equal(t, b.ID, items[0].ID)
	assert.Equal(t, RunFailed, items[0].Status)
	assert.Equal(t, "boom", items[0].Error)
	require.NotNil(t, items[1].EndedAt)

	items, total = log.List(RunListOptions{Status: "running"})
	assert.Equal(t, 1, total)
	assert.Equal(t, "direct", items[0].Kind)

	items, total = log.List(RunListOptions{Limit: 1, Offset: 1})
	assert.Equal(t, 3, total)
	require.Len(t, items, 1)
	assert.Equal(t, b.ID, items[0].ID)

	items, _ = log.List(RunListOptions{Offset: 10})
	assert.Empty(t, items)
}

func TestStreamReportsJSON(t *testing.T) {
	items := []storage.ReportSummary{
		{ID: "a", Environment: "sandbox", StartedAt: time.Unix(0, 0).UTC(), Status: storage.StatusPassed},
		{ID: "b", Environment: "sandbox", StartedAt: time.Unix(0, 0).UTC(), Status: storage.StatusFailed, FailedLayer: "backend"},
	}
	iter := func(yield func(storage.ReportSummary) bool) error {
		for _, it := range items {
			if !yield(it) {
				break
			}
		}
		return nil
	}

	buf := &bytes.Buffer{}
	require.NoError(t, StreamReports(buf, iter, "json"))
	assert.True(t, strings.HasPrefix(buf.String(), "["))
	assert.Contains(t, buf.String(), `"failedLayer":"backend"`)

	buf.Reset()
	require.NoError(t, StreamReports(buf, func(func(storage.ReportSummary) bool) error { return nil }, "json"))
	assert.Equal(t, "[]\n", buf.String())

	assert.Error(t, StreamReports(buf, iter, "yaml"))
}
