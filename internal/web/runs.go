package web

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// Run statuses tracked by RunLog.
const (
	RunRunning = "running"
	RunDone    = "done"
	RunFailed  = "failed"
)

// RunRecord is one diagnostic or replay started through the API.
type RunRecord struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"`
	Target    string     `json:"target"`
	Env       string     `json:"environment,omitempty"`
	ReportID  string     `json:"reportId,omitempty"`
	Status    string     `json:"status"`
	Error     string     `json:"error,omitempty"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// RunListOptions describes filters for listing runs.
type RunListOptions struct {
	Kind   string
	Status string
	Limit  int
	Offset int
}

// RunLog keeps recent API runs in memory using a ring buffer.
type RunLog struct {
	mu      sync.RWMutex
	max     int
	counter uint64
	items   []*RunRecord
}

// NewRunLog creates a RunLog with the provided capacity.
func NewRunLog(max int) *RunLog {
	if max < 1 {
		max = 1
	}
	return &RunLog{
		max:   max,
		items: make([]*RunRecord, 0, max),
	}
}

// Start records a running entry and returns a copy of it.
func (l *RunLog) Start(kind, target, env string) RunRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.counter++
	record := &RunRecord{
		ID:        generateRunID(l.counter),
		Kind:      kind,
		Target:    target,
		Env:       env,
		Status:    RunRunning,
		StartedAt: time.Now().UTC(),
	}
	if len(l.items) >= l.max {
		// Drop oldest
		l.items = append(l.items[1:], record)
	} else {
		l.items = append(l.items, record)
	}
	return *record
}

// Attach links a run to the report it produced.
func (l *RunLog) Attach(id, reportID string) {
	l.update(id, func(r *RunRecord) { r.ReportID = reportID })
}

// Finish marks a run as done, or failed when err is non-nil.
func (l *RunLog) Finish(id string, err error) {
	l.update(id, func(r *RunRecord) {
		now := time.Now().UTC()
		r.EndedAt = &now
		r.Status = RunDone
		if err != nil {
			r.Status = RunFailed
			r.Error = err.Error()
		}
	})
}

func (l *RunLog) update(id string, fn func(*RunRecord)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.items) - 1; i >= 0; i-- {
		if l.items[i].ID == id {
			fn(l.items[i])
			return
		}
	}
}

// List returns filtered runs (newest first) along with the total count.
func (l *RunLog) List(opts RunListOptions) ([]RunRecord, int) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	kind := strings.ToLower(strings.TrimSpace(opts.Kind))
	status := strings.ToLower(strings.TrimSpace(opts.Status))

	filtered := make([]RunRecord, 0, len(l.items))
	for i := len(l.items) - 1; i >= 0; i-- {
		item := l.items[i]
		if kind != "" && item.Kind != kind {
			continue
		}
		if status != "" && item.Status != status {
			continue
		}
		filtered = append(filtered, *item)
	}

	total := len(filtered)
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	limit := opts.Limit
	if limit <= 0 || offset+limit > total {
		limit = total - offset
	}
	return filtered[offset : offset+limit], total
}

// Get locates a run by id.
func (l *RunLog) Get(id string) (RunRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.items) - 1; i >= 0; i-- {
		if l.items[i].ID == id {
			return *l.items[i], true
		}
	}
	return RunRecord{}, false
}

func generateRunID(counter uint64) string {
	return "RUN-" + strings.ToUpper(strconv.FormatUint(counter, 36))
}
