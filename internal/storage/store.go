package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/config"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/diagnostic"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/logger"
)

// ErrUnsupportedDriver indicates the configured driver is not available.
var ErrUnsupportedDriver = errors.New("unsupported storage driver")

// Report statuses used for filtering.
const (
	StatusPassed     = "passed"
	StatusFailed     = "failed"
	StatusIncomplete = "incomplete"
)

// ListOptions controls filtering and pagination.
type ListOptions struct {
	Environment string
	Status      string
	Mode        string
	CallID      string
	Limit       int
	Offset      int
}

// ReportSummary is the indexed part of a stored report.
type ReportSummary struct {
	ID             string    `json:"id"`
	Environment    string    `json:"environment"`
	StartedAt      time.Time `json:"startedAt"`
	DurationMs     int64     `json:"durationMs"`
	Status         string    `json:"status"`
	FailedLayer    string    `json:"failedLayer,omitempty"`
	FailedTest     string    `json:"failedTest,omitempty"`
	Passed         int       `json:"passed"`
	Failed         int       `json:"failed"`
	Skipped        int       `json:"skipped"`
	Recommendation string    `json:"recommendation"`
	BatteryVersion string    `json:"batteryVersion"`
}

// StoredReplay is a persisted replay result of any mode.
type StoredReplay struct {
	ID        string          `json:"id"`
	Mode      string          `json:"mode"`
	CallID    string          `json:"callId"`
	Target    string          `json:"target"`
	Timestamp time.Time       `json:"timestamp"`
	OK        bool            `json:"ok"`
	Summary   string          `json:"summary"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewReplayRecord wraps a replay result for persistence.
func NewReplayRecord(mode, callID, target string, ok bool, summary string, result any) (*StoredReplay, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal replay result: %w", err)
	}
	return &StoredReplay{
		ID:        uuid.NewString(),
		Mode:      mode,
		CallID:    callID,
		Target:    target,
		Timestamp: time.Now().UTC(),
		OK:        ok,
		Summary:   summary,
		Payload:   payload,
	}, nil
}

// Store persists diagnostic reports and replay results.
type Store interface {
	SaveReport(ctx context.Context, report *diagnostic.DebugReport) error
	ListReports(ctx context.Context, opts ListOptions) ([]ReportSummary, int, error)
	IterateReports(ctx context.Context, opts ListOptions, fn func(ReportSummary) bool) error
	// GetReport returns nil without error when id is unknown.
	GetReport(ctx context.Context, id string) (*diagnostic.DebugReport, error)

	SaveReplay(ctx context.Context, replay *StoredReplay) error
	ListReplays(ctx context.Context, opts ListOptions) ([]*StoredReplay, error)
	GetReplay(ctx context.Context, id string) (*StoredReplay, error)

	Close() error
}

// New instantiates a Store based on configuration.
func New(cfg *config.StorageConfig, log logger.Logger) (Store, error) {
	if cfg == nil {
		return nil, errors.New("storage config is nil")
	}
	switch driver := cfg.Driver; driver {
	case "", "sqlite", "sqlite3":
		return newSQLiteStore(cfg, log)
	default:
		return nil, ErrUnsupportedDriver
	}
}

// SummaryOf derives the indexed fields of a report.
func SummaryOf(r *diagnostic.DebugReport) ReportSummary {
	totals := r.Totals()
	s := ReportSummary{
		ID:             r.ID,
		Environment:    r.Environment,
		StartedAt:      r.StartedAt.UTC(),
		DurationMs:     r.DurationMs,
		Status:         StatusPassed,
		Passed:         totals.Passed,
		Failed:         totals.Failed,
		Skipped:        totals.Skipped,
		Recommendation: r.Recommendation,
		BatteryVersion: r.BatteryVersion,
	}
	if r.FirstFailure != nil {
		s.Status = StatusFailed
		s.FailedLayer = string(r.FirstFailure.Layer)
		s.FailedTest = r.FirstFailure.TestName
	}
	if r.Incomplete {
		s.Status = StatusIncomplete
	}
	return s
}
