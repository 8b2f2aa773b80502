package capture

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mdwoicke/dentix-ortho-sub015/internal/logger"
)

// ImportStats reports the outcome of one import.
type ImportStats struct {
	Traces   int `json:"traces"`
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
}

// Importer writes trace exports into a capture archive. It is the only writer
// of the archive and is never used by diagnostic or replay code.
type Importer struct {
	db     *sql.DB
	log    logger.Logger
	isTool func(string) bool
}

type exportTrace struct {
	ID           string              `json:"id"`
	SessionID    string              `json:"sessionId"`
	Timestamp    time.Time           `json:"timestamp"`
	Input        json.RawMessage     `json:"input"`
	Output       json.RawMessage     `json:"output"`
	Observations []exportObservation `json:"observations"`
}

type exportObservation struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Name          string          `json:"name"`
	StartTime     time.Time       `json:"startTime"`
	Input         json.RawMessage `json:"input"`
	Output        json.RawMessage `json:"output"`
	Level         string          `json:"level"`
	StatusMessage string          `json:"statusMessage"`
	Metadata      struct {
		Endpoint   string `json:"endpoint"`
		URL        string `json:"url"`
		StatusCode int    `json:"statusCode"`
	} `json:"metadata"`
}

// internalSpanPrefixes name framework spans that never represent a tool or API call.
var internalSpanPrefixes = []string{
	"RunnableMap", "RunnableLambda", "RunnableSequence",
	"RunnableParallel", "RunnableBranch", "RunnablePassthrough",
}

// NewImporter opens (creating if needed) a writable capture archive. isTool
// decides which observation names are agent tool invocations.
func NewImporter(path string, log logger.Logger, isTool func(string) bool) (*Importer, error) {
	if path == "" {
		return nil, fmt.Errorf("capture path cannot be empty")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve capture path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("prepare capture directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", filepath.ToSlash(absPath))
	db, err := sql.Open(sqliteDriverName, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(captureSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init capture schema: %w", err)
	}
	if isTool == nil {
		isTool = func(name string) bool { return strings.Contains(strings.ToLower(name), "tool") }
	}
	return &Importer{db: db, log: log, isTool: isTool}, nil
}

// Import reads a trace export: either an array of traces or an object with a
// "traces" or "data" array. Observations already present are left untouched.
func (im *Importer) Import(ctx context.Context, r io.Reader) (ImportStats, error) {
	var stats ImportStats
	data, err := io.ReadAll(r)
	if err != nil {
		return stats, fmt.Errorf("read export: %w", err)
	}
	traces, err := decodeTraces(data)
	if err != nil {
		return stats, err
	}

	var batch []Observation
	for _, trace := range traces {
		stats.Traces++
		obs, skipped := im.flatten(trace)
		stats.Skipped += skipped
		batch = append(batch, obs...)
	}
	inserted, err := im.insert(ctx, batch)
	stats.Inserted = inserted
	stats.Skipped += len(batch) - inserted
	if err != nil {
		return stats, err
	}
	im.log.Info("Capture export imported",
		"traces", stats.Traces,
		"inserted", stats.Inserted,
		"skipped", stats.Skipped,
	)
	return stats, nil
}

// Add inserts observations as-is.
func (im *Importer) Add(ctx context.Context, obs ...Observation) error {
	_, err := im.insert(ctx, obs)
	return err
}

// Close closes the archive.
func (im *Importer) Close() error {
	return im.db.Close()
}

func decodeTraces(data []byte) ([]exportTrace, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("export is empty")
	}
	if trimmed[0] == '[' {
		var traces []exportTrace
		if err := json.Unmarshal(trimmed, &traces); err != nil {
			return nil, fmt.Errorf("decode export: %w", err)
		}
		return traces, nil
	}
	var wrapper struct {
		Traces []exportTrace `json:"traces"`
		Data   []exportTrace `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &wrapper); err != nil {
		return nil, fmt.Errorf("decode export: %w", err)
	}
	if len(wrapper.Traces) > 0 {
		return wrapper.Traces, nil
	}
	return wrapper.Data, nil
}

// flatten turns one trace into a turn observation followed by its tool, API
// and generation observations. Internal framework spans are dropped.
func (im *Importer) flatten(trace exportTrace) ([]Observation, int) {
	callID := trace.SessionID
	if callID == "" {
		callID = trace.ID
	}
	var out []Observation
	skipped := 0
	if len(trace.Input) > 0 && string(trace.Input) != "null" {
		out = append(out, Observation{
			ID:        trace.ID,
			CallID:    callID,
			Name:      "turn",
			Kind:      KindTurn,
			Request:   trace.Input,
			Response:  nullToEmpty(trace.Output),
			Timestamp: trace.Timestamp,
		})
	}

	for _, eo := range trace.Observations {
		kind, ok := im.classify(eo)
		if !ok {
			skipped++
			continue
		}
		endpoint := eo.Metadata.Endpoint
		if endpoint == "" {
			endpoint = eo.Metadata.URL
		}
		ts := eo.StartTime
		if ts.IsZero() {
			ts = trace.Timestamp
		}
		out = append(out, Observation{
			ID:            eo.ID,
			CallID:        callID,
			Name:          eo.Name,
			ActionKey:     DeriveActionKey(endpoint, eo.Name),
			Kind:          kind,
			Endpoint:      endpoint,
			Request:       nullToEmpty(eo.Input),
			Response:      nullToEmpty(eo.Output),
			StatusCode:    eo.Metadata.StatusCode,
			Level:         eo.Level,
			StatusMessage: eo.StatusMessage,
			Timestamp:     ts,
		})
	}
	return out, skipped
}

func (im *Importer) classify(eo exportObservation) (Kind, bool) {
	if eo.ID == "" {
		return "", false
	}
	for _, prefix := range internalSpanPrefixes {
		if strings.HasPrefix(eo.Name, prefix) {
			return "", false
		}
	}
	switch {
	case im.isTool(eo.Name):
		return KindTool, true
	case strings.EqualFold(eo.Type, "GENERATION"):
		return KindGeneration, true
	case eo.Metadata.Endpoint != "" || eo.Metadata.URL != "" || strings.Contains(strings.ToLower(eo.Name), "api"):
		return KindAPI, true
	default:
		return "", false
	}
}

func (im *Importer) insert(ctx context.Context, batch []Observation) (inserted int, err error) {
	if len(batch) == 0 {
		return 0, nil
	}
	tx, err := im.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO observations (`+observationColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, obs := range batch {
		if obs.Timestamp.IsZero() {
			obs.Timestamp = time.Now().UTC()
		}
		if obs.ActionKey == "" {
			obs.ActionKey = DeriveActionKey(obs.Endpoint, obs.Name)
		}
		res, execErr := stmt.ExecContext(ctx,
			obs.ID,
			obs.CallID,
			obs.Name,
			obs.ActionKey,
			string(obs.Kind),
			obs.Endpoint,
			string(obs.Request),
			string(obs.Response),
			obs.StatusCode,
			obs.Level,
			obs.StatusMessage,
			obs.Timestamp.UTC().UnixNano(),
		)
		if execErr != nil {
			err = fmt.Errorf("insert observation %s: %w", obs.ID, execErr)
			return inserted, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err = tx.Commit(); err != nil {
		return inserted, err
	}
	return inserted, nil
}

func nullToEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}
