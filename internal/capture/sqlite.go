package capture

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mdwoicke/dentix-ortho-sub015/internal/logger"

	_ "modernc.org/sqlite"
)

const sqliteDriverName = "sqlite"

const captureSchema = `
CREATE TABLE IF NOT EXISTS observations (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    call_id TEXT NOT NULL,
    name TEXT,
    action_key TEXT,
    kind TEXT NOT NULL,
    endpoint TEXT,
    request_json TEXT,
    response_json TEXT,
    status_code INTEGER,
    level TEXT,
    status_message TEXT,
    timestamp_ns INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_observations_call ON observations(call_id, timestamp_ns, seq);
CREATE INDEX IF NOT EXISTS idx_observations_ts ON observations(timestamp_ns DESC);
`

const observationColumns = "id, call_id, name, action_key, kind, endpoint, request_json, response_json, status_code, level, status_message, timestamp_ns"

type sqliteReader struct {
	db  *sql.DB
	log logger.Logger
}

func openSQLiteReader(path string, log logger.Logger) (Store, error) {
	if path == "" {
		return nil, fmt.Errorf("capture path cannot be empty")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve capture path: %w", err)
	}
	if _, err := os.Stat(absPath); err != nil {
		return nil, fmt.Errorf("open capture store: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(5000)", filepath.ToSlash(absPath))
	db, err := sql.Open(sqliteDriverName, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open capture store: %w", err)
	}
	return &sqliteReader{db: db, log: log}, nil
}

func (s *sqliteReader) Observations(ctx context.Context, callID string) ([]Observation, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+observationColumns+" FROM observations WHERE call_id = ? ORDER BY timestamp_ns ASC, seq ASC", callID)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()

	result := []Observation{}
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, obs)
	}
	return result, rows.Err()
}

func (s *sqliteReader) Observation(ctx context.Context, id string) (Observation, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+observationColumns+" FROM observations WHERE id = ?", id)
	obs, err := scanObservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Observation{}, fmt.Errorf("%w: %s", ErrObservationNotFound, id)
	}
	return obs, err
}

func (s *sqliteReader) Calls(ctx context.Context, limit int) ([]CallSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT call_id,
        COUNT(1),
        SUM(CASE WHEN kind = 'turn' THEN 1 ELSE 0 END),
        SUM(CASE WHEN kind = 'tool' AND (UPPER(level) = 'ERROR' OR status_code >= 400) THEN 1 ELSE 0 END),
        MIN(timestamp_ns),
        MAX(timestamp_ns)
    FROM observations
    GROUP BY call_id
    ORDER BY MAX(timestamp_ns) DESC
    LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query calls: %w", err)
	}
	defer rows.Close()

	var result []CallSummary
	for rows.Next() {
		var (
			summary     CallSummary
			first, last int64
		)
		if err := rows.Scan(&summary.CallID, &summary.Observations, &summary.Turns, &summary.ToolErrors, &first, &last); err != nil {
			return nil, err
		}
		summary.FirstSeen = time.Unix(0, first).UTC()
		summary.LastSeen = time.Unix(0, last).UTC()
		result = append(result, summary)
	}
	return result, rows.Err()
}

func (s *sqliteReader) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanObservation(scanner interface {
	Scan(dest ...interface{}) error
}) (Observation, error) {
	var (
		obs           Observation
		name          sql.NullString
		actionKey     sql.NullString
		kind          string
		endpoint      sql.NullString
		requestJSON   sql.NullString
		responseJSON  sql.NullString
		statusCode    sql.NullInt64
		level         sql.NullString
		statusMessage sql.NullString
		ts            int64
	)
	if err := scanner.Scan(
		&obs.ID,
		&obs.CallID,
		&name,
		&actionKey,
		&kind,
		&endpoint,
		&requestJSON,
		&responseJSON,
		&statusCode,
		&level,
		&statusMessage,
		&ts,
	); err != nil {
		return Observation{}, err
	}
	obs.Name = name.String
	obs.ActionKey = actionKey.String
	obs.Kind = Kind(kind)
	obs.Endpoint = endpoint.String
	if requestJSON.Valid && requestJSON.String != "" {
		obs.Request = []byte(requestJSON.String)
	}
	if responseJSON.Valid && responseJSON.String != "" {
		obs.Response = []byte(responseJSON.String)
	}
	obs.StatusCode = int(statusCode.Int64)
	obs.Level = level.String
	obs.StatusMessage = statusMessage.String
	obs.Timestamp = time.Unix(0, ts).UTC()
	return obs, nil
}
