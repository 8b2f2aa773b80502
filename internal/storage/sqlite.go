package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mdwoicke/dentix-ortho-sub015/internal/config"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/diagnostic"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/logger"

	_ "modernc.org/sqlite"
)

const (
	sqliteDriverName = "sqlite"
)

const reportColumns = "id, timestamp_ns, environment, status, failed_layer, failed_test, passed, failed, skipped, duration_ms, recommendation, battery_version"

const replayColumns = "id, timestamp_ns, mode, call_id, target, ok, summary, payload_json"

type sqliteStore struct {
	db  *sql.DB
	cfg *config.StorageConfig
	log logger.Logger
}

func newSQLiteStore(cfg *config.StorageConfig, log logger.Logger) (Store, error) {
	path := cfg.Path
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve sqlite path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("prepare sqlite directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", filepath.ToSlash(absPath))
	db, err := sql.Open(sqliteDriverName, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %s: %w", stmt, err)
		}
	}

	store := &sqliteStore{db: db, cfg: cfg, log: log}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *sqliteStore) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS reports (
    id TEXT PRIMARY KEY,
    timestamp_ns INTEGER NOT NULL,
    environment TEXT NOT NULL,
    status TEXT NOT NULL,
    failed_layer TEXT,
    failed_test TEXT,
    passed INTEGER NOT NULL,
    failed INTEGER NOT NULL,
    skipped INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    recommendation TEXT,
    battery_version TEXT,
    report_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reports_ts ON reports(timestamp_ns DESC);
CREATE INDEX IF NOT EXISTS idx_reports_env_ts ON reports(environment, timestamp_ns DESC);

CREATE TABLE IF NOT EXISTS replays (
    id TEXT PRIMARY KEY,
    timestamp_ns INTEGER NOT NULL,
    mode TEXT NOT NULL,
    call_id TEXT,
    target TEXT,
    ok INTEGER NOT NULL,
    summary TEXT,
    payload_json TEXT
);
CREATE INDEX IF NOT EXISTS idx_replays_ts ON replays(timestamp_ns DESC);
CREATE INDEX IF NOT EXISTS idx_replays_call ON replays(call_id, timestamp_ns DESC);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *sqliteStore) SaveReport(ctx context.Context, report *diagnostic.DebugReport) (err error) {
	if report == nil {
		return fmt.Errorf("report is nil")
	}
	if strings.TrimSpace(report.ID) == "" {
		return fmt.Errorf("report id is empty")
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	sum := SummaryOf(report)
	ts := sum.StartedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO reports (`+reportColumns+`, report_json)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.ID,
		ts.UnixNano(),
		sum.Environment,
		sum.Status,
		sum.FailedLayer,
		sum.FailedTest,
		sum.Passed,
		sum.Failed,
		sum.Skipped,
		sum.DurationMs,
		sum.Recommendation,
		sum.BatteryVersion,
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	if err = s.prune(ctx, tx, "reports"); err != nil {
		return err
	}
	return tx.Commit()
}

// prune applies retention and the record cap to one table.
func (s *sqliteStore) prune(ctx context.Context, tx *sql.Tx, table string) error {
	if s.cfg.Retention > 0 {
		cutoff := time.Now().Add(-s.cfg.Retention).UTC().UnixNano()
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE timestamp_ns < ?", cutoff); err != nil {
			return fmt.Errorf("prune %s by retention: %w", table, err)
		}
	}
	if s.cfg.MaxRecords > 0 {
		var count int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM "+table).Scan(&count); err != nil {
			return fmt.Errorf("count %s: %w", table, err)
		}
		if excess := count - s.cfg.MaxRecords; excess > 0 {
			stmt := "DELETE FROM " + table + " WHERE id IN (SELECT id FROM " + table + " ORDER BY timestamp_ns ASC LIMIT ?)"
			if _, err := tx.ExecContext(ctx, stmt, excess); err != nil {
				return fmt.Errorf("prune %s max records: %w", table, err)
			}
		}
	}
	return nil
}

func (s *sqliteStore) ListReports(ctx context.Context, opts ListOptions) ([]ReportSummary, int, error) {
	where, args := buildReportFilters(opts)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM reports "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := strings.Builder{}
	query.WriteString("SELECT " + reportColumns + " FROM reports ")
	query.WriteString(where)
	query.WriteString(" ORDER BY timestamp_ns DESC")

	listArgs := append([]interface{}{}, args...)
	if opts.Limit > 0 {
		offset := opts.Offset
		if offset < 0 {
			offset = 0
		}
		query.WriteString(" LIMIT ? OFFSET ?")
		listArgs = append(listArgs, opts.Limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query.String(), listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	result := []ReportSummary{}
	for rows.Next() {
		sum, err := scanReportSummary(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return result, total, nil
}

func (s *sqliteStore) IterateReports(ctx context.Context, opts ListOptions, fn func(ReportSummary) bool) error {
	where, args := buildReportFilters(opts)
	rows, err := s.db.QueryContext(ctx, "SELECT "+reportColumns+" FROM reports "+where+" ORDER BY timestamp_ns DESC", args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		sum, err := scanReportSummary(rows)
		if err != nil {
			return err
		}
		if !fn(sum) {
			break
		}
	}
	return rows.Err()
}

func (s *sqliteStore) GetReport(ctx context.Context, id string) (*diagnostic.DebugReport, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, "SELECT report_json FROM reports WHERE id = ?", id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var report diagnostic.DebugReport
	if err := json.Unmarshal([]byte(payload), &report); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", id, err)
	}
	return &report, nil
}

func (s *sqliteStore) SaveReplay(ctx context.Context, replay *StoredReplay) (err error) {
	if replay == nil {
		return fmt.Errorf("replay is nil")
	}
	if strings.TrimSpace(replay.ID) == "" {
		replay.ID = fmt.Sprintf("RPL-%d", time.Now().UnixNano())
	}
	ts := replay.Timestamp.UTC()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	replay.Timestamp = ts

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `INSERT INTO replays (`+replayColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		replay.ID,
		ts.UnixNano(),
		replay.Mode,
		replay.CallID,
		replay.Target,
		boolToInt(replay.OK),
		replay.Summary,
		string(replay.Payload),
	)
	if err != nil {
		return fmt.Errorf("insert replay: %w", err)
	}
	if err = s.prune(ctx, tx, "replays"); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) ListReplays(ctx context.Context, opts ListOptions) ([]*StoredReplay, error) {
	var clauses []string
	var args []interface{}
	if mode := strings.TrimSpace(opts.Mode); mode != "" {
		clauses = append(clauses, "mode = ?")
		args = append(args, mode)
	}
	if callID := strings.TrimSpace(opts.CallID); callID != "" {
		clauses = append(clauses, "call_id = ?")
		args = append(args, callID)
	}
	query := "SELECT " + replayColumns + " FROM replays "
	if len(clauses) > 0 {
		query += "WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY timestamp_ns DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*StoredReplay
	for rows.Next() {
		replay, err := scanStoredReplay(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, replay)
	}
	return result, rows.Err()
}

func (s *sqliteStore) GetReplay(ctx context.Context, id string) (*StoredReplay, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+replayColumns+" FROM replays WHERE id = ?", id)
	replay, err := scanStoredReplay(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return replay, nil
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanReportSummary(scanner interface {
	Scan(dest ...interface{}) error
}) (ReportSummary, error) {
	var (
		sum            ReportSummary
		ts             int64
		failedLayer    sql.NullString
		failedTest     sql.NullString
		recommendation sql.NullString
		batteryVersion sql.NullString
	)
	if err := scanner.Scan(
		&sum.ID,
		&ts,
		&sum.Environment,
		&sum.Status,
		&failedLayer,
		&failedTest,
		&sum.Passed,
		&sum.Failed,
		&sum.Skipped,
		&sum.DurationMs,
		&recommendation,
		&batteryVersion,
	); err != nil {
		return ReportSummary{}, err
	}
	sum.StartedAt = time.Unix(0, ts).UTC()
	sum.FailedLayer = failedLayer.String
	sum.FailedTest = failedTest.String
	sum.Recommendation = recommendation.String
	sum.BatteryVersion = batteryVersion.String
	return sum, nil
}

func scanStoredReplay(scanner interface {
	Scan(dest ...interface{}) error
}) (*StoredReplay, error) {
	var (
		r       StoredReplay
		ts      int64
		callID  sql.NullString
		target  sql.NullString
		ok      int64
		summary sql.NullString
		payload sql.NullString
	)
	if err := scanner.Scan(&r.ID, &ts, &r.Mode, &callID, &target, &ok, &summary, &payload); err != nil {
		return nil, err
	}
	r.Timestamp = time.Unix(0, ts).UTC()
	r.CallID = callID.String
	r.Target = target.String
	r.OK = ok == 1
	r.Summary = summary.String
	if payload.Valid && payload.String != "" {
		r.Payload = json.RawMessage(payload.String)
	}
	return &r, nil
}

func buildReportFilters(opts ListOptions) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if env := strings.TrimSpace(opts.Environment); env != "" {
		clauses = append(clauses, "environment = ?")
		args = append(args, env)
	}
	if status := strings.TrimSpace(strings.ToLower(opts.Status)); status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, status)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
