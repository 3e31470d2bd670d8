package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS task_records (
    seq          INTEGER PRIMARY KEY AUTOINCREMENT,
    device_id    TEXT NOT NULL,
    stream_id    INTEGER NOT NULL,
    task_id      INTEGER NOT NULL,
    type         TEXT NOT NULL,
    state        TEXT NOT NULL,
    error_code   INTEGER NOT NULL DEFAULT 0,
    retry_count  INTEGER NOT NULL DEFAULT 0,
    submitted_at DATETIME NOT NULL,
    finished_at  DATETIME NOT NULL,
    latency_us   INTEGER NOT NULL DEFAULT 0
)`

const createTasksIndex = `
CREATE INDEX IF NOT EXISTS idx_task_records_device ON task_records (device_id, seq)`

const createStreamEventsTable = `
CREATE TABLE IF NOT EXISTS stream_events (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    device_id  TEXT NOT NULL,
    stream_id  INTEGER NOT NULL,
    kind       TEXT NOT NULL,
    task_id    INTEGER NOT NULL,
    error_code INTEGER NOT NULL DEFAULT 0,
    at         DATETIME NOT NULL
)`

// Compile-time interface satisfaction check.
var _ Journal = (*SQLiteJournal)(nil)

// SQLiteJournal implements Journal using SQLite.
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLiteJournal opens the SQLite database at dbPath and runs migrations.
func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Every :memory: connection is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createTasksTable, createTasksIndex, createStreamEventsTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteJournal{db: db}, nil
}

// Close closes the underlying database connection.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// RecordTasks inserts records in one transaction.
func (j *SQLiteJournal) RecordTasks(ctx context.Context, records []TaskRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO task_records (
			device_id, stream_id, task_id, type, state, error_code,
			retry_count, submitted_at, finished_at, latency_us
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx,
			r.DeviceID, r.StreamID, r.TaskID, r.Type, r.State, r.ErrorCode,
			r.RetryCount, r.SubmittedAt.UTC(), r.FinishedAt.UTC(), r.LatencyUS,
		); err != nil {
			return fmt.Errorf("insert task record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit task records: %w", err)
	}
	return nil
}

// RecordStreamEvent inserts one stream event.
func (j *SQLiteJournal) RecordStreamEvent(ctx context.Context, ev StreamEvent) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO stream_events (device_id, stream_id, kind, task_id, error_code, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.DeviceID, ev.StreamID, ev.Kind, ev.TaskID, ev.ErrorCode, ev.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert stream event: %w", err)
	}
	return nil
}

// ListTasks returns matching records newest first, along with the total
// number of matching records.
func (j *SQLiteJournal) ListTasks(ctx context.Context, q TaskQuery) ([]TaskRecord, int, error) {
	var (
		where []string
		args  []any
	)
	if q.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, q.DeviceID)
	}
	if q.State != "" {
		where = append(where, "state = ?")
		args = append(args, q.State)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	tx, err := j.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM task_records"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count task records: %w", err)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT seq, device_id, stream_id, task_id, type, state, error_code,
			retry_count, submitted_at, finished_at, latency_us
		FROM task_records`+clause+` ORDER BY seq DESC LIMIT ? OFFSET ?`,
		append(args, limit, q.Offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list task records: %w", err)
	}
	defer rows.Close()

	var records []TaskRecord
	for rows.Next() {
		var r TaskRecord
		if err := rows.Scan(
			&r.Seq, &r.DeviceID, &r.StreamID, &r.TaskID, &r.Type, &r.State, &r.ErrorCode,
			&r.RetryCount, &r.SubmittedAt, &r.FinishedAt, &r.LatencyUS,
		); err != nil {
			return nil, 0, fmt.Errorf("scan task record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate task records: %w", err)
	}

	return records, total, nil
}

// ListStreamEvents returns the newest stream events of a device, or of all
// devices when deviceID is empty.
func (j *SQLiteJournal) ListStreamEvents(ctx context.Context, deviceID string, limit int) ([]StreamEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT device_id, stream_id, kind, task_id, error_code, at
		FROM stream_events WHERE (? = '' OR device_id = ?) ORDER BY seq DESC LIMIT ?`,
		deviceID, deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stream events: %w", err)
	}
	defer rows.Close()

	var events []StreamEvent
	for rows.Next() {
		var ev StreamEvent
		if err := rows.Scan(&ev.DeviceID, &ev.StreamID, &ev.Kind, &ev.TaskID, &ev.ErrorCode, &ev.At); err != nil {
			return nil, fmt.Errorf("scan stream event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stream events: %w", err)
	}
	return events, nil
}

// Stats computes aggregate statistics over the journal.
func (j *SQLiteJournal) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		CountByState: make(map[string]int),
		CountByType:  make(map[string]int),
	}

	var avg sql.NullFloat64
	var retries sql.NullInt64
	if err := j.db.QueryRowContext(ctx,
		"SELECT COUNT(*), AVG(latency_us), SUM(retry_count) FROM task_records",
	).Scan(&stats.Total, &avg, &retries); err != nil {
		return nil, fmt.Errorf("aggregate task records: %w", err)
	}
	stats.AvgLatencyUS = avg.Float64
	stats.TotalRetries = int(retries.Int64)

	if err := j.countBy(ctx, "state", stats.CountByState); err != nil {
		return nil, err
	}
	if err := j.countBy(ctx, "type", stats.CountByType); err != nil {
		return nil, err
	}

	if err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM stream_events").Scan(&stats.StreamEvents); err != nil {
		return nil, fmt.Errorf("count stream events: %w", err)
	}
	return stats, nil
}

// countBy fills counts grouped by column, which must be a trusted name.
func (j *SQLiteJournal) countBy(ctx context.Context, column string, counts map[string]int) error {
	rows, err := j.db.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM task_records GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		counts[key] = n
	}
	return rows.Err()
}

func latencyUS(submitted, finished time.Time) int64 {
	if submitted.IsZero() || finished.Before(submitted) {
		return 0
	}
	return finished.Sub(submitted).Microseconds()
}
