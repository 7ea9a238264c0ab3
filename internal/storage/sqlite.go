package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "sitepulse/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- schedules ----

func (s *sqliteStore) CreateSchedule(ctx context.Context, sc *Schedule) error {
	urls, err := json.Marshal(sc.URLs)
	if err != nil {
		return err
	}
	if sc.ID == "" {
		sc.ID = newID()
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules(id, name, description, urls, strategy, cron_expr, enabled,
		                       created_at, last_run, next_run, total_runs, successful_runs, failed_runs)
		 VALUES(?,?,?,?,?,?,?,?,?,?,0,0,0)`,
		sc.ID, sc.Name, sc.Description, string(urls), sc.Strategy, sc.CronExpr, boolInt(sc.Enabled),
		fmtTime(sc.CreatedAt), fmtTimePtr(sc.LastRun), fmtTimePtr(sc.NextRun),
	)
	return err
}

func (s *sqliteStore) UpdateSchedule(ctx context.Context, id string, p SchedulePatch) error {
	sets := make([]string, 0, 7)
	args := make([]any, 0, 8)
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if p.Name != nil {
		add("name", *p.Name)
	}
	if p.Description != nil {
		add("description", *p.Description)
	}
	if p.URLs != nil {
		urls, err := json.Marshal(*p.URLs)
		if err != nil {
			return err
		}
		add("urls", string(urls))
	}
	if p.Strategy != nil {
		add("strategy", *p.Strategy)
	}
	if p.CronExpr != nil {
		add("cron_expr", *p.CronExpr)
	}
	if p.Enabled != nil {
		add("enabled", boolInt(*p.Enabled))
	}
	if p.NextRun != nil {
		add("next_run", fmtTime(*p.NextRun))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE schedules SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

const scheduleCols = `id, name, description, urls, strategy, cron_expr, enabled,
	created_at, last_run, next_run, total_runs, successful_runs, failed_runs`

func (s *sqliteStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sc, err
}

func (s *sqliteStore) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	return s.querySchedules(ctx, `SELECT `+scheduleCols+` FROM schedules ORDER BY created_at`)
}

func (s *sqliteStore) ListEnabledSchedules(ctx context.Context) ([]*Schedule, error) {
	return s.querySchedules(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE enabled = 1 ORDER BY created_at`)
}

func (s *sqliteStore) querySchedules(ctx context.Context, query string, args ...any) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(r rowScanner) (*Schedule, error) {
	var (
		sc       Schedule
		urls     string
		enabled  int
		created  string
		lastRun  sql.NullString
		nextRun  sql.NullString
		descNull sql.NullString
	)
	err := r.Scan(&sc.ID, &sc.Name, &descNull, &urls, &sc.Strategy, &sc.CronExpr, &enabled,
		&created, &lastRun, &nextRun, &sc.TotalRuns, &sc.SuccessfulRuns, &sc.FailedRuns)
	if err != nil {
		return nil, err
	}
	sc.Description = descNull.String
	sc.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(urls), &sc.URLs); err != nil {
		return nil, fmt.Errorf("schedule %s: corrupt urls column: %w", sc.ID, err)
	}
	sc.CreatedAt = parseTime(created)
	sc.LastRun = parseTimePtr(lastRun)
	sc.NextRun = parseTimePtr(nextRun)
	return &sc, nil
}

func (s *sqliteStore) RecordRunOutcome(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time, success bool) error {
	okInc, failInc := 1, 0
	if !success {
		okInc, failInc = 0, 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules
		 SET last_run = ?, next_run = ?,
		     total_runs = total_runs + 1,
		     successful_runs = successful_runs + ?,
		     failed_runs = failed_runs + ?
		 WHERE id = ?`,
		fmtTime(lastRun), fmtTimePtr(nextRun), okInc, failInc, id,
	)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

// ---- executions ----

func (s *sqliteStore) RecordExecutionStart(ctx context.Context, scheduleID string) (string, error) {
	id := newID()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions(id, schedule_id, started_at, status) VALUES(?,?,?,?)`,
		id, scheduleID, fmtTime(time.Now()), string(ExecutionRunning),
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *sqliteStore) UpdateExecution(ctx context.Context, id string, p ExecutionPatch) error {
	sets := make([]string, 0, 7)
	args := make([]any, 0, 8)
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if p.Status != nil {
		add("status", string(*p.Status))
	}
	if p.Error != nil {
		add("error", nullStr(*p.Error))
	}
	if p.FinishedAt != nil {
		add("finished_at", fmtTime(*p.FinishedAt))
	}
	if p.URLsProcessed != nil {
		add("urls_processed", *p.URLsProcessed)
	}
	if p.URLsSucceeded != nil {
		add("urls_succeeded", *p.URLsSucceeded)
	}
	if p.URLsFailed != nil {
		add("urls_failed", *p.URLsFailed)
	}
	if p.Duration != nil {
		add("duration_ms", p.Duration.Milliseconds())
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE executions SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

const executionCols = `id, schedule_id, started_at, finished_at, status, error,
	urls_processed, urls_succeeded, urls_failed, duration_ms`

func (s *sqliteStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionCols+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *sqliteStore) ListExecutions(ctx context.Context, scheduleID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + executionCols + ` FROM executions`
	args := []any{}
	if scheduleID != "" {
		query += ` WHERE schedule_id = ?`
		args = append(args, scheduleID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanExecution(r rowScanner) (*Execution, error) {
	var (
		e          Execution
		started    string
		finished   sql.NullString
		status     string
		errMsg     sql.NullString
		durationMS int64
	)
	err := r.Scan(&e.ID, &e.ScheduleID, &started, &finished, &status, &errMsg,
		&e.URLsProcessed, &e.URLsSucceeded, &e.URLsFailed, &durationMS)
	if err != nil {
		return nil, err
	}
	e.StartedAt = parseTime(started)
	e.FinishedAt = parseTimePtr(finished)
	e.Status = ExecutionStatus(status)
	e.Error = errMsg.String
	e.Duration = time.Duration(durationMS) * time.Millisecond
	return &e, nil
}

func (s *sqliteStore) MarkInterruptedExecutions(ctx context.Context, startedBefore time.Time, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions
		 SET status = ?, error = ?, finished_at = ?
		 WHERE status = ? AND started_at < ?`,
		string(ExecutionFailed), reason, fmtTime(time.Now()),
		string(ExecutionRunning), fmtTime(startedBefore),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ---- result cache rows ----

func (s *sqliteStore) GetResult(ctx context.Context, url, strategy string) ([]byte, time.Time, bool, error) {
	var (
		payload []byte
		ms      int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, produced_at FROM results WHERE url = ? AND strategy = ?`,
		url, strategy,
	).Scan(&payload, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, err
	}
	return payload, time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) PutResult(ctx context.Context, url, strategy string, payload []byte, producedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO results(url, strategy, payload, produced_at) VALUES(?,?,?,?)
		 ON CONFLICT(url, strategy) DO UPDATE SET payload=excluded.payload, produced_at=excluded.produced_at`,
		url, strategy, payload, producedAt.UnixMilli(),
	)
	return err
}

// ---- helpers ----

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Fixed-width so that lexicographic ordering in SQL matches time ordering
// (RFC3339Nano trims trailing zeros and breaks that).
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func fmtTimePtr(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(v sql.NullString) *time.Time {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil
	}
	t := parseTime(v.String)
	return &t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
