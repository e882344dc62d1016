package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/me/cwlcore/pkg/cwl"
	"github.com/me/cwlcore/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Recording ---

// RunStarted inserts run, or resets it if the id was recorded before. Labels
// already stored survive a reset that carries none.
func (s *SQLiteStore) RunStarted(ctx context.Context, run *model.Run) error {
	s.logger.Debug("sql", "op", "insert", "table", "runs", "id", run.ID)

	inputsJSON, err := marshalJSON(run.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	labelsJSON := "{}"
	if len(run.Labels) > 0 {
		b, err := json.Marshal(run.Labels)
		if err != nil {
			return fmt.Errorf("marshal labels: %w", err)
		}
		labelsJSON = string(b)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, process_id, status, failure_mode, inputs, labels, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, failure_mode=excluded.failure_mode,
		   inputs=excluded.inputs, outputs='{}',
		   labels=CASE WHEN excluded.labels = '{}' THEN runs.labels ELSE excluded.labels END, error='', completed_at=NULL`,
		run.ID, run.ProcessID, string(run.Status), string(run.FailureMode),
		inputsJSON, labelsJSON, run.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// StepUpdated upserts the record for (run, step). A missing start time keeps
// the one already stored.
func (s *SQLiteStore) StepUpdated(ctx context.Context, rec *model.StepRecord) error {
	s.logger.Debug("sql", "op", "upsert", "table", "steps", "run", rec.RunID, "step", rec.StepID, "status", rec.Status)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO steps (run_id, step_id, status, attempts, exit_code, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, step_id) DO UPDATE SET
		   status=excluded.status, attempts=excluded.attempts, exit_code=excluded.exit_code,
		   error=excluded.error, started_at=COALESCE(excluded.started_at, steps.started_at),
		   finished_at=excluded.finished_at`,
		rec.RunID, rec.StepID, string(rec.Status), rec.Attempts, rec.ExitCode, rec.Error,
		formatTime(rec.StartedAt), formatTime(rec.FinishedAt),
	)
	return err
}

func (s *SQLiteStore) RunFinished(ctx context.Context, run *model.Run) error {
	s.logger.Debug("sql", "op", "update", "table", "runs", "id", run.ID, "status", run.Status)

	outputsJSON, err := marshalJSON(run.Outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status=?, outputs=?, error=?, completed_at=? WHERE id=?`,
		string(run.Status), outputsJSON, run.Error, formatTime(run.CompletedAt), run.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("run %s not found", run.ID)
	}
	return nil
}

// --- Queries ---

const runColumns = `id, process_id, status, failure_mode, inputs, outputs, error, labels, created_at, completed_at`

// GetRun returns the run with its step records, or nil if it does not exist.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	s.logger.Debug("sql", "op", "select", "table", "runs", "id", id)

	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	steps, err := s.ListSteps(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load steps: %w", err)
	}
	run.Steps = steps
	run.StepSummary = model.ComputeStepSummary(steps)
	return run, nil
}

// ListRuns returns one page of runs, newest first, and the total matching
// count. Step records are not loaded.
func (s *SQLiteStore) ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "runs", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	var whereClauses []string
	var countArgs []any
	if opts.Status != "" {
		whereClauses = append(whereClauses, "status = ?")
		countArgs = append(countArgs, string(opts.Status))
	}
	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = " WHERE " + strings.Join(whereClauses, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`+whereSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listQuery := `SELECT ` + runColumns + ` FROM runs` + whereSQL + ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	listArgs := append(countArgs, opts.Limit, opts.Offset)
	rows, err := s.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

// ListSteps returns the step records of a run ordered by step id.
func (s *SQLiteStore) ListSteps(ctx context.Context, runID string) ([]model.StepRecord, error) {
	s.logger.Debug("sql", "op", "list", "table", "steps", "run", runID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, step_id, status, attempts, exit_code, error, started_at, finished_at
		 FROM steps WHERE run_id = ? ORDER BY step_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []model.StepRecord
	for rows.Next() {
		var rec model.StepRecord
		var status string
		var exitCode *int
		var startedAt, finishedAt *string
		if err := rows.Scan(&rec.RunID, &rec.StepID, &status, &rec.Attempts, &exitCode, &rec.Error, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		rec.Status = model.StepStatus(status)
		rec.ExitCode = exitCode
		rec.StartedAt = parseTime(startedAt)
		rec.FinishedAt = parseTime(finishedAt)
		steps = append(steps, rec)
	}
	return steps, rows.Err()
}

// --- scan helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*model.Run, error) {
	var run model.Run
	var status, failureMode, createdAt string
	var inputsJSON, outputsJSON, labelsJSON string
	var completedAt *string

	if err := row.Scan(&run.ID, &run.ProcessID, &status, &failureMode,
		&inputsJSON, &outputsJSON, &run.Error, &labelsJSON, &createdAt, &completedAt); err != nil {
		return nil, err
	}

	run.Status = model.RunStatus(status)
	run.FailureMode = model.FailureMode(failureMode)
	if err := json.Unmarshal([]byte(inputsJSON), &run.Inputs); err != nil {
		return nil, fmt.Errorf("unmarshal inputs: %w", err)
	}
	if err := json.Unmarshal([]byte(outputsJSON), &run.Outputs); err != nil {
		return nil, fmt.Errorf("unmarshal outputs: %w", err)
	}
	json.Unmarshal([]byte(labelsJSON), &run.Labels)
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	run.CompletedAt = parseTime(completedAt)
	return &run, nil
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(cwl.NormalizeNumbers(v))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}

func parseTime(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil
	}
	return &t
}
