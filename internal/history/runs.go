package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harrison/aibuddy/internal/models"
)

const timeLayout = time.RFC3339Nano

// ListOptions filters ListRuns. Zero values match everything.
type ListOptions struct {
	TaskID      string
	ProjectPath string
	Status      models.RunStatus
	Limit       int
}

// RecordRun inserts or replaces a run together with its step results.
func (s *Store) RecordRun(ctx context.Context, run models.RunRecord) error {
	if run.RunID == "" {
		return errors.New("run id is required")
	}

	planJSON := ""
	if run.Plan != nil {
		data, err := json.Marshal(run.Plan)
		if err != nil {
			return fmt.Errorf("marshal plan: %w", err)
		}
		planJSON = string(data)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO runs
		(run_id, task_id, project_path, title, status, error, total_steps, completed_steps, failed_steps, started_at, finished_at, plan)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			total_steps = excluded.total_steps,
			completed_steps = excluded.completed_steps,
			failed_steps = excluded.failed_steps,
			finished_at = excluded.finished_at,
			plan = excluded.plan`,
		run.RunID, run.TaskID, run.ProjectPath, run.Title, string(run.Status), run.Error,
		run.TotalSteps, run.CompletedSteps, run.FailedSteps,
		formatTime(run.StartedAt), formatTime(run.FinishedAt), planJSON,
	)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM step_results WHERE run_id = ?`, run.RunID); err != nil {
		return fmt.Errorf("clear step results: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO step_results
		(run_id, seq, step_id, attempt, status, output, error, duration_ms, changes, validations)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare step result insert: %w", err)
	}
	defer stmt.Close()

	for i, r := range run.Results {
		changes, err := json.Marshal(r.Changes)
		if err != nil {
			return fmt.Errorf("marshal changes: %w", err)
		}
		validations, err := json.Marshal(r.Validations)
		if err != nil {
			return fmt.Errorf("marshal validations: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, run.RunID, i, r.StepID, r.Attempt, string(r.Status),
			r.Output, r.Error, r.Duration.Milliseconds(), string(changes), string(validations)); err != nil {
			return fmt.Errorf("insert step result %s: %w", r.StepID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

// ListRuns returns run summaries, most recent first. Plan and results are
// not loaded; use GetRun for those.
func (s *Store) ListRuns(ctx context.Context, opts ListOptions) ([]models.RunRecord, error) {
	var where []string
	var args []interface{}
	if opts.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, opts.TaskID)
	}
	if opts.ProjectPath != "" {
		where = append(where, "project_path = ?")
		args = append(args, opts.ProjectPath)
	}
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(opts.Status))
	}

	query := `SELECT run_id, task_id, project_path, title, status, error, total_steps, completed_steps, failed_steps, started_at, finished_at
		FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []models.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// GetRun loads a run with its plan and every step result.
func (s *Store) GetRun(ctx context.Context, runID string) (*models.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT run_id, task_id, project_path, title, status, error, total_steps, completed_steps, failed_steps, started_at, finished_at, plan
		FROM runs WHERE run_id = ?`, runID)

	var planJSON sql.NullString
	run, err := scanRun(row, &planJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	if planJSON.String != "" {
		var plan models.ImplementationPlan
		if err := json.Unmarshal([]byte(planJSON.String), &plan); err != nil {
			return nil, fmt.Errorf("unmarshal plan: %w", err)
		}
		run.Plan = &plan
	}

	results, err := s.stepResults(ctx, runID)
	if err != nil {
		return nil, err
	}
	run.Results = results
	return run, nil
}

func (s *Store) stepResults(ctx context.Context, runID string) ([]models.ExecutionResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT step_id, attempt, status, output, error, duration_ms, changes, validations
		FROM step_results WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("query step results: %w", err)
	}
	defer rows.Close()

	var results []models.ExecutionResult
	for rows.Next() {
		var r models.ExecutionResult
		var status string
		var output, errMsg, changes, validations sql.NullString
		var durationMs sql.NullInt64
		if err := rows.Scan(&r.StepID, &r.Attempt, &status, &output, &errMsg, &durationMs, &changes, &validations); err != nil {
			return nil, fmt.Errorf("scan step result: %w", err)
		}
		r.Status = models.StepStatus(status)
		r.Output = output.String
		r.Error = errMsg.String
		r.Duration = time.Duration(durationMs.Int64) * time.Millisecond
		if changes.String != "" && changes.String != "null" {
			if err := json.Unmarshal([]byte(changes.String), &r.Changes); err != nil {
				return nil, fmt.Errorf("unmarshal changes: %w", err)
			}
		}
		if validations.String != "" && validations.String != "null" {
			if err := json.Unmarshal([]byte(validations.String), &r.Validations); err != nil {
				return nil, fmt.Errorf("unmarshal validations: %w", err)
			}
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate step results: %w", err)
	}
	return results, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner, extra ...interface{}) (*models.RunRecord, error) {
	var run models.RunRecord
	var status string
	var projectPath, title, errMsg, startedAt, finishedAt sql.NullString

	dest := []interface{}{
		&run.RunID, &run.TaskID, &projectPath, &title, &status, &errMsg,
		&run.TotalSteps, &run.CompletedSteps, &run.FailedSteps, &startedAt, &finishedAt,
	}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}

	run.ProjectPath = projectPath.String
	run.Title = title.String
	run.Status = models.RunStatus(status)
	run.Error = errMsg.String
	run.StartedAt = parseTime(startedAt.String)
	run.FinishedAt = parseTime(finishedAt.String)
	return &run, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
