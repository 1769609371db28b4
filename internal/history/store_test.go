package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/aibuddy/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleRun(runID, taskID string, status models.RunStatus) models.RunRecord {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return models.RunRecord{
		RunID:          runID,
		TaskID:         taskID,
		ProjectPath:    "/work/app",
		Title:          "Add notes",
		Status:         status,
		TotalSteps:     2,
		CompletedSteps: 1,
		FailedSteps:    1,
		StartedAt:      start,
		FinishedAt:     start.Add(90 * time.Second),
		Plan: &models.ImplementationPlan{
			Steps: []models.ImplementationStep{
				{ID: "step-1", Title: "Create notes", Type: models.StepCreateFile, Target: "notes.md", Content: models.StringPtr("draft")},
				{ID: "step-2", Title: "Run tests", Type: models.StepTest, Dependencies: []string{"step-1"}},
			},
			Risks: []string{"none"},
		},
		Results: []models.ExecutionResult{
			{
				StepID:   "step-1",
				Status:   models.StepCompleted,
				Attempt:  1,
				Duration: 1500 * time.Millisecond,
				Changes:  []models.FileChange{{Path: "notes.md", ChangeType: models.ChangeCreate, NewContent: models.StringPtr("draft")}},
			},
			{
				StepID:      "step-2",
				Status:      models.StepFailed,
				Attempt:     1,
				Error:       "exit code 1",
				Validations: []models.ValidationResult{{Rule: models.ValidationRule{Type: models.RuleTest}, Passed: false}},
			},
		},
	}
}

func TestNewStore(t *testing.T) {
	tests := []struct {
		name    string
		dbPath  string
		wantErr bool
	}{
		{"in-memory database", ":memory:", false},
		{"creates parent directories", filepath.Join(t.TempDir(), "nested", "history.db"), false},
		{"invalid path", "/proc/does/not/exist/history.db", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewStore(tt.dbPath)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer store.Close()

			version, err := store.GetLatestVersion()
			require.NoError(t, err)
			assert.Equal(t, len(migrations), version)
			assert.Equal(t, tt.dbPath, store.Path())
		})
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.ApplyMigrations(context.Background()))
	version, err := store.GetLatestVersion()
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestRecordAndGetRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	run := sampleRun("run-1", "task-1", models.RunFailed)
	run.Error = "step step-2: tests failed"

	require.NoError(t, store.RecordRun(ctx, run))

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)

	assert.Equal(t, "task-1", got.TaskID)
	assert.Equal(t, models.RunFailed, got.Status)
	assert.Equal(t, run.Error, got.Error)
	assert.Equal(t, "/work/app", got.ProjectPath)
	assert.True(t, run.StartedAt.Equal(got.StartedAt))
	assert.True(t, run.FinishedAt.Equal(got.FinishedAt))

	require.NotNil(t, got.Plan)
	require.Len(t, got.Plan.Steps, 2)
	assert.Equal(t, "draft", *got.Plan.Steps[0].Content)
	assert.Equal(t, []string{"step-1"}, got.Plan.Steps[1].Dependencies)

	require.Len(t, got.Results, 2)
	assert.Equal(t, 1500*time.Millisecond, got.Results[0].Duration)
	require.Len(t, got.Results[0].Changes, 1)
	assert.Equal(t, models.ChangeCreate, got.Results[0].Changes[0].ChangeType)
	assert.Equal(t, "exit code 1", got.Results[1].Error)
	require.Len(t, got.Results[1].Validations, 1)
	assert.Equal(t, models.RuleTest, got.Results[1].Validations[0].Rule.Type)
}

func TestRecordRunReplacesExisting(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := sampleRun("run-1", "task-1", models.RunFailedUnrecoverable)
	require.NoError(t, store.RecordRun(ctx, run))

	run.Status = models.RunFailed
	run.Results = run.Results[:1]
	require.NoError(t, store.RecordRun(ctx, run))

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, got.Status)
	assert.Len(t, got.Results, 1)

	runs, err := store.ListRuns(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestRecordRunRequiresID(t *testing.T) {
	store := newTestStore(t)
	err := store.RecordRun(context.Background(), models.RunRecord{TaskID: "t"})
	assert.Error(t, err)
}

func TestGetRunNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetRun(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRunNotFound))
}

func TestListRunsFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordRun(ctx, sampleRun("run-1", "task-a", models.RunCompleted)))
	require.NoError(t, store.RecordRun(ctx, sampleRun("run-2", "task-b", models.RunFailed)))
	require.NoError(t, store.RecordRun(ctx, sampleRun("run-3", "task-a", models.RunFailed)))

	all, err := store.ListRuns(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "run-3", all[0].RunID, "most recent first")
	assert.Nil(t, all[0].Plan)
	assert.Nil(t, all[0].Results)

	byTask, err := store.ListRuns(ctx, ListOptions{TaskID: "task-a"})
	require.NoError(t, err)
	assert.Len(t, byTask, 2)

	failed, err := store.ListRuns(ctx, ListOptions{Status: models.RunFailed, Limit: 1})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "run-3", failed[0].RunID)

	none, err := store.ListRuns(ctx, ListOptions{ProjectPath: "/elsewhere"})
	require.NoError(t, err)
	assert.Empty(t, none)
}
