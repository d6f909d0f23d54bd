package history_test

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Lookout/internal/history"
	"github.com/CZERTAINLY/Lookout/internal/model"
)

func newDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := history.InitDB(t.Context(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func report(image string) model.Report {
	return model.Report{
		RunID:   uuid.New(),
		Image:   image,
		Stage:   model.StagePull,
		Started: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()
	db := newDB(t)
	ctx := t.Context()

	r := report("nginx:1.25")
	require.NoError(t, history.Start(ctx, db, r))
	// starting a run in progress is fine
	require.NoError(t, history.Start(ctx, db, r))

	run, err := history.Get(ctx, db, r.RunID.String())
	require.NoError(t, err)
	require.True(t, run.InProgress)
	require.Nil(t, run.Success)
	require.Nil(t, run.Stopped)
	require.Equal(t, "pull", run.Stage)
	require.Equal(t, r.Started, run.Started)

	r.Stage = model.StageDone
	r.Stopped = r.Started.Add(time.Minute)
	require.NoError(t, history.Finish(ctx, db, r))
	require.ErrorIs(t, history.Finish(ctx, db, r), history.ErrAlreadyFinished)
	require.ErrorIs(t, history.Start(ctx, db, r), history.ErrAlreadyFinished)

	run, err = history.Get(ctx, db, r.RunID.String())
	require.NoError(t, err)
	require.False(t, run.InProgress)
	require.NotNil(t, run.Success)
	require.True(t, *run.Success)
	require.Equal(t, "done", run.Stage)
	require.NotNil(t, run.Stopped)
	require.Equal(t, r.Stopped, *run.Stopped)
	require.Nil(t, run.ExitCode)
	require.Nil(t, run.FailureReason)

	require.NoError(t, history.Delete(ctx, db, r.RunID.String()))
	require.ErrorIs(t, history.Delete(ctx, db, r.RunID.String()), history.ErrNotFound)
	_, err = history.Get(ctx, db, r.RunID.String())
	require.ErrorIs(t, err, history.ErrNotFound)
}

func TestFinish_Failure(t *testing.T) {
	t.Parallel()
	db := newDB(t)
	ctx := t.Context()

	var testCases = []struct {
		scenario string
		given    error
		exitCode *int
		reason   string
	}{
		{
			scenario: "process error",
			given:    &model.ProcessError{Stage: model.StagePull, Image: "bad/repo:tag", ExitCode: 1},
			exitCode: ptr(1),
			reason:   "PULL ERROR [EXIT 1]: bad/repo:tag",
		},
		{
			scenario: "storage error",
			given:    errors.New("disk full"),
			reason:   "disk full",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			r := report("bad/repo:tag")
			r.Stopped = r.Started.Add(time.Second)
			r.Err = tc.given
			// never started runs are inserted
			require.NoError(t, history.Finish(ctx, db, r))

			run, err := history.Get(ctx, db, r.RunID.String())
			require.NoError(t, err)
			require.NotNil(t, run.Success)
			require.False(t, *run.Success)
			require.Equal(t, tc.exitCode, run.ExitCode)
			require.NotNil(t, run.FailureReason)
			require.Equal(t, tc.reason, *run.FailureReason)
		})
	}
}

func TestList(t *testing.T) {
	t.Parallel()
	db := newDB(t)
	ctx := t.Context()
	journal := history.NewJournal(db)

	var ids []string
	for _, image := range []string{"a:1", "b:1", "a:1"} {
		r := report(image)
		require.NoError(t, journal.Started(ctx, r))
		ids = append(ids, r.RunID.String())
	}

	runs, err := history.List(ctx, db, "", 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	require.Equal(t, ids[2], runs[0].UUID)

	runs, err = history.List(ctx, db, "a:1", 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, ids[2], runs[0].UUID)

	runs, err = history.List(ctx, db, "c:1", 10)
	require.NoError(t, err)
	require.NotNil(t, runs)
	require.Empty(t, runs)
}

func ptr[T any](v T) *T {
	return &v
}
