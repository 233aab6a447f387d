package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segforge/internal/determinism"
	"segforge/internal/testutil"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:", testutil.NewTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestRun(t *testing.T, store *Store, seed int64) *Run {
	t.Helper()
	run, err := store.CreateRun(context.Background(), NewRun{
		Seed:          seed,
		Deterministic: true,
		Config:        map[string]any{"epochs": 2, "seed": seed},
		Fingerprint:   determinism.Fingerprint{CPU: "test", GOOS: "linux", GOARCH: "amd64", Features: []string{"AVX2"}},
	})
	require.NoError(t, err)
	return run
}

func TestOpenMigrates(t *testing.T) {
	store := setupTestStore(t)
	version, err := store.MigrationVersion()
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	for _, table := range []string{"runs", "epochs"} {
		rows, err := store.db.Query("SELECT 1 FROM " + table + " LIMIT 1")
		require.NoError(t, err, "table %s", table)
		rows.Close()
	}
}

func TestOpenFileCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	store, err := Open(path, nil)
	require.NoError(t, err)
	run := newTestRun(t, store, 1)
	require.NoError(t, store.Close())

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	run := newTestRun(t, store, 7)
	assert.Equal(t, RunStatusRunning, run.Status)

	require.NoError(t, store.RecordEpoch(ctx, run.ID, EpochRecord{Epoch: 1, Loss: 1.25, Accuracy: 0.5, Duration: 1500 * time.Millisecond}))
	require.NoError(t, store.RecordEpoch(ctx, run.ID, EpochRecord{Epoch: 2, Loss: 0.75, Accuracy: 0.625}))
	require.NoError(t, store.CompleteRun(ctx, run.ID, RunStatusCompleted, "abc123", "/ckpt", ""))

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, got.Status)
	assert.Equal(t, int64(7), got.Seed)
	assert.True(t, got.Deterministic)
	assert.Equal(t, "abc123", got.Digest)
	assert.Equal(t, "/ckpt", got.CheckpointDir)
	assert.Contains(t, got.Config, "epochs: 2")
	assert.Equal(t, "test", got.Fingerprint.CPU)
	require.NotNil(t, got.CompletedAt)
	assert.GreaterOrEqual(t, got.Duration(), time.Duration(0))

	epochs, err := store.Epochs(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, epochs, 2)
	assert.Equal(t, 1, epochs[0].Epoch)
	assert.Equal(t, 1.25, epochs[0].Loss)
	assert.Equal(t, 1500*time.Millisecond, epochs[0].Duration)
	assert.Equal(t, 0.625, epochs[1].Accuracy)
}

func TestGetRunByPrefixAndMissing(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	run := newTestRun(t, store, 1)

	got, err := store.GetRun(ctx, run.ID[:8])
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)

	_, err = store.GetRun(ctx, "does-not-exist")
	require.ErrorIs(t, err, ErrRunNotFound)

	err = store.CompleteRun(ctx, "does-not-exist", RunStatusFailed, "", "", "boom")
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestGetRunPrefixIsLiteral(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	run := newTestRun(t, store, 1)

	for _, id := range []string{"%", "_", run.ID[:7] + "_", run.ID[:4] + "%"} {
		_, err := store.GetRun(ctx, id)
		require.ErrorIs(t, err, ErrRunNotFound, "id %q", id)
	}
	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
}

func TestListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	first := newTestRun(t, store, 1)
	time.Sleep(2 * time.Millisecond)
	second := newTestRun(t, store, 2)

	runs, err := store.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.ID, runs[0].ID)
	assert.Equal(t, first.ID, runs[1].ID)

	runs, err = store.ListRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestCompareRuns(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	record := func(seed int64, digest string, losses ...float64) *Run {
		run := newTestRun(t, store, seed)
		for i, l := range losses {
			require.NoError(t, store.RecordEpoch(ctx, run.ID, EpochRecord{Epoch: i + 1, Loss: l, Accuracy: 0.5}))
		}
		require.NoError(t, store.CompleteRun(ctx, run.ID, RunStatusCompleted, digest, "", ""))
		return run
	}

	a := record(1, "d1", 0.9, 0.5)
	b := record(1, "d1", 0.9, 0.5)
	c := record(1, "d2", 0.9, 0.5000000000000001)

	cmp, err := store.CompareRuns(ctx, a.ID, b.ID)
	require.NoError(t, err)
	assert.True(t, cmp.Identical())
	assert.True(t, cmp.FingerprintsMatch)

	cmp, err = store.CompareRuns(ctx, a.ID, c.ID)
	require.NoError(t, err)
	assert.False(t, cmp.Identical())
	assert.False(t, cmp.DigestsMatch)
	require.Len(t, cmp.Diffs, 1)
	assert.Equal(t, 2, cmp.Diffs[0].Epoch)

	_, err = store.CompareRuns(ctx, a.ID, "missing")
	require.ErrorIs(t, err, ErrRunNotFound)
}
