package backtest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResults(t *testing.T) *ResultStore {
	t.Helper()
	store, err := OpenResultStore("sqlite", filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	hist := newHistory(t)
	seedHistory(t, hist, tickSeries(10, stepPrice), 10*minute)
	m, err := NewManager(ManagerConfig{
		Runner:   newTestRunner(t, hist, RunnerConfig{}),
		Results:  newTestResults(t),
		Defaults: RunConfig{Strategy: "scripted", Balances: map[string]float64{"x": 10}},
	})
	require.NoError(t, err)
	return m
}

func TestResultStore_RunRoundTrip(t *testing.T) {
	store := newTestResults(t)
	ctx := context.Background()

	run := Run{ID: "r1", Instrument: "X_Y", Exchange: "sim", Strategy: "scripted", Status: RunStatusPending, Start: 0, End: 10 * minute,
		Config: RunConfig{Instrument: "X_Y", Exchange: "sim", Balances: map[string]float64{"X": 10}}}
	require.NoError(t, store.InsertRun(ctx, run))
	require.NoError(t, store.UpdateRunProgress(ctx, "r1", 42, "replay 42%"))

	got, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusPending, got.Status)
	assert.InDelta(t, 42, got.Progress, eps)
	assert.Equal(t, 10.0, got.Config.Balances["X"])
	assert.Nil(t, got.Report)

	rep := &Report{RunID: "r1", StartEquity: 10, FinalEquity: 11, Profit: 1, ReturnPct: 10, Fills: 2,
		Snapshots: []Snapshot{{TS: 1, Equity: 10}}, WinLoss: winLossBuckets([]float64{1}, 10)}
	require.NoError(t, store.UpdateRunResult(ctx, "r1", RunStatusDone, rep, "完成"))
	require.NoError(t, store.InsertFills(ctx, "r1", []Fill{{OrderID: "y-000001", Rate: 0.01, Amount: 50, Time: 5}}))
	require.NoError(t, store.InsertSnapshots(ctx, "r1", rep.Snapshots))

	got, err = store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusDone, got.Status)
	assert.InDelta(t, 1, got.Profit, eps)
	assert.False(t, got.CompletedAt.IsZero())
	require.NotNil(t, got.Report)
	assert.Empty(t, got.Report.Snapshots)
	assert.Equal(t, 2, got.Report.Fills)

	fills, err := store.ListFills(ctx, "r1", 0)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, "y-000001", fills[0].OrderID)

	snaps, err := store.ListSnapshots(ctx, "r1", 0)
	require.NoError(t, err)
	assert.Len(t, snaps, 1)

	runs, err := store.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Nil(t, runs[0].Report)

	_, err = store.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, store.UpdateRunStatus(ctx, "missing", RunStatusFailed, ""), ErrRunNotFound)
}

func TestManager_BuildConfigAppliesDefaults(t *testing.T) {
	m := newTestManager(t)
	floor := 0.3
	cfg, err := m.BuildConfig(RunRequest{Instrument: " x_y ", Exchange: "SIM", Start: 0, End: minute, EquityFloor: &floor})
	require.NoError(t, err)
	assert.Equal(t, "X_Y", cfg.Instrument)
	assert.Equal(t, "sim", cfg.Exchange)
	assert.Equal(t, "scripted", cfg.Strategy)
	assert.Equal(t, map[string]float64{"X": 10}, cfg.Balances)
	assert.InDelta(t, 0.3, cfg.EquityFloor, eps)
	assert.Equal(t, defaultBatchSpan.Milliseconds(), cfg.BatchSpanMs)

	_, err = m.BuildConfig(RunRequest{Instrument: "Z_Y", Exchange: "sim", Start: 0, End: minute})
	assert.ErrorIs(t, err, ErrUnknownInstrument)
	_, err = m.BuildConfig(RunRequest{Instrument: "X_Y", Exchange: "sim", Start: minute, End: 0})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestManager_StartRunPersistsResult(t *testing.T) {
	m := newTestManager(t)
	cfg := roundTripSteps()
	run, err := m.StartRun(RunRequest{
		Instrument: "X_Y",
		Exchange:   "sim",
		Start:      0,
		End:        10 * minute,
		Params:     cfg.Params,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, RunStatusPending, run.Status)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		got, err := m.Results().GetRun(ctx, run.ID)
		return err == nil && got.Status == RunStatusDone
	}, 10*time.Second, 20*time.Millisecond)

	got, err := m.Results().GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.498001, got.Profit, eps)
	assert.Equal(t, 2, got.Fills)
	fills, err := m.Results().ListFills(ctx, run.ID, 0)
	require.NoError(t, err)
	assert.Len(t, fills, 2)
	snaps, err := m.Results().ListSnapshots(ctx, run.ID, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, snaps)
}

func TestManager_RunSyncMarksAborted(t *testing.T) {
	m := newTestManager(t)
	cfg := scriptedConfig(map[string]any{"at": minute + 1, "action": "buy", "rate": 0.01, "amount": 900})
	cfg.EquityFloor = 0.9995
	cfg.Detached = true
	run, rep, err := m.RunSync(context.Background(), cfg, nil, nil)
	require.ErrorIs(t, err, ErrEquityFloor)
	require.NotNil(t, rep)

	got, err := m.Results().GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusAborted, got.Status)
	require.NotNil(t, got.Report)
	assert.True(t, got.Report.Aborted)
}
