package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"tickreplay/internal/backtest"
	"tickreplay/internal/config"
	"tickreplay/internal/history"
	"tickreplay/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minute = int64(60_000)

func loadTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
data:
  history_dir: %[1]s/history
  report_dir: %[1]s/reports
cache:
  dir: %[1]s/candles
results:
  dsn: %[1]s/results.db
exchanges:
  sim:
    instruments:
      - symbol: X_Y
        fee_rate: 0.001
        min_amount: 0.001
        max_leverage: 5
        precision: 8
backtest:
  strategy: scripted
  balances:
    x: 10
`, filepath.ToSlash(dir))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func memorySources(src *history.MemorySource) AppBuilderOption {
	return WithSources(func(*config.Config) (map[string]history.Source, error) {
		return map[string]history.Source{"sim": src}, nil
	})
}

func stepTicks() []market.Tick {
	var out []market.Tick
	for i := 0; i < 60; i++ {
		rate := 0.01
		if i >= 30 {
			rate = 0.02
		}
		out = append(out, market.Tick{Date: int64(i) * 10_000, Rate: rate, Amount: 100, Side: market.SideBuy})
	}
	return out
}

func TestNewApp_ReplaysWithAutoImport(t *testing.T) {
	cfg := loadTestConfig(t)
	src := history.NewMemorySource("sim")
	src.Add("X_Y", stepTicks()...)

	a, err := NewApp(cfg, memorySources(src))
	require.NoError(t, err)
	defer a.Close()
	a.Start(context.Background())

	require.NotNil(t, a.Imports())
	require.NotNil(t, a.Summary)
	require.Len(t, a.Summary.Exchanges, 1)
	assert.Equal(t, "sim", a.Summary.Exchanges[0].Source)
	assert.Equal(t, []string{"X_Y"}, a.Summary.Exchanges[0].Instruments)

	job := a.Manager().ApplyDefaults(backtest.RunConfig{
		Instrument: "X_Y",
		Exchange:   "sim",
		Start:      0,
		End:        10 * minute,
		Params: map[string]any{"steps": []any{
			map[string]any{"at": 2*minute + 1, "action": "buy", "rate": 0.01, "amount": 50},
			map[string]any{"at": 6*minute + 1, "action": "close"},
		}},
		AutoImport: true,
	})
	assert.Equal(t, "scripted", job.Strategy)
	assert.Equal(t, map[string]float64{"X": 10}, job.Balances)

	run, rep, err := a.Manager().RunSync(context.Background(), job, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, rep)
	assert.InDelta(t, 10.498001, rep.FinalEquity, 1e-6)

	stored, err := a.Results().GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, backtest.RunStatusDone, stored.Status)

	a.ApplyConfig(cfg)
}

func TestNewApp_NoSources(t *testing.T) {
	cfg := loadTestConfig(t)
	a, err := NewApp(cfg)
	require.NoError(t, err)
	defer a.Close()
	assert.Nil(t, a.Imports())

	_, err = NewApp(nil)
	assert.Error(t, err)
}
