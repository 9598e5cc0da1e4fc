package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"tickreplay/internal/backtest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseYAML = `
exchanges:
  Binance:
    source: binance
    instruments:
      - symbol: usdt_btc
        fee_rate: 0.001
        max_leverage: 10
        min_amount: 0.0001
        precision: 6
      - symbol: USDT_ETH
        fee_rate: 0.001
  sim:
    instruments:
      - symbol: X_Y
        fee_rate: 0.002
backtest:
  balances:
    USDT: 1000
  slippage: 0.0005
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_DefaultsAndIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", baseYAML)
	path := writeFile(t, dir, "main.yaml", `
include:
  - base.yaml
app:
  log_format: JSON
backtest:
  slippage: 0.001
  auto_import: false
  max_fills_per_batch: 3
cache:
  enabled: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.App.Env)
	assert.Equal(t, "json", cfg.App.LogFormat)
	assert.Equal(t, defaultHistoryDir, cfg.Data.HistoryDir)
	assert.Equal(t, defaultHTTPAddr, cfg.HTTP.Addr)
	assert.Equal(t, "sqlite", cfg.Results.Driver)
	assert.Equal(t, defaultBinanceURL, cfg.Import.Binance.BaseURL)
	assert.Equal(t, time.Hour, cfg.Import.Chunk())

	assert.InDelta(t, 0.001, cfg.Backtest.Slippage, 1e-12)
	assert.False(t, cfg.Backtest.AutoImport)
	assert.False(t, cfg.Cache.Enabled)
	assert.Equal(t, 3, cfg.Backtest.MaxFillsPerBatch)
	assert.Equal(t, defaultMaxPending, cfg.Backtest.MaxPending)
	assert.Equal(t, "touch", cfg.Backtest.FillPolicy)

	assert.Equal(t, []string{"binance", "sim"}, cfg.ExchangeNames())
	assert.Equal(t, SourceNone, cfg.Exchanges["sim"].Source)

	insts := cfg.Instruments()
	require.Len(t, insts, 3)
	assert.Equal(t, "USDT_BTC", insts[0].Symbol)
	assert.Equal(t, "binance", insts[0].Exchange)
	assert.Equal(t, int32(6), insts[0].Precision)
	assert.Equal(t, 10.0, insts[0].MaxLeverage)
	assert.Equal(t, "USDT_ETH", insts[1].Symbol)
	assert.Equal(t, 1.0, insts[1].MaxLeverage)
	assert.Equal(t, "X_Y@sim", insts[2].Key())
}

func TestConfig_RunDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "c.yaml", baseYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	d := cfg.RunDefaults()
	assert.Equal(t, map[string]float64{"USDT": 1000}, d.Balances)
	assert.Equal(t, defaultStrategy, d.Strategy)
	assert.Equal(t, backtest.FillTouch, d.FillPolicy)
	assert.Equal(t, int64(defaultBatchSpanMs), d.BatchSpanMs)
	assert.True(t, d.UseCache)
	assert.True(t, d.AutoImport)
}

func TestLoad_IncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "include: [b.yaml]\n")
	writeFile(t, dir, "b.yaml", "include: [a.yaml]\n")
	_, err := Load(filepath.Join(dir, "a.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "include cycle")
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "no exchanges", body: "app:\n  env: dev\n", want: "exchanges requires"},
		{name: "bad symbol", body: "exchanges:\n  sim:\n    instruments:\n      - symbol: XY\n", want: "invalid instrument symbol"},
		{name: "duplicate symbol", body: "exchanges:\n  sim:\n    instruments:\n      - symbol: X_Y\n      - symbol: x_y\n", want: "duplicate symbol"},
		{name: "bad source", body: "exchanges:\n  sim:\n    source: ftp\n    instruments:\n      - symbol: X_Y\n", want: "source must be"},
		{name: "clickhouse without addr", body: "exchanges:\n  sim:\n    source: clickhouse\n    instruments:\n      - symbol: X_Y\n", want: "import.clickhouse.addr"},
		{name: "fee too high", body: "exchanges:\n  sim:\n    instruments:\n      - symbol: X_Y\n        fee_rate: 1.5\n", want: "fee_rate"},
		{name: "fill policy", body: baseYAML + "  fill_policy: maybe\n", want: "backtest.fill_policy"},
		{name: "equity floor", body: baseYAML + "  equity_floor: 1.2\n", want: "backtest.equity_floor"},
		{name: "results driver", body: baseYAML + "results:\n  driver: mysql\n", want: "results.driver"},
		{name: "log format", body: baseYAML + "app:\n  log_format: xml\n", want: "app.log_format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "c.yaml", tt.body)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "c.yaml", baseYAML)

	changes := make(chan *Config, 8)
	require.NoError(t, Watch(path, func(c *Config) {
		select {
		case changes <- c:
		default:
		}
	}))

	require.NoError(t, os.WriteFile(path, []byte(baseYAML+"  equity_floor: 0.5\n"), 0o644))
	deadline := time.After(5 * time.Second)
	for observed := false; !observed; {
		select {
		case cfg := <-changes:
			observed = cfg.Backtest.EquityFloor == 0.5
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}

	assert.Error(t, Watch("", func(*Config) {}))
}
