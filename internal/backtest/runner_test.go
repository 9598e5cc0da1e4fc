package backtest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"tickreplay/internal/candle"
	"tickreplay/internal/history"
	"tickreplay/internal/market"
	"tickreplay/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minute = market.MinuteMillis

// tickSeries 每 10 秒一笔成交，覆盖 [0, minutes) 分钟，price 决定每分钟的价格。
func tickSeries(minutes int, price func(minute int) float64) []market.Tick {
	var out []market.Tick
	for i := 0; i < minutes*6; i++ {
		out = append(out, market.Tick{
			Date:   int64(i) * 10_000,
			Rate:   price(i / 6),
			Amount: 100,
			Side:   market.SideBuy,
		})
	}
	return out
}

func seedHistory(t *testing.T, store *history.Store, ticks []market.Tick, end int64) {
	t.Helper()
	ctx := context.Background()
	trades := make([]history.Trade, len(ticks))
	for i, tk := range ticks {
		trades[i] = history.Trade{ID: int64(i + 1), Tick: tk}
	}
	_, err := store.InsertTrades(ctx, "X_Y", "sim", trades)
	require.NoError(t, err)
	require.NoError(t, store.MarkImported(ctx, "X_Y", "sim", "test", history.Period{Start: 0, End: end}))
}

func newTestRunner(t *testing.T, store *history.Store, cfg RunnerConfig) *Runner {
	t.Helper()
	cfg.History = store
	cfg.Instruments = []market.Instrument{testInstrument()}
	r, err := NewRunner(cfg)
	require.NoError(t, err)
	return r
}

func newHistory(t *testing.T) *history.Store {
	t.Helper()
	store, err := history.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func scriptedConfig(steps ...map[string]any) RunConfig {
	list := make([]any, len(steps))
	for i, s := range steps {
		list[i] = s
	}
	return RunConfig{
		Instrument: "x_y",
		Exchange:   "SIM",
		Start:      0,
		End:        10 * minute,
		Strategy:   "scripted",
		Params:     map[string]any{"steps": list},
		Balances:   map[string]float64{"X": 10},
	}
}

func roundTripSteps() RunConfig {
	return scriptedConfig(
		map[string]any{"at": 2*minute + 1, "action": "buy", "rate": 0.01, "amount": 50},
		map[string]any{"at": 6*minute + 1, "action": "close"},
	)
}

func stepPrice(m int) float64 {
	if m < 5 {
		return 0.01
	}
	return 0.02
}

func TestRunner_ScriptedRoundTrip(t *testing.T) {
	store := newHistory(t)
	seedHistory(t, store, tickSeries(10, stepPrice), 10*minute)
	r := newTestRunner(t, store, RunnerConfig{})

	var stages []string
	rep, err := r.Run(context.Background(), "run-1", roundTripSteps(), nil, func(p Progress) {
		stages = append(stages, p.Stage)
	})
	require.NoError(t, err)

	assert.Equal(t, "X_Y", rep.Instrument)
	assert.Equal(t, "sim", rep.Exchange)
	assert.Equal(t, 2, rep.Fills)
	assert.Equal(t, 1, rep.Buys)
	assert.Equal(t, 1, rep.Closes)
	assert.InDelta(t, 10, rep.StartEquity, eps)
	assert.InDelta(t, 10.498001, rep.FinalEquity, eps)
	assert.InDelta(t, 0.498001, rep.Profit, eps)
	assert.InDelta(t, 4.98001, rep.ReturnPct, eps)
	assert.InDelta(t, 0.05, rep.Fees.Coin["Y"], eps)
	assert.Equal(t, 1, rep.Positions)
	assert.Equal(t, 1, rep.Wins)
	assert.InDelta(t, 1, rep.WinRate, eps)
	assert.Equal(t, int64(10), rep.Candles)
	assert.Equal(t, int64(60), rep.Ticks)
	assert.Equal(t, int64(59*10_000), rep.SimulatedUntil)
	require.Len(t, rep.Exposure, 1)
	assert.Equal(t, int64(140_000), rep.Exposure[0].Start)
	assert.Equal(t, int64(380_000), rep.Exposure[0].End)
	assert.InDelta(t, 40, rep.ExposurePct, eps)
	assert.Zero(t, rep.LedgerWarnings)
	assert.False(t, rep.Aborted)
	assert.NotEmpty(t, rep.Snapshots)
	assert.Contains(t, stages, StageReplay)
	assert.NotContains(t, stages, StageImportStart)
}

func TestRunner_EquityFloorAborts(t *testing.T) {
	store := newHistory(t)
	seedHistory(t, store, tickSeries(10, func(m int) float64 {
		if m < 5 {
			return 0.01
		}
		return 0.001
	}), 10*minute)
	r := newTestRunner(t, store, RunnerConfig{})

	cfg := scriptedConfig(map[string]any{"at": minute + 1, "action": "buy", "rate": 0.01, "amount": 900})
	cfg.EquityFloor = 0.5

	// 进程内运行不做提前终止
	rep, err := r.Run(context.Background(), "run-floor-inline", cfg, nil, nil)
	require.NoError(t, err)
	assert.False(t, rep.Aborted)
	assert.Equal(t, int64(59*10_000), rep.SimulatedUntil)

	cfg.Detached = true
	rep, err = r.Run(context.Background(), "run-floor", cfg, nil, nil)
	require.ErrorIs(t, err, ErrEquityFloor)
	require.NotNil(t, rep)
	assert.True(t, rep.Aborted)
	assert.NotEmpty(t, rep.AbortReason)
	assert.Equal(t, int64(5*minute), rep.SimulatedUntil)
	assert.Less(t, rep.FinalEquity, 5.0)
}

func TestRunner_DataUnavailable(t *testing.T) {
	store := newHistory(t)
	r := newTestRunner(t, store, RunnerConfig{})

	_, err := r.Run(context.Background(), "run-missing", roundTripSteps(), nil, nil)
	var dataErr *history.DataUnavailableError
	require.True(t, errors.As(err, &dataErr))
	assert.Equal(t, []history.Period{{Start: 0, End: 10 * minute}}, dataErr.Missing)
}

func TestRunner_AutoImport(t *testing.T) {
	store := newHistory(t)
	src := history.NewMemorySource("memory")
	src.Add("X_Y", tickSeries(10, stepPrice)...)
	svc, err := history.NewService(history.ServiceConfig{
		Store:           store,
		Sources:         map[string]history.Source{"sim": src},
		RateLimitPerMin: 6000,
	})
	require.NoError(t, err)
	r := newTestRunner(t, store, RunnerConfig{Importer: svc})

	cfg := roundTripSteps()
	cfg.AutoImport = true
	var stages []string
	rep, err := r.Run(context.Background(), "run-import", cfg, nil, func(p Progress) {
		stages = append(stages, p.Stage)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Fills)
	assert.Contains(t, stages, StageImportStart)
}

func TestRunner_CandleCacheReplaysIdentically(t *testing.T) {
	store := newHistory(t)
	seedHistory(t, store, tickSeries(10, stepPrice), 10*minute)
	cache, err := candle.NewCache(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	r := newTestRunner(t, store, RunnerConfig{Cache: cache})

	cfg := roundTripSteps()
	cfg.UseCache = true
	first, err := r.Run(context.Background(), "run-a", cfg, nil, nil)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	second, err := r.Run(context.Background(), "run-b", cfg, nil, nil)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Fills, second.Fills)
	assert.Equal(t, first.Candles, second.Candles)
	assert.InDelta(t, first.FinalEquity, second.FinalEquity, eps)
	assert.Equal(t, first.Exposure, second.Exposure)
}

// previewStrategy 记录按周期分组的定稿与预览 K 线。
type previewStrategy struct {
	candles  map[int][]market.Candle
	previews map[int][]market.Candle
}

func newPreviewStrategy() *previewStrategy {
	return &previewStrategy{candles: map[int][]market.Candle{}, previews: map[int][]market.Candle{}}
}

func (s *previewStrategy) Name() string { return "preview" }

func (s *previewStrategy) Timeframes() []candle.Timeframe {
	tf, _ := candle.ParseTimeframe("5m")
	return []candle.Timeframe{tf}
}

func (s *previewStrategy) OnTick([]market.Tick) {}

func (s *previewStrategy) OnCandle(tf candle.Timeframe, c market.Candle) {
	s.candles[tf.Minutes] = append(s.candles[tf.Minutes], c)
}

func (s *previewStrategy) OnPreview(tf candle.Timeframe, c market.Candle) {
	s.previews[tf.Minutes] = append(s.previews[tf.Minutes], c)
}

func (s *previewStrategy) Intents() []strategy.Intent { return nil }

type previewSink struct {
	NopSink
	previews map[int][]market.Candle
}

func (s *previewSink) OnPreview(_, _ string, tf candle.Timeframe, c market.Candle) {
	s.previews[tf.Minutes] = append(s.previews[tf.Minutes], c)
}

func TestRunner_PreviewsThrottledNotFinal(t *testing.T) {
	store := newHistory(t)
	var ticks []market.Tick
	for i := 0; i < 240; i++ {
		ticks = append(ticks, market.Tick{
			Date:   int64(i) * 500,
			Rate:   0.01 + float64(i%7)*0.0001,
			Amount: 1,
			Side:   market.SideBuy,
		})
	}
	seedHistory(t, store, ticks, 2*minute)
	cache, err := candle.NewCache(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	var strat *previewStrategy
	reg := strategy.NewRegistry()
	reg.Register("preview", func(strategy.Env, map[string]any) (strategy.Strategy, error) {
		strat = newPreviewStrategy()
		return strat, nil
	})
	r := newTestRunner(t, store, RunnerConfig{Cache: cache, Strategies: reg})
	cfg := RunConfig{
		Instrument:  "X_Y",
		Exchange:    "sim",
		End:         2 * minute,
		Strategy:    "preview",
		Balances:    map[string]float64{"X": 10},
		BatchSpanMs: 500,
		UseCache:    true,
	}

	sink := &previewSink{previews: map[int][]market.Candle{}}
	rep, err := r.Run(context.Background(), "run-preview", cfg, sink, nil)
	require.NoError(t, err)
	assert.False(t, rep.CacheHit)
	assert.Equal(t, int64(2), rep.Candles)

	// 每批 500ms，预览按 1s 节流，每隔一批输出一次
	require.Len(t, strat.previews[1], 120)
	require.Len(t, strat.previews[5], 120)
	assert.Equal(t, strat.previews, sink.previews)

	finals := strat.candles[1]
	require.Len(t, finals, 2)
	for _, c := range finals {
		assert.InDelta(t, 120, c.Volume, eps)
	}
	assert.Empty(t, strat.candles[5])
	for _, p := range strat.previews[1] {
		assert.Less(t, p.Volume, finals[p.Start/minute].Volume)
		assert.Equal(t, 1, p.Interval)
	}
	for _, p := range strat.previews[5] {
		assert.Equal(t, int64(0), p.Start)
		assert.Equal(t, 5, p.Interval)
	}

	firstPreviews := strat.previews
	firstFinals := strat.candles
	sink = &previewSink{previews: map[int][]market.Candle{}}
	rep, err = r.Run(context.Background(), "run-preview-cached", cfg, sink, nil)
	require.NoError(t, err)
	assert.True(t, rep.CacheHit)
	assert.Equal(t, firstPreviews, strat.previews)
	assert.Equal(t, firstFinals, strat.candles)
	assert.Equal(t, firstPreviews, sink.previews)
}

func TestRunner_CorruptCacheIsRebuilt(t *testing.T) {
	store := newHistory(t)
	seedHistory(t, store, tickSeries(10, stepPrice), 10*minute)
	cache, err := candle.NewCache(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	r := newTestRunner(t, store, RunnerConfig{Cache: cache})

	cfg := roundTripSteps()
	cfg.UseCache = true
	key := candle.CacheKey(candle.CacheKeyInput{
		Instrument:      "X_Y",
		Exchange:        "sim",
		Start:           cfg.Start,
		End:             cfg.End,
		TrendEpsilonPct: market.TrendEpsilonPct,
		Source:          cacheSource,
	})
	ctx := context.Background()
	require.NoError(t, cache.Save(ctx, "X_Y", "sim", key, []market.Candle{
		market.FlatCandle(0, 1, 0.01),
		market.FlatCandle(5*minute, 1, 0.02),
	}))

	rep, err := r.Run(ctx, "run-rebuild", cfg, nil, nil)
	require.NoError(t, err)
	assert.False(t, rep.CacheHit)
	assert.Equal(t, int64(10), rep.Candles)
	assert.Equal(t, 2, rep.Fills)

	manifest, err := cache.Manifest(ctx, "X_Y", "sim", key)
	require.NoError(t, err)
	assert.True(t, manifest.Complete)
	assert.Equal(t, int64(10), manifest.Rows)

	again, err := r.Run(ctx, "run-rebuilt", cfg, nil, nil)
	require.NoError(t, err)
	assert.True(t, again.CacheHit)
	assert.InDelta(t, rep.FinalEquity, again.FinalEquity, eps)
}

func TestRunner_WritesReport(t *testing.T) {
	store := newHistory(t)
	seedHistory(t, store, tickSeries(10, stepPrice), 10*minute)
	dir := t.TempDir()
	r := newTestRunner(t, store, RunnerConfig{ReportDir: dir})

	rep, err := r.Run(context.Background(), "run-report", roundTripSteps(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "run-report", "report.json"), rep.ReportPath)
	_, err = os.Stat(filepath.Join(dir, "run-report", "report.html"))
	assert.NoError(t, err)
}

func TestRunner_InvalidConfig(t *testing.T) {
	store := newHistory(t)
	r := newTestRunner(t, store, RunnerConfig{})

	cfg := roundTripSteps()
	cfg.End = cfg.Start
	_, err := r.Run(context.Background(), "bad", cfg, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = roundTripSteps()
	cfg.Instrument = "Z_Y"
	_, err = r.Run(context.Background(), "bad", cfg, nil, nil)
	assert.ErrorIs(t, err, ErrUnknownInstrument)
}
