package backtest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExposureUnion(t *testing.T) {
	ranges := []ExposureRange{
		{Start: 50, End: 60},
		{Start: 0, End: 10},
		{Start: 5, End: 20},
		{Start: 55, End: 58},
	}
	assert.Equal(t, int64(30), exposureUnion(ranges))
	assert.Zero(t, exposureUnion(nil))
}

func TestWinLossBuckets(t *testing.T) {
	buckets := winLossBuckets([]float64{-1, -0.1, 0, 0.01, 0.3, 2}, 10)
	require.Len(t, buckets, 8)
	counts := make(map[string]int)
	for _, b := range buckets {
		counts[b.Label] = b.Count
	}
	assert.Equal(t, 1, counts["<-5%"])
	assert.Equal(t, 1, counts["[-2%,-0.5%)"])
	assert.Equal(t, 2, counts["[0%,0.5%)"])
	assert.Equal(t, 1, counts["[2%,5%)"])
	assert.Equal(t, 1, counts[">=5%"])
	assert.Zero(t, buckets[0].Min)
	assert.Zero(t, buckets[len(buckets)-1].Max)
}

func TestRecorder_ExposureAndDrawdown(t *testing.T) {
	rec := NewRecorder("r", 0)
	rec.OnFill(Fill{Instrument: "X_Y", Exchange: "sim", Position: 2, Time: 100})
	rec.OnFill(Fill{Instrument: "X_Y", Exchange: "sim", Position: 3, Time: 200})
	rec.OnFill(Fill{Instrument: "X_Y", Exchange: "sim", Position: 0, Time: 300, Realized: 1, Closed: true, ClosedPL: 1})
	rec.OnFill(Fill{Instrument: "X_Y", Exchange: "sim", Margin: true, Position: -1, Time: 250})

	assert.InDelta(t, 0, rec.Observe(100, 10, 10, 1, 0), eps)
	assert.InDelta(t, 0.2, rec.Observe(200, 8, 8, 1, 0), eps)
	assert.InDelta(t, 0, rec.Observe(300, 12, 12, 1, 0), eps)
	assert.Len(t, rec.Snapshots(), 3)

	rep := &Report{Start: 0, End: 1000, StartEquity: 10}
	rec.Finish(500, rep)
	require.Len(t, rep.Exposure, 2)
	assert.Equal(t, int64(100), rep.Exposure[0].Start)
	assert.Equal(t, int64(300), rep.Exposure[0].End)
	assert.InDelta(t, 3, rep.Exposure[0].MaxAmount, eps)
	assert.True(t, rep.Exposure[1].Margin)
	assert.Equal(t, int64(500), rep.Exposure[1].End)
	// [100,300) ∪ [250,500) = 400ms
	assert.InDelta(t, 40, rep.ExposurePct, eps)
	assert.InDelta(t, 20, rep.MaxDrawdownPct, eps)
	assert.InDelta(t, 12, rep.EquityPeak, eps)
	assert.InDelta(t, 8, rep.EquityValley, eps)
	assert.Equal(t, 1, rep.Positions)
	assert.Equal(t, 1, rep.Wins)
	assert.InDelta(t, 1, rep.RealizedPL, eps)
}

func TestRecorder_SnapshotsThinned(t *testing.T) {
	rec := NewRecorder("r", 1000)
	for ts := int64(0); ts < 5000; ts += 100 {
		rec.Observe(ts, 10, 10, 1, 0)
	}
	assert.Len(t, rec.Snapshots(), 5)
}

func TestWriteReport(t *testing.T) {
	dir := t.TempDir()
	rep := &Report{
		RunID:      "abc",
		Instrument: "X_Y",
		Exchange:   "sim",
		Strategy:   "scripted",
		Snapshots:  []Snapshot{{TS: 0, Equity: 10, Price: 1}, {TS: 60_000, Equity: 9, Price: 0.9, Drawdown: 0.1}},
		WinLoss:    winLossBuckets([]float64{-1, 1}, 10),
	}
	path, err := WriteReport(dir, rep)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "abc", "report.json"), path)

	html, err := os.ReadFile(filepath.Join(dir, "abc", "report.html"))
	require.NoError(t, err)
	assert.Contains(t, string(html), "echarts")

	_, err = WriteReport(dir, nil)
	assert.Error(t, err)
}
