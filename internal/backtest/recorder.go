package backtest

import (
	"fmt"
	"math"
	"sort"

	"tickreplay/internal/candle"
	"tickreplay/internal/market"
)

// bucketEdges 为已平仓盈亏分布的区间边界（起始权益百分比）。
var bucketEdges = []float64{-5, -2, -0.5, 0, 0.5, 2, 5}

// Recorder 汇总回放中的成交、资金曲线与敞口区间，最终生成 Report 的统计部分。
type Recorder struct {
	runID         string
	snapshotEvery int64

	fills     []Fill
	closedPL  []float64
	realized  float64
	candles   int64
	open      map[string]*ExposureRange
	ranges    []ExposureRange
	snapshots []Snapshot
	lastSnap  int64

	peak, valley, maxDrawdown float64
}

func NewRecorder(runID string, snapshotEvery int64) *Recorder {
	return &Recorder{
		runID:         runID,
		snapshotEvery: snapshotEvery,
		open:          make(map[string]*ExposureRange),
	}
}

func (r *Recorder) OnFill(f Fill) {
	r.fills = append(r.fills, f)
	r.realized += f.Realized
	if f.Closed {
		r.closedPL = append(r.closedPL, f.ClosedPL)
	}
	key := market.InstrumentKey(f.Exchange, f.Instrument)
	if f.Margin {
		key += "#margin"
	}
	amount := math.Abs(f.Position)
	rng, isOpen := r.open[key]
	switch {
	case !isOpen && amount > positionEpsilon:
		r.open[key] = &ExposureRange{
			Instrument: f.Instrument,
			Exchange:   f.Exchange,
			Margin:     f.Margin,
			Start:      f.Time,
			End:        f.Time,
			MaxAmount:  amount,
		}
	case isOpen && amount <= positionEpsilon:
		rng.End = f.Time
		r.ranges = append(r.ranges, *rng)
		delete(r.open, key)
	case isOpen:
		rng.MaxAmount = math.Max(rng.MaxAmount, amount)
	}
}

func (r *Recorder) OnExpire(Order) {}

// OnPreview 不计入报告，报告只统计定稿 K 线。
func (r *Recorder) OnPreview(string, string, candle.Timeframe, market.Candle) {}

func (r *Recorder) OnCandle(_, _ string, tf candle.Timeframe, _ market.Candle) {
	if tf.Minutes == 1 {
		r.candles++
	}
}

// Observe 更新权益峰谷与最大回撤，并按间隔保留资金曲线点。返回当前回撤比例。
func (r *Recorder) Observe(ts int64, equity, balance, price, exposure float64) float64 {
	if r.peak == 0 && r.valley == 0 {
		r.peak, r.valley = equity, equity
	}
	r.peak = math.Max(r.peak, equity)
	if equity < r.valley {
		r.valley = equity
	}
	drawdown := 0.0
	if r.peak > 0 {
		drawdown = (r.peak - equity) / r.peak
		if drawdown > r.maxDrawdown {
			r.maxDrawdown = drawdown
		}
	}
	if r.snapshotEvery <= 0 || len(r.snapshots) == 0 || ts-r.lastSnap >= r.snapshotEvery {
		r.snapshots = append(r.snapshots, Snapshot{
			RunID:    r.runID,
			TS:       ts,
			Equity:   equity,
			Balance:  balance,
			Price:    price,
			Drawdown: drawdown,
			Exposure: exposure,
		})
		r.lastSnap = ts
	}
	return drawdown
}

// Fills 返回全部成交记录。
func (r *Recorder) Fills() []Fill {
	return r.fills
}

func (r *Recorder) Snapshots() []Snapshot {
	return r.snapshots
}

func (r *Recorder) Candles() int64 {
	return r.candles
}

// Finish 在 end 处关闭仍在持有的敞口区间，并把统计写入 report。
func (r *Recorder) Finish(end int64, rep *Report) {
	for key, rng := range r.open {
		rng.End = end
		r.ranges = append(r.ranges, *rng)
		delete(r.open, key)
	}
	sort.SliceStable(r.ranges, func(i, j int) bool { return r.ranges[i].Start < r.ranges[j].Start })

	rep.RealizedPL = r.realized
	rep.Candles = r.candles
	rep.Exposure = append([]ExposureRange(nil), r.ranges...)
	if span := rep.End - rep.Start; span > 0 {
		rep.ExposurePct = float64(exposureUnion(r.ranges)) / float64(span) * 100
	}
	rep.Positions = len(r.closedPL)
	for _, pl := range r.closedPL {
		if pl > 0 {
			rep.Wins++
		} else {
			rep.Losses++
		}
	}
	if rep.Positions > 0 {
		rep.WinRate = float64(rep.Wins) / float64(rep.Positions)
	}
	rep.WinLoss = winLossBuckets(r.closedPL, rep.StartEquity)
	rep.MaxDrawdownPct = r.maxDrawdown * 100
	rep.EquityPeak = r.peak
	rep.EquityValley = r.valley
	rep.Snapshots = append([]Snapshot(nil), r.snapshots...)
}

func winLossBuckets(pls []float64, startEquity float64) []Bucket {
	buckets := make([]Bucket, 0, len(bucketEdges)+1)
	lower := math.Inf(-1)
	for _, edge := range append(append([]float64(nil), bucketEdges...), math.Inf(1)) {
		buckets = append(buckets, Bucket{Label: bucketLabel(lower, edge), Min: lower, Max: edge})
		lower = edge
	}
	for _, pl := range pls {
		pct := 0.0
		if startEquity > 0 {
			pct = pl / startEquity * 100
		}
		for i := range buckets {
			if pct >= buckets[i].Min && pct < buckets[i].Max {
				buckets[i].Count++
				buckets[i].PL += pl
				break
			}
		}
	}
	// JSON 不支持 Inf，两端区间以 0 边界输出
	for i := range buckets {
		if math.IsInf(buckets[i].Min, 0) {
			buckets[i].Min = 0
		}
		if math.IsInf(buckets[i].Max, 0) {
			buckets[i].Max = 0
		}
	}
	return buckets
}

func bucketLabel(lo, hi float64) string {
	switch {
	case math.IsInf(lo, -1):
		return fmt.Sprintf("<%g%%", hi)
	case math.IsInf(hi, 1):
		return fmt.Sprintf(">=%g%%", lo)
	default:
		return fmt.Sprintf("[%g%%,%g%%)", lo, hi)
	}
}

// exposureUnion 返回区间并集的总时长（毫秒）。
func exposureUnion(ranges []ExposureRange) int64 {
	if len(ranges) == 0 {
		return 0
	}
	sorted := append([]ExposureRange(nil), ranges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	var total int64
	curStart, curEnd := sorted[0].Start, sorted[0].End
	for _, r := range sorted[1:] {
		if r.Start > curEnd {
			total += curEnd - curStart
			curStart, curEnd = r.Start, r.End
			continue
		}
		if r.End > curEnd {
			curEnd = r.End
		}
	}
	return total + curEnd - curStart
}
