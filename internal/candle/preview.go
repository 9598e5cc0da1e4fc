package candle

import (
	"time"

	"tickreplay/internal/market"
)

// previewGate 按回放时间节流临时 K 线，内容未变化时不重复输出。
type previewGate struct {
	every  int64
	lastAt int64
	last   market.Candle
	has    bool
}

func newPreviewGate(every time.Duration) previewGate {
	if every <= 0 {
		every = defaultPreviewEvery
	}
	return previewGate{every: every.Milliseconds()}
}

func (g *previewGate) due(now int64) bool {
	return !g.has || now-g.lastAt >= g.every
}

func (g *previewGate) offer(c market.Candle, now int64) bool {
	if g.has && samePreview(c, g.last) {
		return false
	}
	g.last = c
	g.lastAt = now
	g.has = true
	return true
}

func (g *previewGate) reset() {
	g.has = false
}

func samePreview(a, b market.Candle) bool {
	return a.Start == b.Start && a.Trades == b.Trades && a.Close == b.Close && a.Volume == b.Volume
}

// OpenMinute 只跟踪最新一分钟的成交，按与 Maker 相同的节流规则给出预览。
// 定稿 K 线来自缓存时用它补上进行中分钟的预览。
type OpenMinute struct {
	minute int64
	ticks  []market.Tick
	gate   previewGate
}

func NewOpenMinute(every time.Duration) *OpenMinute {
	return &OpenMinute{minute: -1, gate: newPreviewGate(every)}
}

// AddTicks 接收按时间排序的成交，早于当前分钟的成交被忽略。
func (o *OpenMinute) AddTicks(ticks []market.Tick) {
	for _, t := range ticks {
		minute := t.Minute()
		switch {
		case minute > o.minute:
			o.minute = minute
			o.ticks = append(o.ticks[:0], t)
		case minute == o.minute:
			o.ticks = append(o.ticks, t)
		}
	}
}

// Current 返回进行中分钟的临时 K 线（不受节流）。
func (o *OpenMinute) Current() (market.Candle, bool) {
	if len(o.ticks) == 0 {
		return market.Candle{}, false
	}
	return market.CandleFromTicks(o.minute, 1, o.ticks, false), true
}

func (o *OpenMinute) Preview(now int64) (market.Candle, bool) {
	if len(o.ticks) == 0 || !o.gate.due(now) {
		return market.Candle{}, false
	}
	c := market.CandleFromTicks(o.minute, 1, o.ticks, false)
	if !o.gate.offer(c, now) {
		return market.Candle{}, false
	}
	return c, true
}
