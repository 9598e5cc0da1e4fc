package candle

import (
	"fmt"
	"math"
	"time"

	"tickreplay/internal/market"
)

// BatcherConfig 配置大周期 K 线合成器。
type BatcherConfig struct {
	Size         int  // 每根输出 K 线包含的输入根数
	Align        bool // 输出 K 线起点对齐到自身周期边界
	PreviewEvery time.Duration
}

// Batcher 将 Size 根连续的小周期 K 线合成为一根大周期 K 线。
type Batcher struct {
	cfg BatcherConfig
	buf []market.Candle

	preview previewGate
}

func NewBatcher(cfg BatcherConfig) (*Batcher, error) {
	if cfg.Size < 1 {
		return nil, fmt.Errorf("%w: batch size %d", ErrInvalidCandleSize, cfg.Size)
	}
	return &Batcher{
		cfg:     cfg,
		buf:     make([]market.Candle, 0, cfg.Size),
		preview: newPreviewGate(cfg.PreviewEvery),
	}, nil
}

// Size 返回合成根数。
func (b *Batcher) Size() int {
	return b.cfg.Size
}

// AddCandles 追加定稿的小周期 K 线，返回本次合成完成的大周期 K 线。
func (b *Batcher) AddCandles(candles []market.Candle) []market.Candle {
	var out []market.Candle
	for _, c := range candles {
		if len(b.buf) == 0 && b.cfg.Align && !b.aligned(c) {
			continue
		}
		b.buf = append(b.buf, c)
		if len(b.buf)%b.cfg.Size == 0 {
			out = append(out, Batch(b.buf))
			b.buf = b.buf[:0]
			b.preview.reset()
		}
	}
	return out
}

// Preview 将缓冲区与进行中的输入 K 线临时合成，不提交到缓冲区。
func (b *Batcher) Preview(open market.Candle, hasOpen bool, now int64) (market.Candle, bool) {
	members := make([]market.Candle, 0, len(b.buf)+1)
	members = append(members, b.buf...)
	if hasOpen && (len(members) > 0 || !b.cfg.Align || b.aligned(open)) {
		members = append(members, open)
	}
	if len(members) == 0 {
		return market.Candle{}, false
	}
	if !b.preview.due(now) {
		return market.Candle{}, false
	}
	c := Batch(members)
	c.Interval = members[0].Interval * b.cfg.Size
	if !b.preview.offer(c, now) {
		return market.Candle{}, false
	}
	return c, true
}

// Pending 返回缓冲区中尚未合成的根数。
func (b *Batcher) Pending() int {
	return len(b.buf)
}

func (b *Batcher) aligned(c market.Candle) bool {
	span := int64(c.Interval*b.cfg.Size) * market.MinuteMillis
	if span <= 0 {
		return true
	}
	return c.Start%span == 0
}

// Batch 合成若干根连续 K 线；成交量为 0 时 VWP 取开盘价。
func Batch(candles []market.Candle) market.Candle {
	if len(candles) == 0 {
		return market.Candle{}
	}
	first := candles[0]
	last := candles[len(candles)-1]
	out := market.Candle{
		Start:    first.Start,
		Interval: first.Interval * len(candles),
		Open:     first.Open,
		High:     first.High,
		Low:      first.Low,
		Close:    last.Close,
	}
	var weighted float64
	for _, c := range candles {
		out.High = math.Max(out.High, c.High)
		out.Low = math.Min(out.Low, c.Low)
		out.Volume += c.Volume
		out.UpVolume += c.UpVolume
		out.DownVolume += c.DownVolume
		out.Trades += c.Trades
		weighted += c.VWP * c.Volume
	}
	if out.Volume > 0 {
		out.VWP = weighted / out.Volume
	} else {
		out.VWP = out.Open
	}
	out.Trend = market.ComputeTrend(out.Open, out.Close)
	return out
}
