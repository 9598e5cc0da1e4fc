package market

import "math"

// Trend 描述 K 线涨跌方向。
type Trend string

const (
	TrendUp   Trend = "up"
	TrendDown Trend = "down"
	TrendNone Trend = "none"
)

// TrendEpsilonPct 为判定无趋势的涨跌幅阈值（百分比）。
const TrendEpsilonPct = 0.01

type Candle struct {
	Start      int64   `json:"start"`
	Interval   int     `json:"interval"` // 分钟
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	Volume     float64 `json:"volume"`
	UpVolume   float64 `json:"up_volume"`
	DownVolume float64 `json:"down_volume"`
	VWP        float64 `json:"vwp"`
	Trades     int64   `json:"trades"`
	Trend      Trend   `json:"trend"`
	Ticks      []Tick  `json:"-"`
}

// End 返回 K 线区间的结束毫秒（不含）。
func (c Candle) End() int64 {
	return c.Start + int64(c.Interval)*MinuteMillis
}

// ComputeTrend 按开收盘价计算趋势，涨跌幅低于阈值视为 none。
func ComputeTrend(open, close float64) Trend {
	if open == 0 {
		return TrendNone
	}
	pct := (close - open) / open * 100
	if math.Abs(pct) < TrendEpsilonPct {
		return TrendNone
	}
	if pct > 0 {
		return TrendUp
	}
	return TrendDown
}

// CandleFromTicks 用同一区间内的成交构建 K 线；ticks 需非空且按时间排序。
func CandleFromTicks(start int64, interval int, ticks []Tick, keepTicks bool) Candle {
	c := Candle{
		Start:    start,
		Interval: interval,
		Open:     ticks[0].Rate,
		High:     ticks[0].Rate,
		Low:      ticks[0].Rate,
		Close:    ticks[len(ticks)-1].Rate,
	}
	var notional float64
	for _, t := range ticks {
		c.High = math.Max(c.High, t.Rate)
		c.Low = math.Min(c.Low, t.Rate)
		c.Volume += t.Amount
		if t.Side == SideSell {
			c.DownVolume += t.Amount
		} else {
			c.UpVolume += t.Amount
		}
		notional += t.Rate * t.Amount
		c.Trades++
	}
	if c.Volume > 0 {
		c.VWP = notional / c.Volume
	} else {
		c.VWP = c.Open
	}
	c.Trend = ComputeTrend(c.Open, c.Close)
	if keepTicks {
		c.Ticks = append([]Tick(nil), ticks...)
	}
	return c
}

// FlatCandle 生成无成交分钟的占位 K 线，价格沿用上一根收盘价。
func FlatCandle(start int64, interval int, price float64) Candle {
	return Candle{
		Start:    start,
		Interval: interval,
		Open:     price,
		High:     price,
		Low:      price,
		Close:    price,
		VWP:      price,
		Trend:    TrendNone,
	}
}
