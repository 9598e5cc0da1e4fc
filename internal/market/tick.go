package market

// Side 表示成交方向（主动买 / 主动卖）。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// MinuteMillis 是 1 分钟对应的毫秒数。
const MinuteMillis int64 = 60_000

// Tick 是一笔已成交的交易记录，Date 为 Unix 毫秒。
type Tick struct {
	Date   int64   `json:"date"`
	Rate   float64 `json:"rate"`
	Amount float64 `json:"amount"`
	Side   Side    `json:"side"`
}

// Minute 返回成交所在分钟的起始毫秒。
func (t Tick) Minute() int64 {
	return TruncateMinute(t.Date)
}

// TruncateMinute 将毫秒时间截断到分钟边界。
func TruncateMinute(ts int64) int64 {
	rem := ts % MinuteMillis
	if rem < 0 {
		rem += MinuteMillis
	}
	return ts - rem
}

// LastRate 返回批次中最后一笔成交价，空批次返回 0。
func LastRate(ticks []Tick) float64 {
	if len(ticks) == 0 {
		return 0
	}
	return ticks[len(ticks)-1].Rate
}
