package backtest

import (
	"math"

	"tickreplay/internal/market"
	"tickreplay/internal/strategy"
)

// FillPolicy 决定挂单成交时是否考虑成交量。
type FillPolicy string

const (
	// FillTouch：价格触及即全量成交，视触价流动性为无限。
	FillTouch FillPolicy = "touch"
	// FillVolume：还要求穿价成交中单笔数量不小于订单数量。
	FillVolume FillPolicy = "volume"
)

// Order 为模拟挂单。Delta 仅对保证金订单有意义，表示成交后仓位的带符号变化。
type Order struct {
	ID               string          `json:"id"`
	Instrument       string          `json:"instrument"`
	Exchange         string          `json:"exchange"`
	Type             strategy.Action `json:"type"`
	Side             market.Side     `json:"side"`
	Amount           float64         `json:"amount"`
	Rate             float64         `json:"rate"`
	Market           bool            `json:"market"`
	Margin           bool            `json:"margin"`
	Leverage         float64         `json:"leverage,omitempty"`
	Delta            float64         `json:"delta,omitempty"`
	SubmittedAt      int64           `json:"submitted_at"`
	Reason           string          `json:"reason,omitempty"`
	Reserved         float64         `json:"reserved"`
	ReservedCurrency string          `json:"reserved_currency,omitempty"`
}

// Key 返回订单所属的 instrument@exchange。
func (o *Order) Key() string {
	return market.InstrumentKey(o.Exchange, o.Instrument)
}

// Crossed 判断一批成交是否满足成交条件。市价单只要批次非空即成交。
func (o *Order) Crossed(ticks []market.Tick, policy FillPolicy) bool {
	if len(ticks) == 0 {
		return false
	}
	if o.Market {
		return true
	}
	for _, t := range ticks {
		hit := false
		if o.Side == market.SideBuy {
			hit = t.Rate <= o.Rate
		} else {
			hit = t.Rate >= o.Rate
		}
		if !hit {
			continue
		}
		if policy != FillVolume || t.Amount >= o.Amount {
			return true
		}
	}
	return false
}

// Expired 判断订单在 now 时是否已超时；timeout<=0 表示永不过期。
func (o *Order) Expired(now int64, timeoutMs int64) bool {
	return timeoutMs > 0 && now-o.SubmittedAt > timeoutMs
}

// openingAmount 返回保证金订单中新开仓部分的数量，减仓部分不需要新增保证金。
func openingAmount(position, delta float64) float64 {
	if position == 0 || (position > 0) == (delta > 0) {
		return math.Abs(delta)
	}
	if math.Abs(delta) > math.Abs(position) {
		return math.Abs(delta) - math.Abs(position)
	}
	return 0
}
