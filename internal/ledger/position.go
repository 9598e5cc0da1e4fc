package ledger

import "math"

// Direction 表示杠杆仓位方向，由 Amount 的符号决定。
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionNone  Direction = "none"
)

const amountEpsilon = 1e-12

// MarginPosition 记录某交易所某交易对上的杠杆敞口。Amount 为带符号数量，
// 正数做多、负数做空。
type MarginPosition struct {
	Instrument   string  `json:"instrument"`
	Exchange     string  `json:"exchange"`
	Amount       float64 `json:"amount"`
	EntryRate    float64 `json:"entry_rate"`
	Leverage     float64 `json:"leverage"`
	Collateral   float64 `json:"collateral"`
	RealizedPL   float64 `json:"realized_pl"`
	UnrealizedPL float64 `json:"unrealized_pl"`
}

// Settlement 描述一次成交对仓位造成的资金变动。
// Realized 与 Released 需计入可用余额，Committed 需从可用余额中扣除。
type Settlement struct {
	Realized     float64 `json:"realized"`
	Released     float64 `json:"released"`
	Committed    float64 `json:"committed"`
	Flipped      bool    `json:"flipped"`
	ClosedAmount float64 `json:"closed_amount"`
}

// Net 返回结算对可用余额的净影响。
func (s Settlement) Net() float64 {
	return s.Realized + s.Released - s.Committed
}

func (p *MarginPosition) Direction() Direction {
	switch {
	case p.Amount > amountEpsilon:
		return DirectionLong
	case p.Amount < -amountEpsilon:
		return DirectionShort
	default:
		return DirectionNone
	}
}

// Open 判断仓位是否仍有敞口。
func (p *MarginPosition) Open() bool {
	return p.Direction() != DirectionNone
}

// Notional 返回按开仓价计的名义价值。
func (p *MarginPosition) Notional() float64 {
	return math.Abs(p.Amount) * p.EntryRate
}

// ApplyTrade 对仓位施加一笔带符号成交 delta（正数买入、负数卖出）。
// 反向成交数量超过持仓时分两步处理：先按成交价全额平掉旧仓位并释放全部保证金，
// 再以成交价按剩余数量开新仓。
func (p *MarginPosition) ApplyTrade(delta, rate, leverage float64) Settlement {
	if leverage <= 0 {
		leverage = 1
	}
	var s Settlement
	if math.Abs(delta) <= amountEpsilon || rate <= 0 {
		return s
	}
	if !p.Open() {
		s.Committed = p.open(delta, rate, leverage)
		return s
	}
	if sameSign(p.Amount, delta) {
		s.Committed = p.increase(delta, rate, leverage)
		return s
	}
	if math.Abs(delta) <= math.Abs(p.Amount)+amountEpsilon {
		s.Realized, s.Released = p.reduce(math.Abs(delta), rate)
		s.ClosedAmount = math.Abs(delta)
		return s
	}

	residual := p.Amount + delta
	s.ClosedAmount = math.Abs(p.Amount)
	s.Realized, s.Released = p.reduce(math.Abs(p.Amount), rate)
	s.Committed = p.open(residual, rate, leverage)
	s.Flipped = true
	return s
}

// ComputePL 仅刷新浮动盈亏。
func (p *MarginPosition) ComputePL(rate float64) float64 {
	if !p.Open() || rate <= 0 {
		p.UnrealizedPL = 0
		return 0
	}
	p.UnrealizedPL = p.Amount * (rate - p.EntryRate)
	return p.UnrealizedPL
}

// Close 按 rate 平掉全部仓位。
func (p *MarginPosition) Close(rate float64) Settlement {
	if !p.Open() {
		return Settlement{}
	}
	amount := math.Abs(p.Amount)
	realized, released := p.reduce(amount, rate)
	return Settlement{Realized: realized, Released: released, ClosedAmount: amount}
}

func (p *MarginPosition) open(amount, rate, leverage float64) float64 {
	collateral := math.Abs(amount) * rate / leverage
	p.Amount = amount
	p.EntryRate = rate
	p.Leverage = leverage
	p.Collateral = collateral
	p.UnrealizedPL = 0
	return collateral
}

func (p *MarginPosition) increase(delta, rate, leverage float64) float64 {
	oldAbs := math.Abs(p.Amount)
	addAbs := math.Abs(delta)
	committed := addAbs * rate / leverage
	p.EntryRate = (oldAbs*p.EntryRate + addAbs*rate) / (oldAbs + addAbs)
	p.Amount += delta
	p.Collateral += committed
	if p.Collateral > 0 {
		p.Leverage = p.Notional() / p.Collateral
	}
	return committed
}

// reduce 平掉 closed 数量，返回已实现盈亏与释放的保证金。
func (p *MarginPosition) reduce(closed, rate float64) (float64, float64) {
	oldAbs := math.Abs(p.Amount)
	if closed > oldAbs {
		closed = oldAbs
	}
	sign := 1.0
	if p.Amount < 0 {
		sign = -1
	}
	realized := sign * closed * (rate - p.EntryRate)
	released := p.Collateral * closed / oldAbs
	p.RealizedPL += realized
	p.Amount -= sign * closed
	p.Collateral -= released
	if math.Abs(p.Amount) <= amountEpsilon {
		released += p.Collateral
		p.Amount = 0
		p.Collateral = 0
		p.EntryRate = 0
		p.UnrealizedPL = 0
	}
	return realized, released
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
