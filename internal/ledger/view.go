package ledger

import (
	"strings"

	"tickreplay/internal/market"
)

// View 是提供给策略的只读账本视图。
type View interface {
	Balance(exchange, currency string) float64
	Reserved(exchange, currency string) float64
	Collateral(exchange, instrument string) float64
	MarginPosition(exchange, instrument string) (MarginPosition, bool)
	OpenPositions() []MarginPosition
}

var _ View = (*Portfolio)(nil)

// Equity 按给定价格估算交易所账户以 base 计的权益：可用与冻结的 base、
// 币种按价折算、已占用保证金加浮动盈亏。price 返回 coin 相对 base 的价格，
// 未知价格返回 0。
func (p *Portfolio) Equity(exchange, base string, price func(coin string) float64) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.accounts[strings.ToLower(exchange)]
	if !ok {
		return 0
	}
	baseCur := strings.ToUpper(base)
	total := a.balances[baseCur]
	for cur, amt := range a.balances {
		if cur == baseCur || amt == 0 {
			continue
		}
		total += amt * price(cur)
	}
	for _, r := range a.reserved {
		if r.Currency == baseCur {
			total += r.Amount
			continue
		}
		total += r.Amount * price(r.Currency)
	}
	for _, c := range a.collateral {
		total += c
	}
	for _, pos := range a.positions {
		if !pos.Open() {
			continue
		}
		_, coin, err := market.SplitSymbol(pos.Instrument)
		if err != nil {
			continue
		}
		if rate := price(coin); rate > 0 {
			total += pos.Amount * (rate - pos.EntryRate)
		}
	}
	return total
}
