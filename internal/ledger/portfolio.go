package ledger

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"tickreplay/internal/logger"
	"tickreplay/internal/market"
)

var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrUnknownReservation = errors.New("unknown reservation")
)

// Reservation 是挂单占用的资金。
type Reservation struct {
	OrderID  string  `json:"order_id"`
	Currency string  `json:"currency"`
	Amount   float64 `json:"amount"`
}

type account struct {
	balances   map[string]float64
	collateral map[string]float64
	reserved   map[string]Reservation
	positions  map[string]*MarginPosition
}

func newAccount() *account {
	return &account{
		balances:   make(map[string]float64),
		collateral: make(map[string]float64),
		reserved:   make(map[string]Reservation),
		positions:  make(map[string]*MarginPosition),
	}
}

// Portfolio 是一次回放独占的账本：各交易所的币种余额、按交易对占用的保证金、
// 按订单冻结的资金以及杠杆仓位。任何更新都不会使余额变为负数，
// 越界的更新会被截断为 0 并计入告警次数。
type Portfolio struct {
	mu       sync.RWMutex
	accounts map[string]*account
	warnings int64
}

func NewPortfolio() *Portfolio {
	return &Portfolio{accounts: make(map[string]*account)}
}

func (p *Portfolio) acct(exchange string) *account {
	key := strings.ToLower(exchange)
	a, ok := p.accounts[key]
	if !ok {
		a = newAccount()
		p.accounts[key] = a
	}
	return a
}

// Deposit 为交易所账户入金。
func (p *Portfolio) Deposit(exchange, currency string, amount float64) {
	p.Adjust(exchange, currency, amount)
}

// Adjust 调整可用余额，结果为负时截断为 0。
func (p *Portfolio) Adjust(exchange, currency string, delta float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.adjustLocked(exchange, currency, delta)
}

func (p *Portfolio) adjustLocked(exchange, currency string, delta float64) float64 {
	a := p.acct(exchange)
	cur := strings.ToUpper(currency)
	next := a.balances[cur] + delta
	if next < 0 {
		p.warnLocked("%s %s 余额 %.8f 调整 %.8f 后为负，截断为 0", exchange, cur, a.balances[cur], delta)
		next = 0
	}
	a.balances[cur] = next
	return next
}

// Reserve 从可用余额中冻结 amount，余额不足时返回 ErrInsufficientFunds。
func (p *Portfolio) Reserve(exchange, orderID, currency string, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("reserve %s: negative amount %.8f", orderID, amount)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	a := p.acct(exchange)
	if _, exists := a.reserved[orderID]; exists {
		return fmt.Errorf("reserve %s: already reserved", orderID)
	}
	cur := strings.ToUpper(currency)
	if a.balances[cur]+amountEpsilon < amount {
		return fmt.Errorf("%w: %s %s available %.8f, need %.8f", ErrInsufficientFunds, exchange, cur, a.balances[cur], amount)
	}
	a.balances[cur] -= amount
	if a.balances[cur] < 0 {
		a.balances[cur] = 0
	}
	a.reserved[orderID] = Reservation{OrderID: orderID, Currency: cur, Amount: amount}
	return nil
}

// Refund 撤销冻结，资金退回可用余额。
func (p *Portfolio) Refund(exchange, orderID string) (Reservation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := p.acct(exchange)
	r, ok := a.reserved[orderID]
	if !ok {
		return Reservation{}, fmt.Errorf("%w: %s", ErrUnknownReservation, orderID)
	}
	delete(a.reserved, orderID)
	a.balances[r.Currency] += r.Amount
	return r, nil
}

// Consume 移除冻结记录，资金视为已花费。
func (p *Portfolio) Consume(exchange, orderID string) (Reservation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := p.acct(exchange)
	r, ok := a.reserved[orderID]
	if !ok {
		return Reservation{}, fmt.Errorf("%w: %s", ErrUnknownReservation, orderID)
	}
	delete(a.reserved, orderID)
	return r, nil
}

// Settle 将仓位结算结果计入可用余额与保证金。
func (p *Portfolio) Settle(exchange, instrument, currency string, s Settlement) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settleLocked(exchange, instrument, currency, s)
}

func (p *Portfolio) settleLocked(exchange, instrument, currency string, s Settlement) {
	a := p.acct(exchange)
	sym := strings.ToUpper(instrument)
	col := a.collateral[sym] + s.Committed - s.Released
	if col < -amountEpsilon {
		p.warnLocked("%s %s 保证金 %.8f 释放 %.8f 后为负，截断为 0", exchange, sym, a.collateral[sym], s.Released)
	}
	if col < amountEpsilon {
		col = 0
	}
	if col == 0 {
		delete(a.collateral, sym)
	} else {
		a.collateral[sym] = col
	}
	p.adjustLocked(exchange, currency, s.Net())
}

func (p *Portfolio) positionLocked(exchange, instrument string) *MarginPosition {
	a := p.acct(exchange)
	key := market.InstrumentKey(exchange, instrument)
	pos, ok := a.positions[key]
	if !ok {
		pos = &MarginPosition{Instrument: strings.ToUpper(instrument), Exchange: strings.ToLower(exchange)}
		a.positions[key] = pos
	}
	return pos
}

// ApplyMarginTrade 对杠杆仓位施加成交，并把结算计入 currency 余额与保证金。
// 平仓后仓位会从账本中移除。
func (p *Portfolio) ApplyMarginTrade(exchange, instrument, currency string, delta, rate, leverage float64) (Settlement, MarginPosition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos := p.positionLocked(exchange, instrument)
	s := pos.ApplyTrade(delta, rate, leverage)
	p.settleLocked(exchange, instrument, currency, s)
	snapshot := *pos
	p.dropClosedLocked(exchange, instrument)
	return s, snapshot
}

// ClosePosition 按 rate 平掉杠杆仓位，没有敞口时 ok=false。
func (p *Portfolio) ClosePosition(exchange, instrument, currency string, rate float64) (Settlement, MarginPosition, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := p.acct(exchange)
	pos, ok := a.positions[market.InstrumentKey(exchange, instrument)]
	if !ok || !pos.Open() {
		return Settlement{}, MarginPosition{}, false
	}
	s := pos.Close(rate)
	p.settleLocked(exchange, instrument, currency, s)
	snapshot := *pos
	p.dropClosedLocked(exchange, instrument)
	return s, snapshot, true
}

// MarkToMarket 刷新仓位浮动盈亏。
func (p *Portfolio) MarkToMarket(exchange, instrument string, rate float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := p.acct(exchange)
	pos, ok := a.positions[market.InstrumentKey(exchange, instrument)]
	if !ok {
		return 0
	}
	return pos.ComputePL(rate)
}

func (p *Portfolio) dropClosedLocked(exchange, instrument string) {
	a := p.acct(exchange)
	key := market.InstrumentKey(exchange, instrument)
	if pos, ok := a.positions[key]; ok && !pos.Open() {
		delete(a.positions, key)
	}
}

// Warnings 返回截断告警次数。
func (p *Portfolio) Warnings() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.warnings
}

func (p *Portfolio) warnLocked(format string, args ...any) {
	p.warnings++
	logger.Warnf("[ledger] "+format, args...)
}

// Balance 返回可用余额。
func (p *Portfolio) Balance(exchange, currency string) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.accounts[strings.ToLower(exchange)]
	if !ok {
		return 0
	}
	return a.balances[strings.ToUpper(currency)]
}

// Reserved 返回某币种被挂单冻结的总额。
func (p *Portfolio) Reserved(exchange, currency string) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.accounts[strings.ToLower(exchange)]
	if !ok {
		return 0
	}
	cur := strings.ToUpper(currency)
	var total float64
	for _, r := range a.reserved {
		if r.Currency == cur {
			total += r.Amount
		}
	}
	return total
}

// Reservation 返回订单的冻结记录。
func (p *Portfolio) Reservation(exchange, orderID string) (Reservation, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.accounts[strings.ToLower(exchange)]
	if !ok {
		return Reservation{}, false
	}
	r, ok := a.reserved[orderID]
	return r, ok
}

// Collateral 返回交易对已占用的保证金。
func (p *Portfolio) Collateral(exchange, instrument string) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.accounts[strings.ToLower(exchange)]
	if !ok {
		return 0
	}
	return a.collateral[strings.ToUpper(instrument)]
}

// MarginPosition 返回仓位副本。
func (p *Portfolio) MarginPosition(exchange, instrument string) (MarginPosition, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.accounts[strings.ToLower(exchange)]
	if !ok {
		return MarginPosition{}, false
	}
	pos, ok := a.positions[market.InstrumentKey(exchange, instrument)]
	if !ok || !pos.Open() {
		return MarginPosition{}, false
	}
	return *pos, true
}

// OpenPositions 返回所有有敞口的仓位副本，按键排序。
func (p *Portfolio) OpenPositions() []MarginPosition {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []MarginPosition
	for _, a := range p.accounts {
		for _, pos := range a.positions {
			if pos.Open() {
				out = append(out, *pos)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return market.InstrumentKey(out[i].Exchange, out[i].Instrument) < market.InstrumentKey(out[j].Exchange, out[j].Instrument)
	})
	return out
}

// Balances 返回交易所账户的可用余额快照。
func (p *Portfolio) Balances(exchange string) map[string]float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]float64)
	a, ok := p.accounts[strings.ToLower(exchange)]
	if !ok {
		return out
	}
	for k, v := range a.balances {
		out[k] = v
	}
	return out
}
