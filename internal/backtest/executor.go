package backtest

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"tickreplay/internal/ledger"
	"tickreplay/internal/logger"
	"tickreplay/internal/market"
	"tickreplay/internal/strategy"
)

const positionEpsilon = 1e-12

// ExecutorConfig 配置订单执行模拟。
type ExecutorConfig struct {
	Slippage         float64
	OrderTimeout     time.Duration
	FillPolicy       FillPolicy
	MaxFillsPerBatch int
	// MaxPending 为每个交易对同时允许的挂单数，默认 1。
	MaxPending int
	Sink       EventSink
}

// FeeTotals 汇总手续费。买单手续费以币计，卖单与保证金手续费以 base 计。
type FeeTotals struct {
	Coin map[string]float64 `json:"coin"`
	Base float64            `json:"base"`
	// BaseValued 为按成交价折算后的全部手续费（base 计）。
	BaseValued float64 `json:"base_valued"`
}

// ActionCounts 统计各类意图的提交与成交次数。
type ActionCounts struct {
	Submitted int `json:"submitted"`
	Filled    int `json:"filled"`
}

// spotBook 跟踪现货持仓成本，用于计算已实现盈亏。
type spotBook struct {
	holding  float64
	cost     float64
	realized float64
}

// Executor 按回放批次撮合模拟订单，并把结果写入账本。
// 仅由回放线程调用，不做并发保护。
type Executor struct {
	cfg         ExecutorConfig
	book        *ledger.Portfolio
	instruments map[string]market.Instrument
	sink        EventSink

	pending  map[string][]*Order
	lastRate map[string]float64
	lastTime map[string]int64
	seq      int64

	spot     map[string]*spotBook
	marginPL map[string]float64

	fees     FeeTotals
	counts   map[strategy.Action]*ActionCounts
	rejected int
	expired  int
	fills    int
}

func NewExecutor(book *ledger.Portfolio, instruments []market.Instrument, cfg ExecutorConfig) (*Executor, error) {
	if book == nil {
		return nil, fmt.Errorf("%w: portfolio 不能为空", ErrInvalidConfig)
	}
	if cfg.Slippage < 0 || cfg.Slippage >= 1 {
		return nil, fmt.Errorf("%w: slippage %.6f", ErrInvalidConfig, cfg.Slippage)
	}
	switch cfg.FillPolicy {
	case "":
		cfg.FillPolicy = FillTouch
	case FillTouch, FillVolume:
	default:
		return nil, fmt.Errorf("%w: fill policy %q", ErrInvalidConfig, cfg.FillPolicy)
	}
	if cfg.MaxFillsPerBatch <= 0 {
		cfg.MaxFillsPerBatch = 1
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 1
	}
	if cfg.Sink == nil {
		cfg.Sink = NopSink{}
	}
	e := &Executor{
		cfg:         cfg,
		book:        book,
		instruments: make(map[string]market.Instrument, len(instruments)),
		sink:        cfg.Sink,
		pending:     make(map[string][]*Order),
		lastRate:    make(map[string]float64),
		lastTime:    make(map[string]int64),
		spot:        make(map[string]*spotBook),
		marginPL:    make(map[string]float64),
		fees:        FeeTotals{Coin: make(map[string]float64)},
		counts:      make(map[strategy.Action]*ActionCounts),
	}
	for _, inst := range instruments {
		if _, _, err := market.SplitSymbol(inst.Symbol); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		inst.Symbol = strings.ToUpper(inst.Symbol)
		inst.Exchange = strings.ToLower(inst.Exchange)
		if inst.Precision <= 0 {
			inst.Precision = DefaultPrecision
		}
		e.instruments[inst.Key()] = inst
	}
	return e, nil
}

// Instrument 返回已登记的交易对。
func (e *Executor) Instrument(exchange, symbol string) (market.Instrument, error) {
	inst, ok := e.instruments[market.InstrumentKey(exchange, symbol)]
	if !ok {
		return market.Instrument{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, market.InstrumentKey(exchange, symbol))
	}
	return inst, nil
}

func (e *Executor) feeFactor(inst market.Instrument) float64 {
	return inst.FeeRate + e.cfg.Slippage
}

// Submit 把策略意图转换为挂单并冻结资金。拒绝时返回包装了 ErrOrderRejected 的错误。
func (e *Executor) Submit(in strategy.Intent, now int64) (Order, error) {
	inst, err := e.Instrument(in.Exchange, in.Instrument)
	if err != nil {
		return Order{}, err
	}
	key := inst.Key()
	e.count(in.Action).Submitted++
	order, err := e.buildOrder(inst, in, now)
	if err != nil {
		e.rejected++
		logger.Warnf("[backtest] %s 拒绝 %s: %v", key, in.Action, err)
		return Order{}, err
	}
	if len(e.pending[key]) >= e.cfg.MaxPending {
		e.rejected++
		return Order{}, fmt.Errorf("%w: %s 已有 %d 笔挂单", ErrOrderRejected, key, len(e.pending[key]))
	}
	if err := e.reserve(inst, order); err != nil {
		e.rejected++
		logger.Warnf("[backtest] %s 冻结失败 %s: %v", key, order.ID, err)
		return Order{}, err
	}
	e.pending[key] = append(e.pending[key], order)
	logger.Tradef("submit",
		"id", order.ID, "inst", key, "type", order.Type, "side", order.Side,
		"amount", order.Amount, "rate", order.Rate, "margin", order.Margin, "reason", order.Reason)
	return *order, nil
}

func (e *Executor) buildOrder(inst market.Instrument, in strategy.Intent, now int64) (*Order, error) {
	key := inst.Key()
	order := &Order{
		Instrument:  inst.Symbol,
		Exchange:    inst.Exchange,
		Type:        in.Action,
		Market:      in.Market,
		Margin:      in.Margin,
		SubmittedAt: now,
		Reason:      in.Reason,
	}
	amount := in.Amount
	switch in.Action {
	case strategy.ActionBuy:
		order.Side = market.SideBuy
	case strategy.ActionSell:
		order.Side = market.SideSell
	case strategy.ActionClose:
		if in.Margin {
			pos, ok := e.book.MarginPosition(inst.Exchange, inst.Symbol)
			if !ok {
				return nil, fmt.Errorf("%w: 没有可平的保证金仓位", ErrOrderRejected)
			}
			amount = math.Abs(pos.Amount)
			order.Side = market.SideSell
			if pos.Amount < 0 {
				order.Side = market.SideBuy
			}
			order.Leverage = pos.Leverage
		} else {
			amount = e.book.Balance(inst.Exchange, inst.Coin())
			order.Side = market.SideSell
		}
	default:
		return nil, fmt.Errorf("%w: 未知动作 %q", ErrOrderRejected, in.Action)
	}
	if in.Action != strategy.ActionClose {
		amount = TruncateAmount(amount, inst.Precision)
	}
	if amount <= 0 || amount < inst.MinAmount {
		return nil, fmt.Errorf("%w: 数量 %.8f 低于最小下单量 %.8f", ErrOrderRejected, amount, inst.MinAmount)
	}
	order.Amount = amount

	if in.Margin && in.Action != strategy.ActionClose {
		lev := in.Leverage
		if lev < 1 {
			lev = 1
		}
		if inst.MaxLeverage > 0 && lev > inst.MaxLeverage {
			return nil, fmt.Errorf("%w: 杠杆 %.2f 超过上限 %.2f", ErrOrderRejected, lev, inst.MaxLeverage)
		}
		order.Leverage = lev
	}
	if order.Margin {
		order.Delta = amount
		if order.Side == market.SideSell {
			order.Delta = -amount
		}
	}

	rate := in.Rate
	if in.Market || rate <= 0 {
		last := e.lastRate[key]
		if last <= 0 {
			return nil, fmt.Errorf("%w: %s 尚无成交价，无法下市价单", ErrOrderRejected, key)
		}
		// 滑点只在成交数量中扣除
		order.Market = true
		rate = last
	}
	order.Rate = rate
	e.seq++
	order.ID = fmt.Sprintf("%s-%06d", strings.ToLower(inst.Coin()), e.seq)
	return order, nil
}

// reserve 冻结挂单所需资金：现货买冻结 base，现货卖冻结币，保证金冻结新开仓部分的保证金。
func (e *Executor) reserve(inst market.Instrument, o *Order) error {
	var currency string
	var amount float64
	switch {
	case o.Margin:
		pos, _ := e.book.MarginPosition(inst.Exchange, inst.Symbol)
		lev := o.Leverage
		if lev < 1 {
			lev = 1
		}
		currency = inst.Base()
		amount = openingAmount(pos.Amount, o.Delta) * o.Rate / lev
	case o.Side == market.SideBuy:
		currency = inst.Base()
		amount = o.Amount * o.Rate
	default:
		currency = inst.Coin()
		amount = o.Amount
	}
	if err := e.book.Reserve(inst.Exchange, o.ID, currency, amount); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return fmt.Errorf("%w: %v", ErrOrderRejected, err)
		}
		return err
	}
	o.Reserved = amount
	o.ReservedCurrency = currency
	return nil
}

// OnTicks 用一批成交撮合该交易对的挂单，单次最多成交 MaxFillsPerBatch 笔。
func (e *Executor) OnTicks(exchange, symbol string, ticks []market.Tick) []Fill {
	if len(ticks) == 0 {
		return nil
	}
	key := market.InstrumentKey(exchange, symbol)
	inst, ok := e.instruments[key]
	if !ok {
		return nil
	}
	var fills []Fill
	orders := e.pending[key]
	kept := orders[:0]
	for _, o := range orders {
		if len(fills) >= e.cfg.MaxFillsPerBatch || !o.Crossed(ticks, e.cfg.FillPolicy) {
			kept = append(kept, o)
			continue
		}
		f, err := e.fill(inst, o, ticks[len(ticks)-1].Date)
		if err != nil {
			logger.Warnf("[backtest] %s 成交 %s 失败: %v", key, o.ID, err)
			continue
		}
		fills = append(fills, f)
	}
	e.pending[key] = kept
	e.lastRate[key] = ticks[len(ticks)-1].Rate
	e.lastTime[key] = ticks[len(ticks)-1].Date
	return fills
}

func (e *Executor) fill(inst market.Instrument, o *Order, now int64) (Fill, error) {
	f := Fill{
		OrderID:    o.ID,
		Instrument: inst.Symbol,
		Exchange:   inst.Exchange,
		Action:     o.Type,
		Side:       o.Side,
		Margin:     o.Margin,
		Rate:       o.Rate,
		Amount:     o.Amount,
		Leverage:   o.Leverage,
		Reason:     o.Reason,
		Time:       now,
	}
	var err error
	if o.Margin {
		err = e.fillMargin(inst, o, &f)
	} else {
		err = e.fillSpot(inst, o, &f)
	}
	if err != nil {
		return Fill{}, err
	}
	e.fills++
	e.count(o.Type).Filled++
	e.sink.OnFill(f)
	logger.Tradef("fill",
		"id", f.OrderID, "inst", inst.Key(), "side", f.Side, "amount", f.Amount, "rate", f.Rate,
		"fee", f.Fee, "fee_ccy", f.FeeCurrency, "pos", f.Position, "realized", f.Realized, "reason", f.Reason)
	return f, nil
}

func (e *Executor) fillSpot(inst market.Instrument, o *Order, f *Fill) error {
	if _, err := e.book.Consume(inst.Exchange, o.ID); err != nil {
		return err
	}
	sb := e.spotBook(inst.Key())
	factor := e.feeFactor(inst)
	if o.Side == market.SideBuy {
		net, fee := ExtractFees(o.Amount, factor, inst.Precision)
		e.book.Adjust(inst.Exchange, inst.Coin(), net)
		sb.holding += net
		sb.cost += o.Amount * o.Rate
		f.Net, f.Fee, f.FeeCurrency = net, fee, inst.Coin()
		f.FeeBase = fee * o.Rate
		e.fees.Coin[inst.Coin()] += fee
	} else {
		proceeds := o.Amount * o.Rate
		net, fee := ExtractFees(proceeds, factor, inst.Precision)
		e.book.Adjust(inst.Exchange, inst.Base(), net)
		f.Net, f.Fee, f.FeeCurrency = net, fee, inst.Base()
		f.FeeBase = fee
		e.fees.Base += fee
		if sb.holding > positionEpsilon {
			sold := math.Min(o.Amount, sb.holding)
			basis := sb.cost * sold / sb.holding
			f.Realized = net - basis
			sb.realized += f.Realized
			sb.cost -= basis
			sb.holding -= sold
			if sb.holding <= math.Max(positionEpsilon, inst.MinAmount) {
				f.Closed = true
				f.ClosedPL = sb.realized
				*sb = spotBook{}
			}
		}
	}
	e.fees.BaseValued += f.FeeBase
	f.Position = e.book.Balance(inst.Exchange, inst.Coin())
	if sb.holding > positionEpsilon {
		f.EntryRate = sb.cost / sb.holding
	}
	return nil
}

func (e *Executor) fillMargin(inst market.Instrument, o *Order, f *Fill) error {
	if _, err := e.book.Refund(inst.Exchange, o.ID); err != nil {
		return err
	}
	key := inst.Key()
	before, _ := e.book.MarginPosition(inst.Exchange, inst.Symbol)
	s, pos := e.book.ApplyMarginTrade(inst.Exchange, inst.Symbol, inst.Base(), o.Delta, o.Rate, o.Leverage)
	e.applyMarginFee(inst, math.Abs(o.Delta)*o.Rate, f)
	e.settleMargin(key, before, s, pos, f)
	return nil
}

func (e *Executor) applyMarginFee(inst market.Instrument, notional float64, f *Fill) {
	_, fee := ExtractFees(notional, e.feeFactor(inst), inst.Precision)
	if fee > 0 {
		e.book.Adjust(inst.Exchange, inst.Base(), -fee)
	}
	f.Fee, f.FeeCurrency, f.FeeBase = fee, inst.Base(), fee
	f.Net = f.Amount
	e.fees.Base += fee
	e.fees.BaseValued += fee
}

// settleMargin 记录保证金仓位的已实现盈亏；仓位归零或反手时视为一段持仓结束。
func (e *Executor) settleMargin(key string, before ledger.MarginPosition, s ledger.Settlement, pos ledger.MarginPosition, f *Fill) {
	f.Realized = s.Realized - f.Fee
	f.Position = pos.Amount
	f.EntryRate = pos.EntryRate
	f.Leverage = pos.Leverage
	if before.Amount == 0 {
		e.marginPL[key] = 0
	}
	e.marginPL[key] += f.Realized
	if before.Amount != 0 && (pos.Amount == 0 || s.Flipped) {
		f.Closed = true
		f.ClosedPL = e.marginPL[key]
		if s.Flipped {
			// 反手后新仓位的手续费已经算入旧仓位，新仓位从 0 开始累计
			e.marginPL[key] = 0
		} else {
			delete(e.marginPL, key)
		}
	}
}

// Expire 撤销超时挂单并退回冻结资金。保证金仓位只在成交时变动，撤单只需退回保证金冻结。
func (e *Executor) Expire(now int64) []Order {
	timeout := e.cfg.OrderTimeout.Milliseconds()
	if timeout <= 0 {
		return nil
	}
	var out []Order
	for _, key := range e.pendingKeys() {
		orders := e.pending[key]
		kept := orders[:0]
		for _, o := range orders {
			if !o.Expired(now, timeout) {
				kept = append(kept, o)
				continue
			}
			e.refund(o, "expire")
			e.expired++
			out = append(out, *o)
			e.sink.OnExpire(*o)
		}
		e.pending[key] = kept
	}
	return out
}

// CancelAll 撤销所有挂单并退款，用于回放结束。
func (e *Executor) CancelAll() []Order {
	var out []Order
	for _, key := range e.pendingKeys() {
		for _, o := range e.pending[key] {
			e.refund(o, "cancel")
			out = append(out, *o)
		}
		delete(e.pending, key)
	}
	return out
}

func (e *Executor) refund(o *Order, event string) {
	if _, err := e.book.Refund(o.Exchange, o.ID); err != nil {
		logger.Warnf("[backtest] 退款 %s 失败: %v", o.ID, err)
		return
	}
	logger.Tradef(event, "id", o.ID, "inst", o.Key(), "refund", o.Reserved, "ccy", o.ReservedCurrency)
}

// ClosePositions 以各交易对最新成交价强平所有保证金仓位。
func (e *Executor) ClosePositions(now int64) []Fill {
	var fills []Fill
	for _, pos := range e.book.OpenPositions() {
		key := market.InstrumentKey(pos.Exchange, pos.Instrument)
		inst, ok := e.instruments[key]
		if !ok {
			continue
		}
		rate := e.lastRate[key]
		if rate <= 0 {
			rate = pos.EntryRate
		}
		s, after, ok := e.book.ClosePosition(inst.Exchange, inst.Symbol, inst.Base(), rate)
		if !ok {
			continue
		}
		side := market.SideSell
		if pos.Amount < 0 {
			side = market.SideBuy
		}
		f := Fill{
			OrderID:    fmt.Sprintf("force-%s", strings.ToLower(inst.Coin())),
			Instrument: inst.Symbol,
			Exchange:   inst.Exchange,
			Action:     strategy.ActionClose,
			Side:       side,
			Margin:     true,
			Rate:       rate,
			Amount:     math.Abs(pos.Amount),
			Forced:     true,
			Reason:     "end of replay",
			Time:       now,
		}
		e.applyMarginFee(inst, f.Amount*rate, &f)
		e.settleMargin(key, pos, s, after, &f)
		e.fills++
		e.count(strategy.ActionClose).Filled++
		e.sink.OnFill(f)
		logger.Tradef("force_close", "inst", key, "amount", f.Amount, "rate", rate, "realized", f.Realized)
		fills = append(fills, f)
	}
	return fills
}

// Pending 返回某交易对当前挂单的副本。
func (e *Executor) Pending(exchange, symbol string) []Order {
	orders := e.pending[market.InstrumentKey(exchange, symbol)]
	out := make([]Order, 0, len(orders))
	for _, o := range orders {
		out = append(out, *o)
	}
	return out
}

// LastRate 返回交易对最新成交价。
func (e *Executor) LastRate(exchange, symbol string) float64 {
	return e.lastRate[market.InstrumentKey(exchange, symbol)]
}

// Equity 按最新成交价估算交易所账户以 base 计的权益，并刷新仓位浮动盈亏。
func (e *Executor) Equity(exchange, base string) float64 {
	exchange = strings.ToLower(exchange)
	base = strings.ToUpper(base)
	prices := make(map[string]float64)
	for key, inst := range e.instruments {
		if inst.Exchange != exchange || inst.Base() != base {
			continue
		}
		if rate := e.lastRate[key]; rate > 0 {
			prices[inst.Coin()] = rate
			e.book.MarkToMarket(inst.Exchange, inst.Symbol, rate)
		}
	}
	return e.book.Equity(exchange, base, func(coin string) float64 { return prices[coin] })
}

func (e *Executor) Fees() FeeTotals {
	out := FeeTotals{Coin: make(map[string]float64, len(e.fees.Coin)), Base: e.fees.Base, BaseValued: e.fees.BaseValued}
	for k, v := range e.fees.Coin {
		out.Coin[k] = v
	}
	return out
}

func (e *Executor) Counts() map[strategy.Action]ActionCounts {
	out := make(map[strategy.Action]ActionCounts, len(e.counts))
	for k, v := range e.counts {
		out[k] = *v
	}
	return out
}

func (e *Executor) Rejected() int { return e.rejected }
func (e *Executor) Expired() int  { return e.expired }
func (e *Executor) Fills() int    { return e.fills }

func (e *Executor) count(a strategy.Action) *ActionCounts {
	c, ok := e.counts[a]
	if !ok {
		c = &ActionCounts{}
		e.counts[a] = c
	}
	return c
}

func (e *Executor) spotBook(key string) *spotBook {
	sb, ok := e.spot[key]
	if !ok {
		sb = &spotBook{}
		e.spot[key] = sb
	}
	return sb
}

func (e *Executor) pendingKeys() []string {
	keys := make([]string, 0, len(e.pending))
	for k := range e.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
