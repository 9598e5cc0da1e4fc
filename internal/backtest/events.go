package backtest

import (
	"tickreplay/internal/candle"
	"tickreplay/internal/market"
	"tickreplay/internal/strategy"
)

// Fill 描述一次模拟成交。Position 为成交后的敞口：保证金为带符号仓位，现货为币余额。
type Fill struct {
	OrderID     string          `json:"order_id"`
	Instrument  string          `json:"instrument"`
	Exchange    string          `json:"exchange"`
	Action      strategy.Action `json:"action"`
	Side        market.Side     `json:"side"`
	Margin      bool            `json:"margin"`
	Rate        float64         `json:"rate"`
	Amount      float64         `json:"amount"`
	Net         float64         `json:"net"`
	Fee         float64         `json:"fee"`
	FeeCurrency string          `json:"fee_currency"`
	FeeBase     float64         `json:"fee_base"`
	Realized    float64         `json:"realized"`
	Position    float64         `json:"position"`
	EntryRate   float64         `json:"entry_rate"`
	Leverage    float64         `json:"leverage,omitempty"`
	// Closed 表示该笔成交结束了一段持仓，ClosedPL 为该段持仓累计已实现盈亏。
	Closed   bool    `json:"closed"`
	ClosedPL float64 `json:"closed_pl"`
	Forced   bool    `json:"forced,omitempty"`
	Reason   string  `json:"reason,omitempty"`
	Time     int64   `json:"time"`
}

// EventSink 接收回放过程中的成交、过期与 K 线。实现需能在回放线程内同步返回。
// OnPreview 推送进行中（未定稿）的 K 线，同一根 K 线随后仍会以定稿形式经 OnCandle 推送。
type EventSink interface {
	OnFill(f Fill)
	OnExpire(o Order)
	OnCandle(instrument, exchange string, tf candle.Timeframe, c market.Candle)
	OnPreview(instrument, exchange string, tf candle.Timeframe, c market.Candle)
}

// NopSink 丢弃所有事件。
type NopSink struct{}

func (NopSink) OnFill(Fill)                                               {}
func (NopSink) OnExpire(Order)                                            {}
func (NopSink) OnCandle(string, string, candle.Timeframe, market.Candle)  {}
func (NopSink) OnPreview(string, string, candle.Timeframe, market.Candle) {}

type multiSink []EventSink

func (m multiSink) OnFill(f Fill) {
	for _, s := range m {
		s.OnFill(f)
	}
}

func (m multiSink) OnExpire(o Order) {
	for _, s := range m {
		s.OnExpire(o)
	}
}

func (m multiSink) OnCandle(instrument, exchange string, tf candle.Timeframe, c market.Candle) {
	for _, s := range m {
		s.OnCandle(instrument, exchange, tf, c)
	}
}

func (m multiSink) OnPreview(instrument, exchange string, tf candle.Timeframe, c market.Candle) {
	for _, s := range m {
		s.OnPreview(instrument, exchange, tf, c)
	}
}

// Sinks 组合多个 EventSink，nil 会被忽略。
func Sinks(sinks ...EventSink) EventSink {
	var out multiSink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}
