package strategy

import (
	"strings"

	"tickreplay/internal/candle"
	"tickreplay/internal/ledger"
	"tickreplay/internal/market"
)

// Action 为交易意图类型。
type Action string

const (
	ActionBuy   Action = "buy"
	ActionSell  Action = "sell"
	ActionClose Action = "close"
)

// ParseAction 解析 buy/sell/close，大小写不敏感。
func ParseAction(s string) (Action, bool) {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case ActionBuy:
		return ActionBuy, true
	case ActionSell:
		return ActionSell, true
	case ActionClose:
		return ActionClose, true
	default:
		return "", false
	}
}

// Intent 是策略给出的交易意图，由回测执行器转换为模拟订单。
// Market=true 时 Rate 被忽略，按最新成交价成交，滑点计入手续费。
type Intent struct {
	Action     Action  `json:"action"`
	Instrument string  `json:"instrument"`
	Exchange   string  `json:"exchange"`
	Rate       float64 `json:"rate,omitempty"`
	Market     bool    `json:"market,omitempty"`
	Amount     float64 `json:"amount"`
	Margin     bool    `json:"margin,omitempty"`
	Leverage   float64 `json:"leverage,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

// Env 是策略实例化时拿到的运行环境。Ledger 只读。
type Env struct {
	Instrument market.Instrument
	Ledger     ledger.View
}

// Strategy 消费回放推送的成交与 K 线，并产出交易意图。
// 回放循环在每个批次处理完后调用 Intents 取走累积的意图。
type Strategy interface {
	Name() string
	// Timeframes 返回策略需要的大周期，1m 始终推送。
	Timeframes() []candle.Timeframe
	OnTick(ticks []market.Tick)
	OnCandle(tf candle.Timeframe, c market.Candle)
	Intents() []Intent
}

// PreviewObserver 为可选接口，实现后会收到节流后的进行中 K 线。
// 预览之后同一根 K 线仍会经 OnCandle 以定稿形式推送。
type PreviewObserver interface {
	OnPreview(tf candle.Timeframe, c market.Candle)
}

// intentQueue 为策略实现共享的意图缓冲。
type intentQueue struct {
	pending []Intent
}

func (q *intentQueue) push(in Intent) {
	q.pending = append(q.pending, in)
}

func (q *intentQueue) Intents() []Intent {
	if len(q.pending) == 0 {
		return nil
	}
	out := q.pending
	q.pending = nil
	return out
}
