package strategy

import (
	"fmt"
	"math"

	"tickreplay/internal/candle"
	"tickreplay/internal/logger"
	"tickreplay/internal/market"
)

const SMACrossName = "sma_cross"

// SMACrossParams 为 sma_cross 的参数。Amount 与 Fraction 二选一，
// Fraction 表示按可用 base 余额的比例换算下单数量。
type SMACrossParams struct {
	Timeframe string  `toml:"timeframe"`
	Fast      int     `toml:"fast"`
	Slow      int     `toml:"slow"`
	Amount    float64 `toml:"amount"`
	Fraction  float64 `toml:"fraction"`
	Margin    bool    `toml:"margin"`
	Leverage  float64 `toml:"leverage"`
	Limit     bool    `toml:"limit"`
}

// SMACross 在大周期收盘价上计算快慢 SMA，金叉做多、死叉离场（保证金模式下反手做空）。
type SMACross struct {
	intentQueue
	env    Env
	params SMACrossParams
	tf     candle.Timeframe
	closes []float64
}

func NewSMACross(env Env, raw map[string]any) (Strategy, error) {
	p := SMACrossParams{Timeframe: "5m", Fast: 5, Slow: 20, Fraction: 0.5, Leverage: 1}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	tf, err := candle.ParseTimeframe(p.Timeframe)
	if err != nil {
		return nil, err
	}
	if p.Fast < 1 || p.Slow <= p.Fast {
		return nil, fmt.Errorf("sma_cross: need 0 < fast < slow, got fast=%d slow=%d", p.Fast, p.Slow)
	}
	if p.Amount <= 0 && (p.Fraction <= 0 || p.Fraction > 1) {
		return nil, fmt.Errorf("sma_cross: amount or fraction in (0,1] required")
	}
	if p.Leverage < 1 {
		p.Leverage = 1
	}
	return &SMACross{env: env, params: p, tf: tf}, nil
}

func (s *SMACross) Name() string { return SMACrossName }

func (s *SMACross) Timeframes() []candle.Timeframe {
	return []candle.Timeframe{s.tf}
}

func (s *SMACross) OnTick([]market.Tick) {}

func (s *SMACross) OnCandle(tf candle.Timeframe, c market.Candle) {
	if tf.Minutes != s.tf.Minutes {
		return
	}
	s.closes = append(s.closes, c.Close)
	if keep := s.params.Slow * 4; len(s.closes) > keep {
		s.closes = append(s.closes[:0], s.closes[len(s.closes)-keep:]...)
	}
	pf, cf, ps, cs, ok := smaPair(s.closes, s.params.Fast, s.params.Slow)
	if !ok {
		return
	}
	switch crossSignal(pf, cf, ps, cs) {
	case 1:
		s.onCrossUp(c)
	case -1:
		s.onCrossDown(c)
	}
}

func (s *SMACross) onCrossUp(c market.Candle) {
	inst := s.env.Instrument
	if s.params.Margin {
		pos, ok := s.env.Ledger.MarginPosition(inst.Exchange, inst.Symbol)
		amount := s.orderAmount(c.Close)
		if ok && pos.Amount > 0 {
			return
		}
		if ok && pos.Amount < 0 {
			amount += math.Abs(pos.Amount)
		}
		s.emit(ActionBuy, amount, c, "sma golden cross")
		return
	}
	if s.env.Ledger.Balance(inst.Exchange, inst.Coin()) > inst.MinAmount {
		return
	}
	s.emit(ActionBuy, s.orderAmount(c.Close), c, "sma golden cross")
}

func (s *SMACross) onCrossDown(c market.Candle) {
	inst := s.env.Instrument
	if s.params.Margin {
		pos, ok := s.env.Ledger.MarginPosition(inst.Exchange, inst.Symbol)
		amount := s.orderAmount(c.Close)
		if ok && pos.Amount < 0 {
			return
		}
		if ok && pos.Amount > 0 {
			amount += pos.Amount
		}
		s.emit(ActionSell, amount, c, "sma death cross")
		return
	}
	if s.env.Ledger.Balance(inst.Exchange, inst.Coin()) <= inst.MinAmount {
		return
	}
	s.push(Intent{
		Action:     ActionClose,
		Instrument: inst.Symbol,
		Exchange:   inst.Exchange,
		Market:     true,
		Reason:     "sma death cross",
	})
}

func (s *SMACross) orderAmount(rate float64) float64 {
	if s.params.Amount > 0 {
		return s.params.Amount
	}
	if rate <= 0 {
		return 0
	}
	inst := s.env.Instrument
	budget := s.env.Ledger.Balance(inst.Exchange, inst.Base()) * s.params.Fraction
	if s.params.Margin {
		budget *= s.params.Leverage
	}
	return budget / rate
}

func (s *SMACross) emit(action Action, amount float64, c market.Candle, reason string) {
	if amount <= 0 {
		logger.Debugf("[strategy] %s 跳过 %s：数量为 0", SMACrossName, action)
		return
	}
	inst := s.env.Instrument
	in := Intent{
		Action:     action,
		Instrument: inst.Symbol,
		Exchange:   inst.Exchange,
		Amount:     amount,
		Margin:     s.params.Margin,
		Reason:     reason,
		Market:     !s.params.Limit,
	}
	if s.params.Margin {
		in.Leverage = s.params.Leverage
	}
	if s.params.Limit {
		in.Rate = c.Close
	}
	s.push(in)
}
