package strategy

import (
	"fmt"
	"sort"
	"time"

	"tickreplay/internal/candle"
	"tickreplay/internal/market"
)

const ScriptedName = "scripted"

// ScriptedStep 在回放时间到达 At（Unix 毫秒）或首笔成交后 After 时触发一次。
// Rate 为 0 时按市价处理。
type ScriptedStep struct {
	At       int64         `toml:"at"`
	After    time.Duration `toml:"after"`
	Action   string        `toml:"action"`
	Rate     float64       `toml:"rate"`
	Amount   float64       `toml:"amount"`
	Margin   bool          `toml:"margin"`
	Leverage float64       `toml:"leverage"`
	Reason   string        `toml:"reason"`
}

type scriptedParams struct {
	Steps []ScriptedStep `toml:"steps"`
}

// Scripted 按预设时间表发出意图，用于复现场景与回归测试。
type Scripted struct {
	intentQueue
	env   Env
	steps []ScriptedStep
	next  int
	first int64
}

func NewScripted(env Env, raw map[string]any) (Strategy, error) {
	var p scriptedParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	for i, st := range p.Steps {
		if _, ok := ParseAction(st.Action); !ok {
			return nil, fmt.Errorf("scripted: step %d has invalid action %q", i, st.Action)
		}
		if st.At <= 0 && st.After <= 0 {
			return nil, fmt.Errorf("scripted: step %d needs at or after", i)
		}
	}
	return &Scripted{env: env, steps: p.Steps, first: -1}, nil
}

func (s *Scripted) Name() string { return ScriptedName }

func (s *Scripted) Timeframes() []candle.Timeframe { return nil }

func (s *Scripted) OnTick(ticks []market.Tick) {
	if len(ticks) == 0 {
		return
	}
	if s.first < 0 {
		s.first = ticks[0].Date
		s.resolve()
	}
	s.advance(ticks[len(ticks)-1].Date)
}

func (s *Scripted) OnCandle(tf candle.Timeframe, c market.Candle) {
	if tf.Minutes != 1 || s.first < 0 {
		return
	}
	s.advance(c.End())
}

// resolve 把相对触发时间换算为绝对时间并排序。
func (s *Scripted) resolve() {
	for i := range s.steps {
		if s.steps[i].At <= 0 {
			s.steps[i].At = s.first + s.steps[i].After.Milliseconds()
		}
	}
	sort.SliceStable(s.steps, func(i, j int) bool { return s.steps[i].At < s.steps[j].At })
}

func (s *Scripted) advance(now int64) {
	inst := s.env.Instrument
	for s.next < len(s.steps) && s.steps[s.next].At <= now {
		st := s.steps[s.next]
		s.next++
		action, _ := ParseAction(st.Action)
		reason := st.Reason
		if reason == "" {
			reason = fmt.Sprintf("scripted step %d", s.next)
		}
		s.push(Intent{
			Action:     action,
			Instrument: inst.Symbol,
			Exchange:   inst.Exchange,
			Rate:       st.Rate,
			Market:     st.Rate <= 0,
			Amount:     st.Amount,
			Margin:     st.Margin,
			Leverage:   st.Leverage,
			Reason:     reason,
		})
	}
}
