package candle

import (
	"sort"
	"time"

	"tickreplay/internal/logger"
	"tickreplay/internal/market"
)

const (
	defaultRecentMinutes = 1440
	defaultPreviewEvery  = time.Second
)

// MakerConfig 配置 1 分钟 K 线生成器。
type MakerConfig struct {
	Instrument    string
	Exchange      string
	PreviewEvery  time.Duration // 按回放时间计的预览节流
	RecentMinutes int           // 去重集合容量
	KeepTicks     bool
}

// Maker 将有序成交流转换为每分钟恰好一根的 1m K 线。
// 除最新（仍在进行中）的分钟外，其余分钟桶一旦出现更新的成交即被定稿；
// 空白分钟以上一根收盘价补齐，保证时间连续。
type Maker struct {
	cfg MakerConfig

	buckets      map[int64][]market.Tick
	lastTickDate int64
	dropped      int64

	finalized     bool
	lastFinalized int64
	lastClose     float64
	recent        *minuteSet

	preview previewGate
}

func NewMaker(cfg MakerConfig) *Maker {
	if cfg.RecentMinutes <= 0 {
		cfg.RecentMinutes = defaultRecentMinutes
	}
	return &Maker{
		cfg:     cfg,
		buckets: make(map[int64][]market.Tick),
		recent:  newMinuteSet(cfg.RecentMinutes),
		preview: newPreviewGate(cfg.PreviewEvery),
	}
}

// AddTicks 接收一批按时间排序的成交，返回本次定稿的 K 线（升序）。
// 早于已处理阈值的成交、以及属于已定稿分钟的成交会被丢弃，重复投递是安全的。
func (m *Maker) AddTicks(ticks []market.Tick) []market.Candle {
	for _, t := range ticks {
		if t.Date < m.lastTickDate {
			m.dropped++
			continue
		}
		minute := t.Minute()
		if m.recent.Has(minute) || (m.finalized && minute <= m.lastFinalized) {
			m.dropped++
			continue
		}
		m.lastTickDate = t.Date
		m.buckets[minute] = append(m.buckets[minute], t)
	}
	return m.finalize(false)
}

// Flush 定稿当前进行中的分钟，用于回放结束。
func (m *Maker) Flush() []market.Candle {
	return m.finalize(true)
}

// Dropped 返回被丢弃的成交数。
func (m *Maker) Dropped() int64 {
	return m.dropped
}

// Preview 返回进行中分钟的临时 K 线；受节流限制且内容未变化时不重复返回。
func (m *Maker) Preview(now int64) (market.Candle, bool) {
	open, ok := m.openMinute()
	if !ok {
		return market.Candle{}, false
	}
	if !m.preview.due(now) {
		return market.Candle{}, false
	}
	c := market.CandleFromTicks(open, 1, m.buckets[open], false)
	if !m.preview.offer(c, now) {
		return market.Candle{}, false
	}
	return c, true
}

// Current 返回进行中分钟的临时 K 线（不受节流）。
func (m *Maker) Current() (market.Candle, bool) {
	open, ok := m.openMinute()
	if !ok {
		return market.Candle{}, false
	}
	return market.CandleFromTicks(open, 1, m.buckets[open], false), true
}

func (m *Maker) openMinute() (int64, bool) {
	var open int64
	found := false
	for minute := range m.buckets {
		if !found || minute > open {
			open = minute
			found = true
		}
	}
	return open, found
}

func (m *Maker) finalize(all bool) []market.Candle {
	if len(m.buckets) == 0 {
		return nil
	}
	minutes := make([]int64, 0, len(m.buckets))
	for minute := range m.buckets {
		minutes = append(minutes, minute)
	}
	sort.Slice(minutes, func(i, j int) bool { return minutes[i] < minutes[j] })

	limit := len(minutes) - 1
	if all {
		limit = len(minutes)
	}
	var out []market.Candle
	for _, minute := range minutes[:limit] {
		out = m.fillGap(out, minute)
		c := market.CandleFromTicks(minute, 1, m.buckets[minute], m.cfg.KeepTicks)
		delete(m.buckets, minute)
		out = m.emit(out, c)
	}
	if !all {
		// 新分钟已有成交，说明此前的空白分钟已经结束
		out = m.fillGap(out, minutes[len(minutes)-1])
	} else {
		m.preview.reset()
	}
	return out
}

func (m *Maker) fillGap(out []market.Candle, upto int64) []market.Candle {
	if !m.finalized {
		return out
	}
	filled := 0
	for start := m.lastFinalized + market.MinuteMillis; start < upto; start += market.MinuteMillis {
		if m.recent.Has(start) {
			continue
		}
		out = m.emit(out, market.FlatCandle(start, 1, m.lastClose))
		filled++
	}
	if filled > 0 && logger.Enabled("debug") {
		logger.Debugf("[candle] %s@%s 补齐 %d 根空白分钟", m.cfg.Instrument, m.cfg.Exchange, filled)
	}
	return out
}

func (m *Maker) emit(out []market.Candle, c market.Candle) []market.Candle {
	if m.recent.Has(c.Start) {
		return out
	}
	m.recent.Add(c.Start)
	m.finalized = true
	m.lastFinalized = c.Start
	m.lastClose = c.Close
	return append(out, c)
}

// minuteSet 是容量有限的分钟集合，超出容量时淘汰最早加入的分钟。
type minuteSet struct {
	cap   int
	ring  []int64
	next  int
	full  bool
	index map[int64]struct{}
}

func newMinuteSet(capacity int) *minuteSet {
	return &minuteSet{
		cap:   capacity,
		ring:  make([]int64, capacity),
		index: make(map[int64]struct{}, capacity),
	}
}

func (s *minuteSet) Has(minute int64) bool {
	_, ok := s.index[minute]
	return ok
}

func (s *minuteSet) Add(minute int64) {
	if s.Has(minute) {
		return
	}
	if s.full {
		delete(s.index, s.ring[s.next])
	}
	s.ring[s.next] = minute
	s.index[minute] = struct{}{}
	s.next++
	if s.next == s.cap {
		s.next = 0
		s.full = true
	}
}

func (s *minuteSet) Len() int {
	return len(s.index)
}
