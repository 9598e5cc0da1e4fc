package history

import (
	"context"
	"sort"
	"strings"

	"tickreplay/internal/market"
)

// FetchRequest 描述一次远端成交拉取，区间为 [Start, End)。
type FetchRequest struct {
	Instrument string
	Start      int64
	End        int64
}

// Source 统一不同交易所/数据源的成交拉取行为。返回的成交需按时间排序。
type Source interface {
	Name() string
	FetchTrades(ctx context.Context, req FetchRequest) ([]Trade, error)
}

// MemorySource 从内存中的成交列表提供数据，用于模拟交易所与测试。
type MemorySource struct {
	name   string
	trades map[string][]Trade
}

func NewMemorySource(name string) *MemorySource {
	if name == "" {
		name = "memory"
	}
	return &MemorySource{name: name, trades: make(map[string][]Trade)}
}

func (m *MemorySource) Name() string { return m.name }

// Add 追加成交，ID 为 0 时按顺序分配。
func (m *MemorySource) Add(instrument string, ticks ...market.Tick) {
	key := strings.ToUpper(instrument)
	list := m.trades[key]
	for _, t := range ticks {
		list = append(list, Trade{ID: int64(len(list) + 1), Tick: t})
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].Date < list[j].Date })
	m.trades[key] = list
}

func (m *MemorySource) FetchTrades(_ context.Context, req FetchRequest) ([]Trade, error) {
	var out []Trade
	for _, t := range m.trades[strings.ToUpper(req.Instrument)] {
		if t.Date >= req.Start && t.Date < req.End {
			out = append(out, t)
		}
	}
	return out, nil
}
