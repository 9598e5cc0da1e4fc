package history

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Period 是 [Start, End) 毫秒区间。
type Period struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

func (p Period) Duration() time.Duration {
	return time.Duration(p.End-p.Start) * time.Millisecond
}

func (p Period) String() string {
	return fmt.Sprintf("[%s, %s)", fmtMillis(p.Start), fmtMillis(p.End))
}

func fmtMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04:05")
}

// DataUnavailableError 表示请求区间内有未导入的数据。
type DataUnavailableError struct {
	Instrument string
	Exchange   string
	Start      int64
	End        int64
	Missing    []Period
	Available  []Period
}

func (e *DataUnavailableError) Error() string {
	avail := make([]string, 0, len(e.Available))
	for _, p := range e.Available {
		avail = append(avail, p.String())
	}
	return fmt.Sprintf("no tick data for %s@%s in %s (missing %d periods, available: %s)",
		e.Instrument, e.Exchange, Period{Start: e.Start, End: e.End}, len(e.Missing), strings.Join(avail, ", "))
}

// mergePeriods 合并重叠或相邻的区间。
func mergePeriods(in []Period) []Period {
	if len(in) == 0 {
		return nil
	}
	list := append([]Period(nil), in...)
	sort.Slice(list, func(i, j int) bool { return list[i].Start < list[j].Start })
	out := []Period{list[0]}
	for _, p := range list[1:] {
		last := &out[len(out)-1]
		if p.Start <= last.End {
			if p.End > last.End {
				last.End = p.End
			}
			continue
		}
		out = append(out, p)
	}
	return out
}

// missingPeriods 返回 [start, end) 中未被 covered 覆盖的区间。
func missingPeriods(covered []Period, start, end int64) []Period {
	var gaps []Period
	cursor := start
	for _, p := range mergePeriods(covered) {
		if p.End <= cursor {
			continue
		}
		if p.Start >= end {
			break
		}
		if p.Start > cursor {
			gaps = append(gaps, Period{Start: cursor, End: p.Start})
		}
		if p.End > cursor {
			cursor = p.End
		}
	}
	if cursor < end {
		gaps = append(gaps, Period{Start: cursor, End: end})
	}
	return gaps
}
