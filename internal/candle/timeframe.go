package candle

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"tickreplay/internal/market"
)

// ErrInvalidCandleSize 表示无法识别或非法的 K 线周期。
var ErrInvalidCandleSize = errors.New("invalid candle size")

// Timeframe 描述一个以分钟为单位的 K 线周期。
type Timeframe struct {
	Key     string
	Minutes int
}

var namedTimeframes = map[string]int{
	"1m":  1,
	"3m":  3,
	"5m":  5,
	"15m": 15,
	"30m": 30,
	"1h":  60,
	"2h":  120,
	"4h":  240,
	"6h":  360,
	"12h": 720,
	"1d":  1440,
}

// ParseTimeframe 解析 "15m"、"1h"、"1d" 或纯分钟数 "90"。
func ParseTimeframe(input string) (Timeframe, error) {
	key := strings.ToLower(strings.TrimSpace(input))
	if key == "" {
		return Timeframe{}, fmt.Errorf("%w: empty", ErrInvalidCandleSize)
	}
	if minutes, ok := namedTimeframes[key]; ok {
		return Timeframe{Key: key, Minutes: minutes}, nil
	}
	unit := 1
	digits := key
	switch {
	case strings.HasSuffix(key, "m"):
		digits = strings.TrimSuffix(key, "m")
	case strings.HasSuffix(key, "h"):
		digits, unit = strings.TrimSuffix(key, "h"), 60
	case strings.HasSuffix(key, "d"):
		digits, unit = strings.TrimSuffix(key, "d"), 1440
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n <= 0 {
		return Timeframe{}, fmt.Errorf("%w: %s (可用 %s 或分钟数)", ErrInvalidCandleSize, input, strings.Join(SupportedTimeframes(), "/"))
	}
	minutes := n * unit
	return Timeframe{Key: fmt.Sprintf("%dm", minutes), Minutes: minutes}, nil
}

// SupportedTimeframes 返回内置的命名周期（按分钟数排序）。
func SupportedTimeframes() []string {
	keys := make([]string, 0, len(namedTimeframes))
	for k := range namedTimeframes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return namedTimeframes[keys[i]] < namedTimeframes[keys[j]] })
	return keys
}

func (tf Timeframe) Duration() time.Duration {
	return time.Duration(tf.Minutes) * time.Minute
}

func (tf Timeframe) durationMillis() int64 {
	return int64(tf.Minutes) * market.MinuteMillis
}

// BatchSize 返回由 base 周期合成本周期所需的根数。
func (tf Timeframe) BatchSize(base Timeframe) (int, error) {
	if base.Minutes <= 0 || tf.Minutes < base.Minutes || tf.Minutes%base.Minutes != 0 {
		return 0, fmt.Errorf("%w: %s is not a multiple of %s", ErrInvalidCandleSize, tf.Key, base.Key)
	}
	return tf.Minutes / base.Minutes, nil
}

// ExpectedCandles 计算 [start, end) 区间应有的 K 线数量。
func (tf Timeframe) ExpectedCandles(start, end int64) int64 {
	if end <= start {
		return 0
	}
	step := tf.durationMillis()
	if step == 0 {
		return 0
	}
	return (end - start + step - 1) / step
}
