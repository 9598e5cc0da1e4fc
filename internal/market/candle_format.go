package market

import (
	"fmt"
	"time"
)

type Candles []Candle

func (c Candle) TimeString() string {
	if c.Start <= 0 {
		return "-"
	}
	return time.UnixMilli(c.Start).UTC().Format("01-02 15:04") + "Z"
}

func (c Candle) String() string {
	return fmt.Sprintf("%s %dm O=%.8g H=%.8g L=%.8g C=%.8g V=%.8g %s",
		c.TimeString(), c.Interval, c.Open, c.High, c.Low, c.Close, c.Volume, c.Trend)
}

// Contiguous 检查 K 线是否首尾相接且无重复。
func (cs Candles) Contiguous() bool {
	for i := 1; i < len(cs); i++ {
		if cs[i].Start != cs[i-1].End() {
			return false
		}
	}
	return true
}
