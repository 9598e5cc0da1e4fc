package strategy

import (
	"math"

	talib "github.com/markcheno/go-talib"
)

// smaPair 返回 fast/slow 两条 SMA 最近两个点；数据不足时 ok=false。
func smaPair(closes []float64, fast, slow int) (prevFast, curFast, prevSlow, curSlow float64, ok bool) {
	n := len(closes)
	if fast < 1 || slow < 1 || n < slow+1 || n < fast+1 {
		return 0, 0, 0, 0, false
	}
	f := talib.Sma(closes, fast)
	s := talib.Sma(closes, slow)
	prevFast, curFast = f[n-2], f[n-1]
	prevSlow, curSlow = s[n-2], s[n-1]
	for _, v := range []float64{prevFast, curFast, prevSlow, curSlow} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, 0, 0, 0, false
		}
	}
	return prevFast, curFast, prevSlow, curSlow, true
}

// crossSignal 返回 1 表示上穿，-1 表示下穿，0 表示无交叉。
func crossSignal(prevFast, curFast, prevSlow, curSlow float64) int {
	switch {
	case prevFast <= prevSlow && curFast > curSlow:
		return 1
	case prevFast >= prevSlow && curFast < curSlow:
		return -1
	default:
		return 0
	}
}
