package backtest

import "github.com/shopspring/decimal"

// DefaultPrecision 为未配置精度时的小数位数。
const DefaultPrecision int32 = 8

// ExtractFees 从 amount 中扣除 amount*factor 的费用，费用按 precision 位截断（非四舍五入），
// 且不超过 amount 本身。返回扣费后的净额与费用。
func ExtractFees(amount, factor float64, precision int32) (net, fee float64) {
	if amount <= 0 || factor <= 0 {
		return amount, 0
	}
	if precision < 0 {
		precision = DefaultPrecision
	}
	a := decimal.NewFromFloat(amount)
	f := a.Mul(decimal.NewFromFloat(factor)).Truncate(precision)
	if f.GreaterThan(a) {
		f = a
	}
	return a.Sub(f).InexactFloat64(), f.InexactFloat64()
}

// TruncateAmount 把下单数量截断到交易对精度。
func TruncateAmount(amount float64, precision int32) float64 {
	if precision < 0 {
		precision = DefaultPrecision
	}
	return decimal.NewFromFloat(amount).Truncate(precision).InexactFloat64()
}
