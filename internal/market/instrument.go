package market

import (
	"fmt"
	"strings"
)

// Instrument 描述某交易所上的交易对及其交易规则。
// Symbol 使用 BASE_QUOTE 形式，例如 USDT_BTC 表示以 USDT 计价的 BTC。
type Instrument struct {
	Symbol      string  `json:"symbol"`
	Exchange    string  `json:"exchange"`
	FeeRate     float64 `json:"fee_rate"`
	MaxLeverage float64 `json:"max_leverage"`
	MinAmount   float64 `json:"min_amount"`
	Precision   int32   `json:"precision"`
}

// Key 返回 instrument@exchange 形式的唯一键。
func (i Instrument) Key() string {
	return InstrumentKey(i.Exchange, i.Symbol)
}

// Base 返回计价货币（Symbol 前半部分）。
func (i Instrument) Base() string {
	base, _, _ := SplitSymbol(i.Symbol)
	return base
}

// Coin 返回交易货币（Symbol 后半部分）。
func (i Instrument) Coin() string {
	_, coin, _ := SplitSymbol(i.Symbol)
	return coin
}

func InstrumentKey(exchange, symbol string) string {
	return strings.ToUpper(symbol) + "@" + strings.ToLower(exchange)
}

// SplitSymbol 拆分 BASE_QUOTE 形式的交易对。
func SplitSymbol(symbol string) (string, string, error) {
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(symbol)), "_")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid instrument symbol %q (want BASE_COIN)", symbol)
	}
	return parts[0], parts[1], nil
}
