package history

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tickreplay/internal/market"

	"github.com/adshao/go-binance/v2/futures"
)

const binanceAggTradeLimit = 1000

// BinanceSource 通过 go-binance SDK 的 aggTrades 接口拉取历史成交。
type BinanceSource struct {
	client *futures.Client
}

func NewBinanceSource(baseURL string, timeout time.Duration) *BinanceSource {
	client := futures.NewClient("", "")
	if strings.TrimSpace(baseURL) != "" {
		client.BaseURL = strings.TrimSpace(baseURL)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client.HTTPClient = &http.Client{Timeout: timeout}
	return &BinanceSource{client: client}
}

func (b *BinanceSource) Name() string { return "binance" }

// BinanceSymbol 将 BASE_COIN 形式转换为 Binance 的 COINBASE，例如 USDT_BTC -> BTCUSDT。
func BinanceSymbol(instrument string) (string, error) {
	base, coin, err := market.SplitSymbol(instrument)
	if err != nil {
		return "", err
	}
	return coin + base, nil
}

func (b *BinanceSource) FetchTrades(ctx context.Context, req FetchRequest) ([]Trade, error) {
	symbol, err := BinanceSymbol(req.Instrument)
	if err != nil {
		return nil, err
	}
	if req.End <= req.Start {
		return nil, fmt.Errorf("binance aggTrades: empty range")
	}
	// 首页按时间窗口查询，后续用 fromId 翻页，避免同一毫秒内的成交被截断
	page, err := b.client.NewAggTradesService().
		Symbol(symbol).
		StartTime(req.Start).
		EndTime(req.End - 1).
		Limit(binanceAggTradeLimit).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	var out []Trade
	for len(page) > 0 {
		done := false
		for _, at := range page {
			if at.Timestamp >= req.End {
				done = true
				break
			}
			out = append(out, convertAggTrade(at))
		}
		if done || len(page) < binanceAggTradeLimit {
			break
		}
		next := page[len(page)-1].AggTradeID + 1
		page, err = b.client.NewAggTradesService().
			Symbol(symbol).
			FromID(next).
			Limit(binanceAggTradeLimit).
			Do(ctx)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func convertAggTrade(at *futures.AggTrade) Trade {
	side := market.SideBuy
	if at.IsBuyerMaker {
		side = market.SideSell
	}
	return Trade{
		ID: at.AggTradeID,
		Tick: market.Tick{
			Date:   at.Timestamp,
			Rate:   parseFloat(at.Price),
			Amount: parseFloat(at.Quantity),
			Side:   side,
		},
	}
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}
