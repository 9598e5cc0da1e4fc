package backtest

import (
	"testing"
	"time"

	"tickreplay/internal/ledger"
	"tickreplay/internal/market"
	"tickreplay/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eps = 1e-9

func testInstrument() market.Instrument {
	return market.Instrument{
		Symbol:      "X_Y",
		Exchange:    "sim",
		FeeRate:     0.001,
		MinAmount:   0.001,
		MaxLeverage: 5,
		Precision:   8,
	}
}

func newTestExecutor(t *testing.T, cfg ExecutorConfig, balances map[string]float64) (*Executor, *ledger.Portfolio) {
	t.Helper()
	book := ledger.NewPortfolio()
	for cur, amt := range balances {
		book.Deposit("sim", cur, amt)
	}
	exec, err := NewExecutor(book, []market.Instrument{testInstrument()}, cfg)
	require.NoError(t, err)
	return exec, book
}

func tick(date int64, rate, amount float64) market.Tick {
	return market.Tick{Date: date, Rate: rate, Amount: amount, Side: market.SideBuy}
}

func limit(action strategy.Action, rate, amount float64) strategy.Intent {
	return strategy.Intent{Action: action, Instrument: "X_Y", Exchange: "sim", Rate: rate, Amount: amount}
}

func TestExecutor_SpotBuyReservesAndFills(t *testing.T) {
	exec, book := newTestExecutor(t, ExecutorConfig{}, map[string]float64{"X": 10})

	order, err := exec.Submit(limit(strategy.ActionBuy, 0.01, 50), 0)
	require.NoError(t, err)
	assert.Equal(t, "y-000001", order.ID)
	assert.InDelta(t, 9.5, book.Balance("sim", "X"), eps)
	assert.InDelta(t, 0.5, book.Reserved("sim", "X"), eps)

	fills := exec.OnTicks("sim", "X_Y", []market.Tick{tick(1000, 0.01, 100)})
	require.Len(t, fills, 1)
	f := fills[0]
	assert.InDelta(t, 49.95, f.Net, eps)
	assert.InDelta(t, 0.05, f.Fee, eps)
	assert.Equal(t, "Y", f.FeeCurrency)
	assert.InDelta(t, 49.95, book.Balance("sim", "Y"), eps)
	assert.InDelta(t, 9.5, book.Balance("sim", "X"), eps)
	assert.Zero(t, book.Reserved("sim", "X"))
	assert.InDelta(t, 0.05, exec.Fees().Coin["Y"], eps)
	assert.Empty(t, exec.Pending("sim", "X_Y"))

	// 全部卖出后一段现货持仓结束
	_, err = exec.Submit(limit(strategy.ActionSell, 0.02, 49.95), 2000)
	require.NoError(t, err)
	assert.InDelta(t, 49.95, book.Reserved("sim", "Y"), eps)
	assert.Empty(t, exec.OnTicks("sim", "X_Y", []market.Tick{tick(3000, 0.019, 100)}))
	fills = exec.OnTicks("sim", "X_Y", []market.Tick{tick(4000, 0.02, 100)})
	require.Len(t, fills, 1)
	f = fills[0]
	assert.InDelta(t, 0.998001, f.Net, eps)
	assert.InDelta(t, 0.000999, f.Fee, eps)
	assert.InDelta(t, 0.498001, f.Realized, eps)
	assert.True(t, f.Closed)
	assert.InDelta(t, 0.498001, f.ClosedPL, eps)
	assert.InDelta(t, 10.498001, book.Balance("sim", "X"), eps)
	assert.Zero(t, book.Balance("sim", "Y"))
	assert.Equal(t, 2, exec.Fills())
}

func TestExecutor_Rejections(t *testing.T) {
	exec, book := newTestExecutor(t, ExecutorConfig{}, map[string]float64{"X": 10})

	_, err := exec.Submit(limit(strategy.ActionBuy, 0.01, 0.0001), 0)
	assert.ErrorIs(t, err, ErrOrderRejected, "below min amount")

	_, err = exec.Submit(limit(strategy.ActionBuy, 0.01, 2000), 0)
	assert.ErrorIs(t, err, ErrOrderRejected, "insufficient funds")

	lev := limit(strategy.ActionBuy, 0.01, 10)
	lev.Margin, lev.Leverage = true, 10
	_, err = exec.Submit(lev, 0)
	assert.ErrorIs(t, err, ErrOrderRejected, "leverage above max")

	mkt := limit(strategy.ActionBuy, 0, 10)
	mkt.Market = true
	_, err = exec.Submit(mkt, 0)
	assert.ErrorIs(t, err, ErrOrderRejected, "market order without price")

	closeSpot := limit(strategy.ActionClose, 0.01, 0)
	_, err = exec.Submit(closeSpot, 0)
	assert.ErrorIs(t, err, ErrOrderRejected, "nothing to close")

	_, err = exec.Submit(strategy.Intent{Action: strategy.ActionBuy, Instrument: "Z_Y", Exchange: "sim", Rate: 1, Amount: 1}, 0)
	assert.ErrorIs(t, err, ErrUnknownInstrument)

	_, err = exec.Submit(limit(strategy.ActionBuy, 0.01, 10), 0)
	require.NoError(t, err)
	_, err = exec.Submit(limit(strategy.ActionBuy, 0.01, 10), 0)
	assert.ErrorIs(t, err, ErrOrderRejected, "one pending order per instrument")

	assert.Equal(t, 6, exec.Rejected())
	assert.InDelta(t, 9.9, book.Balance("sim", "X"), eps)
	assert.Equal(t, 6, exec.Counts()[strategy.ActionBuy].Submitted)
}

func TestExecutor_ExpireRefunds(t *testing.T) {
	exec, book := newTestExecutor(t, ExecutorConfig{OrderTimeout: time.Minute}, map[string]float64{"X": 10})

	_, err := exec.Submit(limit(strategy.ActionBuy, 0.005, 10), 0)
	require.NoError(t, err)
	assert.InDelta(t, 9.95, book.Balance("sim", "X"), eps)

	assert.Empty(t, exec.OnTicks("sim", "X_Y", []market.Tick{tick(30_000, 0.01, 100)}))
	assert.Empty(t, exec.Expire(60_000))

	expired := exec.Expire(60_001)
	require.Len(t, expired, 1)
	assert.Equal(t, 1, exec.Expired())
	assert.InDelta(t, 10, book.Balance("sim", "X"), eps)
	assert.Zero(t, book.Reserved("sim", "X"))
	assert.Empty(t, exec.Pending("sim", "X_Y"))
}

func TestExecutor_MarketOrderChargesSlippageOnce(t *testing.T) {
	exec, book := newTestExecutor(t, ExecutorConfig{Slippage: 0.01}, map[string]float64{"X": 1000})
	exec.OnTicks("sim", "X_Y", []market.Tick{tick(1000, 100, 1)})

	in := limit(strategy.ActionBuy, 0, 1)
	in.Market = true
	order, err := exec.Submit(in, 1000)
	require.NoError(t, err)
	assert.True(t, order.Market)
	assert.InDelta(t, 100, order.Rate, eps)

	fills := exec.OnTicks("sim", "X_Y", []market.Tick{tick(2000, 150, 1)})
	require.Len(t, fills, 1)
	assert.InDelta(t, 100, fills[0].Rate, eps)
	assert.InDelta(t, 0.989, book.Balance("sim", "Y"), eps)
	assert.InDelta(t, 900, book.Balance("sim", "X"), eps)
	// 每枚实际成本 = 100 / 0.989，约 101.1
	assert.InDelta(t, 101.11, 100/book.Balance("sim", "Y"), 0.01)

	sell := limit(strategy.ActionSell, 0, 0.5)
	sell.Market = true
	order, err = exec.Submit(sell, 2000)
	require.NoError(t, err)
	assert.InDelta(t, 150, order.Rate, eps)
}

func TestExecutor_VolumePolicy(t *testing.T) {
	exec, _ := newTestExecutor(t, ExecutorConfig{FillPolicy: FillVolume}, map[string]float64{"X": 100})
	_, err := exec.Submit(limit(strategy.ActionBuy, 10, 5), 0)
	require.NoError(t, err)

	assert.Empty(t, exec.OnTicks("sim", "X_Y", []market.Tick{tick(1000, 9, 1)}))
	assert.Len(t, exec.OnTicks("sim", "X_Y", []market.Tick{tick(2000, 9, 6)}), 1)
}

func TestExecutor_MaxFillsPerBatch(t *testing.T) {
	exec, _ := newTestExecutor(t, ExecutorConfig{MaxPending: 2}, map[string]float64{"X": 100})
	_, err := exec.Submit(limit(strategy.ActionBuy, 10, 1), 0)
	require.NoError(t, err)
	_, err = exec.Submit(limit(strategy.ActionBuy, 10, 1), 0)
	require.NoError(t, err)

	assert.Len(t, exec.OnTicks("sim", "X_Y", []market.Tick{tick(1000, 9, 1)}), 1)
	assert.Len(t, exec.Pending("sim", "X_Y"), 1)
	assert.Len(t, exec.OnTicks("sim", "X_Y", []market.Tick{tick(2000, 9, 1)}), 1)
}

func TestExecutor_MarginFlipAndForceClose(t *testing.T) {
	exec, book := newTestExecutor(t, ExecutorConfig{}, map[string]float64{"X": 100})

	short := limit(strategy.ActionSell, 10, 2)
	short.Margin, short.Leverage = true, 2
	_, err := exec.Submit(short, 0)
	require.NoError(t, err)
	assert.InDelta(t, 90, book.Balance("sim", "X"), eps)

	fills := exec.OnTicks("sim", "X_Y", []market.Tick{tick(1000, 10, 5)})
	require.Len(t, fills, 1)
	assert.InDelta(t, -2, fills[0].Position, eps)
	assert.InDelta(t, -0.02, fills[0].Realized, eps)
	assert.False(t, fills[0].Closed)
	assert.InDelta(t, 89.98, book.Balance("sim", "X"), eps)
	assert.InDelta(t, 10, book.Collateral("sim", "X_Y"), eps)

	// 只为反手后新开的 1 个单位冻结保证金
	flip := limit(strategy.ActionBuy, 8, 3)
	flip.Margin, flip.Leverage = true, 2
	order, err := exec.Submit(flip, 2000)
	require.NoError(t, err)
	assert.InDelta(t, 4, order.Reserved, eps)

	fills = exec.OnTicks("sim", "X_Y", []market.Tick{tick(3000, 8, 5)})
	require.Len(t, fills, 1)
	f := fills[0]
	assert.InDelta(t, 1, f.Position, eps)
	assert.InDelta(t, 8, f.EntryRate, eps)
	assert.InDelta(t, 3.976, f.Realized, eps)
	assert.True(t, f.Closed)
	assert.InDelta(t, 3.956, f.ClosedPL, eps)
	assert.InDelta(t, 99.956, book.Balance("sim", "X"), eps)
	assert.InDelta(t, 4, book.Collateral("sim", "X_Y"), eps)

	forced := exec.ClosePositions(4000)
	require.Len(t, forced, 1)
	assert.True(t, forced[0].Forced)
	assert.Equal(t, "force-y", forced[0].OrderID)
	assert.Equal(t, market.SideSell, forced[0].Side)
	assert.InDelta(t, -0.008, forced[0].Realized, eps)
	assert.InDelta(t, 103.948, book.Balance("sim", "X"), eps)
	assert.Zero(t, book.Collateral("sim", "X_Y"))
	_, open := book.MarginPosition("sim", "X_Y")
	assert.False(t, open)
	assert.InDelta(t, 103.948, exec.Equity("sim", "X"), eps)
	assert.InDelta(t, 0.052, exec.Fees().Base, eps)
}

func TestExecutor_EquityMarksPositions(t *testing.T) {
	exec, _ := newTestExecutor(t, ExecutorConfig{}, map[string]float64{"X": 100})
	long := limit(strategy.ActionBuy, 10, 1)
	long.Margin = true
	_, err := exec.Submit(long, 0)
	require.NoError(t, err)
	exec.OnTicks("sim", "X_Y", []market.Tick{tick(1000, 10, 1)})
	exec.OnTicks("sim", "X_Y", []market.Tick{tick(2000, 12, 1)})

	assert.InDelta(t, 100-0.01+2, exec.Equity("sim", "X"), eps)
}
