package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarginPosition_FlipClosesThenReopens(t *testing.T) {
	pos := &MarginPosition{Instrument: "X_Y", Exchange: "sim"}
	open := pos.ApplyTrade(10, 5, 2)
	assert.InDelta(t, 25.0, open.Committed, 1e-12)
	assert.Equal(t, DirectionLong, pos.Direction())

	s := pos.ApplyTrade(-15, 6, 2)
	assert.True(t, s.Flipped)
	assert.InDelta(t, 10.0, s.ClosedAmount, 1e-12)
	assert.InDelta(t, 10.0, s.Realized, 1e-12, "P&L on the full original 10 units")
	assert.InDelta(t, 25.0, s.Released, 1e-12, "all old collateral released")
	assert.InDelta(t, 15.0, s.Committed, 1e-12, "residual opened fresh at the sell rate")

	assert.Equal(t, DirectionShort, pos.Direction())
	assert.InDelta(t, -5.0, pos.Amount, 1e-12)
	assert.InDelta(t, 6.0, pos.EntryRate, 1e-12)
	assert.InDelta(t, 15.0, pos.Collateral, 1e-12)
	assert.InDelta(t, 10.0, pos.RealizedPL, 1e-12)
}

func TestMarginPosition_DirectionMatchesSign(t *testing.T) {
	pos := &MarginPosition{}
	trades := []float64{3, 2, -1, -6, 4, -4, 7, -20, 13}
	for _, d := range trades {
		pos.ApplyTrade(d, 10, 3)
		switch {
		case pos.Amount > amountEpsilon:
			assert.Equal(t, DirectionLong, pos.Direction())
		case pos.Amount < -amountEpsilon:
			assert.Equal(t, DirectionShort, pos.Direction())
		default:
			assert.Equal(t, DirectionNone, pos.Direction())
			assert.Zero(t, pos.Collateral)
		}
		assert.GreaterOrEqual(t, pos.Collateral, 0.0)
	}
}

func TestMarginPosition_IncreaseAndReduce(t *testing.T) {
	pos := &MarginPosition{}
	pos.ApplyTrade(-2, 100, 4)
	s := pos.ApplyTrade(-2, 80, 4)
	assert.InDelta(t, 40.0, s.Committed, 1e-12)
	assert.InDelta(t, 90.0, pos.EntryRate, 1e-12)
	assert.InDelta(t, 90.0, pos.Collateral, 1e-12)

	assert.InDelta(t, 40.0, pos.ComputePL(80), 1e-12)

	s = pos.ApplyTrade(1, 70, 4)
	assert.False(t, s.Flipped)
	assert.InDelta(t, 20.0, s.Realized, 1e-12)
	assert.InDelta(t, 22.5, s.Released, 1e-12)
	assert.InDelta(t, -3.0, pos.Amount, 1e-12)

	s = pos.Close(95)
	assert.InDelta(t, -15.0, s.Realized, 1e-12)
	assert.InDelta(t, 67.5, s.Released, 1e-12)
	assert.Equal(t, DirectionNone, pos.Direction())
}

func TestPortfolio_ReserveRefundConsume(t *testing.T) {
	p := NewPortfolio()
	p.Deposit("sim", "X", 10)

	require.NoError(t, p.Reserve("sim", "o1", "X", 0.5))
	assert.InDelta(t, 9.5, p.Balance("sim", "X"), 1e-12)
	assert.InDelta(t, 0.5, p.Reserved("sim", "x"), 1e-12)

	err := p.Reserve("sim", "o2", "X", 100)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	r, err := p.Refund("sim", "o1")
	require.NoError(t, err)
	assert.Equal(t, 0.5, r.Amount)
	assert.InDelta(t, 10.0, p.Balance("sim", "X"), 1e-12)

	require.NoError(t, p.Reserve("sim", "o3", "X", 1))
	_, err = p.Consume("sim", "o3")
	require.NoError(t, err)
	assert.InDelta(t, 9.0, p.Balance("sim", "X"), 1e-12)
	assert.Zero(t, p.Reserved("sim", "X"))

	_, err = p.Refund("sim", "o3")
	assert.ErrorIs(t, err, ErrUnknownReservation)
}

func TestPortfolio_NeverNegative(t *testing.T) {
	p := NewPortfolio()
	p.Deposit("sim", "X", 1)
	assert.Zero(t, p.Adjust("sim", "X", -5))
	assert.Equal(t, int64(1), p.Warnings())

	p.Settle("sim", "X_Y", "X", Settlement{Released: 3})
	assert.Zero(t, p.Collateral("sim", "X_Y"))
	assert.Equal(t, int64(2), p.Warnings())
	assert.InDelta(t, 3.0, p.Balance("sim", "X"), 1e-12)
}

func TestPortfolio_MarginTradeFlow(t *testing.T) {
	p := NewPortfolio()
	p.Deposit("sim", "X", 100)

	s, pos := p.ApplyMarginTrade("sim", "X_Y", "X", 10, 5, 2)
	assert.InDelta(t, 25.0, s.Committed, 1e-12)
	assert.InDelta(t, 75.0, p.Balance("sim", "X"), 1e-12)
	assert.InDelta(t, 25.0, p.Collateral("sim", "X_Y"), 1e-12)
	assert.Equal(t, DirectionLong, pos.Direction())

	equity := p.Equity("sim", "X", func(coin string) float64 {
		if coin == "Y" {
			return 6
		}
		return 0
	})
	assert.InDelta(t, 110.0, equity, 1e-12)

	s, pos = p.ApplyMarginTrade("sim", "X_Y", "X", -15, 6, 2)
	assert.True(t, s.Flipped)
	assert.Equal(t, DirectionShort, pos.Direction())
	assert.InDelta(t, 95.0, p.Balance("sim", "X"), 1e-12)
	assert.InDelta(t, 15.0, p.Collateral("sim", "X_Y"), 1e-12)

	s, _, ok := p.ClosePosition("sim", "X_Y", "X", 4)
	require.True(t, ok)
	assert.InDelta(t, 10.0, s.Realized, 1e-12)
	assert.InDelta(t, 120.0, p.Balance("sim", "X"), 1e-12)
	assert.Zero(t, p.Collateral("sim", "X_Y"))

	_, ok = p.MarginPosition("sim", "X_Y")
	assert.False(t, ok)
	assert.Empty(t, p.OpenPositions())
}
