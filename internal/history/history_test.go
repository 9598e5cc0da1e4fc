package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"tickreplay/internal/market"
	"tickreplay/internal/pkg/circuit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const minute = market.MinuteMillis

type MockSource struct {
	mock.Mock
}

func (m *MockSource) Name() string { return "mock" }

func (m *MockSource) FetchTrades(ctx context.Context, req FetchRequest) ([]Trade, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Trade), args.Error(1)
}

func TestMissingPeriods(t *testing.T) {
	covered := []Period{{Start: 10, End: 20}, {Start: 15, End: 30}, {Start: 40, End: 50}}
	gaps := missingPeriods(covered, 0, 60)
	assert.Equal(t, []Period{{Start: 0, End: 10}, {Start: 30, End: 40}, {Start: 50, End: 60}}, gaps)
	assert.Empty(t, missingPeriods(covered, 12, 28))
}

func TestStore_CheckAndBatches(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	err = store.Check(ctx, "X_Y", "sim", 0, 3*minute)
	var dataErr *DataUnavailableError
	require.True(t, errors.As(err, &dataErr))
	assert.Equal(t, []Period{{Start: 0, End: 3 * minute}}, dataErr.Missing)

	_, err = store.InsertTrades(ctx, "X_Y", "sim", []Trade{
		{ID: 3, Tick: market.Tick{Date: 2*minute + 5, Rate: 3, Amount: 1, Side: market.SideSell}},
		{ID: 1, Tick: market.Tick{Date: 10, Rate: 1, Amount: 1, Side: market.SideBuy}},
		{ID: 2, Tick: market.Tick{Date: 10, Rate: 2, Amount: 1, Side: market.SideBuy}},
	})
	require.NoError(t, err)
	require.NoError(t, store.MarkImported(ctx, "X_Y", "sim", "test", Period{Start: 0, End: 3 * minute}))
	require.NoError(t, store.Check(ctx, "X_Y", "sim", 0, 3*minute))

	var sizes []int
	var rates []float64
	err = store.Batches(ctx, "X_Y", "sim", 0, 3*minute, time.Minute, func(from, to int64, ticks []market.Tick) error {
		sizes = append(sizes, len(ticks))
		for _, tk := range ticks {
			rates = append(rates, tk.Rate)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 0, 1}, sizes)
	assert.Equal(t, []float64{1, 2, 3}, rates)

	mf, err := store.Manifest(ctx, "X_Y", "sim")
	require.NoError(t, err)
	assert.Equal(t, int64(3), mf.Rows)
	assert.Equal(t, []Period{{Start: 0, End: 3 * minute}}, mf.Imported)
}

func TestService_ImportFillsGaps(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	src := NewMemorySource("sim")
	src.Add("X_Y",
		market.Tick{Date: 1000, Rate: 1, Amount: 1, Side: market.SideBuy},
		market.Tick{Date: 90 * minute, Rate: 2, Amount: 1, Side: market.SideSell},
	)
	svc, err := NewService(ServiceConfig{
		Store:           store,
		Sources:         map[string]Source{"sim": src},
		RateLimitPerMin: 600_000,
		Chunk:           time.Hour,
	})
	require.NoError(t, err)

	var progress []float64
	job, err := svc.Import(context.Background(), ImportParams{Instrument: "X_Y", Exchange: "sim", Start: 0, End: 2 * 60 * minute}, func(p float64) {
		progress = append(progress, p)
	})
	require.NoError(t, err)
	assert.Equal(t, JobStatusDone, job.Status)
	assert.Equal(t, int64(2), job.Trades)
	assert.Equal(t, []float64{50, 100}, progress)

	again, err := svc.Import(context.Background(), ImportParams{Instrument: "X_Y", Exchange: "sim", Start: 0, End: 2 * 60 * minute}, nil)
	require.NoError(t, err)
	assert.Equal(t, JobStatusDone, again.Status)
	assert.Equal(t, int64(0), again.Trades)
}

func TestService_RetriesNetworkErrors(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	src := new(MockSource)
	src.On("FetchTrades", mock.Anything, mock.Anything).Return(nil, errors.New("read: connection reset by peer")).Once()
	src.On("FetchTrades", mock.Anything, mock.Anything).Return([]Trade{
		{ID: 7, Tick: market.Tick{Date: 5, Rate: 1, Amount: 1, Side: market.SideBuy}},
	}, nil).Once()

	svc, err := NewService(ServiceConfig{
		Store:           store,
		Sources:         map[string]Source{"sim": src},
		RateLimitPerMin: 600_000,
		MaxRetries:      2,
		RetryBackoff:    time.Millisecond,
	})
	require.NoError(t, err)

	job, err := svc.Import(context.Background(), ImportParams{Instrument: "X_Y", Exchange: "sim", Start: 0, End: minute}, nil)
	require.NoError(t, err)
	assert.Equal(t, JobStatusDone, job.Status)
	src.AssertNumberOfCalls(t, "FetchTrades", 2)
}

func TestService_DoesNotRetryOtherErrors(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	src := new(MockSource)
	src.On("FetchTrades", mock.Anything, mock.Anything).Return(nil, errors.New("invalid symbol"))

	svc, err := NewService(ServiceConfig{
		Store:           store,
		Sources:         map[string]Source{"sim": src},
		RateLimitPerMin: 600_000,
		MaxRetries:      3,
		RetryBackoff:    time.Millisecond,
	})
	require.NoError(t, err)

	job, err := svc.Import(context.Background(), ImportParams{Instrument: "X_Y", Exchange: "sim", Start: 0, End: minute}, nil)
	assert.Error(t, err)
	assert.Equal(t, JobStatusFailed, job.Status)
	src.AssertNumberOfCalls(t, "FetchTrades", 1)
}

func TestService_BreakerStopsFetching(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	src := new(MockSource)
	src.On("FetchTrades", mock.Anything, mock.Anything).Return(nil, errors.New("dial tcp: connection refused"))

	svc, err := NewService(ServiceConfig{
		Store:            store,
		Sources:          map[string]Source{"sim": src},
		RateLimitPerMin:  600_000,
		MaxRetries:       5,
		RetryBackoff:     time.Millisecond,
		BreakerThreshold: 2,
		BreakerCooldown:  time.Hour,
	})
	require.NoError(t, err)

	_, err = svc.Import(context.Background(), ImportParams{Instrument: "X_Y", Exchange: "sim", Start: 0, End: minute}, nil)
	require.ErrorIs(t, err, circuit.ErrOpen)
	src.AssertNumberOfCalls(t, "FetchTrades", 2)
}

func TestBinanceSymbol(t *testing.T) {
	sym, err := BinanceSymbol("usdt_btc")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", sym)
	_, err = BinanceSymbol("BTCUSDT")
	assert.Error(t, err)
}
