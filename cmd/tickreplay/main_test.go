package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTime(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{in: "60000", want: 60_000},
		{in: "2024-01-02", want: 1704153600000},
		{in: "2024-01-02T00:01:00Z", want: 1704153660000},
	}
	for _, tt := range tests {
		got, err := parseTime(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	_, err := parseTime("")
	assert.Error(t, err)
	_, err = parseTime("yesterday")
	assert.Error(t, err)
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("TICKREPLAY_CONFIG", "/etc/tickreplay.yaml")
	assert.Equal(t, "flag.yaml", resolveConfigPath(" flag.yaml "))
	assert.Equal(t, "/etc/tickreplay.yaml", resolveConfigPath(""))
	t.Setenv("TICKREPLAY_CONFIG", "")
	assert.Equal(t, defaultConfigPath, resolveConfigPath(""))
}

func TestRangeFlags(t *testing.T) {
	rf := rangeFlags{instrument: "usdt_btc", exchange: "Binance", start: "0", end: "2024-01-02"}
	inst, ex, start, end, err := rf.resolve()
	require.NoError(t, err)
	assert.Equal(t, "USDT_BTC", inst)
	assert.Equal(t, "binance", ex)
	assert.Equal(t, int64(0), start)
	assert.Equal(t, int64(1704153600000), end)

	_, _, _, _, err = (&rangeFlags{exchange: "x", start: "0", end: "1"}).resolve()
	assert.Error(t, err)
}
