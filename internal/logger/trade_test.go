package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTradef(t *testing.T) {
	var buf bytes.Buffer
	SetTradeWriter(&buf)
	defer SetTradeWriter(nil)

	assert.True(t, TradeEnabled())
	Tradef("fill", "id", "o1", "rate", 0.5, "dangling")
	assert.Contains(t, buf.String(), "fill id=o1 rate=0.5\n")
	assert.NotContains(t, buf.String(), "dangling")

	SetTradeWriter(nil)
	assert.False(t, TradeEnabled())
	Tradef("fill", "id", "o2")
	assert.NotContains(t, buf.String(), "o2")
}
