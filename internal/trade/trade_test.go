package trade

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeExchangeRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"not json":      `{broken`,
		"unknown type":  `{"type":"HOLD","units":1}`,
		"zero units":    `{"type":"BUY","units":0}`,
		"wrong literal": `[1,2,3]`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeExchange([]byte(payload))
			assert.Error(t, err)
		})
	}
}

func TestDecodeExchange(t *testing.T) {
	e, err := DecodeExchange([]byte(`{"type":"SELL","units":4,"price":0}`))
	require.NoError(t, err)
	assert.Equal(t, Sell, e.Type)
	assert.Equal(t, 4, e.Units)
}

func TestDecodeQuoteRejectsNegative(t *testing.T) {
	_, err := DecodeQuote([]byte(`{"sell_price":-1,"buy_price":2,"units":3}`))
	assert.Error(t, err)

	q, err := DecodeQuote([]byte(`{"sell_price":10,"buy_price":8,"units":3}`))
	require.NoError(t, err)
	assert.Equal(t, Quote{SellPrice: 10, BuyPrice: 8, Units: 3}, q)
}
