package domain

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/wyfcoding/commoditybroker/internal/messaging"
	"github.com/wyfcoding/commoditybroker/internal/trade"
)

func quote(sell, buy, units int) *trade.Quote {
	return &trade.Quote{SellPrice: sell, BuyPrice: buy, Units: units}
}

func TestPriceHistoryKeepsLastHundred(t *testing.T) {
	h := NewPriceHistory(0)
	require.Equal(t, DefaultHistoryCapacity, h.Cap())

	_, err := h.Average()
	assert.ErrorIs(t, err, ErrEmptyHistory)

	for i := 1; i <= 150; i++ {
		h.Record(i)
	}
	assert.Equal(t, 100, h.Len())
	values := h.Values()
	assert.Equal(t, 51, values[0])
	assert.Equal(t, 150, values[99])

	avg, err := h.Average()
	require.NoError(t, err)
	assert.Equal(t, (51+150)/2, avg) // 100.5 截断
}

func TestPriceHistoryTruncatesMean(t *testing.T) {
	h := NewPriceHistory(3)
	h.Record(1)
	h.Record(2)
	avg, err := h.Average()
	require.NoError(t, err)
	assert.Equal(t, 1, avg)
}

func TestPriceHistoryProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 50).Draw(t, "capacity")
		prices := rapid.SliceOf(rapid.IntRange(0, 10_000)).Draw(t, "prices")

		h := NewPriceHistory(capacity)
		for _, p := range prices {
			h.Record(p)
			if h.Len() > h.Cap() {
				t.Fatalf("len %d exceeds cap %d", h.Len(), h.Cap())
			}
		}

		want := prices
		if len(want) > capacity {
			want = want[len(want)-capacity:]
		}
		if len(want) == 0 {
			if _, err := h.Average(); err != ErrEmptyHistory {
				t.Fatalf("expected ErrEmptyHistory, got %v", err)
			}
			return
		}
		sum := 0
		for _, p := range want {
			sum += p
		}
		got, err := h.Average()
		if err != nil || got != sum/len(want) {
			t.Fatalf("average = %d (%v), want %d", got, err, sum/len(want))
		}
		assert.Equal(t, want, h.Values())
	})
}

func TestRegistryOrderAndTracking(t *testing.T) {
	r := NewRetailerRegistry()
	assert.True(t, r.Track("a"))
	assert.False(t, r.Track("a"))
	r.Upsert("b", trade.Quote{SellPrice: 5, Units: 1})
	r.Upsert("a", trade.Quote{SellPrice: 7, Units: 2})

	assert.Equal(t, []messaging.AgentID{"a", "b"}, r.IDs())
	rec, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, 7, rec.Quote.SellPrice)

	assert.True(t, r.Remove("a"))
	assert.False(t, r.Remove("a"))
	assert.Equal(t, []messaging.AgentID{"b"}, r.IDs())
	assert.False(t, r.Contains("a"))
	assert.Equal(t, 1, r.Count())

	r.Track("c")
	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.False(t, snap[1].Quoted())
	snap[0].Quote.SellPrice = 999
	rec, _ = r.Get("b")
	assert.Equal(t, 5, rec.Quote.SellPrice)
}

func TestSelectPrefersStockedCheapest(t *testing.T) {
	snap := []RetailerRecord{
		{ID: "R1", Quote: quote(100, 80, 5)},
		{ID: "R2", Quote: quote(90, 70, 3)},
	}
	h := NewPriceHistory(100)
	sel := Select(trade.Exchange{Type: trade.Buy, Units: 5}, snap, h)

	require.True(t, sel.Found)
	assert.True(t, sel.Optimal)
	assert.Equal(t, messaging.AgentID("R1"), sel.Retailer)
	assert.Equal(t, 100, sel.Counter.Price)
	assert.Equal(t, 5, sel.Counter.Units)
	assert.Equal(t, trade.Average, sel.Counter.Value)
	assert.Equal(t, trade.Average, sel.Request.Value)
}

func TestSelectFallsBackToLargestStock(t *testing.T) {
	snap := []RetailerRecord{
		{ID: "R1", Quote: quote(100, 80, 2)},
		{ID: "R2", Quote: quote(150, 70, 4)},
		{ID: "R3", Quote: quote(50, 70, 4)},
		{ID: "R4"},
	}
	sel := Select(trade.Exchange{Type: trade.Buy, Units: 10}, snap, NewPriceHistory(100))

	require.True(t, sel.Found)
	assert.False(t, sel.Optimal)
	assert.Equal(t, messaging.AgentID("R2"), sel.Retailer)
	assert.Equal(t, trade.Exchange{Type: trade.Buy, Units: 4, Price: 150, Value: trade.Average}, sel.Counter)
}

func TestSelectSellHighestBuyPrice(t *testing.T) {
	snap := []RetailerRecord{
		{ID: "R1", Quote: quote(100, 80, 0)},
		{ID: "R2", Quote: quote(100, 95, 0)},
		{ID: "R3", Quote: quote(100, 95, 0)},
	}
	sel := Select(trade.Exchange{Type: trade.Sell, Units: 7}, snap, NewPriceHistory(100))
	require.True(t, sel.Found)
	assert.Equal(t, messaging.AgentID("R2"), sel.Retailer)
	assert.Equal(t, 95, sel.Counter.Price)
	assert.Equal(t, 7, sel.Counter.Units)
}

func TestSelectNothingQuoted(t *testing.T) {
	for _, typ := range []trade.ExchangeType{trade.Buy, trade.Sell} {
		assert.False(t, Select(trade.Exchange{Type: typ, Units: 1}, nil, nil).Found)
		assert.False(t, Select(trade.Exchange{Type: typ, Units: 1}, []RetailerRecord{{ID: "x"}}, nil).Found)
	}
}

func TestClassify(t *testing.T) {
	withAvg := func(avg int) *PriceHistory {
		h := NewPriceHistory(10)
		h.Record(avg)
		return h
	}
	cases := []struct {
		avg, price int
		want       trade.ValueClass
	}{
		{110, 100, trade.Cheap},
		{100, 100, trade.Average},
		{109, 100, trade.Average},
		{300, 100, trade.Cheap},
		{100, 101, trade.Expensive},
		{150, 149, trade.Average},
	}
	for _, c := range cases {
		t.Run(fmt.Sprintf("avg%d_price%d", c.avg, c.price), func(t *testing.T) {
			assert.Equal(t, c.want, Classify(c.price, withAvg(c.avg)))
		})
	}

	assert.Equal(t, trade.Average, Classify(100, NewPriceHistory(10)))
	assert.Equal(t, trade.Average, Classify(0, withAvg(50)))
	assert.Equal(t, trade.Average, Classify(10, nil))
}

func genSnapshot(t *rapid.T) []RetailerRecord {
	n := rapid.IntRange(1, 8).Draw(t, "n")
	out := make([]RetailerRecord, n)
	for i := range out {
		out[i] = RetailerRecord{ID: messaging.AgentID(fmt.Sprintf("R%d", i))}
		if rapid.Bool().Draw(t, "quoted") {
			out[i].Quote = quote(
				rapid.IntRange(1, 200).Draw(t, "sell"),
				rapid.IntRange(1, 200).Draw(t, "buy"),
				rapid.IntRange(0, 20).Draw(t, "units"),
			)
		}
	}
	return out
}

func TestSelectBuyProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		snap := genSnapshot(t)
		units := rapid.IntRange(1, 20).Draw(t, "request")
		sel := Select(trade.Exchange{Type: trade.Buy, Units: units}, snap, nil)

		var want *RetailerRecord
		var maxStock *RetailerRecord
		for i := range snap {
			r := &snap[i]
			if !r.Quoted() {
				continue
			}
			if r.Quote.Units >= units && (want == nil || r.Quote.SellPrice < want.Quote.SellPrice) {
				want = r
			}
			if maxStock == nil || r.Quote.Units > maxStock.Quote.Units {
				maxStock = r
			}
		}

		switch {
		case maxStock == nil:
			if sel.Found {
				t.Fatalf("found %s with nothing quoted", sel.Retailer)
			}
		case want != nil:
			if sel.Retailer != want.ID || !sel.Optimal || sel.Counter.Units != units {
				t.Fatalf("got %+v, want optimal %s", sel, want.ID)
			}
		default:
			if sel.Retailer != maxStock.ID || sel.Optimal || sel.Counter.Units != maxStock.Quote.Units {
				t.Fatalf("got %+v, want fallback %s", sel, maxStock.ID)
			}
		}
	})
}
