package domain

import (
	"github.com/shopspring/decimal"

	"github.com/wyfcoding/commoditybroker/internal/messaging"
	"github.com/wyfcoding/commoditybroker/internal/trade"
)

var (
	cheapRatio     = decimal.RequireFromString("1.1")
	expensiveRatio = decimal.RequireFromString("0.9")
)

// Selection 一次询价的选择结果
type Selection struct {
	// 被选中的零售商
	Retailer messaging.AgentID
	// 是否找到可报价的零售商
	Found bool
	// BUY 时是否满足数量要求；SELL 恒为 true
	Optimal bool
	// 返回给客户端的反报价
	Counter trade.Exchange
	// 带评级的原始请求
	Request trade.Exchange
}

// Select 在注册表快照中为请求挑选零售商
// 同价/同量时先插入者优先；未报价的零售商不参与
func Select(req trade.Exchange, snapshot []RetailerRecord, history *PriceHistory) Selection {
	sel := Selection{Request: req}

	var quoted []RetailerRecord
	for _, r := range snapshot {
		if r.Quoted() {
			quoted = append(quoted, r)
		}
	}
	if len(quoted) == 0 {
		return sel
	}

	switch req.Type {
	case trade.Sell:
		best := quoted[0]
		for _, r := range quoted[1:] {
			if r.Quote.BuyPrice > best.Quote.BuyPrice {
				best = r
			}
		}
		sel.Retailer = best.ID
		sel.Optimal = true
		sel.Counter = trade.Exchange{Type: req.Type, Units: req.Units, Price: best.Quote.BuyPrice}

	default:
		var optimal *RetailerRecord
		fallback := quoted[0]
		for i := range quoted {
			r := quoted[i]
			if r.Quote.Units >= req.Units && (optimal == nil || r.Quote.SellPrice < optimal.Quote.SellPrice) {
				optimal = &quoted[i]
			}
			if r.Quote.Units > fallback.Quote.Units {
				fallback = r
			}
		}
		if optimal != nil {
			sel.Retailer = optimal.ID
			sel.Optimal = true
			sel.Counter = trade.Exchange{Type: req.Type, Units: req.Units, Price: optimal.Quote.SellPrice}
		} else {
			sel.Retailer = fallback.ID
			sel.Counter = trade.Exchange{Type: req.Type, Units: fallback.Quote.Units, Price: fallback.Quote.SellPrice}
		}
	}

	sel.Found = true
	value := Classify(sel.Counter.Price, history)
	sel.Counter.Value = value
	sel.Request.Value = value
	return sel
}

// Classify 将价格与历史均价比较
//
//	均价/价格 >= 1.1          CHEAP（精确商）
//	trunc(均价/价格) <= 0.9    EXPENSIVE（整数商，即价格高于均价）
//	其余                       AVERAGE
func Classify(price int, history *PriceHistory) trade.ValueClass {
	if price <= 0 || history == nil {
		return trade.Average
	}
	avg, err := history.Average()
	if err != nil {
		return trade.Average
	}

	ratio := decimal.NewFromInt(int64(avg)).Div(decimal.NewFromInt(int64(price)))
	if ratio.GreaterThanOrEqual(cheapRatio) {
		return trade.Cheap
	}
	truncated := decimal.NewFromInt(int64(avg / price))
	if truncated.LessThanOrEqual(expensiveRatio) {
		return trade.Expensive
	}
	return trade.Average
}
