// Package domain 模拟零售商的库存与报价。
package domain

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/commoditybroker/internal/trade"
)

// ErrInsufficientStock 库存不足
var ErrInsufficientStock = errors.New("insufficient stock")

var (
	hundred  = decimal.NewFromInt(100)
	minPrice = decimal.NewFromInt(1)
)

// Stock 零售商库存与买卖价格
// 价格内部以 decimal 保存，报价时四舍五入为整数
type Stock struct {
	sellPrice  decimal.Decimal
	buyPrice   decimal.Decimal
	units      int
	volatility decimal.Decimal
}

// NewStock 创建库存；volatility 为单次波动上限（百分比）
func NewStock(sellPrice, buyPrice, units int, volatility float64) (*Stock, error) {
	if sellPrice <= 0 || buyPrice <= 0 {
		return nil, fmt.Errorf("prices must be positive: sell=%d buy=%d", sellPrice, buyPrice)
	}
	if units < 0 {
		return nil, fmt.Errorf("units must not be negative: %d", units)
	}
	if volatility < 0 {
		return nil, fmt.Errorf("volatility must not be negative: %v", volatility)
	}
	return &Stock{
		sellPrice:  decimal.NewFromInt(int64(sellPrice)),
		buyPrice:   decimal.NewFromInt(int64(buyPrice)),
		units:      units,
		volatility: decimal.NewFromFloat(volatility).Div(hundred),
	}, nil
}

// Quote 当前报价
func (s *Stock) Quote() trade.Quote {
	return trade.Quote{
		SellPrice: toPrice(s.sellPrice),
		BuyPrice:  toPrice(s.buyPrice),
		Units:     s.units,
	}
}

// Units 当前库存
func (s *Stock) Units() int { return s.units }

// Walk 按随机游走调整价格，买卖价同比例变动，返回报价是否变化
func (s *Stock) Walk(r *rand.Rand) bool {
	if s.volatility.IsZero() {
		return false
	}
	before := s.Quote()
	// factor ∈ [1-v, 1+v)
	shift := decimal.NewFromFloat(2*r.Float64() - 1).Mul(s.volatility)
	factor := decimal.NewFromInt(1).Add(shift)
	s.sellPrice = decimal.Max(s.sellPrice.Mul(factor), minPrice)
	s.buyPrice = decimal.Max(s.buyPrice.Mul(factor), minPrice)
	return s.Quote() != before
}

// Execute 执行一笔转发来的交易（以家庭视角）
// BUY 消耗库存并按卖出价成交，SELL 增加库存并按买入价成交
func (s *Stock) Execute(ex trade.Exchange) (trade.Exchange, error) {
	if err := ex.Validate(); err != nil {
		return trade.Exchange{}, err
	}
	out := trade.Exchange{Type: ex.Type, Units: ex.Units}
	switch ex.Type {
	case trade.Buy:
		if ex.Units > s.units {
			return trade.Exchange{}, fmt.Errorf("%w: want %d, have %d", ErrInsufficientStock, ex.Units, s.units)
		}
		s.units -= ex.Units
		out.Price = toPrice(s.sellPrice)
	case trade.Sell:
		s.units += ex.Units
		out.Price = toPrice(s.buyPrice)
	}
	return out, nil
}

func toPrice(d decimal.Decimal) int {
	return int(d.Round(0).IntPart())
}
