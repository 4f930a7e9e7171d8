// Package trade 定义经纪人、零售商与家庭客户之间共享的交易词汇：报价、交易请求及服务类型。
package trade

import (
	"encoding/json"
	"fmt"
)

// ServiceType 目录服务中登记的服务类型
type ServiceType string

const (
	ServiceRetailer ServiceType = "RETAILER" // 零售商
	ServiceBroker   ServiceType = "BROKER"   // 经纪人
)

// ExchangeType 交易方向（以家庭客户视角）
type ExchangeType string

const (
	Buy  ExchangeType = "BUY"  // 家庭买入，零售商卖出
	Sell ExchangeType = "SELL" // 家庭卖出，零售商买入
)

// Valid 判断交易方向是否合法
func (t ExchangeType) Valid() bool {
	return t == Buy || t == Sell
}

// ValueClass 价格相对历史均价的评级
type ValueClass string

const (
	Cheap     ValueClass = "CHEAP"
	Average   ValueClass = "AVERAGE"
	Expensive ValueClass = "EXPENSIVE"
)

// Quote 零售商报价
// 收到后不可变，同一零售商的下一次报价整体替换（不做字段合并）
type Quote struct {
	SellPrice int `json:"sell_price"` // 零售商卖出价（家庭买入价）
	BuyPrice  int `json:"buy_price"`  // 零售商买入价（家庭卖出价）
	Units     int `json:"units"`      // 可用库存
}

// Exchange 交易请求/响应信封
// 由发起方创建请求，经纪人填充 Price 与 Value 作为响应，仅在一次问答周期内使用
type Exchange struct {
	Type  ExchangeType `json:"type"`
	Units int          `json:"units"`
	Price int          `json:"price"`
	Value ValueClass   `json:"value,omitempty"`
}

// Validate 校验交易请求
func (e *Exchange) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("invalid exchange type %q", e.Type)
	}
	if e.Units <= 0 {
		return fmt.Errorf("invalid units %d", e.Units)
	}
	return nil
}

// EncodeQuote 编码报价负载
func EncodeQuote(q Quote) (json.RawMessage, error) {
	return json.Marshal(q)
}

// DecodeQuote 解码报价负载
func DecodeQuote(data []byte) (Quote, error) {
	var q Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return Quote{}, fmt.Errorf("decode quote: %w", err)
	}
	if q.Units < 0 || q.SellPrice < 0 || q.BuyPrice < 0 {
		return Quote{}, fmt.Errorf("decode quote: negative field in %+v", q)
	}
	return q, nil
}

// EncodeExchange 编码交易负载
func EncodeExchange(e Exchange) (json.RawMessage, error) {
	return json.Marshal(e)
}

// DecodeExchange 解码并校验交易负载
func DecodeExchange(data []byte) (Exchange, error) {
	var e Exchange
	if err := json.Unmarshal(data, &e); err != nil {
		return Exchange{}, fmt.Errorf("decode exchange: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Exchange{}, fmt.Errorf("decode exchange: %w", err)
	}
	return e, nil
}
