package application

import (
	"github.com/wyfcoding/commoditybroker/internal/messaging"
	"github.com/wyfcoding/commoditybroker/internal/trade"
)

// RetailerState 零售商订阅状态
type RetailerState string

const (
	StateUnknown   RetailerState = "UNKNOWN"
	StateNoQuote   RetailerState = "SUBSCRIBED_NO_QUOTE"
	StateWithQuote RetailerState = "SUBSCRIBED_WITH_QUOTE"
)

// Reason REFUSE/FAILURE/NOT_UNDERSTOOD 的负载
type Reason struct {
	Reason string `json:"reason"`
}

// RetailerView 注册表中的零售商
type RetailerView struct {
	ID    messaging.AgentID `json:"id"`
	State RetailerState     `json:"state"`
	Quote *trade.Quote      `json:"quote,omitempty"`
}

// Snapshot 经纪人状态快照
type Snapshot struct {
	Retailers        []RetailerView `json:"retailers"`
	History          []int          `json:"history"`
	HistoryCapacity  int            `json:"history_capacity"`
	Average          int            `json:"average"`
	HasAverage       bool           `json:"has_average"`
	SubscriptionID   string         `json:"subscription_id,omitempty"`
	PendingPurchases int            `json:"pending_purchases"`
	CachedSelections int            `json:"cached_selections"`
}

// State 查询零售商状态
func (s Snapshot) State(id messaging.AgentID) RetailerState {
	for _, r := range s.Retailers {
		if r.ID == id {
			return r.State
		}
	}
	return StateUnknown
}
