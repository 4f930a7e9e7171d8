package domain

import (
	"github.com/wyfcoding/commoditybroker/internal/messaging"
	"github.com/wyfcoding/commoditybroker/internal/trade"
)

// RetailerRecord 注册表条目，Quote 为空表示已订阅但尚未收到报价
type RetailerRecord struct {
	ID    messaging.AgentID
	Quote *trade.Quote
}

// Quoted 是否已有报价
func (r RetailerRecord) Quoted() bool { return r.Quote != nil }

// RetailerRegistry 零售商报价注册表，保持首次插入顺序
// 非并发安全，只由经纪人协程访问
type RetailerRegistry struct {
	index map[messaging.AgentID]int
	items []RetailerRecord
}

// NewRetailerRegistry 创建空注册表
func NewRetailerRegistry() *RetailerRegistry {
	return &RetailerRegistry{index: make(map[messaging.AgentID]int)}
}

// Track 登记一个尚无报价的零售商；已存在时不变
func (r *RetailerRegistry) Track(id messaging.AgentID) bool {
	if _, ok := r.index[id]; ok {
		return false
	}
	r.index[id] = len(r.items)
	r.items = append(r.items, RetailerRecord{ID: id})
	return true
}

// Upsert 插入或覆盖报价；覆盖时保留原位置
func (r *RetailerRegistry) Upsert(id messaging.AgentID, q trade.Quote) {
	if i, ok := r.index[id]; ok {
		r.items[i].Quote = &q
		return
	}
	r.index[id] = len(r.items)
	r.items = append(r.items, RetailerRecord{ID: id, Quote: &q})
}

// Remove 删除条目，不存在时无操作
func (r *RetailerRegistry) Remove(id messaging.AgentID) bool {
	i, ok := r.index[id]
	if !ok {
		return false
	}
	r.items = append(r.items[:i], r.items[i+1:]...)
	delete(r.index, id)
	for j := i; j < len(r.items); j++ {
		r.index[r.items[j].ID] = j
	}
	return true
}

// Count 条目数
func (r *RetailerRegistry) Count() int { return len(r.items) }

// Contains 是否已登记
func (r *RetailerRegistry) Contains(id messaging.AgentID) bool {
	_, ok := r.index[id]
	return ok
}

// Get 查询单个条目
func (r *RetailerRegistry) Get(id messaging.AgentID) (RetailerRecord, bool) {
	i, ok := r.index[id]
	if !ok {
		return RetailerRecord{}, false
	}
	return r.items[i], true
}

// IDs 按插入顺序返回所有 ID
func (r *RetailerRegistry) IDs() []messaging.AgentID {
	out := make([]messaging.AgentID, len(r.items))
	for i, it := range r.items {
		out[i] = it.ID
	}
	return out
}

// Snapshot 按插入顺序返回副本，报价同样被复制
func (r *RetailerRegistry) Snapshot() []RetailerRecord {
	out := make([]RetailerRecord, len(r.items))
	for i, it := range r.items {
		out[i] = RetailerRecord{ID: it.ID}
		if it.Quote != nil {
			q := *it.Quote
			out[i].Quote = &q
		}
	}
	return out
}
