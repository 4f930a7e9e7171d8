// Package domain 经纪人领域模型：价格历史、零售商报价注册表与最优报价选择。
package domain

// DefaultHistoryCapacity 默认保留的最近成交价数量
const DefaultHistoryCapacity = 100

// PriceHistory 最近 N 个卖价的环形缓冲，满后淘汰最旧值
type PriceHistory struct {
	buf   []int
	start int
	size  int
	sum   int64
}

// NewPriceHistory 创建价格历史，capacity <= 0 时使用默认容量
func NewPriceHistory(capacity int) *PriceHistory {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &PriceHistory{buf: make([]int, capacity)}
}

// Record 追加一个价格
func (h *PriceHistory) Record(price int) {
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = price
		h.size++
	} else {
		h.sum -= int64(h.buf[h.start])
		h.buf[h.start] = price
		h.start = (h.start + 1) % len(h.buf)
	}
	h.sum += int64(price)
}

// Average 截断取整的均价
func (h *PriceHistory) Average() (int, error) {
	if h.size == 0 {
		return 0, ErrEmptyHistory
	}
	return int(h.sum / int64(h.size)), nil
}

// Len 当前条数
func (h *PriceHistory) Len() int { return h.size }

// Cap 容量
func (h *PriceHistory) Cap() int { return len(h.buf) }

// Values 按从旧到新返回副本
func (h *PriceHistory) Values() []int {
	out := make([]int, h.size)
	for i := range out {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}
