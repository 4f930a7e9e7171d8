// Package directory 提供代理服务目录：按服务类型注册、检索与订阅成员变化。
package directory

import (
	"context"
	"errors"
	"slices"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/wyfcoding/commoditybroker/internal/messaging"
	"github.com/wyfcoding/commoditybroker/internal/trade"
)

// ErrNotRegistered 代理未注册
var ErrNotRegistered = errors.New("agent not registered")

// Description 目录中的代理描述
type Description struct {
	ID          messaging.AgentID `json:"id"`
	Name        string            `json:"name"`
	ServiceType trade.ServiceType `json:"service_type"`
}

// MembershipEvent 某服务类型的成员变化
// Active 为变化后的完整成员集合（有序），订阅建立时会先推送一次当前集合
type MembershipEvent struct {
	ServiceType trade.ServiceType
	Added       []messaging.AgentID
	Removed     []messaging.AgentID
	Active      []messaging.AgentID
}

// Directory 服务目录
type Directory interface {
	// Register 注册代理；已注册时先注销再注册
	Register(ctx context.Context, d Description) error
	// Deregister 注销代理
	Deregister(ctx context.Context, id messaging.AgentID) error
	// Search 按服务类型检索
	Search(ctx context.Context, serviceType trade.ServiceType) ([]Description, error)
	// Subscribe 订阅成员变化，ctx 结束时通道关闭
	Subscribe(ctx context.Context, serviceType trade.ServiceType) (<-chan MembershipEvent, error)
}

// Diff 计算两个成员集合的差异
func Diff(prev, next mapset.Set[messaging.AgentID]) (added, removed []messaging.AgentID) {
	added = sorted(next.Difference(prev))
	removed = sorted(prev.Difference(next))
	return added, removed
}

func sorted(s mapset.Set[messaging.AgentID]) []messaging.AgentID {
	out := s.ToSlice()
	slices.Sort(out)
	return out
}

// eventQueue 无界、保序的事件队列，推送方永不阻塞
type eventQueue struct {
	ch     chan MembershipEvent
	notify chan struct{}

	mu    sync.Mutex
	items []MembershipEvent
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		ch:     make(chan MembershipEvent),
		notify: make(chan struct{}, 1),
	}
	return q
}

func (q *eventQueue) push(ev MembershipEvent) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pop() (MembershipEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return MembershipEvent{}, false
	}
	ev := q.items[0]
	q.items = q.items[1:]
	return ev, true
}

// run 把队列内容转发到 ch，ctx 结束时关闭 ch
func (q *eventQueue) run(ctx context.Context) {
	defer close(q.ch)
	for {
		for {
			ev, ok := q.pop()
			if !ok {
				break
			}
			select {
			case q.ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return
		}
	}
}
