package directory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/wyfcoding/commoditybroker/internal/messaging"
	"github.com/wyfcoding/commoditybroker/internal/trade"
)

// Memory 进程内目录
type Memory struct {
	mu     sync.Mutex
	agents map[messaging.AgentID]Description
	subs   map[trade.ServiceType]map[*eventQueue]struct{}
}

// NewMemory 创建进程内目录
func NewMemory() *Memory {
	return &Memory{
		agents: make(map[messaging.AgentID]Description),
		subs:   make(map[trade.ServiceType]map[*eventQueue]struct{}),
	}
}

// Register 注册代理；已注册时先注销再注册，订阅方会依次收到移除与加入两个事件
func (m *Memory) Register(_ context.Context, d Description) error {
	if d.ID == "" || d.ServiceType == "" {
		return fmt.Errorf("register: id and service type are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[d.ID]; ok {
		m.deregisterLocked(d.ID)
	}
	before := m.membersLocked(d.ServiceType)
	m.agents[d.ID] = d
	m.publishLocked(d.ServiceType, before)
	return nil
}

// Deregister 注销代理
func (m *Memory) Deregister(_ context.Context, id messaging.AgentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	m.deregisterLocked(id)
	return nil
}

func (m *Memory) deregisterLocked(id messaging.AgentID) {
	d := m.agents[id]
	before := m.membersLocked(d.ServiceType)
	delete(m.agents, id)
	m.publishLocked(d.ServiceType, before)
}

// Search 按服务类型检索，结果按 ID 排序
func (m *Memory) Search(_ context.Context, serviceType trade.ServiceType) ([]Description, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Description
	for _, d := range m.agents {
		if d.ServiceType == serviceType {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, func(a, b Description) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

// Subscribe 订阅成员变化，立即推送一次当前集合
func (m *Memory) Subscribe(ctx context.Context, serviceType trade.ServiceType) (<-chan MembershipEvent, error) {
	q := newEventQueue()

	m.mu.Lock()
	members := m.membersLocked(serviceType)
	q.push(MembershipEvent{
		ServiceType: serviceType,
		Added:       sorted(members),
		Active:      sorted(members),
	})
	if m.subs[serviceType] == nil {
		m.subs[serviceType] = make(map[*eventQueue]struct{})
	}
	m.subs[serviceType][q] = struct{}{}
	m.mu.Unlock()

	go func() {
		q.run(ctx)
		m.mu.Lock()
		delete(m.subs[serviceType], q)
		m.mu.Unlock()
	}()
	return q.ch, nil
}

func (m *Memory) membersLocked(serviceType trade.ServiceType) mapset.Set[messaging.AgentID] {
	s := mapset.NewThreadUnsafeSet[messaging.AgentID]()
	for id, d := range m.agents {
		if d.ServiceType == serviceType {
			s.Add(id)
		}
	}
	return s
}

func (m *Memory) publishLocked(serviceType trade.ServiceType, before mapset.Set[messaging.AgentID]) {
	after := m.membersLocked(serviceType)
	added, removed := Diff(before, after)
	if len(added) == 0 && len(removed) == 0 {
		return
	}
	ev := MembershipEvent{
		ServiceType: serviceType,
		Added:       added,
		Removed:     removed,
		Active:      sorted(after),
	}
	for q := range m.subs[serviceType] {
		q.push(ev)
	}
}
