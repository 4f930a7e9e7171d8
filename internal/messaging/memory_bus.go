package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// MemoryBus 进程内消息总线
// 每个代理一个带缓冲的收件箱；Send 按接收方逐个投递消息副本
type MemoryBus struct {
	mu      sync.RWMutex
	boxes   map[AgentID]*mailbox
	bufSize int
}

type mailbox struct {
	in   chan *Message
	done chan struct{}
}

// NewMemoryBus 创建进程内总线，bufSize 为每个收件箱的缓冲大小
func NewMemoryBus(bufSize int) *MemoryBus {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemoryBus{
		boxes:   make(map[AgentID]*mailbox),
		bufSize: bufSize,
	}
}

// Receive 打开收件箱
func (b *MemoryBus) Receive(ctx context.Context, agent AgentID) (<-chan *Message, error) {
	b.mu.Lock()
	if _, ok := b.boxes[agent]; ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyReceiving, agent)
	}
	box := &mailbox{
		in:   make(chan *Message, b.bufSize),
		done: make(chan struct{}),
	}
	b.boxes[agent] = box
	b.mu.Unlock()

	out := make(chan *Message)
	go func() {
		defer close(out)
		defer func() {
			b.mu.Lock()
			delete(b.boxes, agent)
			b.mu.Unlock()
			close(box.done)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-box.in:
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Send 投递消息；任一接收方不存在时返回 ErrUnknownAgent，其余接收方照常投递
func (b *MemoryBus) Send(ctx context.Context, msg *Message) error {
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	var errs []error
	for _, to := range msg.Receivers {
		b.mu.RLock()
		box, ok := b.boxes[to]
		b.mu.RUnlock()
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownAgent, to))
			continue
		}
		select {
		case box.in <- msg.Clone():
		case <-box.done:
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownAgent, to))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.Join(errs...)
}

// Agents 当前在线的代理
func (b *MemoryBus) Agents() []AgentID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]AgentID, 0, len(b.boxes))
	for id := range b.boxes {
		ids = append(ids, id)
	}
	return ids
}
