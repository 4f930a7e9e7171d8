package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wyfcoding/commoditybroker/internal/broker/domain"
	"github.com/wyfcoding/commoditybroker/internal/messaging"
	"github.com/wyfcoding/commoditybroker/internal/trade"
	"github.com/wyfcoding/commoditybroker/pkg/logger"
)

var (
	// ErrRefused 经纪人拒绝请求
	ErrRefused = errors.New("request refused")
	// ErrFailed 请求已被接受但最终失败
	ErrFailed = errors.New("request failed")
	// ErrConversationBusy 同一会话已有请求在等待答复
	ErrConversationBusy = errors.New("conversation already in progress")
)

// Outcome 一次请求的最终结果
type Outcome struct {
	ConversationID string
	Agreed         bool
	Exchange       trade.Exchange
}

// Initiator 家庭侧的请求发起方：发送询价/购买并按会话 ID 分派回复
type Initiator struct {
	id        messaging.AgentID
	broker    messaging.AgentID
	transport messaging.Transport

	mu      sync.Mutex
	waiters map[string]chan *messaging.Message
}

// NewInitiator 创建发起方
func NewInitiator(id, broker messaging.AgentID, transport messaging.Transport) *Initiator {
	return &Initiator{
		id:        id,
		broker:    broker,
		transport: transport,
		waiters:   make(map[string]chan *messaging.Message),
	}
}

// Start 打开收件箱并在后台分派回复，ctx 结束时停止
func (i *Initiator) Start(ctx context.Context) error {
	msgs, err := i.transport.Receive(ctx, i.id)
	if err != nil {
		return fmt.Errorf("open inbox: %w", err)
	}
	go func() {
		for m := range msgs {
			i.mu.Lock()
			ch, ok := i.waiters[m.ConversationID]
			i.mu.Unlock()
			if !ok {
				logger.Debug(ctx, "reply for unknown conversation", "message", m.String())
				continue
			}
			select {
			case ch <- m:
			default:
				logger.Warn(ctx, "reply dropped, waiter is full", "message", m.String())
			}
		}
	}()
	return nil
}

// Query 询价，返回经纪人的反报价
func (i *Initiator) Query(ctx context.Context, ex trade.Exchange) (*Outcome, error) {
	m := messaging.NewMessage(messaging.QueryRef, messaging.ProtocolRequest, i.id, i.broker)
	return i.roundTrip(ctx, m, ex)
}

// Purchase 购买/出售；conversationID 为询价返回的会话 ID，为空时由经纪人使用最近一次询价结果
func (i *Initiator) Purchase(ctx context.Context, conversationID string, ex trade.Exchange, replyBy time.Time) (*Outcome, error) {
	m := messaging.NewMessage(messaging.Request, messaging.ProtocolRequest, i.id, i.broker)
	if conversationID != "" {
		m.ConversationID = conversationID
	}
	m.ReplyBy = replyBy
	return i.roundTrip(ctx, m, ex)
}

func (i *Initiator) roundTrip(ctx context.Context, m *messaging.Message, ex trade.Exchange) (*Outcome, error) {
	if err := m.SetContent(ex); err != nil {
		return nil, err
	}
	ch := make(chan *messaging.Message, 4)
	i.mu.Lock()
	if _, busy := i.waiters[m.ConversationID]; busy {
		i.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrConversationBusy, m.ConversationID)
	}
	i.waiters[m.ConversationID] = ch
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		delete(i.waiters, m.ConversationID)
		i.mu.Unlock()
	}()

	if err := i.transport.Send(ctx, m); err != nil {
		return nil, fmt.Errorf("send %s: %w", m.Performative, err)
	}

	out := &Outcome{ConversationID: m.ConversationID}
	for {
		select {
		case <-ctx.Done():
			return out, fmt.Errorf("%w: %v", domain.ErrTimeout, ctx.Err())
		case r := <-ch:
			switch r.Performative {
			case messaging.Agree:
				out.Agreed = true
			case messaging.Inform:
				if len(r.Content) > 0 {
					if err := json.Unmarshal(r.Content, &out.Exchange); err != nil {
						return out, fmt.Errorf("decode result: %w", err)
					}
				}
				return out, nil
			case messaging.Refuse:
				return out, fmt.Errorf("%w: %s", ErrRefused, reasonOf(r))
			case messaging.NotUnderstood:
				return out, fmt.Errorf("%w: %s", domain.ErrNotUnderstood, reasonOf(r))
			case messaging.Failure:
				reason := reasonOf(r)
				if reason == domain.ErrTimeout.Error() {
					return out, fmt.Errorf("%w: %w", ErrFailed, domain.ErrTimeout)
				}
				return out, fmt.Errorf("%w: %s", ErrFailed, reason)
			}
		}
	}
}

func reasonOf(m *messaging.Message) string {
	var r Reason
	if err := json.Unmarshal(m.Content, &r); err != nil || r.Reason == "" {
		return string(m.Performative)
	}
	return r.Reason
}
