package application

import (
	"context"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/wyfcoding/commoditybroker/internal/directory"
	"github.com/wyfcoding/commoditybroker/internal/messaging"
	"github.com/wyfcoding/commoditybroker/internal/trade"
	"github.com/wyfcoding/commoditybroker/pkg/logger"
)

// subscription 当前唯一的报价订阅
type subscription struct {
	conversationID string
	receivers      []messaging.AgentID
}

// onMembership 按目录中的零售商集合调整注册表；集合变化时重建报价订阅
func (b *Broker) onMembership(ctx context.Context, ev directory.MembershipEvent) {
	if ev.ServiceType != trade.ServiceRetailer {
		return
	}
	active := mapset.NewThreadUnsafeSet(ev.Active...)
	tracked := mapset.NewThreadUnsafeSet(b.registry.IDs()...)
	added, removed := directory.Diff(tracked, active)
	if len(added) == 0 && len(removed) == 0 {
		return
	}

	wasEmpty := b.registry.Count() == 0
	for _, id := range added {
		b.registry.Track(id)
		logger.Info(ctx, "new retailer", "retailer", id)
		b.log("new retailer detected", logger.ColorBlue)
	}
	if wasEmpty && len(added) > 0 {
		b.log("listening for\nprice changes...", logger.ColorBlue)
	}
	for _, id := range removed {
		b.registry.Remove(id)
		logger.Info(ctx, "retailer left", "retailer", id)
		b.log("stopped listening...", logger.ColorRed)
	}
	b.metrics.SetActiveRetailers(b.registry.Count())

	b.resubscribe(ctx)
}

// resubscribe 取消旧订阅并向当前全部零售商发起新订阅
func (b *Broker) resubscribe(ctx context.Context) {
	b.cancelSubscription(ctx)

	ids := b.registry.IDs()
	if len(ids) == 0 {
		return
	}
	m := messaging.NewMessage(messaging.Subscribe, messaging.ProtocolSubscribe, b.cfg.AgentID, ids...)
	b.sub = subscription{conversationID: m.ConversationID, receivers: ids}
	if err := b.send(ctx, m); err != nil {
		logger.Warn(ctx, "price subscription incomplete", "conversation_id", m.ConversationID, "error", err)
	}
}

func (b *Broker) cancelSubscription(ctx context.Context) {
	if b.sub.conversationID == "" {
		return
	}
	m := messaging.NewMessage(messaging.Cancel, messaging.ProtocolSubscribe, b.cfg.AgentID, b.sub.receivers...)
	m.ConversationID = b.sub.conversationID
	// 已离开的零售商可能收不到，忽略错误
	_ = b.send(ctx, m)
	b.sub = subscription{}
}

func (b *Broker) onSubscriptionMessage(ctx context.Context, m *messaging.Message) {
	switch m.Performative {
	case messaging.Inform:
		b.onQuote(ctx, m)
	case messaging.Agree:
		logger.Debug(ctx, "price subscription accepted", "retailer", m.Sender)
	case messaging.Refuse, messaging.Failure, messaging.NotUnderstood:
		logger.Warn(ctx, "price subscription rejected", "retailer", m.Sender, "performative", m.Performative)
	default:
		logger.Debug(ctx, "dropping subscription message", "message", m.String())
	}
}

// onQuote 只接受当前订阅会话中已登记零售商的报价
func (b *Broker) onQuote(ctx context.Context, m *messaging.Message) {
	if b.sub.conversationID == "" || m.ConversationID != b.sub.conversationID || !b.registry.Contains(m.Sender) {
		logger.Debug(ctx, "dropping stale quote", "retailer", m.Sender)
		return
	}
	q, err := trade.DecodeQuote(m.Content)
	if err != nil {
		logger.Warn(ctx, "undecodable quote", "retailer", m.Sender, "error", err)
		return
	}

	if b.state(m.Sender) == StateNoQuote {
		logger.Info(ctx, "first quote received", "retailer", m.Sender)
	}
	b.registry.Upsert(m.Sender, q)
	b.history.Record(q.SellPrice)
	avg, err := b.history.Average()
	b.metrics.RecordPriceUpdate(avg, err == nil)

	b.log(fmt.Sprintf("%s price now $%d/unit", m.Sender, q.SellPrice), logger.ColorBlue)
}
