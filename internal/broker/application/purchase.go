package application

import (
	"context"
	"encoding/json"
	"time"

	"github.com/wyfcoding/commoditybroker/internal/broker/domain"
	"github.com/wyfcoding/commoditybroker/internal/messaging"
	"github.com/wyfcoding/commoditybroker/internal/trade"
	"github.com/wyfcoding/commoditybroker/pkg/logger"
)

// forward 一次进行中的转发，按转发会话 ID 索引
type forward struct {
	origin         *messaging.Message
	target         messaging.AgentID
	conversationID string
	started        time.Time
	timer          *time.Timer
	agreed         bool
}

// onPurchase 处理 REQUEST：AGREE 后转发给询价时选中的零售商，并把结果回传给发起方
func (b *Broker) onPurchase(ctx context.Context, m *messaging.Message) {
	b.log(">> received request", logger.ColorGreen)

	if _, err := trade.DecodeExchange(m.Content); err != nil {
		logger.Warn(ctx, "purchase not understood", "sender", m.Sender, "error", err)
		b.reply(ctx, m, messaging.NotUnderstood, Reason{Reason: domain.ErrNotUnderstood.Error()})
		b.metrics.RecordPurchase(PurchaseNotUnderstood, 0)
		return
	}

	b.after(StepAccept, func() {
		if b.registry.Count() == 0 {
			logger.Info(ctx, "purchase refused", "reason", domain.ErrNoRetailersAvailable)
			b.reply(ctx, m, messaging.Refuse, Reason{Reason: domain.ErrNoRetailersAvailable.Error()})
			b.metrics.RecordPurchase(PurchaseRefused, 0)
			return
		}
		b.reply(ctx, m, messaging.Agree, nil)
		b.forward(ctx, m)
	})
}

// resolveTarget 优先使用同一会话的询价结果，否则退回最近一次询价结果
func (b *Broker) resolveTarget(conversationID string) (domain.Selection, bool) {
	if sel, ok := b.selections.Get(conversationID); ok {
		return sel, true
	}
	if b.last != nil {
		return *b.last, true
	}
	return domain.Selection{}, false
}

func (b *Broker) forward(ctx context.Context, origin *messaging.Message) {
	sel, ok := b.resolveTarget(origin.ConversationID)
	if !ok {
		logger.Warn(ctx, "purchase has no target", "error", domain.ErrNoSelection)
		b.log("Failed to\nforward request >>", logger.ColorRed)
		b.log("brokerage failed", logger.ColorRed)
		b.after(StepResult, func() {
			b.reply(ctx, origin, messaging.Failure, Reason{Reason: domain.ErrNoSelection.Error()})
		})
		b.metrics.RecordPurchase(PurchaseFailed, 0)
		return
	}

	out := messaging.NewMessage(messaging.Request, messaging.ProtocolRequest, b.cfg.AgentID, sel.Retailer)
	out.Content = append(json.RawMessage(nil), origin.Content...)
	out.ReplyBy = origin.ReplyBy

	timeout := b.cfg.PurchaseTimeout
	if !origin.ReplyBy.IsZero() {
		timeout = time.Until(origin.ReplyBy)
	}

	f := &forward{
		origin:         origin,
		target:         sel.Retailer,
		conversationID: out.ConversationID,
		started:        time.Now(),
	}
	b.pending[f.conversationID] = f
	f.timer = time.AfterFunc(timeout, func() {
		b.post(func() { b.onForwardTimeout(ctx, f.conversationID) })
	})

	logger.Info(ctx, "forwarding purchase", "retailer", sel.Retailer, "forward_conversation_id", out.ConversationID, "timeout", timeout)
	b.log("forwarding request >>"+string(sel.Retailer), logger.ColorGreen)
	if err := b.send(ctx, out); err != nil {
		b.log("Failed to\nforward request >>", logger.ColorRed)
		b.complete(ctx, f, messaging.Failure, Reason{Reason: "forward failed: " + err.Error()}, PurchaseFailed)
	}
}

func (b *Broker) onForwardReply(ctx context.Context, f *forward, m *messaging.Message) {
	if m.Sender != f.target {
		logger.Debug(ctx, "dropping reply from unexpected sender", "sender", m.Sender, "target", f.target)
		return
	}
	switch m.Performative {
	case messaging.Agree:
		f.agreed = true
		logger.Debug(ctx, "retailer agreed", "retailer", m.Sender)
	case messaging.Inform:
		b.complete(ctx, f, messaging.Inform, m.Content, PurchaseSucceeded)
	case messaging.Refuse:
		b.complete(ctx, f, messaging.Failure, Reason{Reason: "retailer refused"}, PurchaseRefused)
	case messaging.NotUnderstood, messaging.Failure:
		b.complete(ctx, f, messaging.Failure, Reason{Reason: "retailer replied " + string(m.Performative)}, PurchaseFailed)
	default:
		logger.Debug(ctx, "dropping unexpected forward reply", "message", m.String())
	}
}

func (b *Broker) onForwardTimeout(ctx context.Context, conversationID string) {
	f, ok := b.pending[conversationID]
	if !ok {
		return
	}
	logger.Warn(ctx, "forwarded purchase timed out", "retailer", f.target, "agreed", f.agreed, "error", domain.ErrTimeout)
	b.complete(ctx, f, messaging.Failure, Reason{Reason: domain.ErrTimeout.Error()}, PurchaseTimedOut)
}

// complete 结束一次转发并通知发起方，之后到达的零售商回复会被丢弃
func (b *Broker) complete(ctx context.Context, f *forward, p messaging.Performative, content any, outcome string) {
	f.timer.Stop()
	delete(b.pending, f.conversationID)
	b.metrics.RecordPurchase(outcome, time.Since(f.started))

	if p == messaging.Inform {
		b.log("brokerage successful", logger.ColorGreen)
	} else {
		b.log("brokerage failed", logger.ColorRed)
	}
	b.after(StepResult, func() { b.reply(ctx, f.origin, p, content) })
}
