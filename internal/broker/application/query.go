package application

import (
	"context"

	"github.com/wyfcoding/commoditybroker/internal/broker/domain"
	"github.com/wyfcoding/commoditybroker/internal/messaging"
	"github.com/wyfcoding/commoditybroker/internal/trade"
	"github.com/wyfcoding/commoditybroker/pkg/logger"
)

// onQuery 处理 QUERY_REF：AGREE 后计算最优报价并以 INFORM 返回反报价
func (b *Broker) onQuery(ctx context.Context, m *messaging.Message) {
	b.log(">> query received", logger.ColorGreen)

	req, err := trade.DecodeExchange(m.Content)
	if err != nil {
		logger.Warn(ctx, "query not understood", "sender", m.Sender, "error", err)
		b.reply(ctx, m, messaging.NotUnderstood, Reason{Reason: domain.ErrNotUnderstood.Error()})
		b.metrics.RecordQuery(QueryNotUnderstood)
		return
	}

	b.after(StepAccept, func() {
		if b.registry.Count() == 0 {
			logger.Info(ctx, "query refused", "reason", domain.ErrNoRetailersAvailable)
			b.reply(ctx, m, messaging.Refuse, Reason{Reason: domain.ErrNoRetailersAvailable.Error()})
			b.metrics.RecordQuery(QueryRefused)
			return
		}
		b.reply(ctx, m, messaging.Agree, nil)
		b.after(StepResult, func() { b.answerQuery(ctx, m, req) })
	})
}

func (b *Broker) answerQuery(ctx context.Context, m *messaging.Message, req trade.Exchange) {
	sel := domain.Select(req, b.registry.Snapshot(), b.history)
	if !sel.Found {
		logger.Info(ctx, "no quoted retailer for query", "tracked", b.registry.Count())
		b.reply(ctx, m, messaging.Failure, Reason{Reason: "no retailer has quoted yet"})
		b.metrics.RecordQuery(QueryFailed)
		return
	}
	if b.history.Len() == 0 {
		logger.Warn(ctx, "classification defaulted to AVERAGE", "error", domain.ErrEmptyHistory)
	}

	b.selections.Add(m.ConversationID, sel)
	last := sel
	b.last = &last

	logger.Info(ctx, "offer selected",
		"retailer", sel.Retailer,
		"optimal", sel.Optimal,
		"type", sel.Counter.Type,
		"units", sel.Counter.Units,
		"price", sel.Counter.Price,
		"value", sel.Counter.Value,
	)
	b.log("<< returning best price", logger.ColorGreen)
	b.reply(ctx, m, messaging.Inform, sel.Counter)
	b.metrics.RecordQuery(QueryInformed)
}
