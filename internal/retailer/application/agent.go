// Package application 模拟零售商代理：登记到目录、推送报价并执行转发来的交易。
package application

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/wyfcoding/commoditybroker/internal/directory"
	"github.com/wyfcoding/commoditybroker/internal/messaging"
	"github.com/wyfcoding/commoditybroker/internal/retailer/domain"
	"github.com/wyfcoding/commoditybroker/internal/trade"
	"github.com/wyfcoding/commoditybroker/pkg/logger"
	"github.com/wyfcoding/commoditybroker/pkg/utils"
)

// Config 零售商配置
type Config struct {
	AgentID messaging.AgentID
	Name    string
	// 报价刷新间隔，0 表示只在订阅与成交时推送
	QuoteInterval time.Duration
}

// Option 可选项
type Option func(*Agent)

// WithActivity 设置活动日志
func WithActivity(s logger.ActivitySink) Option {
	return func(a *Agent) { a.activity = s }
}

// WithRand 设置价格游走的随机源
func WithRand(r *rand.Rand) Option {
	return func(a *Agent) { a.rng = r }
}

// Agent 零售商代理，状态只由 Run 所在协程访问
type Agent struct {
	cfg       Config
	stock     *domain.Stock
	transport messaging.Transport
	dir       directory.Directory
	activity  logger.ActivitySink
	rng       *rand.Rand
	ready     chan struct{}

	// 订阅会话 ID -> 订阅请求
	subscriptions map[string]*messaging.Message
}

// NewAgent 创建零售商
func NewAgent(cfg Config, stock *domain.Stock, transport messaging.Transport, dir directory.Directory, opts ...Option) (*Agent, error) {
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("retailer agent id is required")
	}
	if stock == nil {
		return nil, fmt.Errorf("retailer %s has no stock", cfg.AgentID)
	}
	if cfg.Name == "" {
		cfg.Name = string(cfg.AgentID)
	}
	a := &Agent{
		cfg:           cfg,
		stock:         stock,
		transport:     transport,
		dir:           dir,
		activity:      logger.Discard,
		rng:           rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
		ready:         make(chan struct{}),
		subscriptions: make(map[string]*messaging.Message),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// ID 代理 ID
func (a *Agent) ID() messaging.AgentID { return a.cfg.AgentID }

// Ready 登记完成后关闭
func (a *Agent) Ready() <-chan struct{} { return a.ready }

// Run 运行直到 ctx 结束，退出前从目录注销
func (a *Agent) Run(ctx context.Context) error {
	ctx = logger.WithAgent(ctx, string(a.cfg.AgentID))

	msgs, err := a.transport.Receive(ctx, a.cfg.AgentID)
	if err != nil {
		return fmt.Errorf("open inbox: %w", err)
	}
	err = utils.RetryWithBackoff(ctx, 5, 100*time.Millisecond, 2*time.Second, func() error {
		return a.dir.Register(ctx, directory.Description{
			ID:          a.cfg.AgentID,
			Name:        a.cfg.Name,
			ServiceType: trade.ServiceRetailer,
		})
	})
	if err != nil {
		return fmt.Errorf("register retailer: %w", err)
	}
	q := a.stock.Quote()
	logger.Info(ctx, "retailer registered", "sell_price", q.SellPrice, "buy_price", q.BuyPrice, "units", q.Units)
	a.log("open for business", logger.ColorGreen)
	close(a.ready)

	var tick <-chan time.Time
	if a.cfg.QuoteInterval > 0 {
		ticker := time.NewTicker(a.cfg.QuoteInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			a.shutdown(ctx)
			return nil
		case m, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			a.handle(ctx, m)
		case <-tick:
			if a.stock.Walk(a.rng) {
				a.publish(ctx)
			}
		}
	}
}

func (a *Agent) handle(ctx context.Context, m *messaging.Message) {
	ctx = logger.WithConversation(ctx, m.ConversationID)
	switch {
	case m.Protocol == messaging.ProtocolSubscribe && m.Performative == messaging.Subscribe:
		a.subscriptions[m.ConversationID] = m
		logger.Info(ctx, "subscriber added", "subscriber", m.Sender)
		a.send(ctx, m.Reply(a.cfg.AgentID, messaging.Agree))
		a.sendQuote(ctx, m)
	case m.Protocol == messaging.ProtocolSubscribe && m.Performative == messaging.Cancel:
		if _, ok := a.subscriptions[m.ConversationID]; ok {
			delete(a.subscriptions, m.ConversationID)
			logger.Info(ctx, "subscriber cancelled", "subscriber", m.Sender)
		}
	case m.Protocol == messaging.ProtocolRequest && m.Performative == messaging.Request:
		a.onRequest(ctx, m)
	default:
		logger.Debug(ctx, "dropping unexpected message", "message", m.String())
	}
}

func (a *Agent) onRequest(ctx context.Context, m *messaging.Message) {
	ex, err := trade.DecodeExchange(m.Content)
	if err != nil {
		logger.Warn(ctx, "request not understood", "sender", m.Sender, "error", err)
		a.replyReason(ctx, m, messaging.NotUnderstood, err.Error())
		return
	}
	done, err := a.stock.Execute(ex)
	if err != nil {
		logger.Info(ctx, "request refused", "type", ex.Type, "units", ex.Units, "error", err)
		a.log("cannot fill order", logger.ColorRed)
		a.replyReason(ctx, m, messaging.Refuse, err.Error())
		return
	}

	a.send(ctx, m.Reply(a.cfg.AgentID, messaging.Agree))
	r := m.Reply(a.cfg.AgentID, messaging.Inform)
	if err := r.SetContent(done); err != nil {
		logger.Error(ctx, "encode result failed", "error", err)
		return
	}
	a.send(ctx, r)
	logger.Info(ctx, "order filled", "type", done.Type, "units", done.Units, "price", done.Price, "stock", a.stock.Units())
	a.log(fmt.Sprintf("%s %d units @ $%d", done.Type, done.Units, done.Price), logger.ColorGreen)

	// 库存变化后推送新报价
	a.publish(ctx)
}

// publish 向所有订阅者推送当前报价
func (a *Agent) publish(ctx context.Context) {
	for _, sub := range a.subscriptions {
		a.sendQuote(ctx, sub)
	}
}

func (a *Agent) sendQuote(ctx context.Context, sub *messaging.Message) {
	r := sub.Reply(a.cfg.AgentID, messaging.Inform)
	q := a.stock.Quote()
	if err := r.SetContent(q); err != nil {
		logger.Error(ctx, "encode quote failed", "error", err)
		return
	}
	a.send(ctx, r)
	logger.Debug(ctx, "quote published", "subscriber", sub.Sender, "sell_price", q.SellPrice, "buy_price", q.BuyPrice, "units", q.Units)
}

func (a *Agent) replyReason(ctx context.Context, m *messaging.Message, p messaging.Performative, reason string) {
	r := m.Reply(a.cfg.AgentID, p)
	_ = r.SetContent(map[string]string{"reason": reason})
	a.send(ctx, r)
}

func (a *Agent) send(ctx context.Context, m *messaging.Message) {
	if err := a.transport.Send(ctx, m); err != nil {
		logger.Warn(ctx, "send failed", "message", m.String(), "error", err)
	}
}

func (a *Agent) log(text string, c logger.Color) {
	a.activity.Log(string(a.cfg.AgentID), a.cfg.Name, text, c)
}

func (a *Agent) shutdown(ctx context.Context) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := a.dir.Deregister(sctx, a.cfg.AgentID); err != nil && !errors.Is(err, directory.ErrNotRegistered) {
		logger.Warn(sctx, "deregister retailer failed", "error", err)
	}
	a.log("closed", logger.ColorRed)
}
