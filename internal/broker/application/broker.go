// Package application 经纪人代理：订阅零售商报价、响应询价并转发购买请求。
//
// 所有状态（注册表、价格历史、询价缓存、进行中的转发）只由 Run 所在的协程修改，
// 目录事件、入站消息、超时与延迟后续处理都经由同一个事件循环串行执行。
package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/wyfcoding/commoditybroker/internal/broker/domain"
	"github.com/wyfcoding/commoditybroker/internal/directory"
	"github.com/wyfcoding/commoditybroker/internal/messaging"
	"github.com/wyfcoding/commoditybroker/internal/trade"
	"github.com/wyfcoding/commoditybroker/pkg/logger"
	"github.com/wyfcoding/commoditybroker/pkg/utils"
)

// ErrStopped 经纪人已停止
var ErrStopped = errors.New("broker stopped")

// Config 经纪人配置
type Config struct {
	AgentID            messaging.AgentID
	Name               string
	HistoryCapacity    int
	PurchaseTimeout    time.Duration
	SelectionCacheSize int
}

// Option 可选项
type Option func(*Broker)

// WithDelayPolicy 设置处理延迟
func WithDelayPolicy(p DelayPolicy) Option {
	return func(b *Broker) { b.delay = p }
}

// WithActivity 设置活动日志
func WithActivity(s logger.ActivitySink) Option {
	return func(b *Broker) { b.activity = s }
}

// WithMetrics 设置指标采集
func WithMetrics(m MetricsRecorder) Option {
	return func(b *Broker) { b.metrics = m }
}

// Broker 经纪人代理
type Broker struct {
	cfg       Config
	transport messaging.Transport
	dir       directory.Directory
	delay     DelayPolicy
	activity  logger.ActivitySink
	metrics   MetricsRecorder

	inbox chan func()
	ready chan struct{}
	done  chan struct{}

	// 以下字段只在事件循环中访问
	registry   *domain.RetailerRegistry
	history    *domain.PriceHistory
	selections *lru.Cache[string, domain.Selection]
	last       *domain.Selection
	sub        subscription
	pending    map[string]*forward
}

// NewBroker 创建经纪人
func NewBroker(cfg Config, transport messaging.Transport, dir directory.Directory, opts ...Option) (*Broker, error) {
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("broker agent id is required")
	}
	if cfg.Name == "" {
		cfg.Name = string(cfg.AgentID)
	}
	if cfg.PurchaseTimeout <= 0 {
		cfg.PurchaseTimeout = 5 * time.Second
	}
	if cfg.SelectionCacheSize <= 0 {
		cfg.SelectionCacheSize = 1024
	}
	selections, err := lru.New[string, domain.Selection](cfg.SelectionCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create selection cache: %w", err)
	}

	b := &Broker{
		cfg:        cfg,
		transport:  transport,
		dir:        dir,
		delay:      NoDelay{},
		activity:   logger.Discard,
		metrics:    noopMetrics{},
		inbox:      make(chan func(), 64),
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
		registry:   domain.NewRetailerRegistry(),
		history:    domain.NewPriceHistory(cfg.HistoryCapacity),
		selections: selections,
		pending:    make(map[string]*forward),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// ID 代理 ID
func (b *Broker) ID() messaging.AgentID { return b.cfg.AgentID }

// Ready 注册完成、开始处理消息后关闭
func (b *Broker) Ready() <-chan struct{} { return b.ready }

// Run 运行事件循环直到 ctx 结束
func (b *Broker) Run(ctx context.Context) error {
	ctx = logger.WithAgent(ctx, string(b.cfg.AgentID))

	msgs, err := b.transport.Receive(ctx, b.cfg.AgentID)
	if err != nil {
		return fmt.Errorf("open inbox: %w", err)
	}
	events, err := b.dir.Subscribe(ctx, trade.ServiceRetailer)
	if err != nil {
		return fmt.Errorf("subscribe to retailers: %w", err)
	}

	b.log("created", logger.ColorGreen)
	err = utils.RetryWithBackoff(ctx, 5, 100*time.Millisecond, 2*time.Second, func() error {
		return b.dir.Register(ctx, directory.Description{
			ID:          b.cfg.AgentID,
			Name:        b.cfg.Name,
			ServiceType: trade.ServiceBroker,
		})
	})
	if err != nil {
		b.log("Failed registering with directory", logger.ColorRed)
		return fmt.Errorf("register broker: %w", err)
	}
	logger.Info(ctx, "broker registered", "name", b.cfg.Name)

	b.log("awaiting queries...", logger.ColorOrange)
	b.log("awaiting requests...", logger.ColorOrange)
	close(b.ready)
	defer close(b.done)

	for {
		select {
		case <-ctx.Done():
			b.shutdown(ctx)
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			b.onMembership(ctx, ev)
		case m, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			b.dispatch(ctx, m)
		case fn := <-b.inbox:
			fn()
		}
	}
}

var (
	isQuery    = messaging.And(messaging.MatchProtocol(messaging.ProtocolRequest), messaging.MatchPerformative(messaging.QueryRef))
	isPurchase = messaging.And(messaging.MatchProtocol(messaging.ProtocolRequest), messaging.MatchPerformative(messaging.Request))
)

func (b *Broker) dispatch(ctx context.Context, m *messaging.Message) {
	ctx = logger.WithConversation(ctx, m.ConversationID)

	if f, ok := b.pending[m.ConversationID]; ok {
		b.onForwardReply(ctx, f, m)
		return
	}
	switch {
	case isQuery(m):
		b.onQuery(ctx, m)
	case isPurchase(m):
		b.onPurchase(ctx, m)
	case m.Protocol == messaging.ProtocolSubscribe:
		b.onSubscriptionMessage(ctx, m)
	default:
		logger.Debug(ctx, "dropping unexpected message", "message", m.String())
	}
}

// post 把任务投递回事件循环；循环已退出时丢弃
func (b *Broker) post(fn func()) {
	select {
	case b.inbox <- fn:
	case <-b.done:
	}
}

// after 按延迟策略执行 fn：无延迟时立即执行，否则由定时器投递回事件循环
func (b *Broker) after(step Step, fn func()) {
	d := b.delay.Delay(step)
	if d <= 0 {
		fn()
		return
	}
	time.AfterFunc(d, func() { b.post(fn) })
}

func (b *Broker) send(ctx context.Context, m *messaging.Message) error {
	if err := b.transport.Send(ctx, m); err != nil {
		logger.Warn(ctx, "send failed", "message", m.String(), "error", err)
		return err
	}
	return nil
}

// reply 回复 req；content 为 json.RawMessage 时原样透传
func (b *Broker) reply(ctx context.Context, req *messaging.Message, p messaging.Performative, content any) {
	r := req.Reply(b.cfg.AgentID, p)
	switch c := content.(type) {
	case nil:
	case json.RawMessage:
		if len(c) > 0 {
			r.Content = append(json.RawMessage(nil), c...)
		}
	default:
		if err := r.SetContent(c); err != nil {
			logger.Error(ctx, "encode reply failed", "error", err)
			return
		}
	}
	_ = b.send(ctx, r)
}

func (b *Broker) log(text string, c logger.Color) {
	b.activity.Log(string(b.cfg.AgentID), b.cfg.Name, text, c)
}

func (b *Broker) shutdown(ctx context.Context) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	defer logger.LogDuration(sctx, "broker stopped", "pending", len(b.pending))()

	b.cancelSubscription(sctx)
	for conv, f := range b.pending {
		f.timer.Stop()
		delete(b.pending, conv)
		b.reply(sctx, f.origin, messaging.Failure, Reason{Reason: ErrStopped.Error()})
	}
	if err := b.dir.Deregister(sctx, b.cfg.AgentID); err != nil && !errors.Is(err, directory.ErrNotRegistered) {
		logger.Warn(sctx, "deregister broker failed", "error", err)
	}
	b.log("shutdown", logger.ColorRed)
}

// Inspect 获取当前状态快照，经由事件循环读取
func (b *Broker) Inspect(ctx context.Context) (Snapshot, error) {
	out := make(chan Snapshot, 1)
	select {
	case b.inbox <- func() { out <- b.snapshot() }:
	case <-b.done:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case s := <-out:
		return s, nil
	case <-b.done:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (b *Broker) snapshot() Snapshot {
	s := Snapshot{
		History:          b.history.Values(),
		HistoryCapacity:  b.history.Cap(),
		SubscriptionID:   b.sub.conversationID,
		PendingPurchases: len(b.pending),
		CachedSelections: b.selections.Len(),
	}
	if avg, err := b.history.Average(); err == nil {
		s.Average, s.HasAverage = avg, true
	}
	for _, r := range b.registry.Snapshot() {
		s.Retailers = append(s.Retailers, RetailerView{ID: r.ID, State: stateOf(r, true), Quote: r.Quote})
	}
	return s
}

// state 零售商订阅状态
func (b *Broker) state(id messaging.AgentID) RetailerState {
	r, ok := b.registry.Get(id)
	return stateOf(r, ok)
}

func stateOf(r domain.RetailerRecord, tracked bool) RetailerState {
	switch {
	case !tracked:
		return StateUnknown
	case r.Quoted():
		return StateWithQuote
	default:
		return StateNoQuote
	}
}
