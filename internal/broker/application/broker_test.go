package application

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/commoditybroker/internal/broker/domain"
	"github.com/wyfcoding/commoditybroker/internal/directory"
	"github.com/wyfcoding/commoditybroker/internal/messaging"
	"github.com/wyfcoding/commoditybroker/internal/trade"
	"github.com/wyfcoding/commoditybroker/pkg/logger"
)

const waitFor = 2 * time.Second

// recordingTransport 记录经纪人发出的消息
type recordingTransport struct {
	messaging.Transport

	mu   sync.Mutex
	sent []*messaging.Message
	// 发往该代理的 REQUEST 直接返回错误
	unreachable messaging.AgentID
}

var errUnreachable = errors.New("mailbox closed")

func (r *recordingTransport) Send(ctx context.Context, m *messaging.Message) error {
	r.mu.Lock()
	r.sent = append(r.sent, m.Clone())
	blocked := r.unreachable
	r.mu.Unlock()
	if blocked != "" && m.Performative == messaging.Request && slices.Contains(m.Receivers, blocked) {
		return errUnreachable
	}
	return r.Transport.Send(ctx, m)
}

func (r *recordingTransport) block(id messaging.AgentID) {
	r.mu.Lock()
	r.unreachable = id
	r.mu.Unlock()
}

func (r *recordingTransport) find(match messaging.Template) []*messaging.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*messaging.Message
	for _, m := range r.sent {
		if match(m) {
			out = append(out, m)
		}
	}
	return out
}

type captureSink struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureSink) Log(_, _, text string, _ logger.Color) {
	c.mu.Lock()
	c.lines = append(c.lines, text)
	c.mu.Unlock()
}

func (c *captureSink) has(text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.lines {
		if l == text {
			return true
		}
	}
	return false
}

type countingMetrics struct {
	mu        sync.Mutex
	queries   map[string]int
	purchases map[string]int
	updates   int
	active    int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{queries: map[string]int{}, purchases: map[string]int{}}
}

func (c *countingMetrics) RecordQuery(o string) {
	c.mu.Lock()
	c.queries[o]++
	c.mu.Unlock()
}

func (c *countingMetrics) RecordPurchase(o string, _ time.Duration) {
	c.mu.Lock()
	c.purchases[o]++
	c.mu.Unlock()
}

func (c *countingMetrics) RecordPriceUpdate(int, bool) {
	c.mu.Lock()
	c.updates++
	c.mu.Unlock()
}

func (c *countingMetrics) SetActiveRetailers(n int) {
	c.mu.Lock()
	c.active = n
	c.mu.Unlock()
}

func (c *countingMetrics) query(o string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queries[o]
}

func (c *countingMetrics) purchase(o string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purchases[o]
}

// requestHandler 返回零售商对转发请求的回复意图，nil 表示不回复
type requestHandler func(m *messaging.Message) []messaging.Performative

func acceptAll(*messaging.Message) []messaging.Performative {
	return []messaging.Performative{messaging.Agree, messaging.Inform}
}

func refuseAll(*messaging.Message) []messaging.Performative {
	return []messaging.Performative{messaging.Refuse}
}

func silent(*messaging.Message) []messaging.Performative { return nil }

// agreeThen 先 AGREE 再以 p 结束
func agreeThen(p messaging.Performative) requestHandler {
	return func(*messaging.Message) []messaging.Performative {
		return []messaging.Performative{messaging.Agree, p}
	}
}

type fakeRetailer struct {
	id      messaging.AgentID
	quote   trade.Quote
	handler requestHandler

	mu       sync.Mutex
	requests []*messaging.Message
	answered map[string]bool
}

// subscribedOn 该会话的订阅是否已答复报价
func (f *fakeRetailer) subscribedOn(conversationID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.answered[conversationID]
}

func (f *fakeRetailer) forwarded() []*messaging.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*messaging.Message(nil), f.requests...)
}

type harness struct {
	ctx       context.Context
	bus       *messaging.MemoryBus
	transport *recordingTransport
	dir       *directory.Memory
	broker    *Broker
	home      *Initiator
	activity  *captureSink
	metrics   *countingMetrics
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	h := &harness{
		ctx:      ctx,
		bus:      messaging.NewMemoryBus(64),
		dir:      directory.NewMemory(),
		activity: &captureSink{},
		metrics:  newCountingMetrics(),
	}
	h.transport = &recordingTransport{Transport: h.bus}

	opts = append([]Option{WithActivity(h.activity), WithMetrics(h.metrics)}, opts...)
	b, err := NewBroker(Config{AgentID: "broker", Name: "Broker", PurchaseTimeout: 500 * time.Millisecond}, h.transport, h.dir, opts...)
	require.NoError(t, err)
	h.broker = b

	errc := make(chan error, 1)
	go func() { errc <- b.Run(ctx) }()
	select {
	case <-b.Ready():
	case err := <-errc:
		t.Fatalf("broker exited early: %v", err)
	case <-time.After(waitFor):
		t.Fatal("broker not ready")
	}

	h.home = NewInitiator("home", "broker", h.bus)
	require.NoError(t, h.home.Start(ctx))

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errc:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Error("broker did not stop")
		}
	})
	return h
}

func (h *harness) addRetailer(t *testing.T, id messaging.AgentID, q trade.Quote, handler requestHandler) *fakeRetailer {
	t.Helper()
	f := &fakeRetailer{id: id, quote: q, handler: handler, answered: map[string]bool{}}
	msgs, err := h.bus.Receive(h.ctx, id)
	require.NoError(t, err)

	go func() {
		for m := range msgs {
			switch {
			case m.Protocol == messaging.ProtocolSubscribe && m.Performative == messaging.Subscribe:
				_ = h.bus.Send(h.ctx, m.Reply(id, messaging.Agree))
				inform := m.Reply(id, messaging.Inform)
				_ = inform.SetContent(f.quote)
				_ = h.bus.Send(h.ctx, inform)
				f.mu.Lock()
				f.answered[m.ConversationID] = true
				f.mu.Unlock()
			case m.Protocol == messaging.ProtocolRequest && m.Performative == messaging.Request:
				f.mu.Lock()
				f.requests = append(f.requests, m)
				f.mu.Unlock()
				for _, p := range f.handler(m) {
					r := m.Reply(id, p)
					if p == messaging.Inform {
						r.Content = m.Content
					}
					_ = h.bus.Send(h.ctx, r)
				}
			}
		}
	}()

	require.NoError(t, h.dir.Register(h.ctx, directory.Description{ID: id, ServiceType: trade.ServiceRetailer}))
	return f
}

func (h *harness) snapshot(t *testing.T) Snapshot {
	t.Helper()
	s, err := h.broker.Inspect(h.ctx)
	require.NoError(t, err)
	return s
}

func (h *harness) waitQuoted(t *testing.T, ids ...messaging.AgentID) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := h.snapshot(t)
		for _, id := range ids {
			if s.State(id) != StateWithQuote {
				return false
			}
		}
		return true
	}, waitFor, 5*time.Millisecond)
}

func callCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

func TestEmptyRegistryRefusesWithoutForwarding(t *testing.T) {
	h := newHarness(t)

	_, err := h.home.Query(callCtx(t), trade.Exchange{Type: trade.Buy, Units: 1})
	assert.ErrorIs(t, err, ErrRefused)

	out, err := h.home.Purchase(callCtx(t), "", trade.Exchange{Type: trade.Buy, Units: 1}, time.Time{})
	assert.ErrorIs(t, err, ErrRefused)
	assert.False(t, out.Agreed)

	forwards := h.transport.find(messaging.And(
		messaging.MatchPerformative(messaging.Request),
		func(m *messaging.Message) bool { return m.Sender == "broker" },
	))
	assert.Empty(t, forwards)
	assert.Eventually(t, func() bool { return h.metrics.purchase(PurchaseRefused) == 1 }, waitFor, 5*time.Millisecond)
}

func TestSubscriptionTracksRetailers(t *testing.T) {
	h := newHarness(t)
	h.addRetailer(t, "r1", trade.Quote{SellPrice: 100, BuyPrice: 80, Units: 5}, acceptAll)
	h.addRetailer(t, "r2", trade.Quote{SellPrice: 90, BuyPrice: 85, Units: 3}, acceptAll)
	h.waitQuoted(t, "r1", "r2")

	s := h.snapshot(t)
	assert.NotEmpty(t, s.SubscriptionID)
	assert.Contains(t, s.History, 100)
	assert.Contains(t, s.History, 90)
	assert.True(t, s.HasAverage)
	assert.Equal(t, StateUnknown, s.State("nobody"))

	assert.True(t, h.activity.has("new retailer detected"))
	assert.True(t, h.activity.has("listening for\nprice changes..."))
	assert.True(t, h.activity.has("r1 price now $100/unit"))
	assert.Eventually(t, func() bool {
		h.metrics.mu.Lock()
		defer h.metrics.mu.Unlock()
		return h.metrics.active == 2
	}, waitFor, 5*time.Millisecond)
}

func TestQueryThenPurchaseForwardsToSelectedRetailer(t *testing.T) {
	h := newHarness(t)
	r1 := h.addRetailer(t, "r1", trade.Quote{SellPrice: 100, BuyPrice: 80, Units: 5}, acceptAll)
	r2 := h.addRetailer(t, "r2", trade.Quote{SellPrice: 90, BuyPrice: 85, Units: 3}, acceptAll)
	h.waitQuoted(t, "r1", "r2")

	offer, err := h.home.Query(callCtx(t), trade.Exchange{Type: trade.Buy, Units: 5})
	require.NoError(t, err)
	assert.True(t, offer.Agreed)
	assert.Equal(t, 100, offer.Exchange.Price)
	assert.Equal(t, 5, offer.Exchange.Units)

	deadline := time.Now().Add(time.Second)
	result, err := h.home.Purchase(callCtx(t), offer.ConversationID, offer.Exchange, deadline)
	require.NoError(t, err)
	assert.True(t, result.Agreed)
	assert.Equal(t, 5, result.Exchange.Units)

	require.Len(t, r1.forwarded(), 1)
	assert.Empty(t, r2.forwarded())
	fwd := r1.forwarded()[0]
	assert.NotEqual(t, offer.ConversationID, fwd.ConversationID)
	assert.True(t, fwd.ReplyBy.Equal(deadline))
	assert.True(t, h.activity.has("forwarding request >>r1"))
	assert.True(t, h.activity.has("brokerage successful"))
}

func TestPurchaseCorrelatesWithItsOwnQuery(t *testing.T) {
	h := newHarness(t)
	r1 := h.addRetailer(t, "r1", trade.Quote{SellPrice: 100, BuyPrice: 80, Units: 5}, acceptAll)
	r2 := h.addRetailer(t, "r2", trade.Quote{SellPrice: 90, BuyPrice: 85, Units: 3}, acceptAll)
	h.waitQuoted(t, "r1", "r2")

	buy, err := h.home.Query(callCtx(t), trade.Exchange{Type: trade.Buy, Units: 5})
	require.NoError(t, err)
	sell, err := h.home.Query(callCtx(t), trade.Exchange{Type: trade.Sell, Units: 2})
	require.NoError(t, err)
	assert.Equal(t, 85, sell.Exchange.Price)

	// 最近一次询价选中 r2，但购买携带的是第一次询价的会话
	_, err = h.home.Purchase(callCtx(t), buy.ConversationID, buy.Exchange, time.Time{})
	require.NoError(t, err)
	assert.Len(t, r1.forwarded(), 1)
	assert.Empty(t, r2.forwarded())

	// 未知会话退回最近一次询价
	_, err = h.home.Purchase(callCtx(t), "", sell.Exchange, time.Time{})
	require.NoError(t, err)
	assert.Len(t, r2.forwarded(), 1)
}

func TestPurchaseWithoutSelectionFails(t *testing.T) {
	h := newHarness(t)
	r1 := h.addRetailer(t, "r1", trade.Quote{SellPrice: 100, BuyPrice: 80, Units: 5}, acceptAll)
	h.waitQuoted(t, "r1")

	out, err := h.home.Purchase(callCtx(t), "", trade.Exchange{Type: trade.Buy, Units: 1}, time.Time{})
	assert.ErrorIs(t, err, ErrFailed)
	assert.Contains(t, err.Error(), domain.ErrNoSelection.Error())
	assert.True(t, out.Agreed)
	assert.Empty(t, r1.forwarded())
}

func TestRetailerRefusalBecomesFailure(t *testing.T) {
	h := newHarness(t)
	h.addRetailer(t, "r1", trade.Quote{SellPrice: 100, BuyPrice: 80, Units: 5}, refuseAll)
	h.waitQuoted(t, "r1")

	offer, err := h.home.Query(callCtx(t), trade.Exchange{Type: trade.Buy, Units: 1})
	require.NoError(t, err)

	out, err := h.home.Purchase(callCtx(t), offer.ConversationID, offer.Exchange, time.Time{})
	assert.ErrorIs(t, err, ErrFailed)
	assert.True(t, out.Agreed)
	assert.True(t, h.activity.has("brokerage failed"))
}

func TestRetailerErrorRepliesBecomeFailure(t *testing.T) {
	for _, p := range []messaging.Performative{messaging.NotUnderstood, messaging.Failure} {
		t.Run(string(p), func(t *testing.T) {
			h := newHarness(t)
			h.addRetailer(t, "r1", trade.Quote{SellPrice: 100, BuyPrice: 80, Units: 5}, agreeThen(p))
			h.waitQuoted(t, "r1")

			offer, err := h.home.Query(callCtx(t), trade.Exchange{Type: trade.Buy, Units: 1})
			require.NoError(t, err)

			out, err := h.home.Purchase(callCtx(t), offer.ConversationID, offer.Exchange, time.Time{})
			require.ErrorIs(t, err, ErrFailed)
			assert.NotErrorIs(t, err, domain.ErrNotUnderstood)
			assert.Contains(t, err.Error(), "retailer replied "+string(p))
			assert.True(t, out.Agreed)
			assert.True(t, h.activity.has("brokerage failed"))
			assert.Eventually(t, func() bool { return h.metrics.purchase(PurchaseFailed) == 1 }, waitFor, 5*time.Millisecond)
			assert.Equal(t, 0, h.snapshot(t).PendingPurchases)
		})
	}
}

func TestForwardSendFailureBecomesFailure(t *testing.T) {
	h := newHarness(t)
	r1 := h.addRetailer(t, "r1", trade.Quote{SellPrice: 100, BuyPrice: 80, Units: 5}, acceptAll)
	h.waitQuoted(t, "r1")

	offer, err := h.home.Query(callCtx(t), trade.Exchange{Type: trade.Buy, Units: 1})
	require.NoError(t, err)

	h.transport.block("r1")
	start := time.Now()
	out, err := h.home.Purchase(callCtx(t), offer.ConversationID, offer.Exchange, time.Time{})
	require.ErrorIs(t, err, ErrFailed)
	assert.Contains(t, err.Error(), "forward failed")
	assert.Contains(t, err.Error(), errUnreachable.Error())
	assert.True(t, out.Agreed)
	// 不等待转发超时
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	assert.Empty(t, r1.forwarded())
	assert.True(t, h.activity.has("Failed to\nforward request >>"))
	assert.True(t, h.activity.has("brokerage failed"))
	assert.Equal(t, 0, h.snapshot(t).PendingPurchases)
}

func TestConcurrentPurchaseOnSameConversationRejected(t *testing.T) {
	h := newHarness(t)
	h.addRetailer(t, "r1", trade.Quote{SellPrice: 100, BuyPrice: 80, Units: 5}, silent)
	h.waitQuoted(t, "r1")

	offer, err := h.home.Query(callCtx(t), trade.Exchange{Type: trade.Buy, Units: 1})
	require.NoError(t, err)

	ctx := callCtx(t)
	first := make(chan error, 1)
	go func() {
		_, err := h.home.Purchase(ctx, offer.ConversationID, offer.Exchange, time.Now().Add(300*time.Millisecond))
		first <- err
	}()
	require.Eventually(t, func() bool { return h.snapshot(t).PendingPurchases == 1 }, waitFor, 5*time.Millisecond)

	_, err = h.home.Purchase(callCtx(t), offer.ConversationID, offer.Exchange, time.Time{})
	assert.ErrorIs(t, err, ErrConversationBusy)

	assert.ErrorIs(t, <-first, domain.ErrTimeout)
}

func TestSilentRetailerTimesOut(t *testing.T) {
	h := newHarness(t)
	h.addRetailer(t, "r1", trade.Quote{SellPrice: 100, BuyPrice: 80, Units: 5}, silent)
	h.waitQuoted(t, "r1")

	offer, err := h.home.Query(callCtx(t), trade.Exchange{Type: trade.Buy, Units: 1})
	require.NoError(t, err)

	start := time.Now()
	_, err = h.home.Purchase(callCtx(t), offer.ConversationID, offer.Exchange, time.Now().Add(100*time.Millisecond))
	assert.ErrorIs(t, err, ErrFailed)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Less(t, time.Since(start), waitFor)

	assert.Equal(t, 0, h.snapshot(t).PendingPurchases)

	// 超时后经纪人继续服务
	_, err = h.home.Query(callCtx(t), trade.Exchange{Type: trade.Sell, Units: 1})
	assert.NoError(t, err)
}

func TestUndecodableRequestNotUnderstood(t *testing.T) {
	h := newHarness(t)
	h.addRetailer(t, "r1", trade.Quote{SellPrice: 100, BuyPrice: 80, Units: 5}, acceptAll)
	h.waitQuoted(t, "r1")

	_, err := h.home.Query(callCtx(t), trade.Exchange{})
	assert.ErrorIs(t, err, domain.ErrNotUnderstood)

	_, err = h.home.Purchase(callCtx(t), "", trade.Exchange{Type: "HOLD", Units: 1}, time.Time{})
	assert.ErrorIs(t, err, domain.ErrNotUnderstood)

	assert.Eventually(t, func() bool { return h.metrics.query(QueryNotUnderstood) == 1 }, waitFor, 5*time.Millisecond)
}

func TestQueryFailsWhenNothingQuoted(t *testing.T) {
	h := newHarness(t)
	// 只登记目录，不打开收件箱，因此永远不会有报价
	require.NoError(t, h.dir.Register(h.ctx, directory.Description{ID: "mute", ServiceType: trade.ServiceRetailer}))
	require.Eventually(t, func() bool { return h.snapshot(t).State("mute") == StateNoQuote }, waitFor, 5*time.Millisecond)

	out, err := h.home.Query(callCtx(t), trade.Exchange{Type: trade.Buy, Units: 1})
	assert.ErrorIs(t, err, ErrFailed)
	assert.True(t, out.Agreed)
}

func TestMembershipChangeReestablishesSubscription(t *testing.T) {
	h := newHarness(t)
	r1 := h.addRetailer(t, "r1", trade.Quote{SellPrice: 100, BuyPrice: 80, Units: 5}, acceptAll)
	h.addRetailer(t, "r2", trade.Quote{SellPrice: 90, BuyPrice: 85, Units: 3}, acceptAll)
	h.waitQuoted(t, "r1", "r2")
	old := h.snapshot(t).SubscriptionID

	require.NoError(t, h.dir.Deregister(h.ctx, "r2"))
	var current string
	require.Eventually(t, func() bool {
		s := h.snapshot(t)
		current = s.SubscriptionID
		return s.State("r2") == StateUnknown && current != "" && current != old
	}, waitFor, 5*time.Millisecond)

	cancels := h.transport.find(messaging.And(
		messaging.MatchPerformative(messaging.Cancel),
		messaging.MatchConversation(old),
	))
	require.Len(t, cancels, 1)
	assert.ElementsMatch(t, []messaging.AgentID{"r1", "r2"}, cancels[0].Receivers)

	subs := h.transport.find(messaging.And(
		messaging.MatchPerformative(messaging.Subscribe),
		messaging.MatchConversation(current),
	))
	require.Len(t, subs, 1)
	assert.Equal(t, []messaging.AgentID{"r1"}, subs[0].Receivers)
	assert.True(t, h.activity.has("stopped listening..."))

	// r1 对新订阅的首个报价先于下面的报价进入经纪人收件箱
	require.Eventually(t, func() bool { return r1.subscribedOn(current) }, waitFor, 5*time.Millisecond)

	// 旧会话上的报价被丢弃，新会话上的报价被接受
	stale := messaging.NewMessage(messaging.Inform, messaging.ProtocolSubscribe, "r1", "broker")
	stale.ConversationID = old
	require.NoError(t, stale.SetContent(trade.Quote{SellPrice: 1, BuyPrice: 1, Units: 1}))
	require.NoError(t, h.bus.Send(h.ctx, stale))

	fresh := messaging.NewMessage(messaging.Inform, messaging.ProtocolSubscribe, "r1", "broker")
	fresh.ConversationID = current
	require.NoError(t, fresh.SetContent(trade.Quote{SellPrice: 77, BuyPrice: 70, Units: 1}))
	require.NoError(t, h.bus.Send(h.ctx, fresh))

	require.Eventually(t, func() bool {
		s := h.snapshot(t)
		for _, r := range s.Retailers {
			if r.ID == "r1" && r.Quote != nil && r.Quote.SellPrice == 77 {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)
	assert.NotContains(t, h.snapshot(t).History, 1)
}

func TestQuoteFromUntrackedSenderDropped(t *testing.T) {
	h := newHarness(t)
	h.addRetailer(t, "r1", trade.Quote{SellPrice: 100, BuyPrice: 80, Units: 5}, acceptAll)
	h.waitQuoted(t, "r1")
	s := h.snapshot(t)

	rogue := messaging.NewMessage(messaging.Inform, messaging.ProtocolSubscribe, "rogue", "broker")
	rogue.ConversationID = s.SubscriptionID
	require.NoError(t, rogue.SetContent(trade.Quote{SellPrice: 5, BuyPrice: 5, Units: 5}))
	require.NoError(t, h.bus.Send(h.ctx, rogue))

	// 同一收件箱内有序，查询返回时 rogue 报价已被处理
	_, err := h.home.Query(callCtx(t), trade.Exchange{Type: trade.Buy, Units: 1})
	require.NoError(t, err)
	after := h.snapshot(t)
	assert.Equal(t, StateUnknown, after.State("rogue"))
	assert.NotContains(t, after.History, 5)
}

func TestDelayPolicyDefersResponses(t *testing.T) {
	h := newHarness(t, WithDelayPolicy(FixedDelay(30*time.Millisecond)))
	h.addRetailer(t, "r1", trade.Quote{SellPrice: 100, BuyPrice: 80, Units: 5}, acceptAll)
	h.waitQuoted(t, "r1")

	start := time.Now()
	offer, err := h.home.Query(callCtx(t), trade.Exchange{Type: trade.Buy, Units: 2})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)

	// 延迟期间事件循环仍可响应
	_, err = h.broker.Inspect(callCtx(t))
	require.NoError(t, err)

	_, err = h.home.Purchase(callCtx(t), offer.ConversationID, offer.Exchange, time.Time{})
	require.NoError(t, err)
}

func TestNewBrokerRequiresID(t *testing.T) {
	_, err := NewBroker(Config{}, messaging.NewMemoryBus(1), directory.NewMemory())
	assert.Error(t, err)
}

func TestBrokerRegistersAndDeregisters(t *testing.T) {
	dir := directory.NewMemory()
	b, err := NewBroker(Config{AgentID: "b1"}, messaging.NewMemoryBus(8), dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- b.Run(ctx) }()
	<-b.Ready()

	found, err := dir.Search(context.Background(), trade.ServiceBroker)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, messaging.AgentID("b1"), found[0].ID)

	cancel()
	require.NoError(t, <-errc)
	found, err = dir.Search(context.Background(), trade.ServiceBroker)
	require.NoError(t, err)
	assert.Empty(t, found)

	_, err = b.Inspect(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}
