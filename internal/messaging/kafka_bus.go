package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/wyfcoding/commoditybroker/pkg/logger"
	"github.com/wyfcoding/commoditybroker/pkg/mq"
	"github.com/wyfcoding/commoditybroker/pkg/utils"
)

// Producer KafkaBus 使用的生产者，由 *mq.KafkaProducer 实现
type Producer interface {
	mq.Publisher
	SendRaw(ctx context.Context, topic string, key string, data []byte) error
}

// Reader 单个 topic 的消费者，由 *mq.KafkaConsumer 实现
type Reader interface {
	ReadMessage(ctx context.Context) (*mq.Message, error)
	Close() error
}

// KafkaBus 基于 Kafka 的跨进程消息总线
// 每个代理独占一个 topic（前缀 + 代理 ID），以会话 ID 作为分区键保证同一会话内有序
type KafkaBus struct {
	producer    Producer
	dlq         *mq.DeadLetterQueue
	cfg         mq.KafkaConfig
	topicPrefix string
	newReader   func(cfg mq.KafkaConfig, topic string) Reader
	// 读取出错后的退避区间
	retryMin, retryMax time.Duration

	mu        sync.Mutex
	receiving map[AgentID]bool
}

// NewKafkaBus 创建 Kafka 总线
func NewKafkaBus(producer Producer, cfg mq.KafkaConfig, topicPrefix string) *KafkaBus {
	if topicPrefix == "" {
		topicPrefix = "agents."
	}
	return &KafkaBus{
		producer:    producer,
		dlq:         mq.NewDeadLetterQueue(producer, topicPrefix+"dead-letter"),
		cfg:         cfg,
		topicPrefix: topicPrefix,
		newReader: func(cfg mq.KafkaConfig, topic string) Reader {
			return mq.NewConsumer(cfg, topic)
		},
		retryMin:  100 * time.Millisecond,
		retryMax:  5 * time.Second,
		receiving: make(map[AgentID]bool),
	}
}

// GroupID 代理收件箱的消费组
func (b *KafkaBus) GroupID(agent AgentID) string {
	return strings.TrimSuffix(b.topicPrefix, ".") + "-" + sanitizeTopic(string(agent))
}

// Topic 代理收件箱对应的 topic
func (b *KafkaBus) Topic(agent AgentID) string {
	return b.topicPrefix + sanitizeTopic(string(agent))
}

// Send 为每个接收方写入一条 Kafka 消息
func (b *KafkaBus) Send(ctx context.Context, msg *Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	var errs []error
	for _, to := range msg.Receivers {
		if err := b.producer.SendRaw(ctx, b.Topic(to), msg.ConversationID, data); err != nil {
			errs = append(errs, fmt.Errorf("send to %s: %w", to, err))
		}
	}
	return errors.Join(errs...)
}

// Receive 启动代理 topic 的消费协程，无法解码的消息转入死信队列
func (b *KafkaBus) Receive(ctx context.Context, agent AgentID) (<-chan *Message, error) {
	b.mu.Lock()
	if b.receiving[agent] {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyReceiving, agent)
	}
	b.receiving[agent] = true
	b.mu.Unlock()

	cfg := b.cfg
	cfg.GroupID = b.GroupID(agent)
	consumer := b.newReader(cfg, b.Topic(agent))

	out := make(chan *Message)
	go func() {
		defer func() {
			_ = consumer.Close()
			b.mu.Lock()
			delete(b.receiving, agent)
			b.mu.Unlock()
			close(out)
		}()
		backoff := utils.Backoff{Min: b.retryMin, Max: b.retryMax}
		for {
			raw, err := consumer.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				d := backoff.Next()
				logger.Debug(ctx, "kafka read failed, backing off", "agent", agent, "delay", d, "error", err)
				if utils.Sleep(ctx, d) != nil {
					return
				}
				continue
			}
			backoff.Reset()
			msg, err := Decode(raw.Value)
			if err != nil {
				logger.Warn(ctx, "undecodable agent message", "topic", raw.Topic, "offset", raw.Offset, "error", err)
				if dlqErr := b.dlq.Send(ctx, raw, "decode", err); dlqErr != nil {
					logger.Error(ctx, "dead letter failed", "error", dlqErr)
				}
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// sanitizeTopic Kafka topic 只允许 [a-zA-Z0-9._-]
func sanitizeTopic(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}
