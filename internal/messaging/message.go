// Package messaging 提供代理之间的异步消息模型与传输抽象。
// 消息带有发送方/接收方身份、意图（performative）标签、协议名以及 JSON 负载，
// 具体传输由 MemoryBus（进程内）或 KafkaBus（跨进程）实现。
package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentID 代理身份
type AgentID string

// Performative 消息意图
type Performative string

const (
	Request       Performative = "REQUEST"
	QueryRef      Performative = "QUERY_REF"
	Subscribe     Performative = "SUBSCRIBE"
	Cancel        Performative = "CANCEL"
	Agree         Performative = "AGREE"
	Refuse        Performative = "REFUSE"
	Inform        Performative = "INFORM"
	Failure       Performative = "FAILURE"
	NotUnderstood Performative = "NOT_UNDERSTOOD"
)

// Protocol 交互协议
type Protocol string

const (
	ProtocolRequest   Protocol = "fipa-request"
	ProtocolSubscribe Protocol = "fipa-subscribe"
)

// Message 代理间消息
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	InReplyTo      string          `json:"in_reply_to,omitempty"`
	Sender         AgentID         `json:"sender"`
	Receivers      []AgentID       `json:"receivers"`
	Performative   Performative    `json:"performative"`
	Protocol       Protocol        `json:"protocol"`
	Content        json.RawMessage `json:"content,omitempty"`
	ReplyBy        time.Time       `json:"reply_by,omitempty"`
	SentAt         time.Time       `json:"sent_at"`
}

// NewMessage 创建一条开启新会话的消息
func NewMessage(p Performative, protocol Protocol, sender AgentID, receivers ...AgentID) *Message {
	return &Message{
		ID:             uuid.New().String(),
		ConversationID: uuid.New().String(),
		Sender:         sender,
		Receivers:      append([]AgentID(nil), receivers...),
		Performative:   p,
		Protocol:       protocol,
	}
}

// Reply 创建对当前消息的回复，沿用会话与协议
func (m *Message) Reply(sender AgentID, p Performative) *Message {
	return &Message{
		ID:             uuid.New().String(),
		ConversationID: m.ConversationID,
		InReplyTo:      m.ID,
		Sender:         sender,
		Receivers:      []AgentID{m.Sender},
		Performative:   p,
		Protocol:       m.Protocol,
	}
}

// SetContent 将 v 编码为 JSON 负载
func (m *Message) SetContent(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}
	m.Content = data
	return nil
}

// Clone 深拷贝消息，投递给每个接收方的都是独立副本
func (m *Message) Clone() *Message {
	c := *m
	c.Receivers = append([]AgentID(nil), m.Receivers...)
	if m.Content != nil {
		c.Content = append(json.RawMessage(nil), m.Content...)
	}
	return &c
}

// String 便于日志输出
func (m *Message) String() string {
	return fmt.Sprintf("%s/%s %s->%v conv=%s", m.Protocol, m.Performative, m.Sender, m.Receivers, m.ConversationID)
}

// Encode 编码为线上格式
func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode 解码线上格式
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if m.Sender == "" || m.Performative == "" {
		return nil, fmt.Errorf("decode message: missing sender or performative")
	}
	return &m, nil
}

// Template 消息匹配谓词
type Template func(*Message) bool

// MatchPerformative 匹配意图
func MatchPerformative(p Performative) Template {
	return func(m *Message) bool { return m.Performative == p }
}

// MatchProtocol 匹配协议
func MatchProtocol(p Protocol) Template {
	return func(m *Message) bool { return m.Protocol == p }
}

// MatchConversation 匹配会话
func MatchConversation(id string) Template {
	return func(m *Message) bool { return m.ConversationID == id }
}

// And 组合多个谓词
func And(ts ...Template) Template {
	return func(m *Message) bool {
		for _, t := range ts {
			if !t(m) {
				return false
			}
		}
		return true
	}
}
