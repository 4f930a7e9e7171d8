package messaging

import (
	"context"
	"errors"
)

var (
	// ErrUnknownAgent 接收方不存在
	ErrUnknownAgent = errors.New("messaging: unknown agent")
	// ErrAlreadyReceiving 同一代理重复打开收件箱
	ErrAlreadyReceiving = errors.New("messaging: agent already receiving")
)

// Transport 可靠的一对一 / 一对多异步消息通道
type Transport interface {
	// Send 投递消息给 msg.Receivers 中的每个代理
	Send(ctx context.Context, msg *Message) error
	// Receive 打开代理收件箱，ctx 结束时关闭返回的 channel
	Receive(ctx context.Context, agent AgentID) (<-chan *Message, error)
}
