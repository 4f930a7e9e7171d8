package application

import "time"

// Step 协议中可被延迟的处理步骤
type Step string

const (
	// StepAccept 收到请求后、答复 AGREE/REFUSE 前
	StepAccept Step = "accept"
	// StepResult 发送最终结果前
	StepResult Step = "result"
)

// DelayPolicy 模拟处理延迟
// 延迟通过定时器把后续处理投递回经纪人协程，不会阻塞事件循环
type DelayPolicy interface {
	Delay(step Step) time.Duration
}

// NoDelay 立即处理
type NoDelay struct{}

// Delay 恒为 0
func (NoDelay) Delay(Step) time.Duration { return 0 }

// FixedDelay 每个步骤固定延迟
type FixedDelay time.Duration

// Delay 返回固定时长
func (d FixedDelay) Delay(Step) time.Duration { return time.Duration(d) }
