package logger

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Color 活动日志的颜色提示
type Color int

const (
	ColorDefault Color = iota
	ColorGreen
	ColorRed
	ColorOrange
	ColorBlue
)

// String 颜色名
func (c Color) String() string {
	switch c {
	case ColorGreen:
		return "green"
	case ColorRed:
		return "red"
	case ColorOrange:
		return "orange"
	case ColorBlue:
		return "blue"
	default:
		return "default"
	}
}

// ActivitySink 代理活动日志接收端
// 只做展示，不影响控制流；实现不得阻塞调用方
type ActivitySink interface {
	Log(actorID, name, text string, c Color)
}

// Discard 丢弃所有活动日志
var Discard ActivitySink = discardSink{}

type discardSink struct{}

func (discardSink) Log(string, string, string, Color) {}

// ConsoleSink 以带颜色的时间戳行输出活动日志
type ConsoleSink struct {
	mu      sync.Mutex
	w       io.Writer
	palette map[Color]*color.Color
	now     func() time.Time
}

// NewConsoleSink 创建控制台活动日志
func NewConsoleSink(w io.Writer) *ConsoleSink {
	return &ConsoleSink{
		w: w,
		palette: map[Color]*color.Color{
			ColorDefault: color.New(color.Reset),
			ColorGreen:   color.New(color.FgGreen),
			ColorRed:     color.New(color.FgRed),
			ColorOrange:  color.New(color.FgYellow),
			ColorBlue:    color.New(color.FgBlue),
		},
		now: time.Now,
	}
}

// Log 输出一行，多行文本压缩为单行
func (s *ConsoleSink) Log(actorID, name, text string, c Color) {
	p, ok := s.palette[c]
	if !ok {
		p = s.palette[ColorDefault]
	}
	line := fmt.Sprintf("%s [%s] %s: %s\n",
		s.now().Format("15:04:05"), actorID, name, strings.ReplaceAll(text, "\n", " "))

	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = p.Fprint(s.w, line)
}

// SlogSink 把活动日志写入结构化日志
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink 创建基于 slog 的活动日志；logger 为空时使用全局实例
func NewSlogSink(l *slog.Logger) *SlogSink {
	if l == nil {
		l = Get()
	}
	return &SlogSink{logger: l}
}

// Log 写入 info 级别记录
func (s *SlogSink) Log(actorID, name, text string, c Color) {
	s.logger.Info(text, "actor", actorID, "name", name, "color", c.String())
}

// MultiSink 同时写入多个接收端
type MultiSink []ActivitySink

// Log 依次写入
func (m MultiSink) Log(actorID, name, text string, c Color) {
	for _, s := range m {
		s.Log(actorID, name, text, c)
	}
}
