// Package http 经纪人的家庭客户 HTTP 接口：询价、购买及状态查看。
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wyfcoding/commoditybroker/internal/broker/application"
	"github.com/wyfcoding/commoditybroker/internal/broker/domain"
	"github.com/wyfcoding/commoditybroker/internal/trade"
	"github.com/wyfcoding/commoditybroker/pkg/logger"
	"github.com/wyfcoding/commoditybroker/pkg/response"
)

// Client 发起询价与购买
type Client interface {
	Query(ctx context.Context, ex trade.Exchange) (*application.Outcome, error)
	Purchase(ctx context.Context, conversationID string, ex trade.Exchange, replyBy time.Time) (*application.Outcome, error)
}

// Inspector 读取经纪人状态
type Inspector interface {
	Inspect(ctx context.Context) (application.Snapshot, error)
}

// ExchangeRequest 询价请求
type ExchangeRequest struct {
	Type  trade.ExchangeType `json:"type" binding:"required"`
	Units int                `json:"units" binding:"required,gt=0"`
}

// PurchaseRequest 购买请求；conversation_id 为询价返回的会话 ID
type PurchaseRequest struct {
	ConversationID string             `json:"conversation_id"`
	Type           trade.ExchangeType `json:"type" binding:"required"`
	Units          int                `json:"units" binding:"required,gt=0"`
	Price          int                `json:"price"`
	ReplyByMs      int64              `json:"reply_by_ms" binding:"gte=0"`
}

// OutcomeResponse 询价/购买结果
type OutcomeResponse struct {
	ConversationID string         `json:"conversation_id"`
	Agreed         bool           `json:"agreed"`
	Exchange       trade.Exchange `json:"exchange"`
}

// BrokerHandler 经纪人 HTTP 处理器
type BrokerHandler struct {
	client  Client
	broker  Inspector
	timeout time.Duration
}

// NewBrokerHandler 创建处理器；timeout 为单次请求等待经纪人答复的上限
func NewBrokerHandler(client Client, broker Inspector, timeout time.Duration) *BrokerHandler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BrokerHandler{client: client, broker: broker, timeout: timeout}
}

// RegisterRoutes 注册路由
func (h *BrokerHandler) RegisterRoutes(r *gin.RouterGroup) {
	v1 := r.Group("/v1/broker")
	{
		v1.POST("/query", h.Query)
		v1.POST("/purchase", h.Purchase)
		v1.GET("/retailers", h.ListRetailers)
		v1.GET("/history", h.GetHistory)
	}
}

// Query 询价
func (h *BrokerHandler) Query(c *gin.Context) {
	var req ExchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request data", err.Error())
		return
	}
	ex := trade.Exchange{Type: req.Type, Units: req.Units}
	if err := ex.Validate(); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request data", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()
	out, err := h.client.Query(ctx, ex)
	if err != nil {
		h.fail(c, "query failed", err)
		return
	}
	response.Success(c, toResponse(out))
}

// Purchase 购买或出售
func (h *BrokerHandler) Purchase(c *gin.Context) {
	var req PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request data", err.Error())
		return
	}
	ex := trade.Exchange{Type: req.Type, Units: req.Units, Price: req.Price}
	if err := ex.Validate(); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request data", err.Error())
		return
	}

	timeout := h.timeout
	var replyBy time.Time
	if req.ReplyByMs > 0 {
		d := time.Duration(req.ReplyByMs) * time.Millisecond
		replyBy = time.Now().Add(d)
		// 给经纪人回传 FAILURE 留出余量
		timeout = d + time.Second
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()
	out, err := h.client.Purchase(ctx, req.ConversationID, ex, replyBy)
	if err != nil {
		h.fail(c, "purchase failed", err)
		return
	}
	response.Success(c, toResponse(out))
}

// ListRetailers 当前跟踪的零售商及其报价
func (h *BrokerHandler) ListRetailers(c *gin.Context) {
	s, err := h.broker.Inspect(c.Request.Context())
	if err != nil {
		h.fail(c, "inspect broker", err)
		return
	}
	retailers := s.Retailers
	if retailers == nil {
		retailers = []application.RetailerView{}
	}
	response.Success(c, gin.H{"retailers": retailers, "subscription_id": s.SubscriptionID})
}

// GetHistory 价格历史与均价
func (h *BrokerHandler) GetHistory(c *gin.Context) {
	s, err := h.broker.Inspect(c.Request.Context())
	if err != nil {
		h.fail(c, "inspect broker", err)
		return
	}
	body := gin.H{
		"history":  s.History,
		"capacity": s.HistoryCapacity,
	}
	if s.HasAverage {
		body["average"] = s.Average
	}
	response.Success(c, body)
}

func (h *BrokerHandler) fail(c *gin.Context, msg string, err error) {
	status := StatusOf(err)
	if status >= http.StatusInternalServerError {
		logger.Warn(c.Request.Context(), msg, "error", err, "status", status)
	}
	response.ErrorWithStatus(c, status, msg, err.Error())
}

// StatusOf 把协议结果映射为 HTTP 状态码
func StatusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, application.ErrRefused), errors.Is(err, application.ErrConversationBusy):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotUnderstood):
		return http.StatusBadRequest
	case errors.Is(err, application.ErrFailed):
		return http.StatusBadGateway
	case errors.Is(err, application.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func toResponse(o *application.Outcome) OutcomeResponse {
	return OutcomeResponse{ConversationID: o.ConversationID, Agreed: o.Agreed, Exchange: o.Exchange}
}
