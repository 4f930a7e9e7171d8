// Package metrics 提供 Prometheus 指标定义与采集器
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wyfcoding/commoditybroker/pkg/logger"
)

// Metrics 指标集合
type Metrics struct {
	// HTTP 请求计数
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTP 请求耗时
	HTTPRequestDuration *prometheus.HistogramVec

	// 询价次数，按结果分类
	QueriesTotal *prometheus.CounterVec
	// 购买次数，按结果分类
	PurchasesTotal *prometheus.CounterVec
	// 转发往返耗时
	ForwardDuration prometheus.Histogram

	// 收到的报价更新数
	PriceUpdatesTotal prometheus.Counter
	// 当前登记的零售商数量
	RetailersActive prometheus.Gauge
	// 历史均价
	PriceAverage prometheus.Gauge
}

// New 创建指标实例，serviceName 中的 '-' 转为 '_' 作为子系统名
func New(serviceName string) *Metrics {
	serviceName = strings.ReplaceAll(serviceName, "-", "_")
	return &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "commodity",
			Subsystem: serviceName,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "commodity",
			Subsystem: serviceName,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		QueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "commodity",
			Subsystem: serviceName,
			Name:      "queries_total",
			Help:      "Total price queries by outcome",
		}, []string{"outcome"}),
		PurchasesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "commodity",
			Subsystem: serviceName,
			Name:      "purchases_total",
			Help:      "Total purchase requests by outcome",
		}, []string{"outcome"}),
		ForwardDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "commodity",
			Subsystem: serviceName,
			Name:      "forward_duration_seconds",
			Help:      "Round trip of a purchase forwarded to a retailer",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}),

		PriceUpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "commodity",
			Subsystem: serviceName,
			Name:      "price_updates_total",
			Help:      "Total retailer quote updates accepted",
		}),
		RetailersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "commodity",
			Subsystem: serviceName,
			Name:      "retailers_active",
			Help:      "Number of tracked retailers",
		}),
		PriceAverage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "commodity",
			Subsystem: serviceName,
			Name:      "price_average",
			Help:      "Rolling average sell price",
		}),
	}
}

// Register 注册所有指标，reg 为空时使用默认注册表
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	collectors := []prometheus.Collector{
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.QueriesTotal,
		m.PurchasesTotal,
		m.ForwardDuration,
		m.PriceUpdatesTotal,
		m.RetailersActive,
		m.PriceAverage,
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			logger.Error(context.Background(), "Failed to register metric", "error", err)
			return err
		}
	}

	logger.Info(context.Background(), "Metrics registered successfully")
	return nil
}

// StartHTTPServer 启动独立的 Prometheus HTTP 服务，ctx 结束时关闭
func StartHTTPServer(ctx context.Context, port int, path string) error {
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logger.Info(ctx, "Starting Prometheus HTTP server", "addr", addr, "path", path)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error(ctx, "Prometheus HTTP server failed", "error", err)
		return err
	}
	return nil
}

// Collector 经纪人指标采集器
type Collector struct {
	metrics *Metrics
}

// NewCollector 创建采集器
func NewCollector(m *Metrics) *Collector {
	return &Collector{metrics: m}
}

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	c.metrics.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	c.metrics.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordQuery 记录询价结果
func (c *Collector) RecordQuery(outcome string) {
	c.metrics.QueriesTotal.WithLabelValues(outcome).Inc()
}

// RecordPurchase 记录购买结果与转发耗时；未转发时 forward 为 0
func (c *Collector) RecordPurchase(outcome string, forward time.Duration) {
	c.metrics.PurchasesTotal.WithLabelValues(outcome).Inc()
	if forward > 0 {
		c.metrics.ForwardDuration.Observe(forward.Seconds())
	}
}

// RecordPriceUpdate 记录报价更新
func (c *Collector) RecordPriceUpdate(average int, hasAverage bool) {
	c.metrics.PriceUpdatesTotal.Inc()
	if hasAverage {
		c.metrics.PriceAverage.Set(float64(average))
	}
}

// SetActiveRetailers 更新零售商数量
func (c *Collector) SetActiveRetailers(n int) {
	c.metrics.RetailersActive.Set(float64(n))
}
