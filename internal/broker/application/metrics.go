package application

import "time"

// 询价结果
const (
	QueryInformed      = "informed"
	QueryRefused       = "refused"
	QueryFailed        = "failed"
	QueryNotUnderstood = "not_understood"
)

// 购买结果
const (
	PurchaseSucceeded     = "succeeded"
	PurchaseRefused       = "refused"
	PurchaseFailed        = "failed"
	PurchaseTimedOut      = "timed_out"
	PurchaseNotUnderstood = "not_understood"
)

// MetricsRecorder 经纪人业务指标
type MetricsRecorder interface {
	RecordQuery(outcome string)
	RecordPurchase(outcome string, forward time.Duration)
	RecordPriceUpdate(average int, hasAverage bool)
	SetActiveRetailers(n int)
}

type noopMetrics struct{}

func (noopMetrics) RecordQuery(string) {}
func (noopMetrics) RecordPurchase(string, time.Duration) {}
func (noopMetrics) RecordPriceUpdate(int, bool) {}
func (noopMetrics) SetActiveRetailers(int) {}
