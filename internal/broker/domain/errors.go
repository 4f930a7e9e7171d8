package domain

import "errors"

var (
	// ErrNoRetailersAvailable 注册表为空，无法报价或转发
	ErrNoRetailersAvailable = errors.New("no retailers available")
	// ErrTimeout 等待零售商结果超时
	ErrTimeout = errors.New("retailer did not respond in time")
	// ErrEmptyHistory 价格历史为空，无法计算均价
	ErrEmptyHistory = errors.New("price history is empty")
	// ErrNotUnderstood 请求负载无法解析
	ErrNotUnderstood = errors.New("request not understood")
	// ErrNoSelection 购买请求没有可用的询价结果
	ErrNoSelection = errors.New("no prior offer selection")
)
