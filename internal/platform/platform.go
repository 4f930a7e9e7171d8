// Package platform 按配置装配传输、目录、限流等基础设施，供各可执行程序共用。
package platform

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wyfcoding/commoditybroker/internal/directory"
	"github.com/wyfcoding/commoditybroker/internal/messaging"
	retailerapp "github.com/wyfcoding/commoditybroker/internal/retailer/application"
	retailerdomain "github.com/wyfcoding/commoditybroker/internal/retailer/domain"
	"github.com/wyfcoding/commoditybroker/pkg/cache"
	"github.com/wyfcoding/commoditybroker/pkg/config"
	"github.com/wyfcoding/commoditybroker/pkg/logger"
	"github.com/wyfcoding/commoditybroker/pkg/mq"
	"github.com/wyfcoding/commoditybroker/pkg/ratelimit"
	"github.com/wyfcoding/commoditybroker/pkg/utils"
)

// LoggerConfig 转换为日志包配置
func LoggerConfig(c config.LoggerConfig) logger.Config {
	return logger.Config{
		Level:      c.Level,
		Format:     c.Format,
		Output:     c.Output,
		FilePath:   c.FilePath,
		MaxSize:    c.MaxSize,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAge,
		Compress:   c.Compress,
		WithCaller: c.WithCaller,
	}
}

// RedisConfig 转换为 Redis 客户端配置
func RedisConfig(c config.RedisConfig) cache.Config {
	return cache.Config{
		Host:         c.Host,
		Port:         c.Port,
		Password:     c.Password,
		DB:           c.DB,
		MaxPoolSize:  c.MaxPoolSize,
		ConnTimeout:  c.ConnTimeout,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
	}
}

// KafkaConfig 转换为消息队列配置
func KafkaConfig(c config.KafkaConfig) mq.KafkaConfig {
	return mq.KafkaConfig{
		Brokers:        c.Brokers,
		GroupID:        c.GroupID,
		SessionTimeout: c.SessionTimeout,
		MaxRetries:     c.MaxRetries,
		RetryBackoff:   c.RetryBackoff,
	}
}

// NewTransport 按 transport.driver 创建消息传输，返回的 cleanup 释放底层连接
func NewTransport(cfg *config.Config) (messaging.Transport, func(), error) {
	switch cfg.Transport.Driver {
	case "", "memory":
		return messaging.NewMemoryBus(cfg.Transport.BufferSize), func() {}, nil
	case "kafka":
		kc := KafkaConfig(cfg.Kafka)
		producer := mq.NewProducer(kc)
		bus := messaging.NewKafkaBus(producer, kc, cfg.Kafka.TopicPrefix)
		return bus, func() {
			if err := producer.Close(); err != nil {
				logger.Warn(context.Background(), "close kafka producer", "error", err)
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport driver %q", cfg.Transport.Driver)
	}
}

// Directory 目录服务及其 Redis 连接（memory 驱动时为空）
type Directory struct {
	directory.Directory
	Redis *cache.RedisCache
}

// Close 释放 Redis 连接
func (d *Directory) Close() {
	if d.Redis == nil {
		return
	}
	if err := d.Redis.Close(); err != nil {
		logger.Warn(context.Background(), "close redis", "error", err)
	}
}

// NewDirectory 按 directory.driver 创建目录服务
func NewDirectory(ctx context.Context, cfg *config.Config) (*Directory, error) {
	switch cfg.Directory.Driver {
	case "", "memory":
		return &Directory{Directory: directory.NewMemory()}, nil
	case "redis":
		var rc *cache.RedisCache
		err := utils.Retry(ctx, 3, time.Second, func() error {
			var err error
			rc, err = cache.New(ctx, RedisConfig(cfg.Redis))
			return err
		})
		if err != nil {
			return nil, err
		}
		return &Directory{Directory: directory.NewRedis(rc, cfg.Directory.KeyPrefix), Redis: rc}, nil
	default:
		return nil, fmt.Errorf("unknown directory driver %q", cfg.Directory.Driver)
	}
}

// NewRateLimiter 按 rate_limit.driver 创建限流器；redis 驱动复用目录的连接
func NewRateLimiter(cfg config.RateLimitConfig, rc *cache.RedisCache) (ratelimit.RateLimiter, error) {
	switch cfg.Driver {
	case "", "local":
		return ratelimit.NewLocalRateLimiter(), nil
	case "redis":
		if rc == nil {
			return nil, fmt.Errorf("redis rate limiter requires the redis directory driver")
		}
		return ratelimit.NewRedisRateLimiter(rc.GetClient()), nil
	default:
		return nil, fmt.Errorf("unknown rate limit driver %q", cfg.Driver)
	}
}

// NewRetailer 按配置创建模拟零售商
func NewRetailer(rc config.RetailerConfig, transport messaging.Transport, dir directory.Directory, sink logger.ActivitySink) (*retailerapp.Agent, error) {
	stock, err := retailerdomain.NewStock(rc.SellPrice, rc.BuyPrice, rc.Units, rc.Volatility)
	if err != nil {
		return nil, fmt.Errorf("retailer %s: %w", rc.ID, err)
	}
	return retailerapp.NewAgent(retailerapp.Config{
		AgentID:       messaging.AgentID(rc.ID),
		Name:          rc.Name,
		QuoteInterval: rc.QuoteInterval(),
	}, stock, transport, dir, retailerapp.WithActivity(sink))
}

// StartRetailers 在 g 中运行全部配置的零售商
func StartRetailers(ctx context.Context, g *errgroup.Group, cfgs []config.RetailerConfig, transport messaging.Transport, dir directory.Directory, sink logger.ActivitySink) error {
	for _, rc := range cfgs {
		agent, err := NewRetailer(rc, transport, dir, sink)
		if err != nil {
			return err
		}
		g.Go(func() error { return agent.Run(ctx) })
	}
	return nil
}

// ActivitySink 按配置选择活动日志输出
func ActivitySink(cfg config.LoggerConfig, console logger.ActivitySink) logger.ActivitySink {
	if !cfg.Activity {
		return logger.NewSlogSink(nil)
	}
	return logger.MultiSink{console, logger.NewSlogSink(nil)}
}
