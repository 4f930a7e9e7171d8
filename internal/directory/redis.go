package directory

import (
	"context"
	"errors"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/redis/go-redis/v9"
	"github.com/wyfcoding/commoditybroker/internal/messaging"
	"github.com/wyfcoding/commoditybroker/internal/trade"
	"github.com/wyfcoding/commoditybroker/pkg/cache"
	"github.com/wyfcoding/commoditybroker/pkg/logger"
)

// Redis 基于 Redis 的共享目录
//
//	<prefix>:<type>          成员 ID 集合
//	<prefix>:agent:<id>      代理描述（JSON）
//	<prefix>:<type>:changes  成员变化通知频道
type Redis struct {
	cache  *cache.RedisCache
	client *redis.Client
	prefix string
}

// NewRedis 创建 Redis 目录
func NewRedis(c *cache.RedisCache, prefix string) *Redis {
	if prefix == "" {
		prefix = "directory"
	}
	return &Redis{cache: c, client: c.GetClient(), prefix: prefix}
}

func (r *Redis) membersKey(t trade.ServiceType) string { return fmt.Sprintf("%s:%s", r.prefix, t) }

func (r *Redis) agentKey(id messaging.AgentID) string {
	return fmt.Sprintf("%s:agent:%s", r.prefix, id)
}

func (r *Redis) changesChannel(t trade.ServiceType) string {
	return fmt.Sprintf("%s:%s:changes", r.prefix, t)
}

// Register 注册代理；已注册时先注销再注册
func (r *Redis) Register(ctx context.Context, d Description) error {
	if d.ID == "" || d.ServiceType == "" {
		return fmt.Errorf("register: id and service type are required")
	}
	if err := r.Deregister(ctx, d.ID); err != nil && !errors.Is(err, ErrNotRegistered) {
		return err
	}
	if err := r.cache.SetJSON(ctx, r.agentKey(d.ID), d, 0); err != nil {
		return fmt.Errorf("register %s: %w", d.ID, err)
	}
	if err := r.client.SAdd(ctx, r.membersKey(d.ServiceType), string(d.ID)).Err(); err != nil {
		return fmt.Errorf("register %s: %w", d.ID, err)
	}
	return r.notify(ctx, d.ServiceType)
}

// Deregister 注销代理
func (r *Redis) Deregister(ctx context.Context, id messaging.AgentID) error {
	var d Description
	if err := r.cache.GetJSON(ctx, r.agentKey(id), &d); err != nil {
		return fmt.Errorf("deregister %s: %w", id, err)
	}
	if d.ID == "" {
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	pipe := r.client.TxPipeline()
	pipe.SRem(ctx, r.membersKey(d.ServiceType), string(id))
	pipe.Del(ctx, r.agentKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deregister %s: %w", id, err)
	}
	return r.notify(ctx, d.ServiceType)
}

func (r *Redis) notify(ctx context.Context, t trade.ServiceType) error {
	if err := r.client.Publish(ctx, r.changesChannel(t), "changed").Err(); err != nil {
		return fmt.Errorf("publish membership change: %w", err)
	}
	return nil
}

// Search 按服务类型检索
func (r *Redis) Search(ctx context.Context, serviceType trade.ServiceType) ([]Description, error) {
	members, err := r.members(ctx, serviceType)
	if err != nil {
		return nil, err
	}
	out := make([]Description, 0, members.Cardinality())
	for _, id := range sorted(members) {
		var d Description
		if err := r.cache.GetJSON(ctx, r.agentKey(id), &d); err != nil {
			return nil, err
		}
		if d.ID == "" {
			d = Description{ID: id, ServiceType: serviceType}
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *Redis) members(ctx context.Context, t trade.ServiceType) (mapset.Set[messaging.AgentID], error) {
	ids, err := r.client.SMembers(ctx, r.membersKey(t)).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s members: %w", t, err)
	}
	s := mapset.NewThreadUnsafeSet[messaging.AgentID]()
	for _, id := range ids {
		s.Add(messaging.AgentID(id))
	}
	return s, nil
}

// Subscribe 订阅成员变化
// 先建立频道订阅再读取当前集合，之后每次通知都重新读取并与上次结果比较
func (r *Redis) Subscribe(ctx context.Context, serviceType trade.ServiceType) (<-chan MembershipEvent, error) {
	ps := r.client.Subscribe(ctx, r.changesChannel(serviceType))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", serviceType, err)
	}

	current, err := r.members(ctx, serviceType)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}

	q := newEventQueue()
	q.push(MembershipEvent{
		ServiceType: serviceType,
		Added:       sorted(current),
		Active:      sorted(current),
	})

	go q.run(ctx)
	go func() {
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				next, err := r.members(ctx, serviceType)
				if err != nil {
					logger.Warn(ctx, "directory refresh failed", "service_type", serviceType, "error", err)
					continue
				}
				added, removed := Diff(current, next)
				if len(added) == 0 && len(removed) == 0 {
					continue
				}
				current = next
				q.push(MembershipEvent{
					ServiceType: serviceType,
					Added:       added,
					Removed:     removed,
					Active:      sorted(next),
				})
			}
		}
	}()
	return q.ch, nil
}
