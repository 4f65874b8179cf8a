package statecache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"trade-router/internal/config"
	"trade-router/internal/router"
)

// StatusSource 提供路由器状态快照。
type StatusSource interface {
	Status() router.Status
}

// Publisher 周期性地把路由器状态写入 Redis，供外部系统读取当前活跃交易所。
// 键值带有过期时间，路由器退出后缓存状态会自动失效。
type Publisher struct {
	client   *redis.Client
	source   StatusSource
	prefix   string
	interval time.Duration
	logger   *zap.Logger
}

// NewPublisher 构造状态发布器。
func NewPublisher(cfg config.StateCacheConfig, source StatusSource, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "router"
	}
	interval := cfg.PublishInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &Publisher{
		client:   client,
		source:   source,
		prefix:   prefix,
		interval: interval,
		logger:   logger,
	}
}

// Run 启动发布循环，ctx 取消后关闭 Redis 连接退出。
func (p *Publisher) Run(ctx context.Context) {
	defer func() {
		if err := p.client.Close(); err != nil {
			p.logger.Warn("关闭 Redis 连接失败", zap.Error(err))
		}
	}()

	if err := p.publish(ctx); err != nil {
		p.logger.Warn("发布状态到 Redis 失败", zap.Error(err))
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.publish(ctx); err != nil {
				p.logger.Warn("发布状态到 Redis 失败", zap.Error(err))
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context) error {
	status := p.source.Status()

	publishCtx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()

	// 状态存活三个发布周期，足够覆盖偶发的发布失败。
	ttl := 3 * p.interval

	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("statecache: 序列化状态失败: %w", err)
	}
	if err := p.client.Set(publishCtx, p.prefix+":status", payload, ttl).Err(); err != nil {
		return fmt.Errorf("statecache: 写入状态失败: %w", err)
	}

	for _, h := range status.Health {
		data, err := json.Marshal(h)
		if err != nil {
			return fmt.Errorf("statecache: 序列化 %s 健康状态失败: %w", h.Name, err)
		}
		key := fmt.Sprintf("%s:health:%s", p.prefix, h.Name)
		if err := p.client.Set(publishCtx, key, data, ttl).Err(); err != nil {
			return fmt.Errorf("statecache: 写入 %s 健康状态失败: %w", h.Name, err)
		}
	}

	return nil
}
