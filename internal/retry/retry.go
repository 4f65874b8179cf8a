package retry

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"trade-router/internal/config"
)

// Policy 统一控制单次调用的重试节奏。
type Policy struct {
	// MaxRetries 为首次调用之外允许的重试次数，总尝试数为 MaxRetries+1。
	MaxRetries     int
	Delay          time.Duration
	MaxDelay       time.Duration
	Exponential    bool
	AttemptTimeout time.Duration
}

// FromConfig 从路由配置构造 Policy。
func FromConfig(cfg config.RouterConfig) Policy {
	return Policy{
		MaxRetries:     cfg.MaxRetryAttempts,
		Delay:          cfg.RetryDelay,
		MaxDelay:       cfg.MaxRetryDelay,
		Exponential:    strings.EqualFold(cfg.Backoff, "exponential"),
		AttemptTimeout: cfg.AttemptTimeout,
	}
}

// Do 执行 fn 并按策略重试，返回实际尝试次数与最终错误。
// 上下文取消会立即终止等待，不再发起新的尝试。
func Do(ctx context.Context, operation string, policy Policy, logger *zap.Logger, fn func(ctx context.Context) error) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	maxAttempts := policy.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	delay := policy.Delay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := policy.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	if delay > maxDelay {
		delay = maxDelay
	}

	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempt - 1, ctxErr
		}

		attemptCtx := ctx
		cancel := func() {}
		if policy.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, policy.AttemptTimeout)
		}

		start := time.Now()
		err := fn(attemptCtx)
		cancel()
		latency := time.Since(start)

		if err == nil {
			if attempt > 1 {
				logger.Info("调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", latency),
				)
			}
			return attempt, nil
		}

		if attempt >= maxAttempts {
			logger.Error("调用重试次数耗尽",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", latency),
				zap.Error(err),
			)
			return attempt, err
		}

		wait := delay
		logger.Warn("调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}

		if policy.Exponential {
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		}
	}
}
