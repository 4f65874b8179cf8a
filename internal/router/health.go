package router

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"trade-router/internal/config"
)

// HealthEvent 描述一次健康状态翻转。
type HealthEvent struct {
	Handle *Handle
	State  HealthState
	At     time.Time
	Err    error
}

// Monitor 周期性并发探测全部交易所，状态翻转时向事件通道上报。
type Monitor struct {
	handles []*Handle
	cfg     config.HealthConfig
	events  chan<- HealthEvent
	logger  *zap.Logger
}

func newMonitor(handles []*Handle, cfg config.HealthConfig, events chan<- HealthEvent, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		handles: handles,
		cfg:     cfg,
		events:  events,
		logger:  logger,
	}
}

// Run 以固定间隔执行探测循环，直到上下文取消。
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep 并发探测全部交易所并等待本轮全部完成。
func (m *Monitor) Sweep(ctx context.Context) {
	var wg sync.WaitGroup
	for _, h := range m.handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			m.probe(ctx, h)
		}(h)
	}
	wg.Wait()
}

func (m *Monitor) probe(ctx context.Context, h *Handle) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := h.Backend().HealthProbe(probeCtx)
	latency := time.Since(start)

	state, flipped := h.recordProbe(err, time.Now().UTC(), m.cfg.FailureThreshold, m.cfg.RecoveryThreshold)

	if err != nil {
		m.logger.Warn("健康探测失败",
			zap.String("exchange", h.Name()),
			zap.String("state", string(state)),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
	} else {
		m.logger.Debug("健康探测成功",
			zap.String("exchange", h.Name()),
			zap.Duration("latency", latency),
		)
	}

	if !flipped {
		return
	}

	m.logger.Info("交易所健康状态翻转",
		zap.String("exchange", h.Name()),
		zap.String("state", string(state)),
	)

	event := HealthEvent{Handle: h, State: state, At: time.Now().UTC(), Err: err}
	select {
	case m.events <- event:
	case <-ctx.Done():
	}
}
