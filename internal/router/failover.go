package router

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trade-router/internal/backend"
)

// controlLoop 消费健康事件并驱动自动切换与故障恢复。
func (r *Router) controlLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-r.events:
			r.handleHealthEvent(ctx, event)
		}
	}
}

func (r *Router) handleHealthEvent(ctx context.Context, event HealthEvent) {
	r.mu.RLock()
	state := r.state
	activeName := r.handles[r.active].Name()
	r.mu.RUnlock()

	switch event.State {
	case HealthUnhealthy:
		if event.Handle.Name() != activeName || state != StateReady {
			return
		}
		if !r.cfg.AutoFailover {
			r.logger.Warn("活跃交易所不健康，自动切换已关闭",
				zap.String("exchange", event.Handle.Name()),
			)
			return
		}
		r.logger.Warn("活跃交易所被判定为不健康，触发自动切换",
			zap.String("exchange", event.Handle.Name()),
			zap.Error(event.Err),
		)
		if _, err := r.performSwitch(ctx, ReasonHealthCheck, event.Handle.Name(), "", false, 0); err != nil {
			r.logger.Error("自动切换失败", zap.Error(err))
		}
	case HealthHealthy:
		if state != StateError {
			return
		}
		r.logger.Info("交易所恢复健康，尝试退出 error 状态",
			zap.String("exchange", event.Handle.Name()),
		)
		if _, err := r.performSwitch(ctx, ReasonHealthCheck, "", "", false, 0); err != nil {
			r.logger.Error("恢复切换失败", zap.Error(err))
		}
	}
}

// performSwitch 执行切换协议。exclude 从候选中剔除指定交易所；target 非空时
// 定向切换（手动触发），force 允许跳过目标健康检查；expectVersion 非零时用于
// 识别并发切换，版本已前进且路由器就绪则直接视为满足。
// 写锁只覆盖状态变更，两侧核对等网络交互在锁外执行。
func (r *Router) performSwitch(ctx context.Context, reason Reason, exclude, target string, force bool, expectVersion uint64) (string, error) {
	now := time.Now().UTC()

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return "", &RoutingError{Op: "failover", Err: ErrStopped}
	}
	switch r.state {
	case StateSwitching:
		r.mu.Unlock()
		return "", &RoutingError{Op: "failover", Err: ErrSwitchInProgress}
	case StateInitializing:
		r.mu.Unlock()
		return "", &RoutingError{Op: "failover", Err: ErrNotInitialized}
	}
	if expectVersion != 0 && r.version != expectVersion && r.state == StateReady {
		name := r.handles[r.active].Name()
		r.mu.Unlock()
		return name, nil
	}

	from := r.handles[r.active]

	var to *Handle
	if target != "" {
		to = r.findHandleLocked(target)
		if to == nil {
			r.mu.Unlock()
			return "", &ValidationError{Op: "manual_failover", Err: fmt.Errorf("交易所 %s 未配置", target)}
		}
		if to.Name() == from.Name() && r.state == StateReady {
			event := FailoverEvent{At: now, From: from.Name(), To: to.Name(), Reason: reason, Outcome: OutcomeSuccess}
			r.appendEventLocked(event)
			r.mu.Unlock()
			r.emit(ctx, event)
			r.logger.Info("目标已是活跃交易所，切换请求视为成功", zap.String("exchange", to.Name()))
			return to.Name(), nil
		}
		if !force && to.Health() != HealthHealthy {
			r.mu.Unlock()
			return "", &ValidationError{
				Op:  "manual_failover",
				Err: fmt.Errorf("交易所 %s 当前状态为 %s，可使用 force 强制切换", target, to.Health()),
			}
		}
	} else {
		idx, ok := r.pickCandidateLocked(exclude)
		if !ok {
			event := FailoverEvent{
				At:      now,
				From:    from.Name(),
				To:      "",
				Reason:  reason,
				Outcome: OutcomeFailure,
				Error:   ErrNoHealthyBackend.Error(),
			}
			r.appendEventLocked(event)
			r.setStateLocked(StateError, now)
			r.mu.Unlock()
			r.emit(ctx, event)
			r.logger.Error("没有可用的切换目标，路由器进入 error 状态",
				zap.String("from", from.Name()),
				zap.String("reason", string(reason)),
			)
			return "", &RoutingError{Op: "failover", Err: ErrNoHealthyBackend}
		}
		to = r.handles[idx]
	}

	gate := make(chan struct{})
	r.switchGate = gate
	r.setStateLocked(StateSwitching, now)
	r.mu.Unlock()

	r.logger.Info("开始切换交易所",
		zap.String("from", from.Name()),
		zap.String("to", to.Name()),
		zap.String("reason", string(reason)),
	)

	var finalErr error
	var finalName string

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				switchErr := &SwitchError{From: from.Name(), To: to.Name(), Err: fmt.Errorf("内部异常: %v", rec)}
				failedAt := time.Now().UTC()
				r.mu.Lock()
				r.setStateLocked(StateError, failedAt)
				event := FailoverEvent{
					At:      failedAt,
					From:    from.Name(),
					To:      to.Name(),
					Reason:  reason,
					Outcome: OutcomeFailure,
					Error:   switchErr.Error(),
				}
				r.appendEventLocked(event)
				r.switchGate = nil
				close(gate)
				r.mu.Unlock()
				r.emit(ctx, event)
				r.logger.Error("切换过程中出现内部异常", zap.Any("panic", rec))
				finalErr = switchErr
			}
		}()

		var sync SyncSummary
		if from.Name() != to.Name() {
			sync = r.syncBackends(ctx, from, to)
		}

		committedAt := time.Now().UTC()
		r.mu.Lock()
		r.active = r.indexOfLocked(to.Name())
		r.version++
		r.failoverCount++
		version := r.version
		r.setStateLocked(StateReady, committedAt)
		event := FailoverEvent{
			At:      committedAt,
			From:    from.Name(),
			To:      to.Name(),
			Reason:  reason,
			Outcome: OutcomeSuccess,
			Sync:    sync,
		}
		r.appendEventLocked(event)
		r.switchGate = nil
		close(gate)
		r.mu.Unlock()

		r.emit(ctx, event)
		r.logger.Info("交易所切换完成",
			zap.String("from", from.Name()),
			zap.String("to", to.Name()),
			zap.String("reason", string(reason)),
			zap.Uint64("version", version),
			zap.Int("mismatches", len(sync.Mismatches)),
		)
		finalName = to.Name()
	}()

	return finalName, finalErr
}

// pickCandidateLocked 按 rank 升序返回首个健康候选；没有健康候选且允许回退时，
// 返回首个状态未知的候选。
func (r *Router) pickCandidateLocked(exclude string) (int, bool) {
	for i, h := range r.handles {
		if h.Name() == exclude {
			continue
		}
		if h.Health() == HealthHealthy {
			return i, true
		}
	}
	if r.cfg.AllowUnknownFallback {
		for i, h := range r.handles {
			if h.Name() == exclude {
				continue
			}
			if h.Health() == HealthUnknown {
				return i, true
			}
		}
	}
	return -1, false
}

func (r *Router) findHandleLocked(name string) *Handle {
	for _, h := range r.handles {
		if h.Name() == name {
			return h
		}
	}
	return nil
}

func (r *Router) indexOfLocked(name string) int {
	for i, h := range r.handles {
		if h.Name() == name {
			return i
		}
	}
	return 0
}

// syncBackends 在切换落地前核对两侧的持仓与挂单，任何读取失败只降级为
// 告警与事件备注，不会中断切换。
func (r *Router) syncBackends(ctx context.Context, from, to *Handle) SyncSummary {
	summary := SyncSummary{}

	syncCtx, cancel := context.WithTimeout(ctx, r.healthCfg.ProbeTimeout)
	defer cancel()

	var (
		fromPositions []backend.Position
		toPositions   []backend.Position
		fromOrders    []backend.Order
		toOrders      []backend.Order

		fromPosErr error
		toPosErr   error
		fromOrdErr error
		toOrdErr   error
	)

	var group errgroup.Group
	group.Go(func() error {
		fromPositions, fromPosErr = from.Backend().GetOpenPositions(syncCtx)
		return nil
	})
	group.Go(func() error {
		toPositions, toPosErr = to.Backend().GetOpenPositions(syncCtx)
		return nil
	})
	group.Go(func() error {
		fromOrders, fromOrdErr = from.Backend().GetOpenOrders(syncCtx, "")
		return nil
	})
	group.Go(func() error {
		toOrders, toOrdErr = to.Backend().GetOpenOrders(syncCtx, "")
		return nil
	})
	_ = group.Wait()

	if fromPosErr != nil {
		summary.Notes = append(summary.Notes, fmt.Sprintf("原交易所持仓不可读: %v", fromPosErr))
		r.logger.Warn("切换核对时原交易所持仓不可读",
			zap.String("exchange", from.Name()),
			zap.Error(fromPosErr),
		)
	} else {
		summary.FromPositions = len(fromPositions)
	}
	if toPosErr != nil {
		summary.Notes = append(summary.Notes, fmt.Sprintf("目标交易所持仓不可读: %v", toPosErr))
		r.logger.Warn("切换核对时目标交易所持仓不可读",
			zap.String("exchange", to.Name()),
			zap.Error(toPosErr),
		)
	} else {
		summary.ToPositions = len(toPositions)
	}
	if fromOrdErr != nil {
		summary.Notes = append(summary.Notes, fmt.Sprintf("原交易所挂单不可读: %v", fromOrdErr))
	} else {
		summary.FromOrders = len(fromOrders)
	}
	if toOrdErr != nil {
		summary.Notes = append(summary.Notes, fmt.Sprintf("目标交易所挂单不可读: %v", toOrdErr))
	} else {
		summary.ToOrders = len(toOrders)
	}

	if fromPosErr == nil && toPosErr == nil {
		summary.Mismatches = diffPositions(from.Name(), to.Name(), fromPositions, toPositions)
	}
	if fromOrdErr == nil && toOrdErr == nil && len(fromOrders) != len(toOrders) {
		summary.Notes = append(summary.Notes, fmt.Sprintf("挂单数量不一致: %s=%d %s=%d",
			from.Name(), len(fromOrders), to.Name(), len(toOrders)))
	}

	return summary
}

// diffPositions 按交易对比较两侧持仓，返回人读形式的差异列表。
func diffPositions(fromName, toName string, fromPositions, toPositions []backend.Position) []string {
	const epsilon = 1e-8

	toBySymbol := make(map[string]backend.Position, len(toPositions))
	for _, p := range toPositions {
		toBySymbol[p.Symbol] = p
	}

	var mismatches []string
	seen := make(map[string]bool, len(fromPositions))
	for _, p := range fromPositions {
		seen[p.Symbol] = true
		counterpart, ok := toBySymbol[p.Symbol]
		if !ok {
			mismatches = append(mismatches, fmt.Sprintf("持仓 %s 仅存在于 %s", p.Symbol, fromName))
			continue
		}
		if p.Side != counterpart.Side {
			mismatches = append(mismatches, fmt.Sprintf("持仓 %s 方向不一致: %s=%s %s=%s",
				p.Symbol, fromName, p.Side, toName, counterpart.Side))
			continue
		}
		if diff := p.Contracts - counterpart.Contracts; diff > epsilon || diff < -epsilon {
			mismatches = append(mismatches, fmt.Sprintf("持仓 %s 数量不一致: %s=%v %s=%v",
				p.Symbol, fromName, p.Contracts, toName, counterpart.Contracts))
		}
	}
	for _, p := range toPositions {
		if !seen[p.Symbol] {
			mismatches = append(mismatches, fmt.Sprintf("持仓 %s 仅存在于 %s", p.Symbol, toName))
		}
	}

	return mismatches
}
