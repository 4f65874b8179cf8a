package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"trade-router/internal/backend"
	"trade-router/internal/config"
	"trade-router/internal/retry"
)

// Config 聚合路由器构造所需的配置与交易所集合。
type Config struct {
	Router config.RouterConfig
	Health config.HealthConfig
	// Backends 按优先级排列，首个为主交易所。
	Backends []backend.Backend
	// Sink 可选，接收切换事件用于持久化。
	Sink EventSink
}

// Router 将交易操作转发到当前活跃交易所，并在其失效时自动切换到备用交易所。
// 转发路径只持有读锁，状态变更持有写锁，两侧核对等网络交互不在锁内进行。
type Router struct {
	cfg       config.RouterConfig
	healthCfg config.HealthConfig
	policy    retry.Policy
	logger    *zap.Logger
	sink      EventSink

	handles       []*Handle
	failoverNames []string

	mu            sync.RWMutex
	state         State
	active        int
	version       uint64
	stateSince    time.Time
	switchGate    chan struct{}
	history       []FailoverEvent
	failoverCount int
	stopped       bool

	events    chan HealthEvent
	monitor   *Monitor
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// New 构造路由器。Backends 为空或名称重复会直接返回错误。
func New(cfg Config, logger *zap.Logger) (*Router, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Backends) == 0 {
		return nil, errors.New("router: 至少需要配置一个交易所")
	}

	handles := make([]*Handle, 0, len(cfg.Backends))
	failoverNames := make([]string, 0, len(cfg.Backends)-1)
	seen := make(map[string]bool, len(cfg.Backends))
	for rank, b := range cfg.Backends {
		name := strings.ToLower(strings.TrimSpace(b.Name()))
		if name == "" {
			return nil, errors.New("router: 交易所名称不能为空")
		}
		if seen[name] {
			return nil, fmt.Errorf("router: 交易所 %s 重复配置", name)
		}
		seen[name] = true
		handles = append(handles, newHandle(name, rank, b))
		if rank > 0 {
			failoverNames = append(failoverNames, name)
		}
	}

	eventCap := len(handles) * 4
	if eventCap < 16 {
		eventCap = 16
	}
	events := make(chan HealthEvent, eventCap)

	r := &Router{
		cfg:           cfg.Router,
		healthCfg:     cfg.Health,
		policy:        retry.FromConfig(cfg.Router),
		logger:        logger,
		sink:          cfg.Sink,
		handles:       handles,
		failoverNames: failoverNames,
		state:         StateInitializing,
		stateSince:    time.Now().UTC(),
		events:        events,
	}
	r.monitor = newMonitor(handles, cfg.Health, events, logger)

	return r, nil
}

// Initialize 对全部交易所执行首轮并发探测并选定活跃交易所，
// 随后启动健康监控与切换控制循环。所有交易所探测失败时进入 error
// 状态等待恢复，而不是直接退出。
func (r *Router) Initialize(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return &RoutingError{Op: "initialize", Err: ErrStopped}
	}
	if r.state != StateInitializing {
		r.mu.Unlock()
		return &RoutingError{Op: "initialize", Err: errors.New("路由器已完成初始化")}
	}
	r.mu.Unlock()

	r.logger.Info("开始初始化路由器",
		zap.String("primary", r.handles[0].Name()),
		zap.Strings("failovers", r.failoverNames),
	)

	r.monitor.Sweep(ctx)

	now := time.Now().UTC()
	r.mu.Lock()
	idx, ok := r.pickCandidateLocked("")
	if ok {
		r.active = idx
		r.version = 1
		r.setStateLocked(StateReady, now)
	} else {
		r.active = 0
		r.setStateLocked(StateError, now)
	}
	state := r.state
	activeName := r.handles[r.active].Name()

	runCtx, cancel := context.WithCancel(context.Background())
	r.runCancel = cancel
	r.mu.Unlock()

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.monitor.Run(runCtx)
	}()
	go func() {
		defer r.wg.Done()
		r.controlLoop(runCtx)
	}()

	if state == StateError {
		r.logger.Error("所有交易所初始探测均失败，路由器进入 error 状态等待恢复")
		return nil
	}

	if activeName != r.handles[0].Name() {
		r.logger.Warn("主交易所初始探测未通过，已选用备用交易所",
			zap.String("primary", r.handles[0].Name()),
			zap.String("active", activeName),
		)
	}

	r.logger.Info("路由器初始化完成",
		zap.String("active", activeName),
		zap.String("state", string(state)),
	)
	return nil
}

// GetAccountBalance 查询当前活跃交易所的账户余额。
func (r *Router) GetAccountBalance(ctx context.Context) (backend.Balance, error) {
	var out backend.Balance
	err := r.route(ctx, "get_account_balance", func(ctx context.Context, b backend.Backend) error {
		result, err := b.GetAccountBalance(ctx)
		if err != nil {
			return err
		}
		out = result
		return nil
	})
	if err != nil {
		return backend.Balance{}, err
	}
	return out, nil
}

// GetMarketData 获取当前活跃交易所上指定交易对的行情。
func (r *Router) GetMarketData(ctx context.Context, symbol string) (backend.MarketData, error) {
	if strings.TrimSpace(symbol) == "" {
		return backend.MarketData{}, &ValidationError{Op: "get_market_data", Err: errors.New("symbol 不能为空")}
	}

	var out backend.MarketData
	err := r.route(ctx, "get_market_data", func(ctx context.Context, b backend.Backend) error {
		result, err := b.GetMarketData(ctx, symbol)
		if err != nil {
			return err
		}
		out = result
		return nil
	})
	if err != nil {
		return backend.MarketData{}, err
	}
	return out, nil
}

// PlaceOrder 在当前活跃交易所提交委托。
func (r *Router) PlaceOrder(ctx context.Context, req backend.OrderRequest) (backend.Order, error) {
	if err := req.Validate(); err != nil {
		return backend.Order{}, &ValidationError{Op: "place_order", Err: err}
	}

	var out backend.Order
	err := r.route(ctx, "place_order", func(ctx context.Context, b backend.Backend) error {
		result, err := b.PlaceOrder(ctx, req)
		if err != nil {
			return err
		}
		out = result
		return nil
	})
	if err != nil {
		return backend.Order{}, err
	}
	return out, nil
}

// GetOpenOrders 查询未成交委托，symbol 为空表示全部交易对。
func (r *Router) GetOpenOrders(ctx context.Context, symbol string) ([]backend.Order, error) {
	var out []backend.Order
	err := r.route(ctx, "get_open_orders", func(ctx context.Context, b backend.Backend) error {
		result, err := b.GetOpenOrders(ctx, symbol)
		if err != nil {
			return err
		}
		out = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CancelOrder 在当前活跃交易所按委托号撤单。
func (r *Router) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if strings.TrimSpace(symbol) == "" {
		return &ValidationError{Op: "cancel_order", Err: errors.New("symbol 不能为空")}
	}
	if strings.TrimSpace(orderID) == "" {
		return &ValidationError{Op: "cancel_order", Err: errors.New("order_id 不能为空")}
	}

	return r.route(ctx, "cancel_order", func(ctx context.Context, b backend.Backend) error {
		return b.CancelOrder(ctx, symbol, orderID)
	})
}

// ClosePosition 平掉当前活跃交易所上指定交易对的持仓。
func (r *Router) ClosePosition(ctx context.Context, symbol string) (backend.Order, error) {
	if strings.TrimSpace(symbol) == "" {
		return backend.Order{}, &ValidationError{Op: "close_position", Err: errors.New("symbol 不能为空")}
	}

	var out backend.Order
	err := r.route(ctx, "close_position", func(ctx context.Context, b backend.Backend) error {
		result, err := b.ClosePosition(ctx, symbol)
		if err != nil {
			return err
		}
		out = result
		return nil
	})
	if err != nil {
		return backend.Order{}, err
	}
	return out, nil
}

// GetOpenPositions 查询当前活跃交易所的全部持仓。
func (r *Router) GetOpenPositions(ctx context.Context) ([]backend.Position, error) {
	var out []backend.Position
	err := r.route(ctx, "get_open_positions", func(ctx context.Context, b backend.Backend) error {
		result, err := b.GetOpenPositions(ctx)
		if err != nil {
			return err
		}
		out = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ManualFailover 主动切换到指定交易所，force 允许在目标未通过健康检查时强制切换。
// 目标已是活跃交易所时幂等成功并记录事件。
func (r *Router) ManualFailover(ctx context.Context, target string, force bool) error {
	target = strings.ToLower(strings.TrimSpace(target))
	if target == "" {
		return &ValidationError{Op: "manual_failover", Err: errors.New("target 不能为空")}
	}

	_, err := r.performSwitch(ctx, ReasonManual, "", target, force, 0)
	return err
}

// Status 导出路由器状态快照。
func (r *Router) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	health := make([]BackendHealth, 0, len(r.handles))
	for _, h := range r.handles {
		health = append(health, h.Snapshot())
	}

	return Status{
		State:         r.state,
		Active:        r.handles[r.active].Name(),
		Primary:       r.handles[0].Name(),
		Failovers:     append([]string(nil), r.failoverNames...),
		Version:       r.version,
		FailoverCount: r.failoverCount,
		TimeInState:   time.Since(r.stateSince),
		Health:        health,
	}
}

// History 返回按时间顺序排列的切换事件副本。
func (r *Router) History() []FailoverEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]FailoverEvent, len(r.history))
	copy(out, r.history)
	return out
}

// Stop 停止健康监控与切换控制循环，并在宽限期内等待后台任务退出。
// 幂等，可在任意状态下调用。
func (r *Router) Stop() error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	cancel := r.runCancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	grace := r.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}

	select {
	case <-done:
		r.logger.Info("路由器已停止")
		return nil
	case <-time.After(grace):
		return fmt.Errorf("router: 后台任务在 %s 内未退出", grace)
	}
}

// route 执行一次带重试与自动切换的转发。活跃交易所在调用开始时确定一次，
// 重试期间不会换手；重试耗尽后至多切换一次并在新交易所上重发一次。
func (r *Router) route(ctx context.Context, op string, fn func(ctx context.Context, b backend.Backend) error) error {
	h, version, err := r.awaitReady(ctx, op)
	if err != nil {
		return err
	}

	attempts, callErr := retry.Do(ctx, h.Name()+"."+op, r.policy, r.logger, func(ctx context.Context) error {
		return fn(ctx, h.Backend())
	})
	if callErr == nil {
		return nil
	}

	if ctx.Err() != nil {
		return callErr
	}

	if !r.cfg.AutoFailover {
		return &RoutingError{Op: op, Backends: []string{h.Name()}, Err: callErr}
	}

	r.logger.Warn("调用在重试耗尽后仍失败，触发故障切换",
		zap.String("operation", op),
		zap.String("exchange", h.Name()),
		zap.Int("attempts", attempts),
		zap.Error(callErr),
	)

	_, switchErr := r.performSwitch(ctx, ReasonMaxRetries, h.Name(), "", false, version)
	if switchErr != nil && !errors.Is(switchErr, ErrSwitchInProgress) {
		return &RoutingError{Op: op, Backends: []string{h.Name()}, Err: multierr.Append(callErr, switchErr)}
	}

	next, _, err := r.awaitReady(ctx, op)
	if err != nil {
		return &RoutingError{Op: op, Backends: []string{h.Name()}, Err: multierr.Append(callErr, err)}
	}

	reissueCtx := ctx
	cancel := func() {}
	if r.policy.AttemptTimeout > 0 {
		reissueCtx, cancel = context.WithTimeout(ctx, r.policy.AttemptTimeout)
	}
	reissueErr := fn(reissueCtx, next.Backend())
	cancel()

	if reissueErr == nil {
		r.logger.Info("切换后重发成功",
			zap.String("operation", op),
			zap.String("exchange", next.Name()),
		)
		return nil
	}

	return &RoutingError{Op: op, Backends: []string{h.Name(), next.Name()}, Err: reissueErr}
}

// awaitReady 等待路由器可受理调用并返回当时的活跃交易所与版本号。
// 切换进行中按配置阻塞等待或立即失败。
func (r *Router) awaitReady(ctx context.Context, op string) (*Handle, uint64, error) {
	for {
		r.mu.RLock()
		stopped := r.stopped
		state := r.state
		gate := r.switchGate
		version := r.version
		var h *Handle
		if state == StateReady {
			h = r.handles[r.active]
		}
		r.mu.RUnlock()

		if stopped {
			return nil, 0, &RoutingError{Op: op, Err: ErrStopped}
		}

		switch state {
		case StateReady:
			return h, version, nil
		case StateInitializing:
			return nil, 0, &RoutingError{Op: op, Err: ErrNotInitialized}
		case StateError:
			return nil, 0, &RoutingError{Op: op, Err: ErrNoHealthyBackend}
		case StateSwitching:
			if !r.cfg.BlockOnSwitch {
				return nil, 0, &RoutingError{Op: op, Err: ErrSwitchInProgress}
			}
			if gate == nil {
				continue
			}
			timer := time.NewTimer(r.cfg.SwitchWaitTimeout)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, 0, ctx.Err()
			case <-timer.C:
				return nil, 0, &RoutingError{
					Op:  op,
					Err: fmt.Errorf("等待切换完成超时(%s)", r.cfg.SwitchWaitTimeout),
				}
			case <-gate:
				timer.Stop()
			}
		}
	}
}

func (r *Router) appendEventLocked(event FailoverEvent) {
	r.history = append(r.history, event)
	if limit := r.cfg.HistoryLimit; limit > 0 && len(r.history) > limit {
		r.history = r.history[len(r.history)-limit:]
	}
}

func (r *Router) setStateLocked(state State, at time.Time) {
	if r.state == state {
		return
	}
	r.state = state
	r.stateSince = at
}

func (r *Router) emit(ctx context.Context, event FailoverEvent) {
	if r.sink == nil {
		return
	}
	r.sink.RecordFailover(ctx, event)
}
