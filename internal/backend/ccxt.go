package backend

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"trade-router/internal/config"
)

// tradeClient 提炼 ccxt 各交易所客户端共有的统一接口，便于在测试中替换。
type tradeClient interface {
	FetchBalance(params ...interface{}) (ccxt.Balances, error)
	FetchTicker(symbol string, options ...ccxt.FetchTickerOptions) (ccxt.Ticker, error)
	CreateMarketOrder(symbol string, side string, amount float64, options ...ccxt.CreateMarketOrderOptions) (ccxt.Order, error)
	CreateLimitOrder(symbol string, side string, amount float64, price float64, options ...ccxt.CreateLimitOrderOptions) (ccxt.Order, error)
	FetchOpenOrders(options ...ccxt.FetchOpenOrdersOptions) ([]ccxt.Order, error)
	CancelOrder(id string, options ...ccxt.CancelOrderOptions) (ccxt.Order, error)
	FetchPositions(options ...ccxt.FetchPositionsOptions) ([]ccxt.Position, error)
}

// CCXTBackend 通过 ccxt 统一接口实现 Backend。
type CCXTBackend struct {
	name        string
	client      tradeClient
	loadMarkets func() error
	logger      *zap.Logger

	marketsMu     sync.Mutex
	marketsLoaded bool
}

var _ Backend = (*CCXTBackend)(nil)

// NewCCXTBackend 按账户配置构造对应交易所的 Backend。
func NewCCXTBackend(acct config.AccountConfig, logger *zap.Logger) (*CCXTBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
		},
	}

	if acct.APIKey != "" {
		userConfig["apiKey"] = acct.APIKey
	}
	if acct.APISecret != "" {
		userConfig["secret"] = acct.APISecret
	}
	if acct.APIPass != "" {
		userConfig["password"] = acct.APIPass
	}
	if acct.Wallet != "" {
		userConfig["walletAddress"] = acct.Wallet
	}
	if acct.PrivateKey != "" {
		userConfig["privateKey"] = acct.PrivateKey
	}

	name := strings.ToLower(strings.TrimSpace(acct.Name))

	var client tradeClient
	var loadMarkets func() error

	switch name {
	case "bybit":
		ex := ccxt.NewBybit(userConfig)
		if acct.UseSandbox {
			ex.SetSandboxMode(true)
		}
		client = ex
		loadMarkets = func() error {
			_, err := ex.LoadMarkets()
			return err
		}
	case "okx":
		ex := ccxt.NewOkx(userConfig)
		if acct.UseSandbox {
			ex.SetSandboxMode(true)
		}
		client = ex
		loadMarkets = func() error {
			_, err := ex.LoadMarkets()
			return err
		}
	case "binanceusdm":
		ex := ccxt.NewBinanceusdm(userConfig)
		if acct.UseSandbox {
			ex.SetSandboxMode(true)
		}
		client = ex
		loadMarkets = func() error {
			_, err := ex.LoadMarkets()
			return err
		}
	case "hyperliquid":
		ex := ccxt.NewHyperliquid(userConfig)
		if acct.UseSandbox {
			ex.SetSandboxMode(true)
		}
		client = ex
		loadMarkets = func() error {
			_, err := ex.LoadMarkets()
			return err
		}
	default:
		return nil, fmt.Errorf("backend: 不支持的交易所 %s", acct.Name)
	}

	return &CCXTBackend{
		name:        name,
		client:      client,
		loadMarkets: loadMarkets,
		logger:      logger,
	}, nil
}

// Name 返回交易所名称。
func (b *CCXTBackend) Name() string {
	return b.name
}

// GetAccountBalance 查询账户余额与权益。
func (b *CCXTBackend) GetAccountBalance(ctx context.Context) (Balance, error) {
	var raw ccxt.Balances

	err := b.call(ctx, "fetch_balance", func() error {
		result, err := b.client.FetchBalance()
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return Balance{}, fmt.Errorf("backend %s: 获取账户余额失败: %w", b.name, err)
	}

	return convertBalance(raw), nil
}

// GetMarketData 获取指定交易对的行情快照。
func (b *CCXTBackend) GetMarketData(ctx context.Context, symbol string) (MarketData, error) {
	var raw ccxt.Ticker

	err := b.call(ctx, "fetch_ticker", func() error {
		if err := b.ensureMarketsLoaded(); err != nil {
			return err
		}
		ticker, err := b.client.FetchTicker(symbol)
		if err != nil {
			return err
		}
		raw = ticker
		return nil
	})
	if err != nil {
		return MarketData{}, fmt.Errorf("backend %s: 获取行情失败: %w", b.name, err)
	}

	return convertTicker(symbol, raw), nil
}

// PlaceOrder 提交委托。
func (b *CCXTBackend) PlaceOrder(ctx context.Context, req OrderRequest) (Order, error) {
	params := b.orderParams(req)

	var raw ccxt.Order

	err := b.call(ctx, "create_order", func() error {
		if err := b.ensureMarketsLoaded(); err != nil {
			return err
		}

		var err error
		switch req.Type {
		case OrderTypeMarket:
			var opts []ccxt.CreateMarketOrderOptions
			if len(params) > 0 {
				opts = append(opts, ccxt.WithCreateMarketOrderParams(params))
			}
			raw, err = b.client.CreateMarketOrder(req.Symbol, string(req.Side), req.Amount, opts...)
		case OrderTypeLimit:
			var opts []ccxt.CreateLimitOrderOptions
			if len(params) > 0 {
				opts = append(opts, ccxt.WithCreateLimitOrderParams(params))
			}
			raw, err = b.client.CreateLimitOrder(req.Symbol, string(req.Side), req.Amount, req.Price, opts...)
		default:
			return fmt.Errorf("不支持的订单类型 %s", req.Type)
		}
		return err
	})
	if err != nil {
		return Order{}, fmt.Errorf("backend %s: 下单失败: %w", b.name, err)
	}

	order := convertOrder(raw)
	if order.Symbol == "" {
		order.Symbol = req.Symbol
	}
	return order, nil
}

// GetOpenOrders 查询未成交委托，symbol 为空表示全部交易对。
func (b *CCXTBackend) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	var raw []ccxt.Order

	err := b.call(ctx, "fetch_open_orders", func() error {
		if err := b.ensureMarketsLoaded(); err != nil {
			return err
		}
		var opts []ccxt.FetchOpenOrdersOptions
		if symbol != "" {
			opts = append(opts, ccxt.WithFetchOpenOrdersSymbol(symbol))
		}
		orders, err := b.client.FetchOpenOrders(opts...)
		if err != nil {
			return err
		}
		raw = orders
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("backend %s: 获取未成交委托失败: %w", b.name, err)
	}

	orders := make([]Order, 0, len(raw))
	for _, item := range raw {
		orders = append(orders, convertOrder(item))
	}
	return orders, nil
}

// CancelOrder 按委托号撤单。
func (b *CCXTBackend) CancelOrder(ctx context.Context, symbol, orderID string) error {
	err := b.call(ctx, "cancel_order", func() error {
		if err := b.ensureMarketsLoaded(); err != nil {
			return err
		}
		var opts []ccxt.CancelOrderOptions
		if symbol != "" {
			opts = append(opts, ccxt.WithCancelOrderSymbol(symbol))
		}
		_, err := b.client.CancelOrder(orderID, opts...)
		return err
	})
	if err != nil {
		return fmt.Errorf("backend %s: 撤单失败: %w", b.name, err)
	}
	return nil
}

// ClosePosition 以市价单平掉指定交易对的全部持仓。
func (b *CCXTBackend) ClosePosition(ctx context.Context, symbol string) (Order, error) {
	var raw ccxt.Order

	err := b.call(ctx, "close_position", func() error {
		if err := b.ensureMarketsLoaded(); err != nil {
			return err
		}

		positions, err := b.client.FetchPositions()
		if err != nil {
			return err
		}

		var target *ccxt.Position
		for i := range positions {
			if strings.EqualFold(derefString(positions[i].Symbol), symbol) && derefFloat(positions[i].Contracts) != 0 {
				target = &positions[i]
				break
			}
		}
		if target == nil {
			return fmt.Errorf("%s 当前没有可平仓位", symbol)
		}

		size := math.Abs(derefFloat(target.Contracts))
		side := string(OrderSideSell)
		if strings.EqualFold(derefString(target.Side), "short") {
			side = string(OrderSideBuy)
		}

		order, err := b.client.CreateMarketOrder(symbol, side, size,
			ccxt.WithCreateMarketOrderParams(map[string]interface{}{"reduceOnly": true}),
		)
		if err != nil {
			return err
		}
		raw = order
		return nil
	})
	if err != nil {
		return Order{}, fmt.Errorf("backend %s: 平仓失败: %w", b.name, err)
	}

	order := convertOrder(raw)
	if order.Symbol == "" {
		order.Symbol = symbol
	}
	return order, nil
}

// GetOpenPositions 查询全部非零持仓。
func (b *CCXTBackend) GetOpenPositions(ctx context.Context) ([]Position, error) {
	var raw []ccxt.Position

	err := b.call(ctx, "fetch_positions", func() error {
		if err := b.ensureMarketsLoaded(); err != nil {
			return err
		}
		positions, err := b.client.FetchPositions()
		if err != nil {
			return err
		}
		raw = positions
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("backend %s: 获取持仓失败: %w", b.name, err)
	}

	positions := make([]Position, 0, len(raw))
	for _, item := range raw {
		if derefFloat(item.Contracts) == 0 {
			continue
		}
		positions = append(positions, convertPosition(item))
	}
	return positions, nil
}

// HealthProbe 以轻量账户查询确认交易所可用。
func (b *CCXTBackend) HealthProbe(ctx context.Context) error {
	err := b.call(ctx, "health_probe", func() error {
		_, err := b.client.FetchBalance()
		return err
	})
	if err != nil {
		return fmt.Errorf("backend %s: 健康探测失败: %w", b.name, err)
	}
	return nil
}

// call 在独立 goroutine 中执行 ccxt 调用，ccxt 本身不接受 context，
// 超时或取消后放弃等待，调用在后台自行结束。
func (b *CCXTBackend) call(ctx context.Context, operation string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-done:
	}

	if err != nil {
		err = classifyError(err)
		b.logger.Debug("交易所调用失败",
			zap.String("exchange", b.name),
			zap.String("operation", operation),
			zap.Duration("latency", time.Since(start)),
			zap.Error(err),
		)
	}
	return err
}

func (b *CCXTBackend) ensureMarketsLoaded() error {
	if b.marketsLoaded {
		return nil
	}

	b.marketsMu.Lock()
	defer b.marketsMu.Unlock()

	if b.marketsLoaded {
		return nil
	}

	if err := b.loadMarkets(); err != nil {
		return err
	}

	b.marketsLoaded = true
	b.logger.Info("已完成市场元数据加载", zap.String("exchange", b.name))
	return nil
}

func (b *CCXTBackend) orderParams(req OrderRequest) map[string]interface{} {
	params := make(map[string]interface{}, 5+len(req.Params))
	for k, v := range req.Params {
		params[k] = v
	}
	if req.ReduceOnly {
		params["reduceOnly"] = true
	}
	if req.TimeInForce != "" {
		params["timeInForce"] = strings.ToLower(req.TimeInForce)
	}
	if req.StopLoss > 0 {
		params["stopLossPrice"] = req.StopLoss
	}
	if req.TakeProfit > 0 {
		params["takeProfitPrice"] = req.TakeProfit
	}
	if req.ClientOrderID != "" {
		params["clientOrderId"] = req.ClientOrderID
	}
	return params
}
