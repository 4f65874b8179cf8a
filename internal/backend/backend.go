package backend

import "context"

// Backend 定义路由层所需的交易所能力集合。
// 所有方法都是同步调用，实现方不做重试，由上层统一控制重试与切换。
type Backend interface {
	// Name 返回交易所名称。
	Name() string
	// GetAccountBalance 查询账户余额与权益。
	GetAccountBalance(ctx context.Context) (Balance, error)
	// GetMarketData 获取指定交易对的行情快照。
	GetMarketData(ctx context.Context, symbol string) (MarketData, error)
	// PlaceOrder 提交委托。
	PlaceOrder(ctx context.Context, req OrderRequest) (Order, error)
	// GetOpenOrders 查询未成交委托，symbol 为空表示全部交易对。
	GetOpenOrders(ctx context.Context, symbol string) ([]Order, error)
	// CancelOrder 按委托号撤单。
	CancelOrder(ctx context.Context, symbol, orderID string) error
	// ClosePosition 以市价单平掉指定交易对的全部持仓。
	ClosePosition(ctx context.Context, symbol string) (Order, error)
	// GetOpenPositions 查询全部非零持仓。
	GetOpenPositions(ctx context.Context) ([]Position, error)
	// HealthProbe 以轻量请求确认交易所可用。
	HealthProbe(ctx context.Context) error
}
