package backend

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// OrderSide 表示下单方向。
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType 表示委托类型。
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// Balance 描述账户权益及各币种余额。
type Balance struct {
	TotalEquity float64
	FreeUSD     float64
	Totals      map[string]float64
	Timestamp   time.Time
}

// MarketData 为单个交易对的行情快照。
type MarketData struct {
	Symbol     string
	Last       float64
	Bid        float64
	Ask        float64
	High24h    float64
	Low24h     float64
	BaseVolume float64
	Timestamp  time.Time
}

// OrderRequest 抽象具体委托。
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Amount        float64
	Price         float64
	TimeInForce   string
	ReduceOnly    bool
	StopLoss      float64
	TakeProfit    float64
	ClientOrderID string
	Params        map[string]interface{}
}

// Validate 校验委托参数的基本合法性。
func (r OrderRequest) Validate() error {
	var err error

	if strings.TrimSpace(r.Symbol) == "" {
		err = multierr.Append(err, errors.New("symbol 不能为空"))
	}
	switch r.Side {
	case OrderSideBuy, OrderSideSell:
	default:
		err = multierr.Append(err, fmt.Errorf("side 仅支持 buy 或 sell，当前为 %q", string(r.Side)))
	}
	switch r.Type {
	case OrderTypeMarket, OrderTypeLimit:
	default:
		err = multierr.Append(err, fmt.Errorf("type 仅支持 market 或 limit，当前为 %q", string(r.Type)))
	}
	if r.Amount <= 0 {
		err = multierr.Append(err, fmt.Errorf("amount 必须大于0，当前为 %v", r.Amount))
	}
	if r.Type == OrderTypeLimit && r.Price <= 0 {
		err = multierr.Append(err, errors.New("limit 委托必须指定正的 price"))
	}
	if r.StopLoss < 0 || r.TakeProfit < 0 {
		err = multierr.Append(err, errors.New("stop_loss 与 take_profit 不能为负"))
	}

	if err != nil {
		return fmt.Errorf("委托参数非法: %w", err)
	}

	return nil
}

// Order 为交易所回执的统一委托视图。
type Order struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Status        string
	Price         float64
	Amount        float64
	Filled        float64
	Remaining     float64
	ReduceOnly    bool
	Timestamp     time.Time
}

// Position 表示单个交易对的持仓详情。
type Position struct {
	Symbol           string
	Side             string
	Contracts        float64
	EntryPrice       float64
	MarkPrice        float64
	LiquidationPrice float64
	UnrealizedPnl    float64
	Notional         float64
	Leverage         float64
	MarginMode       string
	Timestamp        time.Time
}
