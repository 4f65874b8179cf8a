package backend

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"trade-router/internal/config"
)

func TestPlaceOrder_MarketOrderPath(t *testing.T) {
	mock := &mockTradeClient{}
	b := newMockBackend(mock)

	order, err := b.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "BTC/USDT:USDT",
		Side:   OrderSideBuy,
		Type:   OrderTypeMarket,
		Amount: 0.5,
	})
	if err != nil {
		t.Fatalf("PlaceOrder returned error: %v", err)
	}

	if got := mock.calls; len(got) != 1 || got[0] != "CreateMarketOrder" {
		t.Fatalf("unexpected calls: %v", got)
	}
	if mock.lastSymbol != "BTC/USDT:USDT" || mock.lastSide != "buy" || mock.lastAmount != 0.5 {
		t.Errorf("unexpected order args: symbol=%s side=%s amount=%v",
			mock.lastSymbol, mock.lastSide, mock.lastAmount)
	}
	if order.ID != "m1" {
		t.Errorf("expected order id from exchange, got %q", order.ID)
	}
	if order.Symbol != "BTC/USDT:USDT" {
		t.Errorf("expected symbol backfilled from request, got %q", order.Symbol)
	}
}

func TestPlaceOrder_LimitOrderPath(t *testing.T) {
	mock := &mockTradeClient{}
	b := newMockBackend(mock)

	_, err := b.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "ETH/USDT:USDT",
		Side:   OrderSideSell,
		Type:   OrderTypeLimit,
		Amount: 2,
		Price:  3000,
	})
	if err != nil {
		t.Fatalf("PlaceOrder returned error: %v", err)
	}

	if got := mock.calls; len(got) != 1 || got[0] != "CreateLimitOrder" {
		t.Fatalf("unexpected calls: %v", got)
	}
	if mock.lastPrice != 3000 {
		t.Errorf("expected limit price 3000, got %v", mock.lastPrice)
	}
}

func TestPlaceOrder_RejectsUnsupportedType(t *testing.T) {
	mock := &mockTradeClient{}
	b := newMockBackend(mock)

	_, err := b.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "BTC/USDT:USDT",
		Side:   OrderSideBuy,
		Type:   OrderType("stop"),
		Amount: 1,
	})
	if err == nil || !strings.Contains(err.Error(), "不支持的订单类型") {
		t.Fatalf("expected unsupported type error, got %v", err)
	}
	if len(mock.calls) != 0 {
		t.Errorf("unsupported type must not reach the exchange, got %v", mock.calls)
	}
}

func TestClosePosition_SubmitsOppositeReduceOnly(t *testing.T) {
	mock := &mockTradeClient{
		positions: []ccxt.Position{
			{Symbol: str("BTC/USDT:USDT"), Side: str("short"), Contracts: f64(-2)},
		},
	}
	b := newMockBackend(mock)

	order, err := b.ClosePosition(context.Background(), "BTC/USDT:USDT")
	if err != nil {
		t.Fatalf("ClosePosition returned error: %v", err)
	}

	expected := []string{"FetchPositions", "CreateMarketOrder"}
	if len(mock.calls) != len(expected) {
		t.Fatalf("unexpected call count: got %v want %v", mock.calls, expected)
	}
	for i, call := range expected {
		if mock.calls[i] != call {
			t.Errorf("call %d mismatch: got %s want %s", i, mock.calls[i], call)
		}
	}
	if mock.lastSide != "buy" {
		t.Errorf("closing a short must buy, got %s", mock.lastSide)
	}
	if mock.lastAmount != 2 {
		t.Errorf("expected absolute size 2, got %v", mock.lastAmount)
	}
	if order.Symbol != "BTC/USDT:USDT" {
		t.Errorf("expected symbol on receipt, got %q", order.Symbol)
	}
}

func TestClosePosition_NoOpenPosition(t *testing.T) {
	mock := &mockTradeClient{
		positions: []ccxt.Position{
			{Symbol: str("BTC/USDT:USDT"), Side: str("long"), Contracts: f64(0)},
		},
	}
	b := newMockBackend(mock)

	_, err := b.ClosePosition(context.Background(), "BTC/USDT:USDT")
	if err == nil || !strings.Contains(err.Error(), "没有可平仓位") {
		t.Fatalf("expected no-position error, got %v", err)
	}
	if len(mock.calls) != 1 || mock.calls[0] != "FetchPositions" {
		t.Errorf("must not submit an order without a position, got %v", mock.calls)
	}
}

func TestGetAccountBalance_ConvertsEquity(t *testing.T) {
	mock := &mockTradeClient{}
	b := newMockBackend(mock)

	balance, err := b.GetAccountBalance(context.Background())
	if err != nil {
		t.Fatalf("GetAccountBalance returned error: %v", err)
	}
	if balance.TotalEquity != 1000 {
		t.Errorf("expected equity 1000, got %v", balance.TotalEquity)
	}
}

func TestGetMarketData_LoadsMarketsOnce(t *testing.T) {
	mock := &mockTradeClient{}
	b := newMockBackend(mock)

	loads := 0
	b.loadMarkets = func() error {
		loads++
		return nil
	}

	for i := 0; i < 2; i++ {
		if _, err := b.GetMarketData(context.Background(), "BTC/USDT:USDT"); err != nil {
			t.Fatalf("GetMarketData returned error: %v", err)
		}
	}
	if loads != 1 {
		t.Errorf("expected markets loaded once, got %d", loads)
	}
}

func TestGetOpenPositions_SkipsFlatEntries(t *testing.T) {
	mock := &mockTradeClient{
		positions: []ccxt.Position{
			{Symbol: str("BTC/USDT:USDT"), Side: str("long"), Contracts: f64(1.5)},
			{Symbol: str("ETH/USDT:USDT"), Side: str("long"), Contracts: f64(0)},
		},
	}
	b := newMockBackend(mock)

	positions, err := b.GetOpenPositions(context.Background())
	if err != nil {
		t.Fatalf("GetOpenPositions returned error: %v", err)
	}
	if len(positions) != 1 || positions[0].Symbol != "BTC/USDT:USDT" {
		t.Errorf("expected only non-zero positions, got %+v", positions)
	}
}

func TestCall_ContextCancellationUnblocks(t *testing.T) {
	mock := &mockTradeClient{fetchDelay: 300 * time.Millisecond}
	b := newMockBackend(mock)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	_, err := b.GetAccountBalance(ctx)
	elapsed := time.Since(start)

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if elapsed >= 250*time.Millisecond {
		t.Errorf("cancel must unblock before the call finishes, took %v", elapsed)
	}
}

func TestCall_MarksConnectivityFailures(t *testing.T) {
	mock := &mockTradeClient{
		balanceErr: &ccxt.Error{Type: ccxt.NetworkErrorErrType, Message: "connection reset"},
	}
	b := newMockBackend(mock)

	_, err := b.GetAccountBalance(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsConnectivity(err) {
		t.Errorf("expected connectivity classification, got %v", err)
	}
}

func TestHealthProbe_UsesBalanceEndpoint(t *testing.T) {
	mock := &mockTradeClient{}
	b := newMockBackend(mock)

	if err := b.HealthProbe(context.Background()); err != nil {
		t.Fatalf("HealthProbe returned error: %v", err)
	}
	if len(mock.calls) != 1 || mock.calls[0] != "FetchBalance" {
		t.Errorf("probe should only fetch balance, got %v", mock.calls)
	}

	mock.balanceErr = errors.New("503")
	if err := b.HealthProbe(context.Background()); err == nil || !strings.Contains(err.Error(), "健康探测失败") {
		t.Errorf("expected wrapped probe error, got %v", err)
	}
}

func TestNewCCXTBackend_RejectsUnknownExchange(t *testing.T) {
	_, err := NewCCXTBackend(config.AccountConfig{Name: "kraken"}, zap.NewNop())
	if err == nil || !strings.Contains(err.Error(), "不支持的交易所") {
		t.Fatalf("expected unsupported exchange error, got %v", err)
	}
}

func TestOrderParams_BuildsExchangeParams(t *testing.T) {
	b := newMockBackend(&mockTradeClient{})

	params := b.orderParams(OrderRequest{
		Symbol:        "BTC/USDT:USDT",
		Side:          OrderSideBuy,
		Type:          OrderTypeMarket,
		Amount:        1,
		TimeInForce:   "GTC",
		ReduceOnly:    true,
		StopLoss:      45000,
		TakeProfit:    52000,
		ClientOrderID: "router-1",
		Params:        map[string]interface{}{"slippage": "0.01"},
	})

	if params["reduceOnly"] != true {
		t.Errorf("expected reduceOnly=true, got %v", params["reduceOnly"])
	}
	if params["timeInForce"] != "gtc" {
		t.Errorf("expected timeInForce=gtc, got %v", params["timeInForce"])
	}
	if params["stopLossPrice"] != float64(45000) {
		t.Errorf("expected stopLossPrice=45000, got %v", params["stopLossPrice"])
	}
	if params["takeProfitPrice"] != float64(52000) {
		t.Errorf("expected takeProfitPrice=52000, got %v", params["takeProfitPrice"])
	}
	if params["clientOrderId"] != "router-1" {
		t.Errorf("expected clientOrderId passthrough, got %v", params["clientOrderId"])
	}
	if params["slippage"] != "0.01" {
		t.Errorf("expected custom params preserved, got %v", params["slippage"])
	}
}

func newMockBackend(m *mockTradeClient) *CCXTBackend {
	return &CCXTBackend{
		name:        "bybit",
		client:      m,
		loadMarkets: func() error { return nil },
		logger:      zap.NewNop(),
	}
}

type mockTradeClient struct {
	calls []string

	balanceErr   error
	tickerErr    error
	orderErr     error
	positions    []ccxt.Position
	positionsErr error
	openOrders   []ccxt.Order
	fetchDelay   time.Duration

	lastSymbol string
	lastSide   string
	lastAmount float64
	lastPrice  float64
}

func (m *mockTradeClient) FetchBalance(params ...interface{}) (ccxt.Balances, error) {
	m.calls = append(m.calls, "FetchBalance")
	if m.fetchDelay > 0 {
		time.Sleep(m.fetchDelay)
	}
	if m.balanceErr != nil {
		return ccxt.Balances{}, m.balanceErr
	}
	return ccxt.Balances{
		Total: map[string]*float64{"USDT": f64(1000)},
		Free:  map[string]*float64{"USDT": f64(400)},
	}, nil
}

func (m *mockTradeClient) FetchTicker(symbol string, options ...ccxt.FetchTickerOptions) (ccxt.Ticker, error) {
	m.calls = append(m.calls, "FetchTicker")
	if m.tickerErr != nil {
		return ccxt.Ticker{}, m.tickerErr
	}
	return ccxt.Ticker{Last: f64(50000), Bid: f64(49990), Ask: f64(50010)}, nil
}

func (m *mockTradeClient) CreateMarketOrder(symbol string, side string, amount float64, options ...ccxt.CreateMarketOrderOptions) (ccxt.Order, error) {
	m.calls = append(m.calls, "CreateMarketOrder")
	m.lastSymbol, m.lastSide, m.lastAmount = symbol, side, amount
	if m.orderErr != nil {
		return ccxt.Order{}, m.orderErr
	}
	return ccxt.Order{Id: str("m1")}, nil
}

func (m *mockTradeClient) CreateLimitOrder(symbol string, side string, amount float64, price float64, options ...ccxt.CreateLimitOrderOptions) (ccxt.Order, error) {
	m.calls = append(m.calls, "CreateLimitOrder")
	m.lastSymbol, m.lastSide, m.lastAmount, m.lastPrice = symbol, side, amount, price
	if m.orderErr != nil {
		return ccxt.Order{}, m.orderErr
	}
	return ccxt.Order{Id: str("l1")}, nil
}

func (m *mockTradeClient) FetchOpenOrders(options ...ccxt.FetchOpenOrdersOptions) ([]ccxt.Order, error) {
	m.calls = append(m.calls, "FetchOpenOrders")
	return m.openOrders, nil
}

func (m *mockTradeClient) CancelOrder(id string, options ...ccxt.CancelOrderOptions) (ccxt.Order, error) {
	m.calls = append(m.calls, "CancelOrder")
	if m.orderErr != nil {
		return ccxt.Order{}, m.orderErr
	}
	return ccxt.Order{Id: str(id)}, nil
}

func (m *mockTradeClient) FetchPositions(options ...ccxt.FetchPositionsOptions) ([]ccxt.Position, error) {
	m.calls = append(m.calls, "FetchPositions")
	if m.positionsErr != nil {
		return nil, m.positionsErr
	}
	return m.positions, nil
}

var _ tradeClient = (*mockTradeClient)(nil)
