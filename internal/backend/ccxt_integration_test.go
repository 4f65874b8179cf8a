//go:build integration
// +build integration

package backend

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"trade-router/internal/config"
)

func TestCCXTBackendIntegration_ReadOnlyEndpoints(t *testing.T) {
	configPath := os.Getenv("ROUTER_CONFIG")
	if configPath == "" {
		configPath = "../../configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	acct, ok := cfg.Exchanges.Account(cfg.Exchanges.Primary)
	if !ok {
		t.Skip("配置缺少主交易所账户，跳过测试")
	}
	if !acct.UseSandbox {
		t.Skip("use_sandbox=false，出于安全考虑跳过真实交易所测试")
	}
	if acct.APIKey == "" && acct.Wallet == "" {
		t.Skip("缺少交易所凭证，跳过测试")
	}

	b, err := NewCCXTBackend(acct, zap.NewNop())
	if err != nil {
		t.Fatalf("初始化交易所后端失败: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := b.HealthProbe(ctx); err != nil {
		t.Fatalf("健康探测失败: %v", err)
	}

	balance, err := b.GetAccountBalance(ctx)
	if err != nil {
		t.Fatalf("获取账户余额失败: %v", err)
	}

	md, err := b.GetMarketData(ctx, "BTC/USDT:USDT")
	if err != nil {
		t.Fatalf("获取行情失败: %v", err)
	}
	if md.Last <= 0 {
		t.Fatalf("行情价格无效: %+v", md)
	}

	orders, err := b.GetOpenOrders(ctx, "")
	if err != nil {
		t.Fatalf("获取未成交委托失败: %v", err)
	}

	positions, err := b.GetOpenPositions(ctx)
	if err != nil {
		t.Fatalf("获取持仓失败: %v", err)
	}

	t.Logf("交易所 %s 连通正常 equity=%.2f last=%.2f orders=%d positions=%d",
		b.Name(), balance.TotalEquity, md.Last, len(orders), len(positions))
}
