package backend

import (
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

func convertBalance(raw ccxt.Balances) Balance {
	balance := Balance{
		Totals:    make(map[string]float64),
		Timestamp: time.Now().UTC(),
	}

	if raw.Total != nil {
		for code, v := range raw.Total {
			if v == nil || *v == 0 {
				continue
			}
			balance.Totals[code] = *v
		}
		for _, code := range []string{"USDT", "USDC", "USD"} {
			if v, ok := raw.Total[code]; ok && v != nil && *v > 0 {
				balance.TotalEquity = *v
				break
			}
		}
		if balance.TotalEquity == 0 {
			for _, v := range balance.Totals {
				if v > 0 {
					balance.TotalEquity = v
					break
				}
			}
		}
	}
	if raw.Free != nil {
		for _, code := range []string{"USDT", "USDC", "USD"} {
			if v, ok := raw.Free[code]; ok && v != nil {
				balance.FreeUSD = *v
				break
			}
		}
	}

	return balance
}

func convertTicker(symbol string, t ccxt.Ticker) MarketData {
	md := MarketData{
		Symbol:     symbol,
		Last:       derefFloat(t.Last),
		Bid:        derefFloat(t.Bid),
		Ask:        derefFloat(t.Ask),
		High24h:    derefFloat(t.High),
		Low24h:     derefFloat(t.Low),
		BaseVolume: derefFloat(t.BaseVolume),
	}
	if t.Timestamp != nil {
		md.Timestamp = time.UnixMilli(*t.Timestamp).UTC()
	} else {
		md.Timestamp = time.Now().UTC()
	}
	return md
}

func convertOrder(o ccxt.Order) Order {
	order := Order{
		ID:            derefString(o.Id),
		ClientOrderID: derefString(o.ClientOrderId),
		Symbol:        derefString(o.Symbol),
		Side:          OrderSide(strings.ToLower(derefString(o.Side))),
		Type:          OrderType(strings.ToLower(derefString(o.Type))),
		Status:        derefString(o.Status),
		Price:         derefFloat(o.Price),
		Amount:        derefFloat(o.Amount),
		Filled:        derefFloat(o.Filled),
		Remaining:     derefFloat(o.Remaining),
		ReduceOnly:    derefBool(o.ReduceOnly),
	}
	if o.Timestamp != nil {
		order.Timestamp = time.UnixMilli(*o.Timestamp).UTC()
	}
	return order
}

func convertPosition(p ccxt.Position) Position {
	pos := Position{
		Symbol:           derefString(p.Symbol),
		Side:             strings.ToUpper(strings.TrimSpace(derefString(p.Side))),
		Contracts:        derefFloat(p.Contracts),
		EntryPrice:       derefFloat(p.EntryPrice),
		MarkPrice:        derefFloat(p.MarkPrice),
		LiquidationPrice: derefFloat(p.LiquidationPrice),
		UnrealizedPnl:    derefFloat(p.UnrealizedPnl),
		Notional:         derefFloat(p.Notional),
		Leverage:         derefFloat(p.Leverage),
		MarginMode:       strings.ToUpper(strings.TrimSpace(derefString(p.MarginMode))),
		Timestamp:        time.Now().UTC(),
	}
	if pos.Side == "" {
		pos.Side = "LONG"
	}
	return pos
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func derefBool(v *bool) bool {
	if v == nil {
		return false
	}
	return *v
}
