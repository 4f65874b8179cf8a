package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

var (
	// ErrConnectivity 表示网络或交易所可用性故障。
	ErrConnectivity = errors.New("exchange unreachable")
	// ErrMaintenance 表示交易所处于维护状态。
	ErrMaintenance = errors.New("exchange on maintenance")
)

// classifyError 归一化底层错误，连接类故障会携带 ErrConnectivity 标记，
// 业务拒绝（参数、余额、权限等）原样返回。
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return fmt.Errorf("%w: %w", ErrConnectivity, err)
		case ccxt.OnMaintenanceErrType:
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message)
		default:
			return err
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ErrConnectivity, err)
	}

	return err
}

// IsConnectivity 判断错误是否属于连接类故障。
func IsConnectivity(err error) bool {
	return errors.Is(err, ErrConnectivity) || errors.Is(err, ErrMaintenance)
}
