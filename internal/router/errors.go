package router

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotInitialized 表示路由器尚未完成初始化。
	ErrNotInitialized = errors.New("router not initialized")
	// ErrNoHealthyBackend 表示当前没有任何可用交易所。
	ErrNoHealthyBackend = errors.New("no healthy backend")
	// ErrSwitchInProgress 表示已有切换正在进行。
	ErrSwitchInProgress = errors.New("switch already in progress")
	// ErrStopped 表示路由器已停止服务。
	ErrStopped = errors.New("router stopped")
)

// ValidationError 表示调用方入参不合法，此类错误不会触发重试或切换。
type ValidationError struct {
	Op  string
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("router: %s: %v", e.Op, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// RoutingError 表示调用在重试与切换之后仍然失败，或路由器当前无法受理调用。
// Backends 按尝试顺序记录经手的交易所。
type RoutingError struct {
	Op       string
	Backends []string
	Err      error
}

func (e *RoutingError) Error() string {
	if len(e.Backends) > 0 {
		return fmt.Sprintf("router: %s 在 %s 上均失败: %v", e.Op, strings.Join(e.Backends, ", "), e.Err)
	}
	return fmt.Sprintf("router: %s: %v", e.Op, e.Err)
}

func (e *RoutingError) Unwrap() error { return e.Err }

// SwitchError 表示切换协议内部出现意外故障，路由器随之进入 error 状态。
type SwitchError struct {
	From string
	To   string
	Err  error
}

func (e *SwitchError) Error() string {
	return fmt.Sprintf("router: %s -> %s 切换失败: %v", e.From, e.To, e.Err)
}

func (e *SwitchError) Unwrap() error { return e.Err }
