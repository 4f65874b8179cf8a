package router

import (
	"context"
	"time"
)

// State 表示路由器生命周期状态。
type State string

const (
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateSwitching    State = "switching"
	StateError        State = "error"
)

// HealthState 表示单个交易所的健康状态。
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
)

// Reason 标识一次切换的触发原因。
type Reason string

const (
	ReasonHealthCheck Reason = "health-check-failure"
	ReasonManual      Reason = "manual"
	ReasonMaxRetries  Reason = "max-retries-exceeded"
)

// Outcome 标识一次切换的结果。
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// SyncSummary 汇总切换期间两侧持仓与挂单的核对结果。
type SyncSummary struct {
	FromPositions int      `json:"from_positions"`
	ToPositions   int      `json:"to_positions"`
	FromOrders    int      `json:"from_orders"`
	ToOrders      int      `json:"to_orders"`
	Mismatches    []string `json:"mismatches,omitempty"`
	Notes         []string `json:"notes,omitempty"`
}

// FailoverEvent 记录一次切换的完整上下文，创建后不再修改。
type FailoverEvent struct {
	At      time.Time   `json:"at"`
	From    string      `json:"from"`
	To      string      `json:"to"`
	Reason  Reason      `json:"reason"`
	Outcome Outcome     `json:"outcome"`
	Error   string      `json:"error,omitempty"`
	Sync    SyncSummary `json:"sync"`
}

// BackendHealth 为单个交易所健康状况的对外快照。
type BackendHealth struct {
	Name                string      `json:"name"`
	Rank                int         `json:"rank"`
	State               HealthState `json:"state"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastChecked         time.Time   `json:"last_checked"`
	LastError           string      `json:"last_error,omitempty"`
}

// Status 为路由器整体状态快照。
type Status struct {
	State         State           `json:"state"`
	Active        string          `json:"active"`
	Primary       string          `json:"primary"`
	Failovers     []string        `json:"failovers"`
	Version       uint64          `json:"version"`
	FailoverCount int             `json:"failover_count"`
	TimeInState   time.Duration   `json:"time_in_state"`
	Health        []BackendHealth `json:"health"`
}

// EventSink 接收切换事件用于持久化，实现方自行消化错误。
type EventSink interface {
	RecordFailover(ctx context.Context, event FailoverEvent)
}
