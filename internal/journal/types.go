package journal

import (
	"time"

	"trade-router/internal/router"
)

// EventType 表示事件日志类型。
type EventType string

const (
	EventFailover EventType = "failover"
	EventError    EventType = "error"
)

// Event 封装通用事件记录。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// FailoverPayload 记录一次切换的完整经过。
type FailoverPayload struct {
	Event router.FailoverEvent `json:"event"`
}

// ErrorPayload 记录运行异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
