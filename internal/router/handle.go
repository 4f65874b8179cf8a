package router

import (
	"sync"
	"time"

	"trade-router/internal/backend"
)

// Handle 将单个交易所与其健康状况绑定，rank 越小优先级越高，0 为主交易所。
// 健康字段由独立互斥锁保护，探测与读取互不阻塞路由主锁。
type Handle struct {
	name    string
	rank    int
	backend backend.Backend

	mu          sync.Mutex
	health      HealthState
	failures    int
	successes   int
	lastChecked time.Time
	lastErr     error
}

func newHandle(name string, rank int, b backend.Backend) *Handle {
	return &Handle{
		name:    name,
		rank:    rank,
		backend: b,
		health:  HealthUnknown,
	}
}

// Name 返回交易所名称。
func (h *Handle) Name() string { return h.name }

// Rank 返回优先级序号。
func (h *Handle) Rank() int { return h.rank }

// Backend 返回底层交易所实现。
func (h *Handle) Backend() backend.Backend { return h.backend }

// Health 返回当前健康状态。
func (h *Handle) Health() HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.health
}

// Snapshot 导出健康状况快照。
func (h *Handle) Snapshot() BackendHealth {
	h.mu.Lock()
	defer h.mu.Unlock()

	snapshot := BackendHealth{
		Name:                h.name,
		Rank:                h.rank,
		State:               h.health,
		ConsecutiveFailures: h.failures,
		LastChecked:         h.lastChecked,
	}
	if h.lastErr != nil {
		snapshot.LastError = h.lastErr.Error()
	}
	return snapshot
}

// recordProbe 记录一次探测结果并返回最新状态及是否发生翻转。
// 连续失败达到 failureThreshold 次才判定为不健康；不健康状态需要
// recoveryThreshold 次连续成功才恢复，初始 unknown 状态一次成功即视为健康。
func (h *Handle) recordProbe(err error, at time.Time, failureThreshold, recoveryThreshold int) (HealthState, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastChecked = at
	h.lastErr = err

	if err != nil {
		h.successes = 0
		h.failures++
		if h.health != HealthUnhealthy && h.failures >= failureThreshold {
			h.health = HealthUnhealthy
			return h.health, true
		}
		return h.health, false
	}

	h.failures = 0
	h.successes++
	switch {
	case h.health == HealthHealthy:
	case h.health == HealthUnknown:
		h.health = HealthHealthy
		return h.health, true
	case h.successes >= recoveryThreshold:
		h.health = HealthHealthy
		return h.health, true
	}
	return h.health, false
}
