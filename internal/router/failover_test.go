package router

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"trade-router/internal/backend"
	"trade-router/internal/config"
)

func TestPickCandidate_PrefersLowestRankHealthy(t *testing.T) {
	r := candidateRouter(t, testRouterConfig())
	r.handles[0].health = HealthHealthy
	r.handles[1].health = HealthHealthy
	r.handles[2].health = HealthHealthy

	if idx, ok := r.pickCandidateLocked(""); !ok || idx != 0 {
		t.Errorf("expected rank 0, got idx=%d ok=%v", idx, ok)
	}
	if idx, ok := r.pickCandidateLocked("bybit"); !ok || idx != 1 {
		t.Errorf("expected rank 1 when excluding primary, got idx=%d ok=%v", idx, ok)
	}

	r.handles[1].health = HealthUnhealthy
	if idx, ok := r.pickCandidateLocked("bybit"); !ok || idx != 2 {
		t.Errorf("expected rank 2 when rank 1 unhealthy, got idx=%d ok=%v", idx, ok)
	}
}

func TestPickCandidate_NoHealthyWithoutFallback(t *testing.T) {
	r := candidateRouter(t, testRouterConfig())
	r.handles[0].health = HealthUnhealthy
	r.handles[1].health = HealthUnknown
	r.handles[2].health = HealthUnhealthy

	if idx, ok := r.pickCandidateLocked(""); ok {
		t.Errorf("unknown must not be picked by default, got idx=%d", idx)
	}
}

func TestPickCandidate_UnknownFallbackWhenAllowed(t *testing.T) {
	cfg := testRouterConfig()
	cfg.AllowUnknownFallback = true
	r := candidateRouter(t, cfg)
	r.handles[0].health = HealthUnhealthy
	r.handles[1].health = HealthUnknown
	r.handles[2].health = HealthUnhealthy

	idx, ok := r.pickCandidateLocked("")
	if !ok || idx != 1 {
		t.Errorf("expected unknown fallback to rank 1, got idx=%d ok=%v", idx, ok)
	}
}

func TestSyncBackends_CountsAndDiffsPositions(t *testing.T) {
	a := newFakeBackend("bybit")
	a.setPositions([]backend.Position{
		{Symbol: "BTC/USDT:USDT", Side: "LONG", Contracts: 1},
		{Symbol: "SOL/USDT:USDT", Side: "LONG", Contracts: 5},
	})
	b := newFakeBackend("okx")
	b.setPositions([]backend.Position{
		{Symbol: "BTC/USDT:USDT", Side: "LONG", Contracts: 2},
		{Symbol: "ETH/USDT:USDT", Side: "SHORT", Contracts: 3},
	})

	r, err := New(Config{
		Router:   testRouterConfig(),
		Health:   testHealthConfig(),
		Backends: []backend.Backend{a, b},
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	summary := r.syncBackends(context.Background(), r.handles[0], r.handles[1])

	if summary.FromPositions != 2 || summary.ToPositions != 2 {
		t.Errorf("unexpected position counts: %+v", summary)
	}
	if len(summary.Mismatches) != 3 {
		t.Fatalf("expected 3 mismatches, got %v", summary.Mismatches)
	}
	joined := strings.Join(summary.Mismatches, "\n")
	if !strings.Contains(joined, "数量不一致") {
		t.Errorf("expected contract mismatch, got %v", summary.Mismatches)
	}
	if !strings.Contains(joined, "SOL/USDT:USDT") || !strings.Contains(joined, "ETH/USDT:USDT") {
		t.Errorf("expected one-sided symbols reported, got %v", summary.Mismatches)
	}
	if len(summary.Notes) != 0 {
		t.Errorf("expected no notes for readable sides, got %v", summary.Notes)
	}
}

func TestSyncBackends_ToleratesUnreadableSide(t *testing.T) {
	a := newFakeBackend("bybit")
	a.failAlways(errors.New("connection reset"))
	b := newFakeBackend("okx")
	b.setPositions([]backend.Position{{Symbol: "BTC/USDT:USDT", Side: "LONG", Contracts: 1}})

	r, err := New(Config{
		Router:   testRouterConfig(),
		Health:   testHealthConfig(),
		Backends: []backend.Backend{a, b},
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	summary := r.syncBackends(context.Background(), r.handles[0], r.handles[1])

	if len(summary.Notes) == 0 {
		t.Fatal("expected notes for unreadable outgoing backend")
	}
	if len(summary.Mismatches) != 0 {
		t.Errorf("diff must be skipped when one side is unreadable, got %v", summary.Mismatches)
	}
	if summary.ToPositions != 1 {
		t.Errorf("readable side should still be counted: %+v", summary)
	}
}

func TestDiffPositions_ReportsSideMismatch(t *testing.T) {
	from := []backend.Position{{Symbol: "BTC/USDT:USDT", Side: "LONG", Contracts: 1}}
	to := []backend.Position{{Symbol: "BTC/USDT:USDT", Side: "SHORT", Contracts: 1}}

	mismatches := diffPositions("bybit", "okx", from, to)
	if len(mismatches) != 1 || !strings.Contains(mismatches[0], "方向不一致") {
		t.Errorf("expected side mismatch, got %v", mismatches)
	}
}

func TestDiffPositions_IgnoresDustDifference(t *testing.T) {
	from := []backend.Position{{Symbol: "BTC/USDT:USDT", Side: "LONG", Contracts: 1.0}}
	to := []backend.Position{{Symbol: "BTC/USDT:USDT", Side: "LONG", Contracts: 1.0 + 1e-10}}

	if mismatches := diffPositions("bybit", "okx", from, to); len(mismatches) != 0 {
		t.Errorf("sub-epsilon difference must be ignored, got %v", mismatches)
	}
}

func candidateRouter(t *testing.T, cfg config.RouterConfig) *Router {
	t.Helper()
	r, err := New(Config{
		Router: cfg,
		Health: testHealthConfig(),
		Backends: []backend.Backend{
			newFakeBackend("bybit"),
			newFakeBackend("okx"),
			newFakeBackend("binanceusdm"),
		},
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return r
}
