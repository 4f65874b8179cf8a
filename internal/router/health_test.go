package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestSweep_ProbesEveryBackend(t *testing.T) {
	a := newFakeBackend("bybit")
	b := newFakeBackend("okx")
	c := newFakeBackend("binanceusdm")
	handles := []*Handle{
		newHandle("bybit", 0, a),
		newHandle("okx", 1, b),
		newHandle("binanceusdm", 2, c),
	}
	events := make(chan HealthEvent, 16)
	m := newMonitor(handles, testHealthConfig(), events, zap.NewNop())

	m.Sweep(context.Background())

	for _, f := range []*fakeBackend{a, b, c} {
		if got := f.callCount("HealthProbe"); got != 1 {
			t.Errorf("expected 1 probe for %s, got %d", f.name, got)
		}
	}
	// 三个后端都从 unknown 翻转为 healthy，各产生一个事件。
	if got := len(events); got != 3 {
		t.Errorf("expected 3 flip events, got %d", got)
	}
}

func TestSweep_EmitsEventOnlyAtThreshold(t *testing.T) {
	a := newFakeBackend("bybit")
	a.setProbeErr(errors.New("timeout"))
	handles := []*Handle{newHandle("bybit", 0, a)}
	events := make(chan HealthEvent, 16)
	m := newMonitor(handles, testHealthConfig(), events, zap.NewNop())

	m.Sweep(context.Background())
	m.Sweep(context.Background())
	if got := len(events); got != 0 {
		t.Fatalf("no event expected below threshold, got %d", got)
	}

	m.Sweep(context.Background())
	select {
	case event := <-events:
		if event.State != HealthUnhealthy || event.Handle.Name() != "bybit" {
			t.Errorf("unexpected event: state=%s handle=%s", event.State, event.Handle.Name())
		}
		if event.Err == nil {
			t.Errorf("expected probe error attached to event")
		}
	default:
		t.Fatal("expected unhealthy flip event on third failure")
	}
}

func TestSweep_ProbeTimeoutBoundsSlowBackend(t *testing.T) {
	a := newFakeBackend("bybit")
	a.setProbeWait(500 * time.Millisecond)
	handles := []*Handle{newHandle("bybit", 0, a)}
	events := make(chan HealthEvent, 16)

	cfg := testHealthConfig()
	cfg.ProbeTimeout = 30 * time.Millisecond
	m := newMonitor(handles, cfg, events, zap.NewNop())

	start := time.Now()
	m.Sweep(context.Background())
	elapsed := time.Since(start)

	if elapsed >= 400*time.Millisecond {
		t.Fatalf("sweep should be bounded by probe timeout, took %v", elapsed)
	}
	snapshot := handles[0].Snapshot()
	if snapshot.ConsecutiveFailures != 1 {
		t.Errorf("timed out probe must count as failure, got %+v", snapshot)
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	a := newFakeBackend("bybit")
	handles := []*Handle{newHandle("bybit", 0, a)}
	events := make(chan HealthEvent, 16)

	cfg := testHealthConfig()
	cfg.CheckInterval = 10 * time.Millisecond
	m := newMonitor(handles, cfg, events, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	waitFor(t, time.Second, func() bool {
		return a.callCount("HealthProbe") >= 2
	}, "periodic probing did not happen")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
