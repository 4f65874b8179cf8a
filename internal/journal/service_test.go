package journal

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"trade-router/internal/config"
	"trade-router/internal/router"
	"trade-router/internal/store"
)

func TestNewService_RequiresStore(t *testing.T) {
	if _, err := NewService(nil, zap.NewNop()); err == nil {
		t.Fatal("expected error for nil store")
	}
}

func TestRecordFailover_RoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first := router.FailoverEvent{
		At:      time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		From:    "bybit",
		To:      "okx",
		Reason:  router.ReasonHealthCheck,
		Outcome: router.OutcomeSuccess,
	}
	second := router.FailoverEvent{
		At:      first.At.Add(time.Minute),
		From:    "okx",
		To:      "bybit",
		Reason:  router.ReasonManual,
		Outcome: router.OutcomeSuccess,
	}
	svc.RecordFailover(ctx, first)
	svc.RecordFailover(ctx, second)

	events, err := svc.ListEvents(ctx, EventFailover, 10)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 failover events, got %d", len(events))
	}

	// 最近写入的排在最前。
	latest := events[0]
	if !latest.Timestamp.Equal(second.At) {
		t.Errorf("expected timestamp %v, got %v", second.At, latest.Timestamp)
	}

	raw, ok := latest.Payload.(json.RawMessage)
	if !ok {
		t.Fatalf("expected raw payload, got %T", latest.Payload)
	}
	var payload FailoverPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Event.From != "okx" || payload.Event.To != "bybit" {
		t.Errorf("unexpected payload event: %+v", payload.Event)
	}
	if payload.Event.Reason != router.ReasonManual {
		t.Errorf("expected manual reason, got %s", payload.Event.Reason)
	}
}

func TestRecordError_CapturesContext(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.RecordError(ctx, "初始探测失败", errors.New("dial timeout"), map[string]interface{}{
		"exchange": "okx",
	})

	events, err := svc.ListEvents(ctx, EventError, 10)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 error event, got %d", len(events))
	}

	raw := events[0].Payload.(json.RawMessage)
	var payload ErrorPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Message != "初始探测失败" || payload.Error != "dial timeout" {
		t.Errorf("unexpected payload: %+v", payload)
	}
	if payload.Context["exchange"] != "okx" {
		t.Errorf("expected context preserved, got %v", payload.Context)
	}
}

func TestListEvents_FiltersAndLimits(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		svc.RecordFailover(ctx, router.FailoverEvent{
			At:      time.Now().UTC(),
			From:    "bybit",
			To:      "okx",
			Reason:  router.ReasonMaxRetries,
			Outcome: router.OutcomeFailure,
		})
	}
	svc.RecordError(ctx, "探测失败", errors.New("503"), nil)

	all, err := svc.ListEvents(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("expected all 4 events with default limit, got %d", len(all))
	}

	limited, err := svc.ListEvents(ctx, EventFailover, 2)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected limit to cap results at 2, got %d", len(limited))
	}
	for _, event := range limited {
		if event.Type != EventFailover {
			t.Errorf("expected only failover events, got %s", event.Type)
		}
	}
}

func newTestService(t *testing.T) *Service {
	t.Helper()

	db, err := store.NewSQLite(config.DatabaseConfig{InMemory: true})
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	svc, err := NewService(db, zap.NewNop())
	if err != nil {
		t.Fatalf("init journal service: %v", err)
	}
	return svc
}
