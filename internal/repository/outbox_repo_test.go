package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/feezero/payments/internal/domain"
)

func TestOutboxLifecycle(t *testing.T) {
	db := newTestDB(t)
	charges := NewChargeRepo(db)
	outbox := NewOutboxRepo(db)
	ctx := context.Background()

	createIssued(t, charges, "P1", "U1", "C1")
	completedAt := t0.Add(time.Minute)
	if _, err := charges.ApplyEvent(ctx, applyReq("C1", "e1", "charge:confirmed", domain.StatusCompleted, completedAt)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if due, err := outbox.Due(ctx, completedAt.Add(-time.Second), 10); err != nil || len(due) != 0 {
		t.Fatalf("nothing should be due yet: %d %v", len(due), err)
	}

	due, err := outbox.Due(ctx, completedAt, 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("due = %d, want 2", len(due))
	}

	if err := outbox.MarkDone(ctx, due[0].ID, 1, completedAt); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	retryAt := completedAt.Add(time.Minute)
	if err := outbox.Reschedule(ctx, due[1].ID, 1, retryAt, "smtp down", completedAt); err != nil {
		t.Fatalf("reschedule: %v", err)
	}

	if again, _ := outbox.Due(ctx, completedAt, 10); len(again) != 0 {
		t.Fatalf("rescheduled task due too early: %+v", again)
	}
	later, err := outbox.Due(ctx, retryAt, 10)
	if err != nil || len(later) != 1 {
		t.Fatalf("expected rescheduled task due: %d %v", len(later), err)
	}
	if later[0].Attempts != 1 || later[0].LastError != "smtp down" {
		t.Fatalf("unexpected task state: %+v", later[0])
	}

	if err := outbox.MarkDead(ctx, later[0].ID, 2, "gave up", retryAt); err != nil {
		t.Fatalf("mark dead: %v", err)
	}
	// settled tasks cannot be moved again
	if err := outbox.MarkDone(ctx, due[0].ID, 2, retryAt); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound re-settling a done task, got %v", err)
	}

	summary, err := outbox.Summary(ctx)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary["done"] != 1 || summary["dead"] != 1 || summary["pending"] != 0 {
		t.Fatalf("summary = %v", summary)
	}
}

func TestEscrowReleaseOnce(t *testing.T) {
	repo := NewEscrowRepo(newTestDB(t))
	ctx := context.Background()

	rel := &domain.EscrowRelease{
		ChargeID:   "C1",
		ContractID: "P1",
		Amount:     decimal.RequireFromString("100.00"),
		Currency:   "USD",
		ReleasedAt: t0,
	}
	created, err := repo.Release(ctx, rel)
	if err != nil || !created {
		t.Fatalf("first release: created=%v err=%v", created, err)
	}

	again := *rel
	again.ReleasedAt = t0.Add(time.Hour)
	created, err = repo.Release(ctx, &again)
	if err != nil {
		t.Fatalf("second release: %v", err)
	}
	if created {
		t.Fatal("second release must be a no-op")
	}

	got, err := repo.GetByChargeID(ctx, "C1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.ReleasedAt.Equal(t0) {
		t.Fatalf("released_at changed: %v", got.ReleasedAt)
	}

	list, err := repo.ListByContract(ctx, "P1")
	if err != nil || len(list) != 1 {
		t.Fatalf("list by contract: %d %v", len(list), err)
	}
}

func TestIgnoredEvents(t *testing.T) {
	repo := NewIgnoredEventRepo(newTestDB(t))
	ctx := context.Background()

	for i, reason := range []string{domain.IgnoreUnknownCharge, domain.IgnoreUnknownCharge, domain.IgnoreUnknownEventType} {
		e := &domain.IgnoredEvent{
			EventID:    "evt",
			ChargeID:   "C999",
			EventType:  "charge:confirmed",
			Reason:     reason,
			ReceivedAt: t0.Add(time.Duration(i) * time.Second),
		}
		if err := repo.Insert(ctx, e); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	events, total, err := repo.List(ctx, IgnoredEventFilter{Reason: domain.IgnoreUnknownCharge})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 2 || len(events) != 2 {
		t.Fatalf("total=%d len=%d, want 2", total, len(events))
	}

	counts, err := repo.CountByReason(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[domain.IgnoreUnknownCharge] != 2 || counts[domain.IgnoreUnknownEventType] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestSchemaTables(t *testing.T) {
	db := newTestDB(t)
	for _, name := range []string{
		"charges", "charge_timeline", "processed_events",
		"webhook_events_ignored", "outbox", "escrow_releases",
	} {
		var got string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&got)
		if err != nil {
			t.Fatalf("table %s: %v", name, err)
		}
	}
}
