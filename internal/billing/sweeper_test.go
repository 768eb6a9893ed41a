package billing

import (
	"context"
	"testing"
	"time"

	"github.com/vohiienko/ragconvert/internal/store"
)

func TestSweepExpiresCancelledAfterPeriodEnd(t *testing.T) {
	machine, st := newTestMachine(t)
	id := createAccount(t, st)

	sub := &store.Subscription{
		AccountID:              id,
		ProviderSubscriptionID: "sub_1",
		Status:                 store.SubStatusCancelled,
		CurrentPeriodEnd:       time.Now().UTC().Add(-time.Hour),
	}
	if err := st.CommitTransition("", sub, nil); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	sweeper := NewSweeper(st, machine, 14*24*time.Hour)
	sweeper.Sweep(context.Background())

	status, _ := machine.Status(id)
	if status != store.SubStatusExpired {
		t.Fatalf("status = %s, want expired", status)
	}
	entry, _ := st.GetLedger(id)
	if entry.MaxUses != testLimits.Free {
		t.Errorf("ledger max = %d, want free limit", entry.MaxUses)
	}
}

func TestSweepKeepsCancelledBeforePeriodEnd(t *testing.T) {
	machine, st := newTestMachine(t)
	id := createAccount(t, st)

	sub := &store.Subscription{
		AccountID:              id,
		ProviderSubscriptionID: "sub_1",
		Status:                 store.SubStatusCancelled,
		CurrentPeriodEnd:       time.Now().UTC().Add(time.Hour),
	}
	if err := st.CommitTransition("", sub, nil); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	sweeper := NewSweeper(st, machine, 14*24*time.Hour)
	sweeper.Sweep(context.Background())

	status, _ := machine.Status(id)
	if status != store.SubStatusCancelled {
		t.Fatalf("status = %s, want cancelled until period end", status)
	}
}

func TestSweepExpiresPastDueAfterGrace(t *testing.T) {
	machine, st := newTestMachine(t)
	id := createAccount(t, st)

	sub := &store.Subscription{
		AccountID:              id,
		ProviderSubscriptionID: "sub_1",
		Status:                 store.SubStatusPastDue,
	}
	if err := st.CommitTransition("", sub, nil); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	// A grace period of one nanosecond makes the just-written record
	// already overdue.
	sweeper := NewSweeper(st, machine, time.Nanosecond)
	sweeper.Sweep(context.Background())

	status, _ := machine.Status(id)
	if status != store.SubStatusExpired {
		t.Fatalf("status = %s, want expired", status)
	}
}

func TestSweepKeepsPastDueWithinGrace(t *testing.T) {
	machine, st := newTestMachine(t)
	id := createAccount(t, st)

	sub := &store.Subscription{
		AccountID:              id,
		ProviderSubscriptionID: "sub_1",
		Status:                 store.SubStatusPastDue,
	}
	if err := st.CommitTransition("", sub, nil); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	sweeper := NewSweeper(st, machine, 14*24*time.Hour)
	sweeper.Sweep(context.Background())

	status, _ := machine.Status(id)
	if status != store.SubStatusPastDue {
		t.Fatalf("status = %s, want past_due within grace", status)
	}
}
