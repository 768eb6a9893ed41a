package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vohiienko/ragconvert/internal/billing"
	"github.com/vohiienko/ragconvert/internal/convert"
	"github.com/vohiienko/ragconvert/internal/quota"
	"github.com/vohiienko/ragconvert/internal/store"
)

type stubConverter struct {
	convert func(ctx context.Context, data []byte, mime string) ([]convert.Chunk, error)
}

func (s *stubConverter) Convert(ctx context.Context, data []byte, mime string) ([]convert.Chunk, error) {
	return s.convert(ctx, data, mime)
}

func okConverter() *stubConverter {
	return &stubConverter{convert: func(ctx context.Context, data []byte, mime string) ([]convert.Chunk, error) {
		return []convert.Chunk{{Text: string(data), Offset: 0}}, nil
	}}
}

type testEnv struct {
	gateway *Gateway
	ledger  *quota.Ledger
	machine *billing.StateMachine
	store   *store.Store
}

func newTestEnv(t *testing.T, conv convert.Converter, timeout time.Duration) *testEnv {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ledger := quota.NewLedger(st)
	machine := billing.NewStateMachine(st, billing.Limits{Free: 3, Trial: 25, Paid: -1})
	return &testEnv{
		gateway: New(ledger, machine, conv, st, timeout, 2),
		ledger:  ledger,
		machine: machine,
		store:   st,
	}
}

func (e *testEnv) createAccount(t *testing.T, limit int) string {
	t.Helper()
	id, err := store.GenerateAccountID()
	if err != nil {
		t.Fatalf("failed to generate account ID: %v", err)
	}
	acct := &store.Account{ID: id, Email: id + "@example.com", Tier: store.TierFree}
	if err := e.store.CreateAccount(acct, limit); err != nil {
		t.Fatalf("failed to create account: %v", err)
	}
	return id
}

func TestFreeTierExhaustsAtLimit(t *testing.T) {
	env := newTestEnv(t, okConverter(), time.Second)
	id := env.createAccount(t, 3)

	for i := 0; i < 3; i++ {
		chunks, err := env.gateway.RequestConversion(context.Background(), id, "doc.txt", []byte("text"), "text/plain")
		if err != nil {
			t.Fatalf("conversion %d: %v", i, err)
		}
		if len(chunks) != 1 {
			t.Fatalf("conversion %d: got %d chunks", i, len(chunks))
		}
	}

	_, err := env.gateway.RequestConversion(context.Background(), id, "doc.txt", []byte("text"), "text/plain")
	if !errors.Is(err, quota.ErrQuotaExceeded) {
		t.Fatalf("fourth conversion: expected ErrQuotaExceeded, got %v", err)
	}

	entry, _ := env.ledger.Snapshot(id)
	if entry.Used != 3 {
		t.Errorf("used = %d, want 3", entry.Used)
	}
}

func TestUpgradeUnlocksUnlimited(t *testing.T) {
	env := newTestEnv(t, okConverter(), time.Second)
	id := env.createAccount(t, 3)

	for i := 0; i < 3; i++ {
		if _, err := env.gateway.RequestConversion(context.Background(), id, "", []byte("text"), "text/plain"); err != nil {
			t.Fatalf("conversion %d: %v", i, err)
		}
	}

	ev := billing.Event{ID: "evt_1", Type: billing.EventCheckoutCompleted, OccurredAt: time.Now().UTC(), Sequence: 1}
	if _, err := env.machine.Apply(id, ev); err != nil {
		t.Fatalf("apply checkout: %v", err)
	}

	for i := 0; i < 10; i++ {
		if _, err := env.gateway.RequestConversion(context.Background(), id, "", []byte("text"), "text/plain"); err != nil {
			t.Fatalf("post-upgrade conversion %d: %v", i, err)
		}
	}
}

func TestFailedConversionDoesNotConsumeQuota(t *testing.T) {
	failing := &stubConverter{convert: func(ctx context.Context, data []byte, mime string) ([]convert.Chunk, error) {
		return nil, convert.ErrCorrupt
	}}
	env := newTestEnv(t, failing, time.Second)
	id := env.createAccount(t, 3)

	for i := 0; i < 5; i++ {
		_, err := env.gateway.RequestConversion(context.Background(), id, "", []byte("x"), "text/plain")
		if !errors.Is(err, convert.ErrCorrupt) {
			t.Fatalf("attempt %d: expected ErrCorrupt, got %v", i, err)
		}
	}

	entry, _ := env.ledger.Snapshot(id)
	if entry.Used != 0 {
		t.Errorf("failed conversions consumed quota: used=%d", entry.Used)
	}
}

func TestTimeoutReleasesReservation(t *testing.T) {
	slow := &stubConverter{convert: func(ctx context.Context, data []byte, mime string) ([]convert.Chunk, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	env := newTestEnv(t, slow, 20*time.Millisecond)
	id := env.createAccount(t, 3)

	_, err := env.gateway.RequestConversion(context.Background(), id, "", []byte("x"), "text/plain")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	entry, _ := env.ledger.Snapshot(id)
	if entry.Used != 0 {
		t.Errorf("timed-out conversion consumed quota: used=%d", entry.Used)
	}
}

func TestExpiredSubscriptionFailsFast(t *testing.T) {
	calls := 0
	counting := &stubConverter{convert: func(ctx context.Context, data []byte, mime string) ([]convert.Chunk, error) {
		calls++
		return []convert.Chunk{{Text: "x"}}, nil
	}}
	env := newTestEnv(t, counting, time.Second)
	id := env.createAccount(t, 3)

	ev := billing.Event{ID: "evt_1", Type: billing.EventCheckoutCompleted, OccurredAt: time.Now().UTC(), Sequence: 1}
	if _, err := env.machine.Apply(id, ev); err != nil {
		t.Fatalf("apply checkout: %v", err)
	}
	if err := env.machine.Expire(id); err != nil {
		t.Fatalf("expire: %v", err)
	}

	// The free allowance survives expiry.
	for i := 0; i < 3; i++ {
		if _, err := env.gateway.RequestConversion(context.Background(), id, "", []byte("x"), "text/plain"); err != nil {
			t.Fatalf("free conversion %d after expiry: %v", i, err)
		}
	}

	// Exhausted free tier on a terminal subscription gets the entitlement
	// error, not a plain quota denial.
	_, err := env.gateway.RequestConversion(context.Background(), id, "", []byte("x"), "text/plain")
	if !errors.Is(err, ErrSubscriptionExpired) {
		t.Fatalf("expected ErrSubscriptionExpired, got %v", err)
	}
	if calls != 3 {
		t.Errorf("converter ran %d times, want 3 (fail-fast before converting)", calls)
	}
}

func TestCancelledBeforePeriodEndStillConverts(t *testing.T) {
	env := newTestEnv(t, okConverter(), time.Second)
	id := env.createAccount(t, 3)

	if _, err := env.machine.Apply(id, billing.Event{ID: "evt_1", Type: billing.EventCheckoutCompleted, Sequence: 1, OccurredAt: time.Now().UTC()}); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	cancel := billing.Event{
		ID: "evt_2", Type: billing.EventSubscriptionCancelled, Sequence: 2,
		OccurredAt: time.Now().UTC(),
		PeriodEnd:  time.Now().UTC().Add(10 * 24 * time.Hour),
	}
	if _, err := env.machine.Apply(id, cancel); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// Cancelled but inside the paid period: the unlimited ledger still
	// applies.
	for i := 0; i < 5; i++ {
		if _, err := env.gateway.RequestConversion(context.Background(), id, "", []byte("x"), "text/plain"); err != nil {
			t.Fatalf("conversion %d: %v", i, err)
		}
	}
}

func TestSuccessfulConversionRecordsHistory(t *testing.T) {
	env := newTestEnv(t, okConverter(), time.Second)
	id := env.createAccount(t, 3)

	if _, err := env.gateway.RequestConversion(context.Background(), id, "notes.md", []byte("# hi"), "text/markdown"); err != nil {
		t.Fatalf("conversion: %v", err)
	}

	recs, err := env.store.ListConversions(id, 10)
	if err != nil {
		t.Fatalf("ListConversions: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d history records, want 1", len(recs))
	}
	if recs[0].Filename != "notes.md" || recs[0].ChunkCount != 1 {
		t.Errorf("unexpected record: %+v", recs[0])
	}
}

func TestUnknownAccountRejected(t *testing.T) {
	env := newTestEnv(t, okConverter(), time.Second)

	_, err := env.gateway.RequestConversion(context.Background(), "a_MISSING000", "", []byte("x"), "text/plain")
	if !errors.Is(err, quota.ErrUnknownAccount) {
		t.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
}
