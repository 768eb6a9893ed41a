package quota

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vohiienko/ragconvert/internal/metrics"
	"github.com/vohiienko/ragconvert/internal/store"
)

// Errors
var (
	// ErrQuotaExceeded is returned when no conversion slots remain.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrUnknownAccount is returned when the account has no ledger entry.
	ErrUnknownAccount = errors.New("unknown account")
	// ErrReservationSettled is returned when a reservation is committed or
	// released more than once.
	ErrReservationSettled = errors.New("reservation already settled")
)

// Reservation is a provisional quota increment. It must be settled exactly
// once, by Commit on success or Release on downstream failure.
type Reservation struct {
	ID         string
	AccountID  string
	ReservedAt time.Time

	settled atomic.Bool
}

// Ledger is the sole authority on whether an account may convert right now.
// The reserve path is a single conditional UPDATE, so concurrent
// reservations for the same account serialize in the store: with one slot
// left, exactly one of two racing calls succeeds.
type Ledger struct {
	store *store.Store
}

// NewLedger creates a quota ledger over the given store.
func NewLedger(st *store.Store) *Ledger {
	return &Ledger{store: st}
}

// CheckAndReserve provisionally consumes one conversion slot.
// Returns ErrQuotaExceeded when the limit is reached and ErrUnknownAccount
// when no ledger entry exists for the account.
func (l *Ledger) CheckAndReserve(accountID string) (*Reservation, error) {
	ok, err := l.store.ReserveUse(accountID)
	if err != nil {
		return nil, fmt.Errorf("check and reserve: %w", err)
	}
	if !ok {
		entry, err := l.store.GetLedger(accountID)
		if err != nil {
			return nil, fmt.Errorf("check and reserve lookup: %w", err)
		}
		if entry == nil {
			return nil, ErrUnknownAccount
		}
		metrics.QuotaDenialsTotal.Inc()
		return nil, ErrQuotaExceeded
	}

	return &Reservation{
		ID:         uuid.NewString(),
		AccountID:  accountID,
		ReservedAt: time.Now().UTC(),
	}, nil
}

// Commit finalizes a reservation. The increment is already durable from the
// reserve step, so this only seals the reservation against a later Release.
func (l *Ledger) Commit(res *Reservation) error {
	if res == nil {
		return fmt.Errorf("reservation is nil")
	}
	if !res.settled.CompareAndSwap(false, true) {
		return ErrReservationSettled
	}
	return nil
}

// Release compensates a reservation after a downstream failure, restoring
// the slot. A released reservation is never counted against the limit.
func (l *Ledger) Release(res *Reservation) error {
	if res == nil {
		return fmt.Errorf("reservation is nil")
	}
	if !res.settled.CompareAndSwap(false, true) {
		return ErrReservationSettled
	}
	if err := l.store.ReleaseUse(res.AccountID); err != nil {
		// The slot stays consumed. Surface the error; the sweep of billing
		// period resets will eventually correct the counter.
		return fmt.Errorf("release reservation %s: %w", res.ID, err)
	}
	metrics.QuotaReleasesTotal.Inc()
	log.Debug().
		Str("account_id", res.AccountID).
		Str("reservation_id", res.ID).
		Msg("Quota reservation released")
	return nil
}

// Reset zeroes usage and installs a new limit and counting window. Called
// only by the subscription state machine on tier change or period rollover.
func (l *Ledger) Reset(accountID string, newLimit int) error {
	if err := l.store.ResetLedger(accountID, newLimit, time.Now().UTC()); err != nil {
		return fmt.Errorf("reset ledger: %w", err)
	}
	log.Info().
		Str("account_id", accountID).
		Int("new_limit", newLimit).
		Msg("Quota ledger reset")
	return nil
}

// Snapshot returns the current ledger entry for an account.
func (l *Ledger) Snapshot(accountID string) (*store.LedgerEntry, error) {
	entry, err := l.store.GetLedger(accountID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ErrUnknownAccount
	}
	return entry, nil
}
