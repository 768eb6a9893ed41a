package billing

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vohiienko/ragconvert/internal/metrics"
	"github.com/vohiienko/ragconvert/internal/store"
)

// Errors
var (
	// ErrStaleEvent marks an event older than the currently applied state.
	// Expected during provider retry backlogs; not an error at the business
	// level.
	ErrStaleEvent = errors.New("stale event")
	// ErrUnknownAccount marks an event referencing no known account.
	// Non-retriable: log and drop.
	ErrUnknownAccount = errors.New("unknown account")
)

// Limits carries the entitlement limits installed on tier changes.
// -1 means unlimited.
type Limits struct {
	Free  int
	Trial int
	Paid  int
}

// StateMachine owns all subscription transitions. Incoming verified events
// are applied under a per-account lock, ordered by the provider sequence
// (timestamp fallback), and committed together with any quota reset and the
// event's applied flag in one store transaction.
type StateMachine struct {
	store  *store.Store
	limits Limits
	locks  *keyedMutex
}

// NewStateMachine creates a subscription state machine.
func NewStateMachine(st *store.Store, limits Limits) *StateMachine {
	return &StateMachine{
		store:  st,
		limits: limits,
		locks:  newKeyedMutex(),
	}
}

// Status returns the current subscription status for an account,
// SubStatusNone when no record exists.
func (m *StateMachine) Status(accountID string) (store.SubscriptionStatus, error) {
	sub, err := m.store.GetSubscription(accountID)
	if err != nil {
		return "", err
	}
	if sub == nil {
		return store.SubStatusNone, nil
	}
	return sub.Status, nil
}

// Subscription returns the full subscription record, nil when none exists.
func (m *StateMachine) Subscription(accountID string) (*store.Subscription, error) {
	return m.store.GetSubscription(accountID)
}

// Apply applies a verified provider event to the account's subscription.
// Returns the resulting status. ErrStaleEvent means the event predates the
// applied state and produced no transition; ErrUnknownAccount means the
// account does not exist.
func (m *StateMachine) Apply(accountID string, event Event) (store.SubscriptionStatus, error) {
	unlock := m.locks.lock(accountID)
	defer unlock()

	acct, err := m.store.GetAccount(accountID)
	if err != nil {
		return "", fmt.Errorf("lookup account: %w", err)
	}
	if acct == nil {
		return "", ErrUnknownAccount
	}

	sub, err := m.store.GetSubscription(accountID)
	if err != nil {
		return "", fmt.Errorf("lookup subscription: %w", err)
	}

	current := store.SubStatusNone
	if sub != nil {
		current = sub.Status
		if event.olderThan(sub.LastEventSeq, sub.LastEventAt) {
			metrics.StaleEventsTotal.Inc()
			log.Info().
				Str("account_id", accountID).
				Str("event_id", event.ID).
				Str("event_type", string(event.Type)).
				Str("applied_event_id", sub.LastEventID).
				Msg("Provider event is older than applied state, ignoring")
			return current, ErrStaleEvent
		}
	}

	next, reset, ok := m.decide(current, event)
	if !ok {
		// No transition for this state/event pair: duplicate cancellations
		// land here. Idempotent no-op, but the event still counts as
		// processed for deduplication.
		if err := m.store.MarkEventApplied(event.ID); err != nil {
			return "", fmt.Errorf("mark no-op event applied: %w", err)
		}
		log.Debug().
			Str("account_id", accountID).
			Str("event_id", event.ID).
			Str("event_type", string(event.Type)).
			Str("status", string(current)).
			Msg("Provider event produced no transition")
		return current, nil
	}

	record := m.buildRecord(sub, accountID, event, next)
	if err := m.store.CommitTransition(event.ID, record, reset); err != nil {
		return "", fmt.Errorf("commit transition: %w", err)
	}

	if tier := tierFor(next); tier != acct.Tier {
		if err := m.store.UpdateAccountTier(accountID, tier); err != nil {
			log.Error().Err(err).Str("account_id", accountID).Msg("Failed to update account tier")
		}
	}

	log.Info().
		Str("account_id", accountID).
		Str("event_id", event.ID).
		Str("event_type", string(event.Type)).
		Str("from", string(current)).
		Str("to", string(next)).
		Msg("Subscription transition applied")
	return next, nil
}

// decide resolves the state/event pair to a target status and an optional
// quota reset. ok is false when the pair produces no transition.
func (m *StateMachine) decide(current store.SubscriptionStatus, event Event) (next store.SubscriptionStatus, reset *store.LedgerReset, ok bool) {
	now := time.Now().UTC()

	switch event.Type {
	case EventCheckoutCompleted:
		// First checkout, or re-subscription after a terminal state.
		if current != store.SubStatusNone && !current.Terminal() {
			return "", nil, false
		}
		if event.Trial {
			return store.SubStatusTrialing, &store.LedgerReset{MaxUses: m.limits.Trial, PeriodStart: now}, true
		}
		return store.SubStatusActive, &store.LedgerReset{MaxUses: m.limits.Paid, PeriodStart: now}, true

	case EventSubscriptionActivated:
		if current != store.SubStatusTrialing {
			return "", nil, false
		}
		return store.SubStatusActive, &store.LedgerReset{MaxUses: m.limits.Paid, PeriodStart: now}, true

	case EventPaymentFailed:
		if current != store.SubStatusTrialing && current != store.SubStatusActive {
			return "", nil, false
		}
		// Grace period: no ledger change.
		return store.SubStatusPastDue, nil, true

	case EventPaymentSucceeded:
		switch current {
		case store.SubStatusPastDue:
			return store.SubStatusActive, nil, true
		case store.SubStatusActive:
			// Renewal: status unchanged, counting window rolls over when the
			// provider confirms a new billing period.
			if !event.PeriodEnd.IsZero() {
				return store.SubStatusActive, &store.LedgerReset{MaxUses: m.limits.Paid, PeriodStart: now}, true
			}
			return store.SubStatusActive, nil, true
		default:
			return "", nil, false
		}

	case EventSubscriptionCancelled:
		switch current {
		case store.SubStatusActive:
			// Effective at current_period_end; the ledger reset happens when
			// the sweep terminalizes the record.
			return store.SubStatusCancelled, nil, true
		case store.SubStatusTrialing, store.SubStatusPastDue:
			return store.SubStatusExpired, &store.LedgerReset{MaxUses: m.limits.Free, PeriodStart: now}, true
		default:
			// Duplicate cancellation: idempotent no-op.
			return "", nil, false
		}
	}

	return "", nil, false
}

func (m *StateMachine) buildRecord(prev *store.Subscription, accountID string, event Event, next store.SubscriptionStatus) *store.Subscription {
	record := &store.Subscription{AccountID: accountID}
	if prev != nil {
		*record = *prev
	}
	record.Status = next
	if event.SubscriptionID != "" {
		record.ProviderSubscriptionID = event.SubscriptionID
	}
	if !event.PeriodEnd.IsZero() {
		record.CurrentPeriodEnd = event.PeriodEnd
	}
	record.LastEventID = event.ID
	if event.Sequence > 0 {
		record.LastEventSeq = event.Sequence
	}
	if !event.OccurredAt.IsZero() {
		record.LastEventAt = event.OccurredAt
	}
	return record
}

// Expire terminalizes a subscription locally, outside the webhook path.
// Used by the reconciliation sweep when the provider never sends a terminal
// event. The quota ledger is reset to the free limit in the same
// transaction.
func (m *StateMachine) Expire(accountID string) error {
	unlock := m.locks.lock(accountID)
	defer unlock()

	sub, err := m.store.GetSubscription(accountID)
	if err != nil {
		return fmt.Errorf("lookup subscription: %w", err)
	}
	if sub == nil || sub.Status == store.SubStatusExpired {
		return nil
	}

	from := sub.Status
	sub.Status = store.SubStatusExpired
	reset := &store.LedgerReset{MaxUses: m.limits.Free, PeriodStart: time.Now().UTC()}
	if err := m.store.CommitTransition("", sub, reset); err != nil {
		return fmt.Errorf("commit expiry: %w", err)
	}
	if err := m.store.UpdateAccountTier(accountID, store.TierFree); err != nil {
		log.Error().Err(err).Str("account_id", accountID).Msg("Failed to downgrade account tier")
	}

	metrics.SweeperTransitionsTotal.WithLabelValues(string(from)).Inc()
	log.Info().
		Str("account_id", accountID).
		Str("from", string(from)).
		Msg("Subscription expired by local reconciliation")
	return nil
}

func tierFor(status store.SubscriptionStatus) store.Tier {
	switch status {
	case store.SubStatusTrialing, store.SubStatusActive, store.SubStatusPastDue, store.SubStatusCancelled:
		return store.TierPaid
	default:
		return store.TierFree
	}
}
