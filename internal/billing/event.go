package billing

import "time"

// EventType is a provider webhook event category.
type EventType string

const (
	EventCheckoutCompleted     EventType = "checkout_completed"
	EventSubscriptionActivated EventType = "subscription_activated"
	EventPaymentFailed         EventType = "payment_failed"
	EventPaymentSucceeded      EventType = "payment_succeeded"
	EventSubscriptionCancelled EventType = "subscription_cancelled"
)

// KnownEventType reports whether the event type drives a transition.
func KnownEventType(t EventType) bool {
	switch t {
	case EventCheckoutCompleted, EventSubscriptionActivated,
		EventPaymentFailed, EventPaymentSucceeded, EventSubscriptionCancelled:
		return true
	}
	return false
}

// Event is a verified provider notification, normalized from the provider's
// wire format by the webhook reconciler.
type Event struct {
	// ID is the provider's unique event identifier.
	ID string

	// Type is the normalized event category.
	Type EventType

	// SubscriptionID is the provider's opaque subscription identifier.
	SubscriptionID string

	// AccountRef is the account identifier embedded in the payload.
	AccountRef string

	// OccurredAt is the provider's event timestamp.
	OccurredAt time.Time

	// Sequence is the provider's monotonic event sequence, 0 when the
	// provider does not supply one. Preferred over OccurredAt for ordering.
	Sequence int64

	// PeriodEnd is the end of the billing period the event confirms,
	// zero when the payload carries none.
	PeriodEnd time.Time

	// Trial marks a checkout that starts with a trial period.
	Trial bool
}

// olderThan reports whether the event predates the most recently applied
// event recorded on the subscription. The provider sequence wins when both
// sides carry one; otherwise the event timestamp decides, and a tie goes to
// receipt order (the incoming event is applied).
func (e Event) olderThan(lastSeq int64, lastAt time.Time) bool {
	if e.Sequence > 0 && lastSeq > 0 {
		return e.Sequence < lastSeq
	}
	if e.OccurredAt.IsZero() || lastAt.IsZero() {
		return false
	}
	return e.OccurredAt.Before(lastAt)
}
