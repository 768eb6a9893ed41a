package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vohiienko/ragconvert/internal/billing"
)

// ErrMalformedPayload marks a verified payload the reconciler cannot use.
var ErrMalformedPayload = errors.New("malformed webhook payload")

// Payload is the provider-neutral webhook body. Providers that use other
// field names are adapted at the edge before reaching the reconciler.
type Payload struct {
	EventID          string `json:"event_id"`
	EventType        string `json:"event_type"`
	SubscriptionID   string `json:"subscription_id"`
	AccountReference string `json:"account_reference"`
	OccurredAt       string `json:"occurred_at"` // RFC 3339
	Sequence         int64  `json:"sequence,omitempty"`
	PeriodEnd        string `json:"period_end,omitempty"` // RFC 3339
	Trial            bool   `json:"trial,omitempty"`
}

// eventTypeAliases maps provider spellings onto the normalized event types.
var eventTypeAliases = map[string]billing.EventType{
	"checkout_completed":            billing.EventCheckoutCompleted,
	"checkout.session.completed":    billing.EventCheckoutCompleted,
	"subscription_activated":        billing.EventSubscriptionActivated,
	"customer.subscription.updated": billing.EventSubscriptionActivated,
	"payment_failed":                billing.EventPaymentFailed,
	"invoice.payment_failed":        billing.EventPaymentFailed,
	"payment_succeeded":             billing.EventPaymentSucceeded,
	"invoice.payment_succeeded":     billing.EventPaymentSucceeded,
	"subscription_cancelled":        billing.EventSubscriptionCancelled,
	"customer.subscription.deleted": billing.EventSubscriptionCancelled,
}

// ParsePayload decodes and validates a verified webhook body.
func ParsePayload(body []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	p.EventID = strings.TrimSpace(p.EventID)
	p.EventType = strings.TrimSpace(p.EventType)
	p.AccountReference = strings.TrimSpace(p.AccountReference)

	if p.EventID == "" {
		return nil, fmt.Errorf("%w: missing event_id", ErrMalformedPayload)
	}
	if p.EventType == "" {
		return nil, fmt.Errorf("%w: missing event_type", ErrMalformedPayload)
	}
	if p.AccountReference == "" && strings.TrimSpace(p.SubscriptionID) == "" {
		return nil, fmt.Errorf("%w: missing account_reference and subscription_id", ErrMalformedPayload)
	}
	return &p, nil
}

// Event normalizes the payload into a billing event. Unrecognized event
// types return ok = false; the reconciler acknowledges them without
// processing.
func (p *Payload) Event() (billing.Event, bool) {
	eventType, ok := eventTypeAliases[strings.ToLower(p.EventType)]
	if !ok {
		return billing.Event{}, false
	}

	e := billing.Event{
		ID:             p.EventID,
		Type:           eventType,
		SubscriptionID: strings.TrimSpace(p.SubscriptionID),
		AccountRef:     p.AccountReference,
		Sequence:       p.Sequence,
		Trial:          p.Trial,
	}
	if t, err := time.Parse(time.RFC3339, strings.TrimSpace(p.OccurredAt)); err == nil {
		e.OccurredAt = t.UTC()
	}
	if t, err := time.Parse(time.RFC3339, strings.TrimSpace(p.PeriodEnd)); err == nil {
		e.PeriodEnd = t.UTC()
	}
	return e, true
}
