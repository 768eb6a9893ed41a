package store

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"
)

// Tier is an account entitlement tier.
type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// Account represents a registered account.
type Account struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	APIKeyHash string    `json:"-"`
	Tier       Tier      `json:"tier"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// LedgerEntry is the per-account usage counter.
// MaxUses of -1 means unlimited.
type LedgerEntry struct {
	AccountID   string    `json:"account_id"`
	Used        int       `json:"used"`
	MaxUses     int       `json:"max_uses"`
	PeriodStart time.Time `json:"period_start"`
}

// Remaining returns the number of conversions left, or -1 for unlimited.
func (e *LedgerEntry) Remaining() int {
	if e.MaxUses < 0 {
		return -1
	}
	if e.Used >= e.MaxUses {
		return 0
	}
	return e.MaxUses - e.Used
}

// SubscriptionStatus represents the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	SubStatusNone      SubscriptionStatus = "none"
	SubStatusTrialing  SubscriptionStatus = "trialing"
	SubStatusActive    SubscriptionStatus = "active"
	SubStatusPastDue   SubscriptionStatus = "past_due"
	SubStatusCancelled SubscriptionStatus = "cancelled"
	SubStatusExpired   SubscriptionStatus = "expired"
)

// Terminal reports whether the status is an end state that frees the
// account for a new subscription.
func (s SubscriptionStatus) Terminal() bool {
	return s == SubStatusCancelled || s == SubStatusExpired
}

// Subscription is the per-account subscription record. Records are never
// deleted, only terminalized, to preserve audit history.
type Subscription struct {
	AccountID              string             `json:"account_id"`
	ProviderSubscriptionID string             `json:"provider_subscription_id"`
	Status                 SubscriptionStatus `json:"status"`
	CurrentPeriodEnd       time.Time          `json:"current_period_end"`
	LastEventID            string             `json:"last_event_id"`
	LastEventSeq           int64              `json:"last_event_seq"`
	LastEventAt            time.Time          `json:"last_event_at"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// WebhookEvent is an immutable log entry for a received provider event.
// Only the applied flag is ever flipped, once, after processing.
type WebhookEvent struct {
	ProviderEventID string    `json:"provider_event_id"`
	AccountID       string    `json:"account_id"`
	EventType       string    `json:"event_type"`
	ReceivedAt      time.Time `json:"received_at"`
	Verified        bool      `json:"verified"`
	Applied         bool      `json:"applied"`
	PayloadHash     string    `json:"payload_hash"`
}

// LedgerReset describes a quota reset applied alongside a subscription
// transition in the same transaction.
type LedgerReset struct {
	MaxUses     int
	PeriodStart time.Time
}

// ConversionRecord is a history entry for a completed conversion.
type ConversionRecord struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"account_id"`
	Filename   string    `json:"filename"`
	MimeType   string    `json:"mime_type"`
	ChunkCount int       `json:"chunk_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// crockfordBase32 is the Crockford base32 alphabet (excludes I, L, O, U).
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// GenerateAccountID returns an account ID of the form "a_" followed by 10
// random Crockford base32 characters (50 bits of entropy).
func GenerateAccountID() (string, error) {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate account id: %w", err)
	}
	var sb strings.Builder
	sb.WriteString("a_")
	for _, v := range b {
		sb.WriteByte(crockfordBase32[int(v)%len(crockfordBase32)])
	}
	return sb.String(), nil
}
