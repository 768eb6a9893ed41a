package store

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrDuplicateEmail is returned when an account email is already registered.
var ErrDuplicateEmail = errors.New("email already registered")

// Store provides persistence for accounts, quota ledger entries,
// subscriptions, and the webhook event log, backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the service database in dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dbPath := filepath.Join(dir, "ragconvert.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id           TEXT PRIMARY KEY,
		email        TEXT NOT NULL UNIQUE,
		api_key_hash TEXT NOT NULL DEFAULT '',
		tier         TEXT NOT NULL DEFAULT 'free',
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS quota_ledger (
		account_id   TEXT PRIMARY KEY REFERENCES accounts(id),
		used         INTEGER NOT NULL DEFAULT 0,
		max_uses     INTEGER NOT NULL DEFAULT 0,
		period_start INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS subscriptions (
		account_id               TEXT PRIMARY KEY REFERENCES accounts(id),
		provider_subscription_id TEXT NOT NULL DEFAULT '',
		status                   TEXT NOT NULL DEFAULT 'none',
		current_period_end       INTEGER,
		last_event_id            TEXT NOT NULL DEFAULT '',
		last_event_seq           INTEGER NOT NULL DEFAULT 0,
		last_event_at            INTEGER NOT NULL DEFAULT 0,
		created_at               INTEGER NOT NULL,
		updated_at               INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_provider_id
		ON subscriptions(provider_subscription_id)
		WHERE provider_subscription_id != '';
	CREATE TABLE IF NOT EXISTS webhook_events (
		provider_event_id TEXT PRIMARY KEY,
		account_id        TEXT NOT NULL DEFAULT '',
		event_type        TEXT NOT NULL DEFAULT '',
		received_at       INTEGER NOT NULL,
		verified          INTEGER NOT NULL DEFAULT 0,
		applied           INTEGER NOT NULL DEFAULT 0,
		payload_hash      TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS conversion_history (
		id          TEXT PRIMARY KEY,
		account_id  TEXT NOT NULL REFERENCES accounts(id),
		filename    TEXT NOT NULL DEFAULT '',
		mime_type   TEXT NOT NULL DEFAULT '',
		chunk_count INTEGER NOT NULL DEFAULT 0,
		created_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversion_history_account
		ON conversion_history(account_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions(status);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init store schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateAccount inserts a new account together with its quota ledger entry.
func (s *Store) CreateAccount(a *Account, initialLimit int) error {
	if a == nil {
		return fmt.Errorf("account is nil")
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.Tier == "" {
		a.Tier = TierFree
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin create account: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		INSERT INTO accounts (id, email, api_key_hash, tier, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.Email, a.APIKeyHash, string(a.Tier), a.CreatedAt.Unix(), a.UpdatedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("create account: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO quota_ledger (account_id, used, max_uses, period_start)
		VALUES (?, 0, ?, ?)`,
		a.ID, initialLimit, now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create ledger entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create account: %w", err)
	}
	return nil
}

// GetAccount retrieves an account by ID. Returns (nil, nil) when absent.
func (s *Store) GetAccount(id string) (*Account, error) {
	row := s.db.QueryRow(`SELECT id, email, api_key_hash, tier, created_at, updated_at
		FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// GetAccountByEmail retrieves an account by email. Returns (nil, nil) when absent.
func (s *Store) GetAccountByEmail(email string) (*Account, error) {
	row := s.db.QueryRow(`SELECT id, email, api_key_hash, tier, created_at, updated_at
		FROM accounts WHERE email = ?`, strings.ToLower(strings.TrimSpace(email)))
	return scanAccount(row)
}

// UpdateAccountTier sets the entitlement tier for an account.
func (s *Store) UpdateAccountTier(id string, tier Tier) error {
	res, err := s.db.Exec(`UPDATE accounts SET tier = ?, updated_at = ? WHERE id = ?`,
		string(tier), time.Now().UTC().Unix(), id)
	if err != nil {
		return fmt.Errorf("update account tier: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("account %q not found", id)
	}
	return nil
}

// GetLedger retrieves the quota ledger entry for an account.
// Returns (nil, nil) when absent.
func (s *Store) GetLedger(accountID string) (*LedgerEntry, error) {
	row := s.db.QueryRow(`SELECT account_id, used, max_uses, period_start
		FROM quota_ledger WHERE account_id = ?`, accountID)

	var e LedgerEntry
	var periodStart int64
	err := row.Scan(&e.AccountID, &e.Used, &e.MaxUses, &periodStart)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan ledger entry: %w", err)
	}
	e.PeriodStart = time.Unix(periodStart, 0).UTC()
	return &e, nil
}

// ReserveUse atomically increments the usage counter if a slot is free.
// Returns false when the limit is reached. The conditional UPDATE runs as a
// single statement, so two racing calls for the last slot cannot both win.
func (s *Store) ReserveUse(accountID string) (bool, error) {
	res, err := s.db.Exec(`UPDATE quota_ledger SET used = used + 1
		WHERE account_id = ? AND (max_uses = -1 OR used < max_uses)`, accountID)
	if err != nil {
		return false, fmt.Errorf("reserve use: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reserve use rows: %w", err)
	}
	return affected == 1, nil
}

// ReleaseUse compensates a prior reservation, never driving used below zero.
func (s *Store) ReleaseUse(accountID string) error {
	_, err := s.db.Exec(`UPDATE quota_ledger SET used = used - 1
		WHERE account_id = ? AND used > 0`, accountID)
	if err != nil {
		return fmt.Errorf("release use: %w", err)
	}
	return nil
}

// ResetLedger zeroes usage and sets a new limit and counting window.
func (s *Store) ResetLedger(accountID string, maxUses int, periodStart time.Time) error {
	res, err := s.db.Exec(`UPDATE quota_ledger SET used = 0, max_uses = ?, period_start = ?
		WHERE account_id = ?`, maxUses, periodStart.UTC().Unix(), accountID)
	if err != nil {
		return fmt.Errorf("reset ledger: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("ledger entry %q not found", accountID)
	}
	return nil
}

// GetSubscription retrieves the subscription record for an account.
// Returns (nil, nil) when absent.
func (s *Store) GetSubscription(accountID string) (*Subscription, error) {
	row := s.db.QueryRow(`SELECT account_id, provider_subscription_id, status,
		current_period_end, last_event_id, last_event_seq, last_event_at,
		created_at, updated_at
		FROM subscriptions WHERE account_id = ?`, accountID)
	return scanSubscription(row)
}

// GetSubscriptionByProviderID retrieves a subscription by its provider ID.
func (s *Store) GetSubscriptionByProviderID(providerID string) (*Subscription, error) {
	row := s.db.QueryRow(`SELECT account_id, provider_subscription_id, status,
		current_period_end, last_event_id, last_event_seq, last_event_at,
		created_at, updated_at
		FROM subscriptions WHERE provider_subscription_id = ?`, providerID)
	return scanSubscription(row)
}

// ListSubscriptionsByStatus returns all subscriptions in the given status.
func (s *Store) ListSubscriptionsByStatus(status SubscriptionStatus) ([]*Subscription, error) {
	rows, err := s.db.Query(`SELECT account_id, provider_subscription_id, status,
		current_period_end, last_event_id, last_event_seq, last_event_at,
		created_at, updated_at
		FROM subscriptions WHERE status = ? ORDER BY updated_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list subscriptions by status: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// InsertWebhookEvent records receipt of a provider event with applied = false.
// Returns the stored event and whether this call inserted it. A duplicate
// provider_event_id is not an error: the existing row is returned so the
// caller can decide between idempotent replay and retry.
func (s *Store) InsertWebhookEvent(e *WebhookEvent) (*WebhookEvent, bool, error) {
	if e == nil {
		return nil, false, fmt.Errorf("webhook event is nil")
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}

	res, err := s.db.Exec(`INSERT OR IGNORE INTO webhook_events
		(provider_event_id, account_id, event_type, received_at, verified, applied, payload_hash)
		VALUES (?, ?, ?, ?, ?, 0, ?)`,
		e.ProviderEventID, e.AccountID, e.EventType, e.ReceivedAt.Unix(),
		boolToInt(e.Verified), e.PayloadHash,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert webhook event: %w", err)
	}
	affected, _ := res.RowsAffected()

	stored, err := s.GetWebhookEvent(e.ProviderEventID)
	if err != nil {
		return nil, false, err
	}
	if stored == nil {
		return nil, false, fmt.Errorf("webhook event %q vanished after insert", e.ProviderEventID)
	}
	return stored, affected == 1, nil
}

// GetWebhookEvent retrieves a webhook event log entry. Returns (nil, nil) when absent.
func (s *Store) GetWebhookEvent(providerEventID string) (*WebhookEvent, error) {
	row := s.db.QueryRow(`SELECT provider_event_id, account_id, event_type,
		received_at, verified, applied, payload_hash
		FROM webhook_events WHERE provider_event_id = ?`, providerEventID)

	var e WebhookEvent
	var receivedAt int64
	var verified, applied int
	err := row.Scan(&e.ProviderEventID, &e.AccountID, &e.EventType,
		&receivedAt, &verified, &applied, &e.PayloadHash)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan webhook event: %w", err)
	}
	e.ReceivedAt = time.Unix(receivedAt, 0).UTC()
	e.Verified = verified != 0
	e.Applied = applied != 0
	return &e, nil
}

// MarkEventApplied flips the applied flag for an event that produced no
// subscription transition (stale or no-op events).
func (s *Store) MarkEventApplied(providerEventID string) error {
	_, err := s.db.Exec(`UPDATE webhook_events SET applied = 1
		WHERE provider_event_id = ?`, providerEventID)
	if err != nil {
		return fmt.Errorf("mark event applied: %w", err)
	}
	return nil
}

// CommitTransition persists a subscription transition, an optional ledger
// reset, and the applied flag for the triggering event in one transaction.
// A crash before commit leaves the event unapplied so provider re-delivery
// can retry safely.
func (s *Store) CommitTransition(providerEventID string, sub *Subscription, reset *LedgerReset) error {
	if sub == nil {
		return fmt.Errorf("subscription is nil")
	}
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var periodEnd any
	if !sub.CurrentPeriodEnd.IsZero() {
		periodEnd = sub.CurrentPeriodEnd.Unix()
	}
	var lastEventAt int64
	if !sub.LastEventAt.IsZero() {
		lastEventAt = sub.LastEventAt.Unix()
	}
	_, err = tx.Exec(`INSERT INTO subscriptions
		(account_id, provider_subscription_id, status, current_period_end,
		 last_event_id, last_event_seq, last_event_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			provider_subscription_id = excluded.provider_subscription_id,
			status = excluded.status,
			current_period_end = excluded.current_period_end,
			last_event_id = excluded.last_event_id,
			last_event_seq = excluded.last_event_seq,
			last_event_at = excluded.last_event_at,
			updated_at = excluded.updated_at`,
		sub.AccountID, sub.ProviderSubscriptionID, string(sub.Status), periodEnd,
		sub.LastEventID, sub.LastEventSeq, lastEventAt,
		sub.CreatedAt.Unix(), sub.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}

	if reset != nil {
		_, err = tx.Exec(`UPDATE quota_ledger SET used = 0, max_uses = ?, period_start = ?
			WHERE account_id = ?`, reset.MaxUses, reset.PeriodStart.UTC().Unix(), sub.AccountID)
		if err != nil {
			return fmt.Errorf("reset ledger in transition: %w", err)
		}
	}

	if providerEventID != "" {
		_, err = tx.Exec(`UPDATE webhook_events SET applied = 1
			WHERE provider_event_id = ?`, providerEventID)
		if err != nil {
			return fmt.Errorf("mark event applied in transition: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// InsertConversion appends a conversion history record.
func (s *Store) InsertConversion(rec *ConversionRecord) error {
	if rec == nil {
		return fmt.Errorf("conversion record is nil")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO conversion_history
		(id, account_id, filename, mime_type, chunk_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AccountID, rec.Filename, rec.MimeType, rec.ChunkCount, rec.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert conversion record: %w", err)
	}
	return nil
}

// ListConversions returns the most recent conversion records for an account.
func (s *Store) ListConversions(accountID string, limit int) ([]*ConversionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, account_id, filename, mime_type, chunk_count, created_at
		FROM conversion_history WHERE account_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversions: %w", err)
	}
	defer rows.Close()

	var recs []*ConversionRecord
	for rows.Next() {
		var r ConversionRecord
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.AccountID, &r.Filename, &r.MimeType, &r.ChunkCount, &createdAt); err != nil {
			return nil, fmt.Errorf("scan conversion record: %w", err)
		}
		r.CreatedAt = time.Unix(createdAt, 0).UTC()
		recs = append(recs, &r)
	}
	return recs, rows.Err()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(s scanner) (*Account, error) {
	var a Account
	var tier string
	var createdAt, updatedAt int64

	err := s.Scan(&a.ID, &a.Email, &a.APIKeyHash, &tier, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	a.Tier = Tier(tier)
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	a.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &a, nil
}

func scanSubscription(s scanner) (*Subscription, error) {
	var sub Subscription
	var status string
	var periodEnd sql.NullInt64
	var lastEventAt, createdAt, updatedAt int64

	err := s.Scan(&sub.AccountID, &sub.ProviderSubscriptionID, &status,
		&periodEnd, &sub.LastEventID, &sub.LastEventSeq, &lastEventAt,
		&createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	sub.Status = SubscriptionStatus(status)
	if periodEnd.Valid {
		sub.CurrentPeriodEnd = time.Unix(periodEnd.Int64, 0).UTC()
	}
	if lastEventAt > 0 {
		sub.LastEventAt = time.Unix(lastEventAt, 0).UTC()
	}
	sub.CreatedAt = time.Unix(createdAt, 0).UTC()
	sub.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &sub, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
