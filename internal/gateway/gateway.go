package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"github.com/vohiienko/ragconvert/internal/billing"
	"github.com/vohiienko/ragconvert/internal/convert"
	"github.com/vohiienko/ragconvert/internal/metrics"
	"github.com/vohiienko/ragconvert/internal/quota"
	"github.com/vohiienko/ragconvert/internal/store"
	"golang.org/x/sync/semaphore"
)

// Errors
var (
	// ErrSubscriptionExpired is returned when a terminalized account has
	// exhausted the free allowance.
	ErrSubscriptionExpired = errors.New("subscription expired")
	// ErrTimeout is returned when the conversion exceeded its deadline.
	// The quota reservation is released before this is returned.
	ErrTimeout = errors.New("conversion timed out")
)

// Gateway orchestrates a conversion request: entitlement check, quota
// reservation, the conversion itself, and the commit-or-release decision.
// The quota increment becomes durable if and only if conversion succeeded.
type Gateway struct {
	ledger    *quota.Ledger
	machine   *billing.StateMachine
	converter convert.Converter
	store     *store.Store
	timeout   time.Duration
	sem       *semaphore.Weighted
}

// New creates a conversion gateway. maxConcurrent bounds simultaneous
// conversions; the bound is held only across the transform, never across
// quota operations.
func New(ledger *quota.Ledger, machine *billing.StateMachine, converter convert.Converter, st *store.Store, timeout time.Duration, maxConcurrent int64) *Gateway {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Gateway{
		ledger:    ledger,
		machine:   machine,
		converter: converter,
		store:     st,
		timeout:   timeout,
		sem:       semaphore.NewWeighted(maxConcurrent),
	}
}

// RequestConversion converts a document for the account, charging one quota
// slot on success only.
func (g *Gateway) RequestConversion(ctx context.Context, accountID, filename string, doc []byte, declaredMIME string) ([]convert.Chunk, error) {
	start := time.Now()
	outcome := "error"
	defer func() {
		metrics.ConversionsTotal.WithLabelValues(outcome).Inc()
		metrics.ConversionDuration.Observe(time.Since(start).Seconds())
	}()

	status, err := g.machine.Status(accountID)
	if err != nil {
		return nil, fmt.Errorf("read subscription status: %w", err)
	}
	if status.Terminal() {
		// Fail fast before reserving: a terminalized account with an
		// exhausted free allowance gets the entitlement error, not a
		// quota denial.
		entry, err := g.ledger.Snapshot(accountID)
		if err != nil {
			return nil, err
		}
		if entry.Remaining() == 0 {
			outcome = "subscription_expired"
			return nil, ErrSubscriptionExpired
		}
	}

	reservation, err := g.ledger.CheckAndReserve(accountID)
	if err != nil {
		if errors.Is(err, quota.ErrQuotaExceeded) {
			outcome = "quota_exceeded"
		}
		return nil, err
	}

	chunks, err := g.convertBounded(ctx, doc, declaredMIME)
	if err != nil {
		// The reservation must never be charged for a failed conversion.
		if relErr := g.ledger.Release(reservation); relErr != nil {
			log.Error().Err(relErr).
				Str("account_id", accountID).
				Msg("Failed to release quota reservation after conversion failure")
		}
		outcome = classifyFailure(err)
		return nil, err
	}

	if err := g.ledger.Commit(reservation); err != nil {
		// Commit only seals the reservation; the increment is durable.
		log.Error().Err(err).Str("account_id", accountID).Msg("Reservation commit failed")
	}
	g.recordHistory(accountID, filename, declaredMIME, len(chunks))

	outcome = "success"
	return chunks, nil
}

// convertBounded runs the transform under the concurrency bound and the
// conversion deadline. Quota state is never locked here.
func (g *Gateway) convertBounded(ctx context.Context, doc []byte, declaredMIME string) ([]convert.Chunk, error) {
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.sem.Acquire(cctx, 1); err != nil {
		return nil, fmt.Errorf("%w: waiting for conversion slot", ErrTimeout)
	}
	defer g.sem.Release(1)

	chunks, err := g.converter.Convert(cctx, doc, declaredMIME)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, err
	}
	return chunks, nil
}

func (g *Gateway) recordHistory(accountID, filename, mimeType string, chunkCount int) {
	rec := &store.ConversionRecord{
		ID:         ulid.Make().String(),
		AccountID:  accountID,
		Filename:   filename,
		MimeType:   mimeType,
		ChunkCount: chunkCount,
	}
	if err := g.store.InsertConversion(rec); err != nil {
		log.Error().Err(err).Str("account_id", accountID).Msg("Failed to record conversion history")
	}
}

func classifyFailure(err error) string {
	switch {
	case errors.Is(err, convert.ErrUnsupportedFormat):
		return "unsupported_format"
	case errors.Is(err, convert.ErrCorrupt):
		return "corrupt"
	case errors.Is(err, convert.ErrTooLarge):
		return "too_large"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "error"
	}
}
