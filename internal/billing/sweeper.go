package billing

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vohiienko/ragconvert/internal/store"
)

const sweepInterval = 1 * time.Hour

// Sweeper reconciles subscriptions the provider stopped reporting on:
// cancelled records whose paid period has ended, and past_due records whose
// grace period has elapsed without a payment or cancellation event.
type Sweeper struct {
	store       *store.Store
	machine     *StateMachine
	gracePeriod time.Duration
	interval    time.Duration
}

// NewSweeper creates a reconciliation sweeper.
func NewSweeper(st *store.Store, machine *StateMachine, gracePeriod time.Duration) *Sweeper {
	return &Sweeper{
		store:       st,
		machine:     machine,
		gracePeriod: gracePeriod,
		interval:    sweepInterval,
	}
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	log.Info().Dur("grace_period", s.gracePeriod).Msg("Subscription reconciliation sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Subscription reconciliation sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs a single reconciliation pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	cancelled, err := s.store.ListSubscriptionsByStatus(store.SubStatusCancelled)
	if err != nil {
		log.Error().Err(err).Msg("Sweeper: failed to list cancelled subscriptions")
		return
	}
	for _, sub := range cancelled {
		if ctx.Err() != nil {
			return
		}
		// Cancellation is effective at period end; without a period end the
		// record expires immediately.
		if !sub.CurrentPeriodEnd.IsZero() && sub.CurrentPeriodEnd.After(now) {
			continue
		}
		if err := s.machine.Expire(sub.AccountID); err != nil {
			log.Error().Err(err).Str("account_id", sub.AccountID).Msg("Sweeper: failed to expire cancelled subscription")
		}
	}

	pastDue, err := s.store.ListSubscriptionsByStatus(store.SubStatusPastDue)
	if err != nil {
		log.Error().Err(err).Msg("Sweeper: failed to list past_due subscriptions")
		return
	}
	cutoff := now.Add(-s.gracePeriod)
	for _, sub := range pastDue {
		if ctx.Err() != nil {
			return
		}
		if sub.UpdatedAt.After(cutoff) {
			continue
		}
		log.Warn().
			Str("account_id", sub.AccountID).
			Time("past_due_since", sub.UpdatedAt).
			Msg("Grace period exceeded without payment, expiring subscription")
		if err := s.machine.Expire(sub.AccountID); err != nil {
			log.Error().Err(err).Str("account_id", sub.AccountID).Msg("Sweeper: failed to expire past_due subscription")
		}
	}
}
