package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vohiienko/ragconvert/internal/billing"
	"github.com/vohiienko/ragconvert/internal/metrics"
	"github.com/vohiienko/ragconvert/internal/store"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// Handler receives provider webhook callbacks: verify, dedupe against the
// event log, apply the transition, acknowledge. Safe to invoke any number
// of times for the same provider_event_id.
type Handler struct {
	verifier Verifier
	machine  *billing.StateMachine
	store    *store.Store
}

type errorResponse struct {
	Error string `json:"error"`
}

type receivedResponse struct {
	Received bool `json:"received"`
}

// NewHandler creates the webhook HTTP handler.
func NewHandler(verifier Verifier, machine *billing.StateMachine, st *store.Store) *Handler {
	return &Handler{
		verifier: verifier,
		machine:  machine,
		store:    st,
	}
}

// ServeHTTP implements the reconciliation protocol for one delivery.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, errorResponse{Error: "method not allowed"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: "failed to read request body"})
		return
	}

	// Authenticity first: an unverified payload never touches the event log.
	if err := h.verifier.Verify(r.Header, body); err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Webhook signature verification failed")
		status = http.StatusUnauthorized
		writeJSON(w, status, errorResponse{Error: "invalid signature"})
		return
	}

	payload, err := ParsePayload(body)
	if err != nil {
		log.Warn().Err(err).Msg("Webhook payload rejected")
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: "malformed payload"})
		return
	}
	eventType = payload.EventType

	event, known := payload.Event()
	if !known {
		// Unhandled event types are acknowledged so the provider stops
		// retrying; nothing is recorded.
		log.Info().
			Str("event_id", payload.EventID).
			Str("event_type", payload.EventType).
			Msg("Webhook event ignored (unhandled type)")
		writeJSON(w, http.StatusOK, receivedResponse{Received: true})
		return
	}

	accountID := h.resolveAccount(payload)

	bodyHash := sha256.Sum256(body)
	entry, inserted, err := h.store.InsertWebhookEvent(&store.WebhookEvent{
		ProviderEventID: payload.EventID,
		AccountID:       accountID,
		EventType:       string(event.Type),
		Verified:        true,
		PayloadHash:     hex.EncodeToString(bodyHash[:]),
	})
	if err != nil {
		log.Error().Err(err).Str("event_id", payload.EventID).Msg("Webhook event log insert failed")
		status = http.StatusInternalServerError
		writeJSON(w, status, errorResponse{Error: "processing failed"})
		return
	}
	if !inserted && entry.Applied {
		// Idempotent replay: already processed, acknowledge again.
		metrics.WebhookReplaysTotal.Inc()
		log.Debug().
			Str("event_id", payload.EventID).
			Str("event_type", payload.EventType).
			Msg("Webhook event already applied, replay acknowledged")
		writeJSON(w, http.StatusOK, receivedResponse{Received: true})
		return
	}
	// A pre-existing unapplied entry means an earlier delivery crashed
	// between log insert and apply; this delivery retries the apply.

	_, err = h.machine.Apply(accountID, event)
	switch {
	case err == nil:
		// Transition (or idempotent no-op) committed together with the
		// applied flag.
	case errors.Is(err, billing.ErrStaleEvent):
		// Expected with provider retry backlogs: logged, acknowledged,
		// never a failure.
		if markErr := h.store.MarkEventApplied(payload.EventID); markErr != nil {
			log.Error().Err(markErr).Str("event_id", payload.EventID).Msg("Failed to flag stale event as applied")
		}
	case errors.Is(err, billing.ErrUnknownAccount):
		// Non-retriable: log and drop, acknowledge so the provider stops.
		log.Error().
			Str("event_id", payload.EventID).
			Str("account_reference", payload.AccountReference).
			Str("account_id", accountID).
			Msg("Webhook event references unknown account, dropping")
		if markErr := h.store.MarkEventApplied(payload.EventID); markErr != nil {
			log.Error().Err(markErr).Str("event_id", payload.EventID).Msg("Failed to flag dropped event as applied")
		}
	default:
		// Infrastructure failure: leave the event unapplied and ask the
		// provider to retry.
		log.Error().Err(err).
			Str("event_id", payload.EventID).
			Str("event_type", payload.EventType).
			Msg("Webhook processing failed")
		status = http.StatusInternalServerError
		writeJSON(w, status, errorResponse{Error: "processing failed"})
		return
	}

	writeJSON(w, http.StatusOK, receivedResponse{Received: true})
}

// resolveAccount maps the payload's account reference to an account ID.
// Providers reference accounts three ways: our account ID, the customer
// email, or only their own subscription ID.
func (h *Handler) resolveAccount(p *Payload) string {
	ref := p.AccountReference
	if strings.Contains(ref, "@") {
		if acct, err := h.store.GetAccountByEmail(strings.ToLower(ref)); err == nil && acct != nil {
			return acct.ID
		}
		return ref
	}
	if ref == "" && p.SubscriptionID != "" {
		if sub, err := h.store.GetSubscriptionByProviderID(p.SubscriptionID); err == nil && sub != nil {
			return sub.AccountID
		}
	}
	return ref
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("webhook: encode response")
	}
}
