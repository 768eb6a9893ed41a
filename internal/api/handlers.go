package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vohiienko/ragconvert/internal/convert"
	"github.com/vohiienko/ragconvert/internal/gateway"
	"github.com/vohiienko/ragconvert/internal/quota"
	"github.com/vohiienko/ragconvert/internal/store"
)

type convertResponse struct {
	Filename   string          `json:"filename,omitempty"`
	MimeType   string          `json:"mime_type"`
	ChunkCount int             `json:"chunk_count"`
	Chunks     []convert.Chunk `json:"chunks"`
	Remaining  int             `json:"remaining"`
}

type usageResponse struct {
	AccountID          string     `json:"account_id"`
	Tier               store.Tier `json:"tier"`
	SubscriptionStatus string     `json:"subscription_status"`
	Used               int        `json:"used"`
	MaxUses            int        `json:"max_uses"`
	Remaining          int        `json:"remaining"`
	PeriodStart        string     `json:"period_start"`
}

type createAccountRequest struct {
	Email string `json:"email"`
}

type createAccountResponse struct {
	Account *store.Account `json:"account"`
	// APIKey is returned exactly once at creation.
	APIKey string `json:"api_key"`
}

// handleConvert runs one document conversion for the authenticated account.
// Accepts multipart/form-data with a "file" field, or the raw document as the
// request body.
func (r *Router) handleConvert(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	acct := accountFrom(req)

	req.Body = http.MaxBytesReader(w, req.Body, r.config.MaxUploadBytes)
	doc, filename, mimeType, err := readDocument(req)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "document exceeds upload limit")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read document")
		return
	}
	if len(doc) == 0 {
		writeError(w, http.StatusBadRequest, "empty document")
		return
	}

	chunks, err := r.gateway.RequestConversion(req.Context(), acct.ID, filename, doc, mimeType)
	if err != nil {
		writeConversionError(w, err)
		return
	}

	remaining := -1
	if entry, err := r.ledger.Snapshot(acct.ID); err == nil {
		remaining = entry.Remaining()
	}
	writeJSON(w, http.StatusOK, convertResponse{
		Filename:   filename,
		MimeType:   mimeType,
		ChunkCount: len(chunks),
		Chunks:     chunks,
		Remaining:  remaining,
	})
}

// readDocument pulls the document bytes plus metadata from either a multipart
// upload or the raw request body.
func readDocument(req *http.Request) (doc []byte, filename, mimeType string, err error) {
	contentType := req.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType)

	if strings.HasPrefix(mediaType, "multipart/") {
		file, header, err := req.FormFile("file")
		if err != nil {
			return nil, "", "", err
		}
		defer file.Close()
		doc, err = io.ReadAll(file)
		if err != nil {
			return nil, "", "", err
		}
		return doc, header.Filename, header.Header.Get("Content-Type"), nil
	}

	doc, err = io.ReadAll(req.Body)
	if err != nil {
		return nil, "", "", err
	}
	return doc, "", contentType, nil
}

func writeConversionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gateway.ErrSubscriptionExpired):
		writeError(w, http.StatusPaymentRequired, "subscription expired")
	case errors.Is(err, quota.ErrQuotaExceeded):
		writeError(w, http.StatusTooManyRequests, "conversion quota exceeded")
	case errors.Is(err, quota.ErrUnknownAccount):
		writeError(w, http.StatusUnauthorized, "unknown account")
	case errors.Is(err, convert.ErrUnsupportedFormat):
		writeError(w, http.StatusUnsupportedMediaType, "unsupported document format")
	case errors.Is(err, convert.ErrCorrupt):
		writeError(w, http.StatusUnprocessableEntity, "document could not be parsed")
	case errors.Is(err, convert.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "document exceeds size limits")
	case errors.Is(err, gateway.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, "conversion timed out")
	default:
		log.Error().Err(err).Msg("Conversion request failed")
		writeError(w, http.StatusInternalServerError, "conversion failed")
	}
}

// handleUsage returns the quota and subscription snapshot for the
// authenticated account.
func (r *Router) handleUsage(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	acct := accountFrom(req)

	entry, err := r.ledger.Snapshot(acct.ID)
	if err != nil {
		log.Error().Err(err).Str("account_id", acct.ID).Msg("Failed to read quota ledger")
		writeError(w, http.StatusInternalServerError, "failed to read usage")
		return
	}
	status, err := r.machine.Status(acct.ID)
	if err != nil {
		log.Error().Err(err).Str("account_id", acct.ID).Msg("Failed to read subscription status")
		writeError(w, http.StatusInternalServerError, "failed to read usage")
		return
	}

	writeJSON(w, http.StatusOK, usageResponse{
		AccountID:          acct.ID,
		Tier:               acct.Tier,
		SubscriptionStatus: string(status),
		Used:               entry.Used,
		MaxUses:            entry.MaxUses,
		Remaining:          entry.Remaining(),
		PeriodStart:        entry.PeriodStart.UTC().Format(time.RFC3339),
	})
}

// handleCreateAccount provisions a new free-tier account and returns its API
// key. Admin only.
func (r *Router) handleCreateAccount(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body createAccountRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	email := strings.ToLower(strings.TrimSpace(body.Email))
	if email == "" || !strings.Contains(email, "@") {
		writeError(w, http.StatusBadRequest, "valid email is required")
		return
	}

	id, err := store.GenerateAccountID()
	if err != nil {
		log.Error().Err(err).Msg("Failed to generate account ID")
		writeError(w, http.StatusInternalServerError, "account creation failed")
		return
	}
	key, hash, err := GenerateAPIKey(id)
	if err != nil {
		log.Error().Err(err).Msg("Failed to generate API key")
		writeError(w, http.StatusInternalServerError, "account creation failed")
		return
	}

	acct := &store.Account{
		ID:         id,
		Email:      email,
		APIKeyHash: hash,
		Tier:       store.TierFree,
	}
	if err := r.store.CreateAccount(acct, r.config.FreeTierLimit); err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			writeError(w, http.StatusConflict, "email already registered")
			return
		}
		log.Error().Err(err).Msg("Failed to create account")
		writeError(w, http.StatusInternalServerError, "account creation failed")
		return
	}

	log.Info().Str("account_id", id).Msg("Account created")
	writeJSON(w, http.StatusCreated, createAccountResponse{Account: acct, APIKey: key})
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleReady(w http.ResponseWriter, req *http.Request) {
	if err := r.store.Ping(); err != nil {
		log.Error().Err(err).Msg("Readiness check failed")
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("api: encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
