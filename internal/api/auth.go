package api

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/vohiienko/ragconvert/internal/store"
	"golang.org/x/crypto/bcrypt"
)

type contextKey string

const accountContextKey contextKey = "account"

// API keys have the form "rc.<account_id>.<secret>". The account ID embedded
// in the key selects the stored bcrypt hash to compare against.
const apiKeyPrefix = "rc"

// GenerateAPIKey creates a new API key for the account and returns the key
// together with the bcrypt hash to store. The plaintext key is shown to the
// caller exactly once.
func GenerateAPIKey(accountID string) (key string, hash string, err error) {
	secret := make([]byte, 16)
	if _, err := rand.Read(secret); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	key = fmt.Sprintf("%s.%s.%s", apiKeyPrefix, accountID, hex.EncodeToString(secret))

	hashed, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash api key: %w", err)
	}
	return key, string(hashed), nil
}

// authenticate resolves the bearer API key to an account.
func (r *Router) authenticate(req *http.Request) (*store.Account, error) {
	auth := req.Header.Get("Authorization")
	key, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return nil, fmt.Errorf("missing bearer token")
	}
	key = strings.TrimSpace(key)

	parts := strings.Split(key, ".")
	if len(parts) != 3 || parts[0] != apiKeyPrefix {
		return nil, fmt.Errorf("malformed api key")
	}

	acct, err := r.store.GetAccount(parts[1])
	if err != nil {
		return nil, fmt.Errorf("lookup account: %w", err)
	}
	if acct == nil {
		return nil, fmt.Errorf("unknown account")
	}
	if bcrypt.CompareHashAndPassword([]byte(acct.APIKeyHash), []byte(key)) != nil {
		return nil, fmt.Errorf("api key mismatch")
	}
	return acct, nil
}

// requireAPIKey authenticates the bearer API key and stashes the account on
// the request context.
func (r *Router) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		acct, err := r.authenticate(req)
		if err != nil {
			log.Warn().Err(err).Str("ip", clientIP(req)).Str("path", req.URL.Path).Msg("API key authentication failed")
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		ctx := context.WithValue(req.Context(), accountContextKey, acct)
		next(w, req.WithContext(ctx))
	}
}

// requireAdmin gates an endpoint behind the admin key in X-Admin-Key.
func (r *Router) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		got := strings.TrimSpace(req.Header.Get("X-Admin-Key"))
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(r.config.AdminKey)) != 1 {
			log.Warn().Str("ip", clientIP(req)).Str("path", req.URL.Path).Msg("Admin authentication failed")
			writeError(w, http.StatusUnauthorized, "invalid admin key")
			return
		}
		next(w, req)
	}
}

// accountFrom returns the authenticated account stored by requireAPIKey.
func accountFrom(req *http.Request) *store.Account {
	acct, _ := req.Context().Value(accountContextKey).(*store.Account)
	return acct
}

// clientIP extracts the client IP, preferring proxy headers.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, ok := strings.Cut(xff, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
