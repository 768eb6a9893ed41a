package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vohiienko/ragconvert/internal/billing"
	"github.com/vohiienko/ragconvert/internal/config"
	"github.com/vohiienko/ragconvert/internal/gateway"
	"github.com/vohiienko/ragconvert/internal/logging"
	"github.com/vohiienko/ragconvert/internal/quota"
	"github.com/vohiienko/ragconvert/internal/store"
)

// Router wires the HTTP surface: conversion, usage, webhooks, admin, and
// operational endpoints.
type Router struct {
	mux     *http.ServeMux
	config  *config.Config
	store   *store.Store
	ledger  *quota.Ledger
	machine *billing.StateMachine
	gateway *gateway.Gateway

	webhookHandler http.Handler
	webhookLimiter *RateLimiter
	adminLimiter   *RateLimiter
}

// NewRouter creates the router and registers all routes.
func NewRouter(cfg *config.Config, st *store.Store, ledger *quota.Ledger, machine *billing.StateMachine, gw *gateway.Gateway, wh http.Handler) *Router {
	r := &Router{
		mux:            http.NewServeMux(),
		config:         cfg,
		store:          st,
		ledger:         ledger,
		machine:        machine,
		gateway:        gw,
		webhookHandler: wh,
		webhookLimiter: NewRateLimiter(120, 1*time.Minute),
		adminLimiter:   NewRateLimiter(30, 1*time.Minute),
	}
	r.registerRoutes()
	return r
}

func (r *Router) registerRoutes() {
	// Conversion and account endpoints (API key)
	r.mux.HandleFunc("/api/convert", r.requireAPIKey(r.handleConvert))
	r.mux.HandleFunc("/api/usage", r.requireAPIKey(r.handleUsage))
	r.mux.HandleFunc("/api/usage/report", r.requireAPIKey(r.handleUsageReport))

	// Payment provider callbacks (signature verification happens inside the
	// webhook handler; the limiter only caps abusive callers)
	r.mux.HandleFunc("/api/webhooks/payment", r.webhookLimiter.Middleware(r.webhookHandler.ServeHTTP))

	// Admin endpoints (admin key)
	r.mux.HandleFunc("/admin/accounts", r.adminLimiter.Middleware(r.requireAdmin(r.handleCreateAccount)))

	// Operational endpoints
	r.mux.HandleFunc("/healthz", r.handleHealth)
	r.mux.HandleFunc("/readyz", r.handleReady)
	if r.config.PublicMetrics {
		r.mux.Handle("/metrics", promhttp.Handler())
	} else {
		r.mux.HandleFunc("/metrics", r.requireAdmin(promhttp.Handler().ServeHTTP))
	}
}

// Stop releases router background resources.
func (r *Router) Stop() {
	r.webhookLimiter.Stop()
	r.adminLimiter.Stop()
}

// ServeHTTP implements http.Handler. Every request gets a request ID for
// log correlation, honoring X-Request-ID when the caller supplies one.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ctx := logging.WithRequestID(req.Context(), req.Header.Get("X-Request-ID"))
	req = req.WithContext(ctx)

	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	r.mux.ServeHTTP(sw, req)

	logger := logging.Ctx(ctx)
	logger.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", sw.status).
		Dur("duration", time.Since(start)).
		Msg("Request handled")
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
