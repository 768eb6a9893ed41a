package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/vohiienko/ragconvert/internal/api"
	"github.com/vohiienko/ragconvert/internal/billing"
	"github.com/vohiienko/ragconvert/internal/config"
	"github.com/vohiienko/ragconvert/internal/convert"
	"github.com/vohiienko/ragconvert/internal/gateway"
	"github.com/vohiienko/ragconvert/internal/logging"
	"github.com/vohiienko/ragconvert/internal/quota"
	"github.com/vohiienko/ragconvert/internal/store"
	"github.com/vohiienko/ragconvert/internal/webhook"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "ragconvert",
	Short:   "ragconvert - metered document-to-markdown conversion service",
	Long:    `ragconvert converts uploaded documents into cleaned, chunked markdown for retrieval pipelines, metering usage against per-account subscription tiers.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ragconvert %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup logs
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "ragconvert",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Re-initialize logging with configuration-driven settings
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "ragconvert",
	})

	log.Info().Str("version", Version).Msg("Starting ragconvert server")

	st, err := store.New(cfg.StoreDir())
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.StoreDir()).Msg("Failed to open store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close store")
		}
	}()

	ledger := quota.NewLedger(st)
	machine := billing.NewStateMachine(st, billing.Limits{
		Free:  cfg.FreeTierLimit,
		Trial: cfg.TrialTierLimit,
		Paid:  cfg.PaidTierLimit,
	})
	converter := convert.New(convert.Options{
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
		MaxTextChars: cfg.MaxTextChars,
		MaxChunks:    cfg.MaxChunks,
	})
	gw := gateway.New(ledger, machine, converter, st, cfg.ConvertTimeout, cfg.MaxConcurrent)

	verifier, err := buildVerifier(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure webhook verifier")
	}
	webhookHandler := webhook.NewHandler(verifier, machine, st)

	router := api.NewRouter(cfg, st, ledger, machine, gw, webhookHandler)
	defer router.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper := billing.NewSweeper(st, machine, cfg.GracePeriod)
	go sweeper.Run(ctx)

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	// ReadHeaderTimeout instead of ReadTimeout so large uploads are not cut
	// off mid-body.
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("HTTP server failed")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
	}
}

// buildVerifier selects the signature scheme for the configured payment
// provider.
func buildVerifier(cfg *config.Config) (webhook.Verifier, error) {
	switch cfg.WebhookProvider {
	case config.ProviderWayForPay:
		return webhook.NewWayForPayVerifier(cfg.WebhookSecret), nil
	case config.ProviderToken:
		return webhook.NewTokenVerifier(cfg.WebhookToken), nil
	case config.ProviderStripe:
		return webhook.NewStripeVerifier(cfg.WebhookSecret), nil
	default:
		return nil, fmt.Errorf("unsupported webhook provider %q", cfg.WebhookProvider)
	}
}
