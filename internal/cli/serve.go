package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/x402-foundation/x402-gatekeeper/internal/config"
	"github.com/x402-foundation/x402-gatekeeper/internal/ledger"
	"github.com/x402-foundation/x402-gatekeeper/internal/server"
	"github.com/x402-foundation/x402-gatekeeper/pkg/facilitatorclient"
	"github.com/x402-foundation/x402-gatekeeper/pkg/x402"
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the configured paid routes and tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, envFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			logger, err := newLogger()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides http.addr)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if completer := cfg.TokenMetadataClient(); completer != nil {
		if err := cfg.CompletePrices(ctx, completer); err != nil {
			return fmt.Errorf("complete token prices: %w", err)
		}
	}

	store, closeStore, err := openLedger(ctx, cfg.Ledger, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	fac := facilitatorclient.NewFacilitatorClient(cfg.FacilitatorClient())
	sink := x402.MultiSink{x402.NewSlogSink(logger), ledger.NewRecorder(store, logger)}
	gk, err := x402.New(fac, cfg.Gatekeeper(),
		x402.WithEventSink(sink),
		x402.WithIdempotentSettlement(cfg.Facilitator.SettleCacheTTL),
	)
	if err != nil {
		return err
	}

	handler, err := server.NewRouter(cfg, gk, store, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("x402 gatekeeper listening", "addr", cfg.HTTP.Addr, "network", cfg.Network, "facilitator", fac.URL)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown incomplete", "error", err)
		}
	}

	// background settlements still hold verified payments
	gk.Wait()
	return nil
}

func openLedger(ctx context.Context, cfg config.LedgerConfig, logger *slog.Logger) (ledger.Store, func(), error) {
	if cfg.RedisAddr == "" {
		return ledger.NewMemoryStore(cfg.TTL), func() {}, nil
	}

	client, err := ledger.OpenRedis(ctx, cfg.RedisAddr)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("settlement ledger on redis", "addr", cfg.RedisAddr, "prefix", cfg.Prefix)
	return ledger.NewRedisStore(client, cfg.Prefix, cfg.TTL), func() { _ = client.Close() }, nil
}
