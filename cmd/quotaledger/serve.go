package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ineyio/quotaledger"
	"github.com/ineyio/quotaledger/httpapi"
	"github.com/ineyio/quotaledger/meter"
	"github.com/ineyio/quotaledger/reaper"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ledger HTTP API and the expiry reaper",
	Long: `Start the quotaledger server.

The server will:
  - Load configuration from quotaledger.yaml (or --config)
  - Open the configured store and create its tables
  - Serve the ledger API and /metrics on listen_addr
  - Release expired authorizations on the reaper schedule

Config values may reference environment variables as ${VAR}; variables
from --env-file are loaded first.

Examples:
  quotaledger serve
  quotaledger serve --config /etc/quotaledger/config.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ledger, b, err := openLedger(ctx, cfg,
		quotaledger.WithLogger(logger),
		quotaledger.WithMeter(meter.MultiMeter{
			meter.NewPrometheusMeter(reg),
			meter.NewLogMeter(logger),
		}),
	)
	if err != nil {
		return err
	}
	defer b.close()

	api := httpapi.New(ledger,
		httpapi.WithPricer(quotaledger.NewPricer(cfg.Models)),
		httpapi.WithLogger(logger),
		httpapi.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.ListenAddr, "store", cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if !cfg.Reaper.Disabled {
		r, closeLease := newReaper(ledger, cfg.Reaper, logger)
		defer closeLease()

		g.Go(func() error {
			if err := r.Start(gctx); err != nil {
				return err
			}
			<-gctx.Done()
			r.Stop()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

// newReaper builds the reaper for cfg. With a Redis address configured the
// sweep is guarded by a lease shared across instances.
func newReaper(ledger *quotaledger.Ledger, cfg quotaledger.ReaperConfig, logger *slog.Logger) (*reaper.Reaper, func()) {
	opts := []reaper.Option{
		reaper.WithSchedule(cfg.Schedule),
		reaper.WithBatchSize(cfg.BatchSize),
		reaper.WithLogger(logger),
	}
	closeLease := func() {}

	if cfg.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		opts = append(opts, reaper.WithLease(reaper.NewRedisLease(client, reaper.WithLeaseTTL(cfg.LeaseTTL))))
		closeLease = func() { client.Close() }
	}

	return reaper.New(ledger, opts...), closeLease
}
