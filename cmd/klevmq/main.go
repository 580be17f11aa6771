package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/klev-dev/klevmq"
	"github.com/klev-dev/klevmq/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "klevmq",
		Short:         "klevmq broker: keyed message index and master/slave replication",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	flags := rootCmd.Flags()
	flags.StringP("config", "c", "", "config file")
	flags.String("role", config.RoleMaster, "broker role: master or slave")
	flags.String("data-dir", "./data", "store directory")
	flags.String("ha-listen-addr", ":10912", "replication listen address (master)")
	flags.String("master-addr", "", "master replication address (slave)")
	flags.Bool("sync-replication", false, "gate publishes on slave acknowledgement")
	flags.String("metrics-addr", "", "prometheus listen address, empty disables")

	if err := rootCmd.Execute(); err != nil {
		slog.Error("broker failed", "error", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	lg := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(lg)

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return err
	}

	broker, err := klevmq.Open(cfg, lg)
	if err != nil {
		return err
	}
	if err := broker.Start(); err != nil {
		return err
	}
	lg.Info("broker started", "role", cfg.Role, "data-dir", cfg.DataDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		lg.Info("shutting down")
		return broker.Shutdown()
	})

	return g.Wait()
}
