package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/mantonx/imgvault/internal/modules/host"
	"github.com/mantonx/imgvault/internal/server"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(flags *globalFlags) *cobra.Command {
	var noSeed bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			rt, err := host.NewRuntime(ctx, cfg, log, host.RuntimeOptions{
				Persistence:  true,
				Watch:        true,
				SeedBuiltins: !noSeed,
				Registerer:   reg,
			})
			if err != nil {
				return err
			}

			// discover eagerly so manifest problems show up at startup
			modules, err := rt.Service.ListModules(ctx)
			if err != nil {
				log.Error("module discovery failed", "error", err)
			} else {
				log.Info("modules discovered", "count", len(modules))
			}

			srv := server.New(cfg.Server, rt.Service, rt.Events, reg, log)
			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()

			select {
			case <-ctx.Done():
				log.Info("shutting down gracefully")
			case err = <-errCh:
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if serr := srv.Shutdown(shutdownCtx); serr != nil {
				log.Error("HTTP server shutdown error", "error", serr)
			}
			if rerr := rt.Close(shutdownCtx); rerr != nil {
				log.Error("module runtime shutdown error", "error", rerr)
			}
			log.Info("server shutdown complete")
			return err
		},
	}

	cmd.Flags().BoolVar(&noSeed, "no-builtins", false, "do not seed manifests for built-in modules")
	return cmd
}
