package main

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/patent-dev/aria2-fleet/internal/scheduler"
)

func newServeCommand(app *appContext) *cobra.Command {
	var discoverFirst bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled discovery and instance sweeps until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withFleet(func(f *fleet) error {
				ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()

				sched, err := scheduler.New(f.cfg, f.registry, f.supervisor)
				if err != nil {
					return err
				}
				slog.Info("Starting aria2-fleet", "dataDir", f.cfg.DataDir, "binary", f.cfg.BinaryName)

				if discoverFirst {
					if err := sched.RunNow(ctx, scheduler.JobDiscover); err != nil {
						slog.Error("Initial discovery failed", "error", err)
					}
				}
				if err := sched.RunNow(ctx, scheduler.JobSweep); err != nil {
					slog.Error("Initial sweep failed", "error", err)
				}

				<-ctx.Done()
				slog.Info("Shutting down...")
				sched.Stop()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&discoverFirst, "discover", true, "Run discovery once at startup")
	return cmd
}
