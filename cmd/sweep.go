package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/28Pollux28/kiln/pkg/config"
	"github.com/28Pollux28/kiln/pkg/logger"
	"github.com/28Pollux28/kiln/pkg/scheduler"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// sweepCmd runs one reconcile pass and expires everything past its expiry,
// for recovering a deployment after downtime without starting the API.
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Reconcile stale instances and expire overdue ones, then exit",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp(config.Get())
		if err != nil {
			zap.S().Fatalf("Failed to initialise: %v", err)
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reconciled, err := scheduler.NewReconciler(a.db, a.svc, config.GlobalProvider{}, logger.Component("reconciler")).RunOnce(ctx)
		if err != nil {
			zap.S().Errorf("Reconcile pass failed: %v", err)
		}
		expired, err := scheduler.SweepExpired(ctx, a.db, a.svc, time.Now().UTC(), logger.Component("scheduler"))
		if err != nil {
			zap.S().Errorf("Expiry sweep failed: %v", err)
		}
		zap.S().Infof("Sweep done: %d reconciled, %d expired", reconciled, expired)
	},
}
