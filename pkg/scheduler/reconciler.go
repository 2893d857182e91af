package scheduler

import (
	"context"
	"time"

	"github.com/28Pollux28/kiln/pkg/config"
	"github.com/28Pollux28/kiln/pkg/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultReconcileInterval = 30 * time.Second

// InstanceReconciler performs one reconciliation step for a record.
type InstanceReconciler interface {
	ReconcileInstance(ctx context.Context, instanceID string) error
}

// Reconciler periodically hands records that may disagree with the
// orchestrator to an InstanceReconciler: provisioning and stopping records
// older than the grace period, and every running record.
type Reconciler struct {
	db       *gorm.DB
	target   InstanceReconciler
	confProv config.Provider
	l        *zap.SugaredLogger
}

func NewReconciler(db *gorm.DB, target InstanceReconciler, confProv config.Provider, logger *zap.SugaredLogger) *Reconciler {
	return &Reconciler{db: db, target: target, confProv: confProv, l: logger}
}

func (r *Reconciler) Start(ctx context.Context) {
	interval := r.confProv.GetConfig().Instancer.ReconcileInterval
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	r.l.Debugf("starting reconciler every %s", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.l.Errorf("reconcile pass failed: %v", err)
			}
		}
	}
}

// RunOnce reconciles every current candidate and returns how many there were.
// Per-record failures are logged; only listing errors are returned.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	candidates, err := r.candidates()
	if err != nil {
		return 0, err
	}
	for _, inst := range candidates {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if err := r.target.ReconcileInstance(ctx, inst.ID); err != nil {
			r.l.Warnf("reconcile of instance %s (%s) failed: %v", inst.ID, inst.Status, err)
		}
	}
	if len(candidates) > 0 {
		r.l.Debugf("reconciled %d instances", len(candidates))
	}
	return len(candidates), nil
}

func (r *Reconciler) candidates() ([]models.Instance, error) {
	cutoff := time.Now().UTC().Add(-r.confProv.GetConfig().Instancer.ProvisioningGrace)

	provisioning, err := models.ListStaleInstances(r.db, models.StatusProvisioning, cutoff)
	if err != nil {
		return nil, err
	}
	stopping, err := models.ListStaleInstances(r.db, models.StatusStopping, cutoff)
	if err != nil {
		return nil, err
	}
	running, err := models.ListInstances(r.db, models.StatusRunning)
	if err != nil {
		return nil, err
	}

	out := make([]models.Instance, 0, len(provisioning)+len(stopping)+len(running))
	out = append(out, provisioning...)
	out = append(out, stopping...)
	return append(out, running...), nil
}
