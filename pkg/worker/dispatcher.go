package worker

import "context"

// Dispatcher hands expiries and reconciliations to the queue instead of
// running them inline, so the scheduler and reconciler can share workers
// across replicas.
type Dispatcher struct {
	queue *Queue
}

func NewDispatcher(q *Queue) *Dispatcher {
	return &Dispatcher{queue: q}
}

func (d *Dispatcher) ExpireInstance(ctx context.Context, instanceID string) error {
	return d.queue.Enqueue(ctx, NewExpireJob(instanceID))
}

func (d *Dispatcher) ReconcileInstance(ctx context.Context, instanceID string) error {
	return d.queue.Enqueue(ctx, NewReconcileJob(instanceID))
}
