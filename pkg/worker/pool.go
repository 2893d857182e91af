package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pkgerrors "github.com/28Pollux28/kiln/pkg/errors"
	"github.com/28Pollux28/kiln/pkg/metrics"
	"go.uber.org/zap"
)

const (
	// maxRetries is the maximum number of retries for transient errors
	maxRetries = 3

	defaultJobTimeout = 10 * time.Minute
	defaultBackoff    = 2 * time.Second
)

// Handler runs the instance operations behind queued jobs.
type Handler interface {
	ExpireInstance(ctx context.Context, instanceID string) error
	ReconcileInstance(ctx context.Context, instanceID string) error
}

// Pool runs workers that drain the job queue into a Handler.
type Pool struct {
	queue      *Queue
	handler    Handler
	logger     *zap.SugaredLogger
	numWorkers int
	jobTimeout time.Duration
	backoff    time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// PoolConfig holds configuration for the worker pool
type PoolConfig struct {
	NumWorkers int
	Queue      *Queue
	Handler    Handler
	Logger     *zap.SugaredLogger
	JobTimeout time.Duration
	// Backoff is multiplied by the attempt number before a transient retry.
	Backoff time.Duration
}

func NewPool(cfg PoolConfig) *Pool {
	numWorkers := cfg.NumWorkers
	if numWorkers <= 0 {
		numWorkers = 10
	}
	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = defaultJobTimeout
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}

	return &Pool{
		queue:      cfg.Queue,
		handler:    cfg.Handler,
		logger:     cfg.Logger,
		numWorkers: numWorkers,
		jobTimeout: jobTimeout,
		backoff:    backoff,
	}
}

// Start recovers jobs orphaned by a previous run and launches the workers.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.logger.Infof("Starting worker pool with %d workers", p.numWorkers)

	for i := 0; i < p.numWorkers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		if n, err := p.queue.Recover(ctx, workerID); err != nil {
			p.logger.Warnf("Failed to recover jobs of %s: %v", workerID, err)
		} else if n > 0 {
			p.logger.Infof("Recovered %d unfinished jobs of %s", n, workerID)
		}
		p.wg.Add(1)
		go p.runWorker(ctx, workerID)
	}
}

// Stop cancels the workers and waits for in-flight jobs to return.
func (p *Pool) Stop() {
	p.logger.Info("Stopping worker pool...")
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	defer p.wg.Done()

	p.logger.Debugf("Worker %s started", workerID)

	for {
		select {
		case <-ctx.Done():
			p.logger.Debugf("Worker %s shutting down", workerID)
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				p.logger.Debugf("Worker %s shutting down", workerID)
				return
			}
			if errors.Is(err, ErrNoJob) {
				continue
			}
			p.logger.Errorf("Worker %s failed to dequeue: %v", workerID, err)
			sleep(ctx, time.Second)
			continue
		}

		metrics.JobQueueWaitSeconds.WithLabelValues(string(job.Type)).Observe(time.Since(job.CreatedAt).Seconds())
		p.processJob(ctx, workerID, job)
	}
}

func (p *Pool) processJob(ctx context.Context, workerID string, job *Job) {
	p.logger.Debugf("Worker %s processing job: %s (attempt %d)", workerID, job.ID, job.Retries+1)

	// The handler's state transitions must not be cut short by shutdown.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.jobTimeout)
	defer cancel()

	var err error
	switch job.Type {
	case JobTypeExpire:
		err = p.handler.ExpireInstance(jobCtx, job.InstanceID)
	case JobTypeReconcile:
		err = p.handler.ReconcileInstance(jobCtx, job.InstanceID)
	default:
		p.logger.Errorf("Unknown job type: %s", job.Type)
		metrics.JobPermanentFailuresTotal.WithLabelValues(string(job.Type)).Inc()
		_ = p.queue.Fail(jobCtx, workerID, job)
		return
	}

	if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		p.logger.Errorf("Worker %s: job %s timed out after %v", workerID, job.ID, p.jobTimeout)
		err = fmt.Errorf("job timed out after %v: %w", p.jobTimeout, context.DeadlineExceeded)
	}

	retry := false
	if err != nil {
		var pattern string
		retry, pattern = pkgerrors.IsTransientErrorMsg(err)
		retry = retry && job.Retries < maxRetries
		if retry {
			p.logger.Warnf("Worker %s: transient error %s for job %s, requeueing: %v", workerID, pattern, job.ID, err)
			metrics.JobRetriesTotal.WithLabelValues(string(job.Type)).Inc()
			sleep(ctx, time.Duration(job.Retries+1)*p.backoff)
		}
	}

	// Queue bookkeeping uses a fresh context so it survives shutdown.
	qctx, qcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer qcancel()

	if err != nil {
		if retry {
			if requeueErr := p.queue.Requeue(qctx, workerID, job); requeueErr != nil {
				p.logger.Errorf("Failed to requeue job %s: %v", job.ID, requeueErr)
			}
			return
		}

		p.logger.Errorf("Worker %s: job %s failed permanently: %v", workerID, job.ID, err)
		metrics.JobPermanentFailuresTotal.WithLabelValues(string(job.Type)).Inc()
		_ = p.queue.Fail(qctx, workerID, job)
		return
	}

	if err := p.queue.Complete(qctx, workerID, job); err != nil {
		p.logger.Errorf("Failed to mark job %s as complete: %v", job.ID, err)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
