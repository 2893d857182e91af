package instance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/28Pollux28/kiln/internal/auth"
	"github.com/28Pollux28/kiln/internal/challenge"
	"github.com/28Pollux28/kiln/internal/orchestrator"
	"github.com/28Pollux28/kiln/pkg/config"
	"github.com/28Pollux28/kiln/pkg/events"
	"github.com/28Pollux28/kiln/pkg/metrics"
	"github.com/28Pollux28/kiln/pkg/models"
	"github.com/28Pollux28/kiln/pkg/ratelimit"
	"github.com/28Pollux28/kiln/pkg/utils"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"k8s.io/utils/keymutex"
)

// ExpiryNotifier is told when the expiry of an instance moved.
type ExpiryNotifier interface {
	NotifyChange(instanceID string)
}

// Service runs the instance lifecycle: provisioning, termination, extension,
// expiry and reconciliation against the orchestrator.
type Service struct {
	db           *gorm.DB
	challIdx     challenge.ChallengeIndexer
	confProv     config.Provider
	orch         orchestrator.Orchestrator
	limiter      ratelimit.Limiter
	events       events.Publisher
	kmu          keymutex.KeyMutex
	expiryNotify ExpiryNotifier
	now          func() time.Time
}

// Opts holds the dependencies of a Service. DB, ChallengeIndexer and
// ConfigProvider are mandatory. Orchestrator defaults to the mock, Limiter to
// AllowAll, Events to a no-op publisher and KeyMutex to a hashed key mutex.
type Opts struct {
	DB               *gorm.DB
	ChallengeIndexer challenge.ChallengeIndexer
	ConfigProvider   config.Provider
	Orchestrator     orchestrator.Orchestrator
	Limiter          ratelimit.Limiter
	Events           events.Publisher
	KeyMutex         keymutex.KeyMutex
	Now              func() time.Time
}

func NewService(opts Opts) *Service {
	s := &Service{
		db:       opts.DB,
		challIdx: opts.ChallengeIndexer,
		confProv: opts.ConfigProvider,
		orch:     opts.Orchestrator,
		limiter:  opts.Limiter,
		events:   opts.Events,
		kmu:      opts.KeyMutex,
		now:      opts.Now,
	}
	if s.orch == nil {
		conf := s.confProv.GetConfig()
		s.orch = orchestrator.NewMock(conf.Orchestrator.Domain, conf.Orchestrator.Secret)
	}
	if s.limiter == nil {
		s.limiter = ratelimit.AllowAll{}
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	if s.kmu == nil {
		s.kmu = keymutex.NewHashed(20)
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// SetExpiryNotifier wires the expiry scheduler after construction; the
// scheduler itself needs the service to expire instances.
func (s *Service) SetExpiryNotifier(n ExpiryNotifier) {
	s.expiryNotify = n
}

func (s *Service) emit(t events.Type, inst *models.Instance) {
	events.Emit(context.Background(), s.events, events.FromInstance(t, inst, s.now()))
}

func (s *Service) rateLimited(ctx context.Context, class ratelimit.Class, id string) (Result, bool) {
	d := s.limiter.Check(ctx, class, id)
	if d.Allowed {
		return Result{}, false
	}
	zap.S().Infof("Rate limited %s (%s)", id, class)
	return Result{Code: CodeRateLimited, Message: "Too many requests, please retry later", RetryAfter: d.RetryAfter}, true
}

func (s *Service) orchestratorContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.confProv.GetConfig().Instancer.OrchestratorTimeout
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// Provision brings up the instance of challengeID for the caller. An already
// live instance is returned as is.
func (s *Service) Provision(ctx context.Context, p auth.Principal, challengeID string) Result {
	if !p.Authenticated() {
		return fail(CodeUnauthorized, "Unauthorized")
	}
	if res, limited := s.rateLimited(ctx, ratelimit.Strict, "provision:"+p.UserID); limited {
		metrics.ProvisionOpsTotal.WithLabelValues(challengeID, string(res.Code)).Inc()
		return res
	}

	chall, err := s.challIdx.Get(challengeID)
	if err != nil || !chall.RequiresContainer {
		zap.S().Debugf("Provision of %s by %s not applicable: %v", challengeID, p.UserID, err)
		return fail(CodeNotApplicable, "Challenge does not require a container instance")
	}
	challengeID = chall.ID()
	conf := s.confProv.GetConfig()

	lockKey := p.UserID + "/" + challengeID
	s.kmu.LockKey(lockKey)
	inst, reused, err := s.createOrGet(p.UserID, chall, s.now().Add(conf.Instancer.InstanceTTL), conf.Instancer.MaxExtensions)
	_ = s.kmu.UnlockKey(lockKey)
	if err != nil {
		zap.S().Errorf("Failed to create instance of %s for %s: %v", challengeID, p.UserID, err)
		metrics.ProvisionOpsTotal.WithLabelValues(challengeID, string(CodeProvisioningFailed)).Inc()
		return fail(CodeProvisioningFailed, utils.HTTP500Debug(fmt.Sprintf("Failed to create instance record: %v", err)))
	}
	if reused {
		metrics.ProvisionReusedTotal.WithLabelValues(challengeID).Inc()
		return ok(inst, "Instance already active")
	}
	zap.S().Infof("Provisioning instance %s of %s for %s", inst.ID, challengeID, p.UserID)
	s.emit(events.InstanceProvisioning, inst)

	start := time.Now()
	if err := s.activate(ctx, inst, chall); err != nil {
		if errors.Is(err, models.ErrStaleStatus) {
			zap.S().Infof("Instance %s was terminated while starting", inst.ID)
			metrics.ProvisionOpsTotal.WithLabelValues(challengeID, "terminated").Inc()
			if fresh, gerr := models.GetInstance(s.db, inst.ID, false); gerr == nil {
				inst = fresh
			}
			return ok(inst, "Instance was terminated while it was starting")
		}
		zap.S().Warnf("Activation of instance %s failed, leaving it to the reconciler: %v", inst.ID, err)
		metrics.ProvisionOpsTotal.WithLabelValues(challengeID, string(CodeSyncFailed)).Inc()
		return Result{
			Success:  true,
			Code:     CodeSyncFailed,
			Message:  "Instance created but the container is not running yet; it will be retried automatically",
			Instance: inst,
		}
	}
	metrics.ProvisionDurationSeconds.WithLabelValues(challengeID).Observe(time.Since(start).Seconds())
	metrics.ProvisionOpsTotal.WithLabelValues(challengeID, "success").Inc()
	zap.S().Infof("Instance %s of %s for %s is running", inst.ID, challengeID, p.UserID)
	return ok(inst, "Instance running")
}

// createOrGet inserts a provisioning record unless a live one exists. The
// unique index settles races with other processes.
func (s *Service) createOrGet(userID string, chall *challenge.Challenge, expiresAt time.Time, maxExtensions int) (*models.Instance, bool, error) {
	challengeID := chall.ID()
	existing, err := models.GetActiveInstance(s.db, userID, challengeID)
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, false, fmt.Errorf("failed to look up live instance: %w", err)
	}
	refFor := func(id string) string {
		return s.orch.Ref(orchestrator.StartRequest{InstanceID: id, UserID: userID, Challenge: chall})
	}
	inst, err := models.CreateInstance(s.db, userID, challengeID, expiresAt, maxExtensions, refFor)
	if errors.Is(err, models.ErrActiveInstanceExists) {
		existing, err = models.GetActiveInstance(s.db, userID, challengeID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to read concurrently created instance: %w", err)
		}
		return existing, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return inst, false, nil
}

// activate starts the task of a provisioning instance and records it as
// running. Failures are counted on the record for the reconciler.
func (s *Service) activate(ctx context.Context, inst *models.Instance, chall *challenge.Challenge) error {
	startCtx, cancel := s.orchestratorContext(ctx)
	defer cancel()

	task, err := s.orch.Start(startCtx, orchestrator.StartRequest{
		InstanceID: inst.ID,
		UserID:     inst.UserID,
		Challenge:  chall,
	})
	if err != nil {
		if rerr := models.RecordStartFailure(s.db, inst, err); rerr != nil {
			zap.S().Errorf("Failed to record start failure of %s: %v", inst.ID, rerr)
		}
		return fmt.Errorf("start instance %s: %w", inst.ID, err)
	}

	if err := models.MarkRunning(s.db, inst, task.Ref, task.Connection); err != nil {
		if errors.Is(err, models.ErrStaleStatus) {
			// Terminated while starting: its stop may have run before the
			// task existed.
			if serr := s.orch.Stop(startCtx, task.Ref); serr != nil {
				zap.S().Errorf("Failed to stop orphaned task %s of %s: %v", task.Ref, inst.ID, serr)
			}
			return err
		}
		if rerr := models.RecordStartFailure(s.db, inst, err); rerr != nil {
			zap.S().Errorf("Failed to record start failure of %s: %v", inst.ID, rerr)
		}
		return fmt.Errorf("record activation of %s: %w", inst.ID, err)
	}
	s.emit(events.InstanceRunning, inst)
	return nil
}

// Terminate stops an instance owned by the caller.
func (s *Service) Terminate(ctx context.Context, p auth.Principal, id string) Result {
	if !p.Authenticated() {
		return fail(CodeUnauthorized, "Unauthorized")
	}
	if res, limited := s.rateLimited(ctx, ratelimit.Standard, "terminate:"+p.UserID); limited {
		metrics.TerminateOpsTotal.WithLabelValues(string(res.Code)).Inc()
		return res
	}
	inst, err := models.GetInstanceForUser(s.db, id, p.UserID)
	if err != nil {
		return s.lookupFailure(err, CodeTerminationFailed)
	}
	return s.terminateResult(ctx, inst)
}

// TerminateAny stops an instance regardless of its owner.
func (s *Service) TerminateAny(ctx context.Context, id string) Result {
	inst, err := models.GetInstance(s.db, id, false)
	if err != nil {
		return s.lookupFailure(err, CodeTerminationFailed)
	}
	return s.terminateResult(ctx, inst)
}

func (s *Service) lookupFailure(err error, code Code) Result {
	if errors.Is(err, models.ErrNotFound) {
		return fail(CodeNotFound, "Instance not found")
	}
	zap.S().Errorf("Failed to load instance: %v", err)
	return fail(code, utils.HTTP500Debug(fmt.Sprintf("Failed to load instance: %v", err)))
}

func (s *Service) terminateResult(ctx context.Context, inst *models.Instance) Result {
	if inst.IsTerminal() {
		return ok(inst, "Instance already stopped")
	}
	if err := s.terminate(ctx, inst); err != nil {
		zap.S().Errorf("Failed to terminate instance %s: %v", inst.ID, err)
		metrics.TerminateOpsTotal.WithLabelValues(string(CodeTerminationFailed)).Inc()
		return Result{
			Code:     CodeTerminationFailed,
			Message:  utils.HTTP500Debug(fmt.Sprintf("Failed to terminate instance: %v", err)),
			Instance: inst,
		}
	}
	metrics.TerminateOpsTotal.WithLabelValues("success").Inc()
	return ok(inst, "Instance stopped")
}

// terminate drives inst through stopping to stopped. An instance left in
// stopping is finished by the reconciler.
func (s *Service) terminate(ctx context.Context, inst *models.Instance) error {
	if inst.Status != models.StatusStopping {
		if err := models.MarkStopping(s.db, inst); err != nil {
			if !errors.Is(err, models.ErrStaleStatus) {
				return err
			}
			fresh, gerr := models.GetInstance(s.db, inst.ID, false)
			if gerr != nil {
				return gerr
			}
			*inst = *fresh
			if inst.IsTerminal() {
				return nil
			}
			if inst.Status != models.StatusStopping {
				if err := models.MarkStopping(s.db, inst); err != nil {
					return err
				}
			}
		}
	}

	start := time.Now()
	stopCtx, cancel := s.orchestratorContext(ctx)
	defer cancel()
	if err := s.orch.Stop(stopCtx, inst.TaskRef); err != nil {
		return fmt.Errorf("stop task %s: %w", inst.TaskRef, err)
	}
	metrics.TerminateDurationSeconds.WithLabelValues(inst.ChallengeID).Observe(time.Since(start).Seconds())

	now := s.now()
	if err := models.MarkStopped(s.db, inst, now); err != nil {
		return err
	}
	metrics.InstanceLifetimeSeconds.WithLabelValues(inst.ChallengeID).Observe(now.Sub(inst.CreatedAt).Seconds())
	zap.S().Infof("Instance %s of %s for %s stopped", inst.ID, inst.ChallengeID, inst.UserID)
	s.emit(events.InstanceStopped, inst)
	return nil
}

// Get returns an instance owned by the caller.
func (s *Service) Get(_ context.Context, p auth.Principal, id string) Result {
	if !p.Authenticated() {
		return fail(CodeUnauthorized, "Unauthorized")
	}
	inst, err := models.GetInstanceForUser(s.db, id, p.UserID)
	if err != nil {
		return s.lookupFailure(err, CodeInternal)
	}
	return ok(inst, "")
}

// List returns the caller's instances, newest first.
func (s *Service) List(_ context.Context, p auth.Principal, liveOnly bool) ListResult {
	if !p.Authenticated() {
		return ListResult{Result: fail(CodeUnauthorized, "Unauthorized")}
	}
	insts, err := models.ListInstancesForUser(s.db, p.UserID, liveOnly)
	if err != nil {
		zap.S().Errorf("Failed to list instances of %s: %v", p.UserID, err)
		return ListResult{Result: fail(CodeInternal, utils.HTTP500Debug(fmt.Sprintf("Failed to list instances: %v", err)))}
	}
	return ListResult{Result: ok(nil, ""), Instances: insts}
}

// ListAll returns every instance, optionally filtered by status.
func (s *Service) ListAll(_ context.Context, status string) ListResult {
	insts, err := models.ListInstances(s.db, status)
	if err != nil {
		zap.S().Errorf("Failed to list instances: %v", err)
		return ListResult{Result: fail(CodeInternal, utils.HTTP500Debug(fmt.Sprintf("Failed to list instances: %v", err)))}
	}
	return ListResult{Result: ok(nil, ""), Instances: insts}
}

// Extend pushes back the expiry of a running instance owned by the caller.
func (s *Service) Extend(ctx context.Context, p auth.Principal, id string) Result {
	if !p.Authenticated() {
		return fail(CodeUnauthorized, "Unauthorized")
	}
	if res, limited := s.rateLimited(ctx, ratelimit.Standard, "extend:"+p.UserID); limited {
		return res
	}
	inst, err := models.GetInstanceForUser(s.db, id, p.UserID)
	if err != nil {
		return s.lookupFailure(err, CodeInternal)
	}
	if inst.Status != models.StatusRunning {
		metrics.ExtendRejectedTotal.WithLabelValues(inst.ChallengeID, "not_running").Inc()
		return Result{Code: CodeExtensionRejected, Message: "instance is not running", Instance: inst}
	}

	conf := s.confProv.GetConfig()
	err = models.ExtendInstanceExpiration(s.db, inst, s.now(),
		conf.Instancer.InstanceTTLExtension, conf.Instancer.ExtensionWindow, conf.Instancer.MaxExtensions)
	if err != nil {
		reason, msg := extensionRejection(err)
		if reason == "" {
			zap.S().Errorf("Failed to extend instance %s: %v", inst.ID, err)
			return fail(CodeInternal, utils.HTTP500Debug(fmt.Sprintf("Failed to extend instance: %v", err)))
		}
		metrics.ExtendRejectedTotal.WithLabelValues(inst.ChallengeID, reason).Inc()
		return Result{Code: CodeExtensionRejected, Message: msg, Instance: inst}
	}

	metrics.ExtendOpsTotal.WithLabelValues(inst.ChallengeID).Inc()
	if s.expiryNotify != nil {
		s.expiryNotify.NotifyChange(inst.ID)
	}
	zap.S().Infof("Instance %s extended until %s", inst.ID, inst.ExpiresAt.Format(time.RFC3339))
	return ok(inst, "Instance extended")
}

func extensionRejection(err error) (reason, msg string) {
	switch {
	case errors.Is(err, models.ErrExtensionWindow):
		return "window_not_reached", "extension window not reached"
	case errors.Is(err, models.ErrNoExtensionsLeft):
		return "no_extensions_left", "no time extensions left"
	case errors.Is(err, models.ErrAlreadyExpired):
		return "already_expired", "instance already expired"
	case errors.Is(err, models.ErrNoExpiry), errors.Is(err, models.ErrStaleStatus):
		return "unknown", "instance cannot be extended right now"
	}
	return "", ""
}

// ExpireInstance terminates a live instance whose expiry has passed.
// Instances extended in the meantime are left alone.
func (s *Service) ExpireInstance(ctx context.Context, id string) error {
	inst, err := models.GetInstance(s.db, id, false)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		return err
	}
	if !inst.IsLive() {
		return nil
	}
	if inst.ExpiresAt == nil || inst.ExpiresAt.After(s.now()) {
		zap.S().Debugf("Instance %s no longer due, skipping expiry", id)
		return nil
	}
	zap.S().Infof("Expiring instance %s of %s for %s", inst.ID, inst.ChallengeID, inst.UserID)
	if err := s.terminate(ctx, inst); err != nil {
		return fmt.Errorf("expire instance %s: %w", id, err)
	}
	metrics.ExpiredTotal.Inc()
	return nil
}

// ReconcileInstance moves one record towards what the orchestrator reports.
func (s *Service) ReconcileInstance(ctx context.Context, id string) error {
	inst, err := models.GetInstance(s.db, id, false)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		return err
	}

	switch inst.Status {
	case models.StatusProvisioning:
		return s.reconcileProvisioning(ctx, inst)
	case models.StatusStopping:
		if err := s.terminate(ctx, inst); err != nil {
			metrics.ReconcileActionsTotal.WithLabelValues("retry_failed").Inc()
			return err
		}
		metrics.ReconcileActionsTotal.WithLabelValues("stopped").Inc()
		return nil
	case models.StatusRunning:
		return s.reconcileRunning(ctx, inst)
	}
	metrics.ReconcileActionsTotal.WithLabelValues("skipped").Inc()
	return nil
}

func (s *Service) reconcileProvisioning(ctx context.Context, inst *models.Instance) error {
	maxAttempts := s.confProv.GetConfig().Instancer.MaxStartAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if inst.StartAttempts >= maxAttempts {
		stopCtx, cancel := s.orchestratorContext(ctx)
		if err := s.orch.Stop(stopCtx, inst.TaskRef); err != nil {
			zap.S().Warnf("Best-effort stop of %s failed: %v", inst.ID, err)
		}
		cancel()
		reason := fmt.Sprintf("gave up after %d start attempts: %s", inst.StartAttempts, inst.LastError)
		return s.markFailed(inst, "failed", reason)
	}

	chall, err := s.challIdx.Get(inst.ChallengeID)
	if err != nil {
		return s.markFailed(inst, "failed", fmt.Sprintf("challenge %s is no longer available", inst.ChallengeID))
	}
	if err := s.activate(ctx, inst, chall); err != nil {
		if errors.Is(err, models.ErrStaleStatus) {
			metrics.ReconcileActionsTotal.WithLabelValues("skipped").Inc()
			return nil
		}
		metrics.ReconcileActionsTotal.WithLabelValues("retry_failed").Inc()
		return err
	}
	metrics.ReconcileActionsTotal.WithLabelValues("activated").Inc()
	zap.S().Infof("Reconciler activated instance %s", inst.ID)
	return nil
}

func (s *Service) reconcileRunning(ctx context.Context, inst *models.Instance) error {
	statusCtx, cancel := s.orchestratorContext(ctx)
	defer cancel()
	state, err := s.orch.Status(statusCtx, inst.TaskRef)
	if err != nil {
		return fmt.Errorf("status of task %s: %w", inst.TaskRef, err)
	}
	switch state {
	case orchestrator.TaskGone, orchestrator.TaskStopped:
		return s.markFailed(inst, "lost", fmt.Sprintf("orchestrator reports task %s %s", inst.TaskRef, state))
	}
	return nil
}

func (s *Service) markFailed(inst *models.Instance, action, reason string) error {
	if err := models.MarkFailed(s.db, inst, reason, s.now()); err != nil {
		return err
	}
	metrics.ReconcileActionsTotal.WithLabelValues(action).Inc()
	zap.S().Warnf("Instance %s failed: %s", inst.ID, reason)
	s.emit(events.InstanceFailed, inst)
	return nil
}
