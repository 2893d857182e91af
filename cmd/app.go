package cmd

import (
	"fmt"
	"os"
	"sync"

	"github.com/28Pollux28/kiln/internal/ansible"
	"github.com/28Pollux28/kiln/internal/challenge"
	"github.com/28Pollux28/kiln/internal/orchestrator"
	server "github.com/28Pollux28/kiln/pkg"
	"github.com/28Pollux28/kiln/pkg/config"
	"github.com/28Pollux28/kiln/pkg/events"
	"github.com/28Pollux28/kiln/pkg/instance"
	"github.com/28Pollux28/kiln/pkg/logger"
	"github.com/28Pollux28/kiln/pkg/ratelimit"
	"github.com/28Pollux28/kiln/pkg/utils"
	"github.com/28Pollux28/kiln/pkg/worker"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// app holds the long-lived dependencies shared by serve and sweep.
type app struct {
	cfg      *config.Config
	db       *gorm.DB
	challIdx *challenge.ChallengeIndex
	orch     orchestrator.Orchestrator
	redis    *redis.Client
	limiter  ratelimit.Limiter
	events   events.Publisher
	queue    *worker.Queue
	svc      *instance.Service

	closers []func()
}

var (
	// activeIndex is rebuilt when the config file changes.
	activeIndex   *challenge.ChallengeIndex
	activeIndexMu sync.Mutex
)

func setActiveIndex(idx *challenge.ChallengeIndex) {
	activeIndexMu.Lock()
	activeIndex = idx
	activeIndexMu.Unlock()
}

func rebuildActiveIndex(dir string) {
	activeIndexMu.Lock()
	idx := activeIndex
	activeIndexMu.Unlock()
	if idx == nil {
		return
	}
	if err := idx.BuildIndex(dir); err != nil {
		zap.S().Errorf("Failed to rebuild challenge index: %v", err)
	}
}

// applyEnv lets the environment override secrets and paths from the config file.
func applyEnv(cfg *config.Config) error {
	if s := os.Getenv("JWT_SECRET"); s != "" {
		cfg.Auth.JWTSecret = s
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET (or auth.jwt_secret) is required")
	}
	if p := os.Getenv("ANSIBLE_PATH"); p != "" {
		cfg.Orchestrator.Ansible.Dir = p
	}
	if cfg.Orchestrator.Secret == "" {
		cfg.Orchestrator.Secret = cfg.Auth.JWTSecret
	}
	return nil
}

func newApp(cfg *config.Config) (*app, error) {
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}

	db, err := server.OpenDB(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	a.challIdx, err = challenge.NewChallengeIndex(cfg.Instancer.ChallengeDir)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("index challenges in %s: %w", cfg.Instancer.ChallengeDir, err)
	}
	setActiveIndex(a.challIdx)

	if err := a.initOrchestrator(); err != nil {
		a.Close()
		return nil, err
	}

	a.limiter = ratelimit.AllowAll{}
	if cfg.Redis.Addr != "" {
		a.redis, err = worker.NewRedisClient(cfg.Redis)
		if err != nil {
			a.Close()
			return nil, err
		}
		client := a.redis
		a.closers = append(a.closers, func() { _ = client.Close() })
		a.limiter = ratelimit.NewRedisLimiter(a.redis, cfg.RateLimit, logger.Component("ratelimit"))
		a.queue = worker.NewQueue(a.redis, logger.Component("queue"))
	} else {
		zap.S().Warn("redis.addr not set: rate limiting disabled, jobs run inline")
	}

	a.events = events.Nop{}
	if cfg.NATS.URL != "" {
		pub, err := events.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger.Component("events"))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to NATS: %w", err)
		}
		a.events = pub
		a.closers = append(a.closers, pub.Close)
	}

	a.svc = instance.NewService(instance.Opts{
		DB:               a.db,
		ChallengeIndexer: a.challIdx,
		ConfigProvider:   config.GlobalProvider{},
		Orchestrator:     a.orch,
		Limiter:          a.limiter,
		Events:           a.events,
	})
	return a, nil
}

func (a *app) initOrchestrator() error {
	oc := a.cfg.Orchestrator
	switch oc.Kind {
	case "", "mock":
		zap.S().Warn("Using the mock orchestrator: no containers will be started")
		a.orch = orchestrator.NewMock(oc.Domain, oc.Secret)
	case "docker":
		d, err := orchestrator.NewDocker(oc, logger.Component("docker"))
		if err != nil {
			return fmt.Errorf("connect to docker: %w", err)
		}
		a.orch = d
		a.closers = append(a.closers, func() { _ = d.Close() })
	case "ansible":
		if oc.Ansible.Dir == "" {
			return fmt.Errorf("orchestrator.ansible.dir (or ANSIBLE_PATH) is required")
		}
		if err := utils.RegisterSSHHosts(a.cfg); err != nil {
			return fmt.Errorf("register SSH hosts: %w", err)
		}
		a.orch = ansible.NewDeployer(oc, a.challIdx, logger.Component("ansible"))
	default:
		return fmt.Errorf("unknown orchestrator kind %q", oc.Kind)
	}
	return nil
}

// jobTarget is where the scheduler and reconciler send work: the queue when
// Redis is configured, the service otherwise.
func (a *app) jobTarget() worker.Handler {
	if a.queue != nil {
		return worker.NewDispatcher(a.queue)
	}
	return a.svc
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
