package cmd

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/28Pollux28/kiln/internal/orchestrator"
	"github.com/28Pollux28/kiln/pkg/config"
	"github.com/28Pollux28/kiln/pkg/events"
	"github.com/28Pollux28/kiln/pkg/instance"
	"github.com/28Pollux28/kiln/pkg/ratelimit"
	"github.com/28Pollux28/kiln/pkg/worker"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePort(t *testing.T) {
	assert.True(t, validatePort("8080"))
	assert.True(t, validatePort("1"))
	assert.False(t, validatePort(""))
	assert.False(t, validatePort("0"))
	assert.False(t, validatePort("65536"))
	assert.False(t, validatePort("http"))
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("ANSIBLE_PATH", "")

	cfg := config.Defaults()
	cfg.Auth.JWTSecret = ""
	require.Error(t, applyEnv(cfg))

	cfg.Auth.JWTSecret = "from-file"
	require.NoError(t, applyEnv(cfg))
	assert.Equal(t, "from-file", cfg.Orchestrator.Secret)

	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("ANSIBLE_PATH", "/opt/playbooks")
	cfg = config.Defaults()
	cfg.Orchestrator.Secret = "pw-key"
	require.NoError(t, applyEnv(cfg))
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, "/opt/playbooks", cfg.Orchestrator.Ansible.Dir)
	assert.Equal(t, "pw-key", cfg.Orchestrator.Secret)
}

func testAppConfig(t *testing.T) *config.Config {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("ANSIBLE_PATH", "")
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Auth.JWTSecret = "secret"
	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = filepath.Join(dir, "kiln.db")
	cfg.Instancer.ChallengeDir = dir
	cfg.Orchestrator.Kind = "mock"
	cfg.Orchestrator.Domain = "ctf.local"
	return cfg
}

func TestNewApp_Inline(t *testing.T) {
	a, err := newApp(testAppConfig(t))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	assert.IsType(t, &orchestrator.Mock{}, a.orch)
	assert.IsType(t, ratelimit.AllowAll{}, a.limiter)
	assert.IsType(t, events.Nop{}, a.events)
	assert.Nil(t, a.queue)
	assert.IsType(t, &instance.Service{}, a.jobTarget())
}

func TestNewApp_WithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testAppConfig(t)
	cfg.Redis.Addr = mr.Addr()

	a, err := newApp(cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	require.NotNil(t, a.queue)
	assert.IsType(t, &ratelimit.RedisLimiter{}, a.limiter)
	assert.IsType(t, &worker.Dispatcher{}, a.jobTarget())

	require.NoError(t, a.jobTarget().ExpireInstance(context.Background(), "abc"))
	n, err := a.queue.QueueLength(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestNewApp_UnknownOrchestrator(t *testing.T) {
	cfg := testAppConfig(t)
	cfg.Orchestrator.Kind = "nomad"

	_, err := newApp(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nomad")
}

func TestNewApp_AnsibleRequiresDir(t *testing.T) {
	cfg := testAppConfig(t)
	cfg.Orchestrator.Kind = "ansible"
	cfg.Orchestrator.Ansible.Dir = ""

	_, err := newApp(cfg)
	require.Error(t, err)
}
