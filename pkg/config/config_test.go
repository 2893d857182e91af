package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestLoad_AppliesDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
auth:
  jwt_secret: s3cret
instancer:
  challenge_dir: /srv/challenges
  instance_ttl: 45m
rate_limit:
  rules:
    strict:
      limit: 2
      window: 10s
`), 0o644))

	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults(viper.GetViper())
	viper.SetConfigFile(path)
	require.NoError(t, viper.ReadInConfig())
	require.NoError(t, Load())

	cfg := Get()
	require.NotNil(t, cfg)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, "/srv/challenges", cfg.Instancer.ChallengeDir)
	assert.Equal(t, 45*time.Minute, cfg.Instancer.InstanceTTL)
	assert.Equal(t, 30*time.Minute, cfg.Instancer.InstanceTTLExtension)
	assert.Equal(t, 5, cfg.Instancer.MaxStartAttempts)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "mock", cfg.Orchestrator.Kind)
	assert.Equal(t, RuleConfig{Limit: 2, Window: 10 * time.Second}, cfg.RateLimit.Rules["strict"])
}

func TestStaticProvider(t *testing.T) {
	cfg := Defaults()
	p := &StaticProvider{Cfg: cfg}
	assert.Same(t, cfg, p.GetConfig())
	assert.Equal(t, time.Hour, p.GetConfig().Instancer.InstanceTTL)
}

func TestGlobalProvider_FollowsSet(t *testing.T) {
	cfg := Defaults()
	Set(cfg)
	assert.Same(t, cfg, GlobalProvider{}.GetConfig())
}
