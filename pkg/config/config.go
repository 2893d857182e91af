package config

import (
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Provider is the interface for obtaining configuration.
// Consumers should depend on this interface rather than calling the global Get() directly.
type Provider interface {
	GetConfig() *Config
}

// GlobalProvider implements Provider using the package-level singleton.
type GlobalProvider struct{}

func (GlobalProvider) GetConfig() *Config { return Get() }

// StaticProvider implements Provider with a fixed config value, useful for testing.
type StaticProvider struct {
	Cfg *Config
}

func (p *StaticProvider) GetConfig() *Config { return p.Cfg }

type Config struct {
	Auth         AuthConfig         `mapstructure:"auth"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Instancer    InstancerConfig    `mapstructure:"instancer"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Redis        RedisConfig        `mapstructure:"redis"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
	NATS         NATSConfig         `mapstructure:"nats"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // "sqlite" (default) or "postgres"
	Path   string `mapstructure:"path"`   // SQLite database file
	DSN    string `mapstructure:"dsn"`    // Postgres connection string
}

type InstancerConfig struct {
	ChallengeDir         string        `mapstructure:"challenge_dir"`                    // Directory scanned for challenge.yml files
	InstanceTTL          time.Duration `mapstructure:"instance_ttl,omitempty"`           // Lifetime of a fresh instance
	InstanceTTLExtension time.Duration `mapstructure:"instance_ttl_extension,omitempty"` // Added to the expiry on each extension
	MaxExtensions        int           `mapstructure:"max_extensions,omitempty"`         // -1 for unlimited
	ExtensionWindow      time.Duration `mapstructure:"extension_window,omitempty"`       // How close to expiry an extension is accepted
	ReconcileInterval    time.Duration `mapstructure:"reconcile_interval,omitempty"`
	ProvisioningGrace    time.Duration `mapstructure:"provisioning_grace,omitempty"` // Age before a provisioning/stopping record is reconciled
	MaxStartAttempts     int           `mapstructure:"max_start_attempts,omitempty"`
	OrchestratorTimeout  time.Duration `mapstructure:"orchestrator_timeout,omitempty"`
	NumWorkers           int           `mapstructure:"num_workers,omitempty"` // Queue workers (default: 10)
}

type OrchestratorConfig struct {
	Kind    string        `mapstructure:"kind"`   // mock, docker or ansible
	Domain  string        `mapstructure:"domain"` // Public domain used in connection info
	Secret  string        `mapstructure:"secret"` // Key for derived instance passwords
	Docker  DockerConfig  `mapstructure:"docker"`
	Ansible AnsibleConfig `mapstructure:"ansible"`
}

type DockerConfig struct {
	Host        string `mapstructure:"host"`         // Overrides DOCKER_HOST when set
	Network     string `mapstructure:"network"`      // Network containers are attached to
	PublishHost string `mapstructure:"publish_host"` // Host name advertised to users
	SSHUser     string `mapstructure:"ssh_user"`
	PullImages  bool   `mapstructure:"pull_images"`
}

type AnsibleConfig struct {
	Dir                       string                 `mapstructure:"dir"`                         // Directory where playbooks are located
	Inventory                 string                 `mapstructure:"inventory"`                   // List of hosts or path to inventory file, e.g., "deployer_host,1.2.3.4,"
	PrivateKey                string                 `mapstructure:"private_key"`                 // Path to the private key for SSH access
	User                      string                 `mapstructure:"user"`                        // SSH user
	Host                      string                 `mapstructure:"host"`                        // Hostname of the node where challenges are deployed
	ExtraDeploymentParameters map[string]interface{} `mapstructure:"extra_deployment_parameters"` // Merged into every playbook run
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`     // Redis address (e.g., "localhost:6379")
	Password string `mapstructure:"password"` // Redis password (optional)
	DB       int    `mapstructure:"db"`       // Redis database number (default: 0)
}

type RateLimitConfig struct {
	Prefix string                `mapstructure:"prefix"`
	Rules  map[string]RuleConfig `mapstructure:"rules"` // Keyed by class: strict, standard, relaxed, auth
}

type RuleConfig struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

var (
	current *Config
	mu      sync.RWMutex
)

// SetDefaults registers the defaults every deployment relies on.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "kiln.db")
	v.SetDefault("instancer.instance_ttl", "1h")
	v.SetDefault("instancer.instance_ttl_extension", "30m")
	v.SetDefault("instancer.max_extensions", 4)
	v.SetDefault("instancer.extension_window", "30m")
	v.SetDefault("instancer.reconcile_interval", "30s")
	v.SetDefault("instancer.provisioning_grace", "2m")
	v.SetDefault("instancer.max_start_attempts", 5)
	v.SetDefault("instancer.orchestrator_timeout", "2m")
	v.SetDefault("instancer.num_workers", 10)
	v.SetDefault("orchestrator.kind", "mock")
	v.SetDefault("orchestrator.domain", "instances.localhost")
	v.SetDefault("orchestrator.docker.ssh_user", "ctf")
	v.SetDefault("rate_limit.prefix", "kiln:ratelimit")
	v.SetDefault("nats.subject_prefix", "kiln")
}

func Load() error {
	zap.S().Infof("Loading config from %s", viper.ConfigFileUsed())
	mu.Lock()
	defer mu.Unlock()

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return err
	}
	zap.S().Info("Config loaded successfully")
	current = cfg
	return nil
}

func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func Reload() error {
	return Load()
}

// Set replaces the global config. Used by tests and one-shot commands.
func Set(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	current = cfg
}

// Defaults returns a config populated with the same values SetDefaults registers.
func Defaults() *Config {
	return &Config{
		Auth: AuthConfig{
			JWTSecret: "defaultsecret",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "kiln.db",
		},
		Instancer: InstancerConfig{
			InstanceTTL:          time.Hour,
			InstanceTTLExtension: 30 * time.Minute,
			MaxExtensions:        4,
			ExtensionWindow:      30 * time.Minute,
			ReconcileInterval:    30 * time.Second,
			ProvisioningGrace:    2 * time.Minute,
			MaxStartAttempts:     5,
			OrchestratorTimeout:  2 * time.Minute,
			NumWorkers:           10,
		},
		Orchestrator: OrchestratorConfig{
			Kind:   "mock",
			Domain: "instances.localhost",
			Docker: DockerConfig{SSHUser: "ctf"},
		},
		RateLimit: RateLimitConfig{Prefix: "kiln:ratelimit"},
		NATS:      NATSConfig{SubjectPrefix: "kiln"},
	}
}
