package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/28Pollux28/kiln/internal/docker"
	"github.com/28Pollux28/kiln/pkg/config"
	"github.com/28Pollux28/kiln/pkg/models"
	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

const (
	labelInstanceID  = "kiln.instance_id"
	labelUserID      = "kiln.user_id"
	labelChallengeID = "kiln.challenge_id"
)

// dockerAPI is the part of the Docker client the orchestrator uses.
type dockerAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// Docker runs each instance as a single container on a Docker engine.
type Docker struct {
	cli    dockerAPI
	cfg    config.DockerConfig
	domain string
	secret string
	l      *zap.SugaredLogger
}

var _ Orchestrator = (*Docker)(nil)

// NewDocker connects to the engine from the environment (DOCKER_HOST and
// friends) unless cfg.Docker.Host is set.
func NewDocker(cfg config.OrchestratorConfig, logger *zap.SugaredLogger) (*Docker, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Docker.Host != "" {
		opts = append(opts, client.WithHost(cfg.Docker.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newDockerWithClient(cli, cfg, logger), nil
}

func newDockerWithClient(cli dockerAPI, cfg config.OrchestratorConfig, logger *zap.SugaredLogger) *Docker {
	return &Docker{
		cli:    cli,
		cfg:    cfg.Docker,
		domain: cfg.Domain,
		secret: cfg.Secret,
		l:      logger,
	}
}

func (d *Docker) Close() error {
	return d.cli.Close()
}

// Ref is the container name; the engine resolves names and ids alike.
func (d *Docker) Ref(req StartRequest) string {
	if req.Challenge == nil {
		return ""
	}
	return docker.ResourceName(req.Challenge.Name, req.InstanceID)
}

func (d *Docker) Start(ctx context.Context, req StartRequest) (*Task, error) {
	if req.Challenge == nil || req.Challenge.Instance.Image == "" {
		return nil, fmt.Errorf("start %s: challenge has no image", req.InstanceID)
	}
	name := d.Ref(req)
	password := DerivePassword(d.secret, req.InstanceID)

	inspect, err := d.cli.ContainerInspect(ctx, name)
	switch {
	case err == nil:
		d.l.Debugf("reusing container %s for instance %s", name, req.InstanceID)
	case cerrdefs.IsNotFound(err):
		if err := d.create(ctx, name, password, req); err != nil {
			return nil, err
		}
		inspect, err = d.cli.ContainerInspect(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to inspect container %s: %w", name, err)
		}
	default:
		return nil, fmt.Errorf("failed to inspect container %s: %w", name, err)
	}

	if inspect.State == nil || !inspect.State.Running {
		if err := d.cli.ContainerStart(ctx, inspect.ID, container.StartOptions{}); err != nil {
			return nil, fmt.Errorf("failed to start container %s: %w", name, err)
		}
		inspect, err = d.cli.ContainerInspect(ctx, inspect.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to inspect container %s: %w", name, err)
		}
	}

	var ports nat.PortMap
	if inspect.NetworkSettings != nil {
		ports = inspect.NetworkSettings.Ports
	}
	conn, err := d.connection(ports, req, password)
	if err != nil {
		return nil, err
	}
	return &Task{Ref: name, Connection: conn}, nil
}

func (d *Docker) create(ctx context.Context, name, password string, req StartRequest) error {
	img := req.Challenge.Instance.Image
	if d.cfg.PullImages {
		reader, err := d.cli.ImagePull(ctx, img, image.PullOptions{})
		if err != nil {
			return fmt.Errorf("failed to pull image %s: %w", img, err)
		}
		_, err = io.Copy(io.Discard, reader)
		_ = reader.Close()
		if err != nil {
			return fmt.Errorf("failed to read image pull output: %w", err)
		}
	}

	cfg, hostCfg, err := containerSpec(req, password)
	if err != nil {
		return err
	}
	var netCfg *network.NetworkingConfig
	if d.cfg.Network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{d.cfg.Network: {}},
		}
	}
	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		if cerrdefs.IsConflict(err) {
			// Lost a race with a concurrent start of the same instance.
			return nil
		}
		return fmt.Errorf("failed to create container %s: %w", name, err)
	}
	for _, w := range resp.Warnings {
		d.l.Warnf("container %s: %s", name, w)
	}
	return nil
}

// containerSpec publishes the challenge's ssh and http ports on random host ports.
func containerSpec(req StartRequest, password string) (*container.Config, *container.HostConfig, error) {
	spec := req.Challenge.Instance
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range []int{spec.SSHPort, spec.HTTPPort} {
		if p <= 0 {
			continue
		}
		port, err := nat.NewPort("tcp", strconv.Itoa(p))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid port %d: %w", p, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostIP: "0.0.0.0"}}
	}

	env := make([]string, 0, len(spec.Env)+2)
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	env = append(env, "INSTANCE_ID="+req.InstanceID, "INSTANCE_PASSWORD="+password)

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          env,
		ExposedPorts: exposed,
		Labels: map[string]string{
			labelInstanceID:  req.InstanceID,
			labelUserID:      req.UserID,
			labelChallengeID: req.Challenge.ID(),
		},
	}
	hostCfg := &container.HostConfig{
		PortBindings:  bindings,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	return cfg, hostCfg, nil
}

func (d *Docker) connection(ports nat.PortMap, req StartRequest, password string) (models.ConnectionInfo, error) {
	host := d.cfg.PublishHost
	if host == "" {
		host = d.domain
	}
	conn := models.ConnectionInfo{Password: password}
	spec := req.Challenge.Instance
	if spec.SSHPort > 0 {
		hp, err := hostPort(ports, spec.SSHPort)
		if err != nil {
			return conn, err
		}
		user := d.cfg.SSHUser
		if user == "" {
			user = "ctf"
		}
		conn.SSHCommand = fmt.Sprintf("ssh -p %s %s@%s", hp, user, host)
	}
	if spec.HTTPPort > 0 {
		hp, err := hostPort(ports, spec.HTTPPort)
		if err != nil {
			return conn, err
		}
		conn.HTTPURL = fmt.Sprintf("http://%s:%s/", host, hp)
	}
	return conn, nil
}

func hostPort(ports nat.PortMap, containerPort int) (string, error) {
	port, err := nat.NewPort("tcp", strconv.Itoa(containerPort))
	if err != nil {
		return "", err
	}
	for _, b := range ports[port] {
		if b.HostPort != "" {
			return b.HostPort, nil
		}
	}
	return "", fmt.Errorf("port %d is not published", containerPort)
}

func (d *Docker) Stop(ctx context.Context, taskRef string) error {
	err := d.cli.ContainerRemove(ctx, taskRef, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", taskRef, err)
	}
	return nil
}

func (d *Docker) Status(ctx context.Context, taskRef string) (TaskState, error) {
	inspect, err := d.cli.ContainerInspect(ctx, taskRef)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return TaskGone, nil
		}
		return TaskUnknown, fmt.Errorf("failed to inspect container %s: %w", taskRef, err)
	}
	if inspect.State != nil && inspect.State.Running {
		return TaskRunning, nil
	}
	return TaskStopped, nil
}
