package ansible

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/28Pollux28/kiln/internal/challenge"
	"github.com/28Pollux28/kiln/internal/orchestrator"
	"github.com/28Pollux28/kiln/pkg/config"
	pkgerrors "github.com/28Pollux28/kiln/pkg/errors"
	results "github.com/apenella/go-ansible/v2/pkg/execute/result/json"
	"go.uber.org/zap"
)

// maxRetries is the number of playbook runs attempted on transient errors.
const maxRetries = 3

// refSeparator splits a task ref into challenge id and instance id. Challenge
// ids may contain '/', instance ids are uuids.
const refSeparator = "@"

type runFunc func(ctx context.Context, r run) (output string, err error)

// Deployer runs instances through the create/delete tags of a playbook. The
// task ref encodes the challenge and instance so Stop can find the playbook.
type Deployer struct {
	cfg     config.OrchestratorConfig
	challs  challenge.ChallengeIndexer
	l       *zap.SugaredLogger
	exec    runFunc
	backoff time.Duration
}

var _ orchestrator.Orchestrator = (*Deployer)(nil)

func NewDeployer(cfg config.OrchestratorConfig, challs challenge.ChallengeIndexer, logger *zap.SugaredLogger) *Deployer {
	d := &Deployer{cfg: cfg, challs: challs, l: logger, backoff: 2 * time.Second}
	d.exec = d.runPlaybook
	return d
}

func (d *Deployer) runPlaybook(ctx context.Context, r run) (string, error) {
	executor, buf := PreparePlaybook(d.cfg, r)
	err := executor.Execute(ctx)
	return buf.String(), err
}

func TaskRef(challengeID, instanceID string) string {
	return challengeID + refSeparator + instanceID
}

func ParseTaskRef(ref string) (challengeID, instanceID string, err error) {
	i := strings.LastIndex(ref, refSeparator)
	if i <= 0 || i == len(ref)-1 {
		return "", "", fmt.Errorf("invalid ansible task ref %q", ref)
	}
	return ref[:i], ref[i+1:], nil
}

func (d *Deployer) Ref(req orchestrator.StartRequest) string {
	if req.Challenge == nil {
		return ""
	}
	return TaskRef(req.Challenge.ID(), req.InstanceID)
}

func (d *Deployer) Start(ctx context.Context, req orchestrator.StartRequest) (*orchestrator.Task, error) {
	chall := req.Challenge
	if chall == nil || chall.Instance.Playbook == "" {
		return nil, fmt.Errorf("start %s: challenge has no playbook", req.InstanceID)
	}
	params := deployParams(chall)
	if err := validatePlaybookParams(chall.Instance.Playbook, params); err != nil {
		return nil, err
	}
	password := orchestrator.DerivePassword(d.cfg.Secret, req.InstanceID)

	output, err := d.withRetry(ctx, "deploy", run{
		Tag:           tagCreate,
		Playbook:      chall.Instance.Playbook,
		ChallengeName: chall.Name,
		InstanceID:    req.InstanceID,
		UserID:        req.UserID,
		Password:      password,
		Params:        params,
	})
	if err != nil {
		return nil, err
	}

	containers, err := ExtractContainerInfo(strings.NewReader(output))
	if err != nil {
		return nil, fmt.Errorf("failed to extract container info: %w", err)
	}
	if len(containers) == 0 {
		return nil, fmt.Errorf("no container info found in ansible results")
	}
	conn, err := GetConnectionInfo(containers, d.host(), chall.Instance.SSHPort, d.sshUser())
	if err != nil {
		return nil, fmt.Errorf("failed to build connection info: %w", err)
	}
	conn.Password = password
	return &orchestrator.Task{Ref: d.Ref(req), Connection: conn}, nil
}

func (d *Deployer) Stop(ctx context.Context, taskRef string) error {
	challengeID, instanceID, err := ParseTaskRef(taskRef)
	if err != nil {
		return err
	}
	chall, err := d.challs.Get(challengeID)
	if err != nil {
		return fmt.Errorf("stop %s: %w", taskRef, err)
	}
	_, err = d.withRetry(ctx, "terminate", run{
		Tag:           tagDelete,
		Playbook:      chall.Instance.Playbook,
		ChallengeName: chall.Name,
		InstanceID:    instanceID,
		Params:        deployParams(chall),
	})
	return err
}

// Status is not observable without running a playbook.
func (d *Deployer) Status(context.Context, string) (orchestrator.TaskState, error) {
	return orchestrator.TaskUnknown, nil
}

func (d *Deployer) withRetry(ctx context.Context, op string, r run) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		output, err := d.exec(ctx, r)
		if err == nil {
			return output, nil
		}
		lastErr = err
		if isErr, pattern := pkgerrors.IsTransientError(err, output); isErr && attempt < maxRetries {
			d.l.Warnf("Transient error %q on %s attempt %d/%d for instance %s, retrying: %v", pattern, op, attempt, maxRetries, r.InstanceID, err)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * d.backoff):
			}
			continue
		}
		d.logFailure(op, output, err)
		return "", fmt.Errorf("ansible %s failed: %w", op, err)
	}
	return "", fmt.Errorf("ansible %s failed after %d attempts: %w", op, maxRetries, lastErr)
}

func (d *Deployer) logFailure(op, output string, execErr error) {
	d.l.Errorf("Ansible %s failed: %v", op, execErr)
	res, err := results.ParseJSONResultsStream(bytes.NewBufferString(output))
	if err != nil {
		d.l.Debugf("Failed to parse ansible results: %v", err)
		return
	}
	d.l.Errorf("Ansible %s fail reason: %s", op, res.String())
}

func (d *Deployer) host() string {
	if d.cfg.Ansible.Host != "" {
		return d.cfg.Ansible.Host
	}
	return d.cfg.Domain
}

func (d *Deployer) sshUser() string {
	if d.cfg.Docker.SSHUser != "" {
		return d.cfg.Docker.SSHUser
	}
	return "ctf"
}

// deployParams merges the image and env of the instance spec under the
// explicit deploy parameters.
func deployParams(chall *challenge.Challenge) map[string]interface{} {
	params := make(map[string]interface{}, len(chall.Instance.DeployParameters)+2)
	if chall.Instance.Image != "" {
		params["image"] = chall.Instance.Image
	}
	if len(chall.Instance.Env) > 0 {
		params["env"] = chall.Instance.Env
	}
	for k, v := range chall.Instance.DeployParameters {
		params[k] = v
	}
	return params
}
