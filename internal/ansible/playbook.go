package ansible

import (
	"bytes"
	"fmt"
	"maps"
	"path"

	"github.com/28Pollux28/kiln/internal/docker"
	"github.com/28Pollux28/kiln/pkg/config"
	"github.com/apenella/go-ansible/v2/pkg/execute"
	"github.com/apenella/go-ansible/v2/pkg/execute/configuration"
	jsonresults "github.com/apenella/go-ansible/v2/pkg/execute/result/json"
	"github.com/apenella/go-ansible/v2/pkg/execute/result/transformer"
	"github.com/apenella/go-ansible/v2/pkg/playbook"
)

const (
	tagCreate = "create"
	tagDelete = "delete"
)

// playbookParams lists the deploy parameters each bundled playbook needs.
var playbookParams = map[string][]string{
	"tcp":            {"image", "published_ports"},
	"static_http":    {},
	"dynamic_http":   {},
	"custom_compose": {},
}

func validatePlaybookParams(name string, params map[string]interface{}) error {
	for _, p := range playbookParams[name] {
		if _, ok := params[p]; !ok {
			return fmt.Errorf("playbook %s: missing required parameter %s", name, p)
		}
	}
	return nil
}

// run describes one playbook invocation for an instance.
type run struct {
	Tag           string
	Playbook      string
	ChallengeName string
	InstanceID    string
	UserID        string
	Password      string
	Params        map[string]interface{}
}

func (r run) extraVars(cfg config.OrchestratorConfig) map[string]interface{} {
	vars := map[string]interface{}{
		"ansible_python_interpreter": "/usr/bin/python3",
		"deprecation_warnings":       "False",
		"compose_project":            docker.ResourceName(r.ChallengeName, r.InstanceID),
		"domain_root":                cfg.Domain,
		"challenge_name":             r.ChallengeName,
		"instance_id":                r.InstanceID,
		"user_id":                    r.UserID,
		"instance_password":          r.Password,
	}
	maps.Copy(vars, r.Params)
	maps.Copy(vars, cfg.Ansible.ExtraDeploymentParameters)
	return vars
}

// PreparePlaybook builds an executor for r whose json callback output is
// written to the returned buffer.
func PreparePlaybook(cfg config.OrchestratorConfig, r run) (execute.Executor, *bytes.Buffer) {
	opts := &playbook.AnsiblePlaybookOptions{
		ExtraVars:   r.extraVars(cfg),
		Inventory:   cfg.Ansible.Inventory,
		Connection:  "ssh",
		PrivateKey:  cfg.Ansible.PrivateKey,
		User:        cfg.Ansible.User,
		VerboseVVVV: true,
		Tags:        r.Tag,
	}

	pbCmd := playbook.NewAnsiblePlaybookCmd(
		playbook.WithPlaybooks(path.Join(cfg.Ansible.Dir, r.Playbook+".yaml")),
		playbook.WithPlaybookOptions(opts),
	)

	buf := &bytes.Buffer{}
	exec := execute.NewDefaultExecute(
		execute.WithCmd(pbCmd),
		execute.WithErrorEnrich(playbook.NewAnsiblePlaybookErrorEnrich()),
		execute.WithWrite(buf),
		execute.WithTransformers(transformer.Prepend("ansible-playbook")),
	)
	exec.Quiet()
	exec.WithOutput(jsonresults.NewJSONStdoutCallbackResults())

	return configuration.NewAnsibleWithConfigurationSettingsExecute(
		exec,
		configuration.WithAnsibleStdoutCallback("json"),
		configuration.WithoutAnsibleDeprecationWarnings(),
	), buf
}
