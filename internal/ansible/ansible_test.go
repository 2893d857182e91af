package ansible

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/28Pollux28/kiln/internal/challenge"
	"github.com/28Pollux28/kiln/internal/orchestrator"
	"github.com/28Pollux28/kiln/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const composeOutput = `{
  "plays": [{
    "tasks": [
      {"hosts": {"10.0.0.5": {"action": "ansible.builtin.file"}}},
      {"hosts": {"10.0.0.5": {
        "action": "community.docker.docker_compose_v2",
        "containers": [{
          "ID": "abc123",
          "Name": "kiln-jail-1",
          "Image": "jail:1",
          "State": "running",
          "Labels": {"traefik.http.routers.jail.rule": "Host(` + "`jail-1.ctf.example.org`" + `)"},
          "Publishers": [
            {"Protocol": "tcp", "PublishedPort": 40022, "TargetPort": 22, "URL": "0.0.0.0"},
            {"Protocol": "tcp", "PublishedPort": 40022, "TargetPort": 22, "URL": "::"}
          ]
        }]
      }}}
    ]
  }]
}`

func TestExtractContainerInfo(t *testing.T) {
	containers, err := ExtractContainerInfo(strings.NewReader(composeOutput))
	require.NoError(t, err)
	require.Len(t, containers, 1)
	assert.Equal(t, "abc123", containers[0].ID)
	assert.Len(t, containers[0].Publishers, 2)
}

func TestExtractContainerInfo_Invalid(t *testing.T) {
	_, err := ExtractContainerInfo(strings.NewReader("not json"))
	assert.Error(t, err)

	_, err = ExtractContainerInfo(strings.NewReader(`{"plays": []}`))
	assert.ErrorIs(t, err, errNoPlays)
}

func TestGetConnectionInfo(t *testing.T) {
	tests := []struct {
		name       string
		containers []ContainerInfo
		want       string
		wantSSH    string
		wantErr    bool
	}{
		{
			name: "traefik rule",
			containers: []ContainerInfo{{
				Labels: map[string]string{"traefik.http.routers.web.rule": "Host(`web-1.ctf.example.org`)"},
			}},
			want: "https://web-1.ctf.example.org/",
		},
		{
			name: "published tcp port",
			containers: []ContainerInfo{{
				Publishers: []PublisherInfo{{Protocol: "tcp", PublishedPort: 31337, TargetPort: 1337, URL: "0.0.0.0"}},
			}},
			want: "tcp://node.example.org:31337",
		},
		{
			name: "ssh port",
			containers: []ContainerInfo{{
				Publishers: []PublisherInfo{{Protocol: "tcp", PublishedPort: 40022, TargetPort: 22, URL: "0.0.0.0"}},
			}},
			wantSSH: "ssh -p 40022 ctf@node.example.org",
		},
		{
			name: "ipv6 only",
			containers: []ContainerInfo{{
				Publishers: []PublisherInfo{{Protocol: "tcp", PublishedPort: 31337, TargetPort: 1337, URL: "::"}},
			}},
			wantErr: true,
		},
		{
			name:    "nothing",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, err := GetConnectionInfo(tt.containers, "node.example.org", 22, "ctf")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, conn.HTTPURL)
			assert.Equal(t, tt.wantSSH, conn.SSHCommand)
		})
	}
}

func TestTaskRef(t *testing.T) {
	ref := TaskRef("web/http", "0b6f-11")
	chall, inst, err := ParseTaskRef(ref)
	require.NoError(t, err)
	assert.Equal(t, "web/http", chall)
	assert.Equal(t, "0b6f-11", inst)

	for _, bad := range []string{"", "web/http", "@id", "web/http@"} {
		_, _, err := ParseTaskRef(bad)
		assert.Error(t, err, bad)
	}
}

func TestValidatePlaybookParams(t *testing.T) {
	assert.NoError(t, validatePlaybookParams("static_http", nil))
	assert.NoError(t, validatePlaybookParams("tcp", map[string]interface{}{"image": "x", "published_ports": []int{1}}))
	assert.ErrorContains(t, validatePlaybookParams("tcp", map[string]interface{}{"image": "x"}), "published_ports")
}

type stubIndex struct {
	challs map[string]*challenge.Challenge
}

func (s stubIndex) Get(id string) (*challenge.Challenge, error) {
	if c, ok := s.challs[id]; ok {
		return c, nil
	}
	return nil, challenge.ErrNotFound
}
func (s stubIndex) GetAll() []*challenge.Challenge              { return nil }
func (s stubIndex) GetAllContainerized() []*challenge.Challenge { return nil }
func (s stubIndex) BuildIndex(string) error                     { return nil }

func tcpChallenge() *challenge.Challenge {
	return &challenge.Challenge{
		Name:              "jail",
		Category:          "pwn",
		RequiresContainer: true,
		Instance: challenge.InstanceSpec{
			Playbook:         "tcp",
			Image:            "jail:1",
			SSHPort:          22,
			DeployParameters: map[string]interface{}{"published_ports": []int{22}},
		},
	}
}

func newTestDeployer(runs *[]run, fn func(attempt int) (string, error)) *Deployer {
	chall := tcpChallenge()
	d := NewDeployer(config.OrchestratorConfig{
		Domain:  "ctf.example.org",
		Secret:  "s3cret",
		Ansible: config.AnsibleConfig{Host: "node.example.org"},
	}, stubIndex{challs: map[string]*challenge.Challenge{chall.ID(): chall}}, zap.NewNop().Sugar())
	d.backoff = 0
	d.exec = func(_ context.Context, r run) (string, error) {
		*runs = append(*runs, r)
		return fn(len(*runs))
	}
	return d
}

func TestDeployer_StartAndStop(t *testing.T) {
	var runs []run
	d := newTestDeployer(&runs, func(int) (string, error) { return composeOutput, nil })

	task, err := d.Start(context.Background(), orchestrator.StartRequest{InstanceID: "inst-1", UserID: "alice", Challenge: tcpChallenge()})
	require.NoError(t, err)

	assert.Equal(t, "pwn/jail@inst-1", task.Ref)
	assert.Equal(t, "https://jail-1.ctf.example.org/", task.Connection.HTTPURL)
	assert.Equal(t, "ssh -p 40022 ctf@node.example.org", task.Connection.SSHCommand)
	assert.Equal(t, orchestrator.DerivePassword("s3cret", "inst-1"), task.Connection.Password)

	require.Len(t, runs, 1)
	assert.Equal(t, tagCreate, runs[0].Tag)
	assert.Equal(t, "jail:1", runs[0].Params["image"])

	require.NoError(t, d.Stop(context.Background(), task.Ref))
	require.Len(t, runs, 2)
	assert.Equal(t, tagDelete, runs[1].Tag)
	assert.Equal(t, "inst-1", runs[1].InstanceID)
}

func TestDeployer_StopBeforeStartCompleted(t *testing.T) {
	var runs []run
	d := newTestDeployer(&runs, func(attempt int) (string, error) {
		if attempt == 1 {
			return "", errors.New("playbook syntax error")
		}
		return "", nil
	})
	req := orchestrator.StartRequest{InstanceID: "inst-1", Challenge: tcpChallenge()}

	_, err := d.Start(context.Background(), req)
	require.Error(t, err)

	assert.Equal(t, "pwn/jail@inst-1", d.Ref(req))
	require.NoError(t, d.Stop(context.Background(), d.Ref(req)))
	require.Len(t, runs, 2)
	assert.Equal(t, tagDelete, runs[1].Tag)
	assert.Equal(t, "inst-1", runs[1].InstanceID)
}

func TestDeployer_RetriesTransientErrors(t *testing.T) {
	var runs []run
	d := newTestDeployer(&runs, func(attempt int) (string, error) {
		if attempt == 1 {
			return "", errors.New("ssh: connection refused")
		}
		return composeOutput, nil
	})

	_, err := d.Start(context.Background(), orchestrator.StartRequest{InstanceID: "inst-1", Challenge: tcpChallenge()})
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestDeployer_PermanentErrorIsNotRetried(t *testing.T) {
	var runs []run
	d := newTestDeployer(&runs, func(int) (string, error) { return "", errors.New("playbook syntax error") })

	_, err := d.Start(context.Background(), orchestrator.StartRequest{InstanceID: "inst-1", Challenge: tcpChallenge()})
	require.Error(t, err)
	assert.Len(t, runs, 1)
}

func TestDeployer_StopUnknownChallenge(t *testing.T) {
	var runs []run
	d := newTestDeployer(&runs, func(int) (string, error) { return "", nil })

	assert.Error(t, d.Stop(context.Background(), TaskRef("web/gone", "inst-1")))
	assert.Empty(t, runs)
}

func TestDeployer_StatusIsUnknown(t *testing.T) {
	var runs []run
	d := newTestDeployer(&runs, func(int) (string, error) { return "", nil })
	state, err := d.Status(context.Background(), "pwn/jail@inst-1")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.TaskUnknown, state)
}
