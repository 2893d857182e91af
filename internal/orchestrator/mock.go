package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/28Pollux28/kiln/pkg/models"
)

// Mock fabricates connection details from the instance id and keeps task
// state in memory. Tasks it has never seen report TaskUnknown.
type Mock struct {
	domain string
	secret string

	mu    sync.Mutex
	tasks map[string]TaskState
}

var _ Orchestrator = (*Mock)(nil)

func NewMock(domain, secret string) *Mock {
	if domain == "" {
		domain = "instances.localhost"
	}
	return &Mock{
		domain: domain,
		secret: secret,
		tasks:  make(map[string]TaskState),
	}
}

const mockRefPrefix = "mock-"

func (m *Mock) Ref(req StartRequest) string {
	return mockRefPrefix + req.InstanceID
}

func (m *Mock) Start(ctx context.Context, req StartRequest) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.InstanceID == "" {
		return nil, fmt.Errorf("start: empty instance id")
	}
	ref := m.Ref(req)
	m.mu.Lock()
	m.tasks[ref] = TaskRunning
	m.mu.Unlock()

	host := req.InstanceID + "." + m.domain
	return &Task{
		Ref: ref,
		Connection: models.ConnectionInfo{
			SSHCommand: "ssh ctf@" + host,
			Password:   DerivePassword(m.secret, req.InstanceID),
			HTTPURL:    "https://" + host + "/",
		},
	}, nil
}

func (m *Mock) Stop(ctx context.Context, taskRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !strings.HasPrefix(taskRef, mockRefPrefix) {
		return fmt.Errorf("stop: %q is not a mock task ref", taskRef)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[taskRef]; ok {
		m.tasks[taskRef] = TaskStopped
	}
	return nil
}

func (m *Mock) Status(_ context.Context, taskRef string) (TaskState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.tasks[taskRef]
	if !ok {
		return TaskUnknown, nil
	}
	return state, nil
}
