package orchestrator

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/28Pollux28/kiln/internal/challenge"
	"github.com/28Pollux28/kiln/pkg/models"
)

// TaskState is the orchestrator's view of a task.
type TaskState string

const (
	TaskRunning TaskState = "running"
	TaskStopped TaskState = "stopped"
	TaskGone    TaskState = "gone"
	TaskUnknown TaskState = "unknown"
)

// StartRequest identifies the instance to bring up. Starts for the same
// InstanceID must converge on the same task.
type StartRequest struct {
	InstanceID string
	UserID     string
	Challenge  *challenge.Challenge
}

// Task is a started resource.
type Task struct {
	Ref        string
	Connection models.ConnectionInfo
}

// Orchestrator starts and stops the resources backing instances.
type Orchestrator interface {
	// Ref is the task ref Start reports for req. It is known before anything
	// runs, so an instance whose start never completed can still be stopped.
	Ref(req StartRequest) string
	Start(ctx context.Context, req StartRequest) (*Task, error)
	// Stop is idempotent: a task that no longer exists is not an error.
	Stop(ctx context.Context, taskRef string) error
	Status(ctx context.Context, taskRef string) (TaskState, error)
}

// DerivePassword returns the per-instance credential. It only depends on the
// secret and the instance id, so a retried start hands out the same password.
func DerivePassword(secret, instanceID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(instanceID))
	return hex.EncodeToString(mac.Sum(nil))[:20]
}
