package worker

import (
	"encoding/json"
	"time"
)

// JobType is the instance operation a job runs.
type JobType string

const (
	JobTypeExpire    JobType = "expire"
	JobTypeReconcile JobType = "reconcile"
)

// Job is an instance operation waiting in the queue.
type Job struct {
	ID         string    `json:"id"`
	Type       JobType   `json:"type"`
	InstanceID string    `json:"instance_id"`
	CreatedAt  time.Time `json:"created_at"`
	Retries    int       `json:"retries"`

	// raw is the payload as popped, used to remove it from the processing list.
	raw string
}

func NewExpireJob(instanceID string) *Job {
	return newJob(JobTypeExpire, instanceID)
}

func NewReconcileJob(instanceID string) *Job {
	return newJob(JobTypeReconcile, instanceID)
}

func newJob(t JobType, instanceID string) *Job {
	return &Job{
		ID:         string(t) + ":" + instanceID,
		Type:       t,
		InstanceID: instanceID,
		CreatedAt:  time.Now().UTC(),
	}
}

func (j *Job) Marshal() ([]byte, error) {
	return json.Marshal(j)
}

func UnmarshalJob(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	job.raw = string(data)
	return &job, nil
}
