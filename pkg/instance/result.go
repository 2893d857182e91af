package instance

import (
	"time"

	"github.com/28Pollux28/kiln/pkg/models"
)

// Code classifies the outcome of a workflow call.
type Code string

const (
	CodeOK                 Code = "ok"
	CodeUnauthorized       Code = "unauthorized"
	CodeNotApplicable      Code = "not_applicable"
	CodeNotFound           Code = "not_found"
	CodeProvisioningFailed Code = "provisioning_failed"
	CodeTerminationFailed  Code = "termination_failed"
	CodeSyncFailed         Code = "sync_failed"
	CodeRateLimited        Code = "rate_limited"
	CodeExtensionRejected  Code = "extension_rejected"
	CodeInternal           Code = "internal_error"
)

// Result is returned by every workflow operation instead of an error.
// SyncFailed results are successful: the record exists but the orchestrator
// has not caught up yet.
type Result struct {
	Success  bool
	Code     Code
	Message  string
	Instance *models.Instance
	// RetryAfter is set on RateLimited results.
	RetryAfter time.Duration
}

type ListResult struct {
	Result
	Instances []models.Instance
}

func ok(inst *models.Instance, msg string) Result {
	return Result{Success: true, Code: CodeOK, Message: msg, Instance: inst}
}

func fail(code Code, msg string) Result {
	return Result{Code: code, Message: msg}
}
