package errors

import (
	"context"
	stderrors "errors"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/lib/pq"
)

// retryablePQCodes are postgres SQLSTATEs after which the same statement may
// succeed: serialization_failure, deadlock_detected, lock_not_available,
// admin_shutdown and cannot_connect_now.
var retryablePQCodes = map[pq.ErrorCode]bool{
	"40001": true,
	"40P01": true,
	"55P03": true,
	"57P01": true,
	"57P03": true,
}

// TransientErrorPatterns are matched against error text and ansible output
// when the error carries no typed cause.
var TransientErrorPatterns = []string{
	// ansible over SSH
	"Session open refused by peer",
	"no more sessions",
	"Connection closed by",
	"mux_client_request_session",
	"Data could not be sent to remote host",
	"Unreachable: 1",
	// docker daemon and registry
	"Cannot connect to the Docker daemon",
	"toomanyrequests",
	"TLS handshake timeout",
	// network
	"connection refused",
	"Connection reset by peer",
	"connection timed out",
	"i/o timeout",
	"no such host",
	"network is unreachable",
	"context deadline exceeded",
	// sqlite busy
	"database is locked",
	"database table is locked",
}

// transientCause classifies err by type: docker engine errdefs, postgres
// SQLSTATEs and context deadlines.
func transientCause(err error) (bool, string) {
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return true, "deadline exceeded"
	case cerrdefs.IsUnavailable(err):
		return true, "docker: unavailable"
	case cerrdefs.IsDeadlineExceeded(err):
		return true, "docker: deadline exceeded"
	case cerrdefs.IsResourceExhausted(err):
		return true, "docker: resource exhausted"
	}
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) && retryablePQCodes[pqErr.Code] {
		return true, "postgres " + string(pqErr.Code)
	}
	return false, ""
}

// IsTransientError reports whether err, or the ansible output that came with
// it, points at a failure worth retrying, and what matched.
func IsTransientError(err error, output string) (bool, string) {
	if err != nil {
		if ok, cause := transientCause(err); ok {
			return true, cause
		}
		msg := err.Error()
		for _, pattern := range TransientErrorPatterns {
			if strings.Contains(msg, pattern) {
				return true, pattern
			}
		}
	}
	for _, pattern := range TransientErrorPatterns {
		if strings.Contains(output, pattern) {
			return true, pattern
		}
	}
	return false, ""
}

func IsTransientErrorMsg(err error) (bool, string) {
	return IsTransientError(err, "")
}
