package sandbox

import (
	"fmt"
	"time"

	"github.com/openpanda/framebox/policy"
)

// Status classifies the terminal state of one execution attempt.
type Status string

// Outcome statuses
const (
	StatusSuccess           Status = "success"
	StatusSecurityViolation Status = "security_violation"
	StatusTimeout           Status = "timeout"
	StatusResourceExceeded  Status = "resource_exceeded"
	StatusRuntimeError      Status = "runtime_error"
	StatusBoundaryError     Status = "boundary_error"
)

// Outcome is the single result of one execution attempt. Exactly one is
// produced per attempt; it is consumed by the caller and then discarded.
type Outcome struct {
	Status Status

	// Value is set only on success.
	Value *ResultValue

	// Stdout holds text the script printed, on success.
	Stdout string

	// Message is a human-readable failure summary, already trimmed of
	// sandbox-internal stack frames and paths.
	Message string

	// ViolationKind is set when Status is StatusSecurityViolation.
	ViolationKind policy.ViolationKind

	// Duration is the wall-clock time the boundary was alive.
	Duration time.Duration
}

// OK reports whether the execution produced a usable value.
func (o Outcome) OK() bool {
	return o.Status == StatusSuccess
}

// TimeoutOutcome builds the fixed outcome for a watchdog-terminated
// execution. Timeout always wins: no output the boundary may have produced
// is salvaged.
func TimeoutOutcome(timeoutSec int, d time.Duration) Outcome {
	return Outcome{
		Status:   StatusTimeout,
		Message:  fmt.Sprintf("execution exceeded the %ds time budget and was terminated", timeoutSec),
		Duration: d,
	}
}

// BoundaryErrorOutcome builds an outcome for an infrastructure failure that
// is distinct from anything the script did.
func BoundaryErrorOutcome(message string, d time.Duration) Outcome {
	return Outcome{
		Status:   StatusBoundaryError,
		Message:  message,
		Duration: d,
	}
}

// ResourceExceededOutcome builds an outcome for a boundary killed by a
// memory or CPU ceiling.
func ResourceExceededOutcome(message string, d time.Duration) Outcome {
	return Outcome{
		Status:   StatusResourceExceeded,
		Message:  message,
		Duration: d,
	}
}
