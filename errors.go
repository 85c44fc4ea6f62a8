package sched

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("sched: no store configured")
	ErrStoreClosed = errors.New("sched: store closed")

	// Not found errors.
	ErrTaskNotFound   = errors.New("sched: task not found")
	ErrWorkerNotFound = errors.New("sched: worker not found")
	ErrLeaseNotFound  = errors.New("sched: lease not found")
	ErrKindNotFound   = errors.New("sched: task kind not registered")

	// Conflict errors.
	ErrTaskAlreadyExists  = errors.New("sched: task already exists")
	ErrLeaseAlreadyActive = errors.New("sched: task already has an active lease")

	// State errors.
	ErrInvalidState       = errors.New("sched: invalid state transition")
	ErrMaxRetriesExceeded = errors.New("sched: max retries exceeded")
	ErrQueueClosed        = errors.New("sched: queue closed")
	ErrQueueEmpty         = errors.New("sched: queue empty")

	// Admission errors. These are capacity denials at the gate, never
	// task failures: the task was not admitted, so nothing retries.
	ErrRateLimited       = errors.New("sched: rate limited")
	ErrAdmissionRejected = errors.New("sched: admission rejected by backpressure")
	ErrTenantSaturated   = errors.New("sched: tenant concurrency ceiling reached")
	ErrAgentSaturated    = errors.New("sched: agent concurrency ceiling reached")

	// Execution errors.
	ErrDependencyTimeout = errors.New("sched: timed out waiting for dependencies")
	ErrTaskCancelled     = errors.New("sched: task cancelled before admission")
	ErrWaitTimeout       = errors.New("sched: timed out waiting for tasks to finish")

	// Validation errors.
	ErrPayloadInvalid = errors.New("sched: task payload failed schema validation")
)
