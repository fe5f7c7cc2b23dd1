package invocation

import (
	"errors"
	"fmt"

	"github.com/oriys/lattice/internal/cluster"
)

// Sentinel errors surfaced by the invocation core.
var (
	// ErrCallTimeout means the caller-supplied deadline expired before a
	// terminal outcome arrived. Distinct from OperationTimeoutError, which
	// means the remote side stopped executing without answering.
	ErrCallTimeout = errors.New("invocation: deadline exceeded waiting for response")

	// ErrNodeShutdown means the local node is no longer active.
	ErrNodeShutdown = errors.New("invocation: node is not active")

	// ErrCancellationUnsupported is returned by Cancel. The core cannot
	// rescind work already accepted by a remote member.
	ErrCancellationUnsupported = errors.New("invocation: cancellation is not supported")
)

// retryable marks failures whose contract is "dispatch again; may succeed".
type retryable interface {
	retryableInvocation()
}

// IsRetryable reports whether the error may be resolved by re-dispatching.
func IsRetryable(err error) bool {
	var r retryable
	return errors.As(err, &r)
}

// WrongTargetError means the resolved target does not (or no longer does)
// own the partition, typically because of a migration or an unassigned
// partition.
type WrongTargetError struct {
	ThisAddress cluster.Address
	Target      cluster.Address
	PartitionID int
	Operation   string
	Service     string
}

func (e *WrongTargetError) retryableInvocation() {}

func (e *WrongTargetError) Error() string {
	return fmt.Sprintf("wrong target for %s/%s: partition %d, this=%s target=%s",
		e.Service, e.Operation, e.PartitionID, e.ThisAddress, e.Target)
}

// TargetNotMemberError means the resolved target address is not part of
// the current membership view.
type TargetNotMemberError struct {
	Target      cluster.Address
	PartitionID int
	Operation   string
	Service     string
}

func (e *TargetNotMemberError) retryableInvocation() {}

func (e *TargetNotMemberError) Error() string {
	return fmt.Sprintf("target %s is not a member for %s/%s (partition %d)",
		e.Target, e.Service, e.Operation, e.PartitionID)
}

// RetryableIOError wraps a transient transport failure such as a refused
// send.
type RetryableIOError struct {
	Cause error
}

func (e *RetryableIOError) retryableInvocation() {}

func (e *RetryableIOError) Error() string {
	return fmt.Sprintf("retryable io failure: %v", e.Cause)
}

func (e *RetryableIOError) Unwrap() error { return e.Cause }

// ExecutionError wraps a failure produced while executing the operation.
// An already-wrapped ExecutionError is never wrapped twice.
type ExecutionError struct {
	Cause error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("operation execution failed: %v", e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// newExecutionError wraps err once.
func newExecutionError(err error) *ExecutionError {
	var exec *ExecutionError
	if errors.As(err, &exec) {
		return exec
	}
	return &ExecutionError{Cause: err}
}

// OperationTimeoutError means the liveness probe confirmed the remote is no
// longer executing the call and no response ever arrived.
type OperationTimeoutError struct {
	TotalWaitMillis int64
	Invocation      string
}

func (e *OperationTimeoutError) Error() string {
	return fmt.Sprintf("no response for %d ms, aborting invocation: %s",
		e.TotalWaitMillis, e.Invocation)
}
