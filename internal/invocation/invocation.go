// Package invocation implements the remote operation invocation core: the
// state machine that resolves a target for an operation, dispatches it
// locally or across the wire, retries recoverable failures within the
// caller's budget, and correlates asynchronous responses back to the
// blocked caller.
package invocation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/oriys/lattice/internal/clock"
	"github.com/oriys/lattice/internal/cluster"
	"github.com/oriys/lattice/internal/logging"
	"github.com/oriys/lattice/internal/metrics"
	"github.com/oriys/lattice/internal/operation"
)

const (
	// waitTimeoutPadMillis widens the derived call timeout for
	// wait-supporting operations so the network budget outlives the wait.
	waitTimeoutPadMillis = 5000

	// probeTimeoutMillis bounds a liveness probe round trip.
	probeTimeoutMillis = 5000
)

// NestedPolicy decides whether a parent operation may invoke a child.
type NestedPolicy func(parent, child operation.Operation) bool

// Option configures an Invocation.
type Option func(*Invocation)

// WithNestedPolicy installs a nesting predicate checked once at Invoke
// when a parent operation is present. The default allows everything.
func WithNestedPolicy(allow NestedPolicy, parent operation.Operation) Option {
	return func(inv *Invocation) {
		inv.allowNested = allow
		inv.parent = parent
	}
}

// Invocation is the future for one logical call. It is created, invoked
// exactly once, and then drained through Get until a terminal outcome.
type Invocation struct {
	engine       NodeEngine
	serviceName  string
	op           operation.Operation
	partitionID  int
	replicaIndex int
	tryCount     int
	tryPause     int64
	callTimeout  int64

	resolve func() (cluster.Address, bool)

	allowNested NestedPolicy
	parent      operation.Operation

	invokeCount atomic.Int32
	done        atomic.Bool
	inbox       *Inbox

	// terminal outcome, written before done flips true; repeated Get
	// calls after termination observe it without re-dispatching.
	resultVal any
	resultErr error

	// last call id registered for a remote dispatch; reclaimed on
	// termination and before every re-registration.
	lastCallID atomic.Int64
}

// NewPartitionInvocation targets the current owner of the partition
// replica; ownership is re-resolved on every dispatch so that migrations
// are observed. A zero callTimeout derives the default from the operation
// service.
func NewPartitionInvocation(engine NodeEngine, serviceName string, op operation.Operation,
	partitionID, replicaIndex, tryCount int, tryPause, callTimeout time.Duration, opts ...Option) *Invocation {

	inv := newInvocation(engine, serviceName, op, partitionID, replicaIndex, tryCount, tryPause, callTimeout, opts...)
	inv.resolve = func() (cluster.Address, bool) {
		return engine.PartitionOwner(partitionID, replicaIndex)
	}
	return inv
}

// NewTargetInvocation aims at a fixed member address.
func NewTargetInvocation(engine NodeEngine, serviceName string, op operation.Operation,
	target cluster.Address, tryCount int, tryPause, callTimeout time.Duration, opts ...Option) *Invocation {

	inv := newInvocation(engine, serviceName, op, op.PartitionID(), 0, tryCount, tryPause, callTimeout, opts...)
	inv.resolve = func() (cluster.Address, bool) {
		return target, true
	}
	return inv
}

func newInvocation(engine NodeEngine, serviceName string, op operation.Operation,
	partitionID, replicaIndex, tryCount int, tryPause, callTimeout time.Duration, opts ...Option) *Invocation {

	inv := &Invocation{
		engine:       engine,
		serviceName:  serviceName,
		op:           op,
		partitionID:  partitionID,
		replicaIndex: replicaIndex,
		tryCount:     tryCount,
		tryPause:     clock.ToMillis(tryPause),
		inbox:        NewInbox(),
	}
	for _, opt := range opts {
		opt(inv)
	}
	inv.callTimeout = inv.effectiveCallTimeout(clock.ToMillis(callTimeout))
	return inv
}

// effectiveCallTimeout computes the per-attempt budget (once, at
// construction). A caller-supplied positive value wins; otherwise the
// service default, widened for bounded-wait operations.
func (inv *Invocation) effectiveCallTimeout(callTimeoutMillis int64) int64 {
	if callTimeoutMillis > 0 {
		return callTimeoutMillis
	}
	defaultTimeout := inv.engine.OperationService().DefaultCallTimeoutMillis()
	if ws, ok := inv.op.(operation.WaitSupport); ok {
		waitMillis := ws.WaitTimeoutMillis()
		if waitMillis > 0 && waitMillis < clock.NoTimeout && defaultTimeout > waitTimeoutPadMillis {
			return waitMillis + waitTimeoutPadMillis
		}
	}
	return defaultTimeout
}

// Invoke performs the initial dispatch and returns the invocation for
// chaining with Get. It must be called at most once; a second call is a
// programming error and panics. Dispatch failures are funneled into the
// response inbox so that the Get retry loop owns every outcome.
func (inv *Invocation) Invoke() *Invocation {
	if inv.invokeCount.Load() > 0 {
		panic("invocation: Invoke called more than once")
	}
	if inv.allowNested != nil && inv.parent != nil && !inv.allowNested(inv.parent, inv.op) {
		inv.inbox.Deliver(fmt.Errorf("invocation: nested invocation not allowed: parent=%s child=%s",
			inv.parent.Name(), inv.op.Name()))
		return inv
	}
	inv.op.SetCallTimeout(inv.callTimeout)
	inv.doInvoke()
	return inv
}

// doInvoke performs one dispatch attempt. All failure modes are delivered
// to the inbox; the Get loop classifies them.
func (inv *Invocation) doInvoke() {
	if !inv.engine.Active() {
		inv.inbox.Deliver(ErrNodeShutdown)
		return
	}
	inv.invokeCount.Add(1)

	target, resolved := inv.resolve()
	thisAddress := inv.engine.ThisAddress()
	inv.op.SetServiceName(inv.serviceName)
	inv.op.SetCaller(thisAddress)
	inv.op.SetPartitionID(inv.partitionID)
	inv.op.SetReplicaIndex(inv.replicaIndex)

	svc := inv.engine.OperationService()
	switch {
	case !resolved:
		if inv.engine.Active() {
			inv.inbox.Deliver(&WrongTargetError{
				ThisAddress: thisAddress,
				Target:      target,
				PartitionID: inv.partitionID,
				Operation:   inv.op.Name(),
				Service:     inv.serviceName,
			})
		} else {
			inv.inbox.Deliver(ErrNodeShutdown)
		}

	case !isJoinOperation(inv.op) && inv.engine.GetMember(target) == nil:
		inv.inbox.Deliver(&TargetNotMemberError{
			Target:      target,
			PartitionID: inv.partitionID,
			Operation:   inv.op.Name(),
			Service:     inv.serviceName,
		})

	default:
		inv.op.SetInvocationTime(inv.engine.ClusterTime())
		if target == thisAddress {
			// Local target never occupies a call-id slot; the runner
			// funnels the result straight into this inbox.
			inv.op.SetResponseHandler(operation.ResponseHandlerFunc(inv.Notify))
			svc.RunOperationLocal(inv.op)
		} else {
			inv.reclaimCallID()
			callID := svc.RegisterCall(inv)
			inv.lastCallID.Store(callID)
			inv.op.SetCallID(callID)
			if !svc.Send(inv.op, target) {
				inv.inbox.Deliver(&RetryableIOError{
					Cause: fmt.Errorf("packet not transmitted to %s", target),
				})
			}
		}
	}
}

// Notify is the callback entry point for responders: the local runner's
// response handler and the network dispatcher routing by call id.
func (inv *Invocation) Notify(response any) {
	inv.inbox.Deliver(response)
}

// Get blocks until a terminal outcome and returns the result. The wait is
// unbounded; an ErrCallTimeout would be logged and turned into a nil
// result, while an OperationTimeoutError from the liveness probe is
// returned as an error.
func (inv *Invocation) Get() (any, error) {
	result, err := inv.doGet(context.Background(), clock.NoTimeout)
	if errors.Is(err, ErrCallTimeout) {
		logging.Op().Debug("unbounded get expired", "invocation", inv.String(), "error", err)
		return nil, nil
	}
	return result, err
}

// GetWithTimeout blocks up to the given bound and returns ErrCallTimeout
// on expiry.
func (inv *Invocation) GetWithTimeout(timeout time.Duration) (any, error) {
	return inv.doGet(context.Background(), clock.ToMillis(timeout))
}

// GetWithContext blocks until a terminal outcome. Context cancellation
// observed while waiting is absorbed (the response pairing must not be
// orphaned) unless the local node is no longer active, in which case the
// context error escapes.
func (inv *Invocation) GetWithContext(ctx context.Context) (any, error) {
	return inv.doGet(ctx, clock.NoTimeout)
}

func (inv *Invocation) doGet(ctx context.Context, timeout int64) (any, error) {
	if inv.done.Load() {
		return inv.resultVal, inv.resultErr
	}
	if timeout < 0 {
		timeout = 0
	}

	maxCallTimeout := clock.NoTimeout
	if inv.callTimeout > 0 && inv.callTimeout <= math.MaxInt64/2 {
		maxCallTimeout = inv.callTimeout * 2
	}
	longPolling := timeout > maxCallTimeout
	pollCount := int64(0)
	interrupt := ctx.Done()

	for timeout >= 0 {
		pollTimeout := min(maxCallTimeout, timeout)
		start := clock.Millis()
		response, ok, interrupted := inv.inbox.Await(pollTimeout, interrupt)
		if interrupted {
			logging.Op().Debug("interrupted while waiting for response", "invocation", inv.String())
			if !inv.engine.Active() {
				return nil, context.Cause(ctx)
			}
			// Absorb the interrupt and resume the wait.
			interrupt = nil
			continue
		}
		timeout = clock.DecrementTimeout(timeout, clock.Millis()-start)
		pollCount++

		switch {
		case ok && isRetryableResponse(response):
			cause := response.(error)
			localInvokeCount := int(inv.invokeCount.Load())
			if localInvokeCount < inv.tryCount && timeout > 0 {
				time.Sleep(time.Duration(inv.tryPause) * time.Millisecond)
				timeout = clock.DecrementTimeout(timeout, inv.tryPause)
				if localInvokeCount > 5 && localInvokeCount%10 == 0 {
					logging.Op().Warn("still invoking", "invocation", inv.String())
				}
				metrics.RecordRetry()
				inv.doInvoke()
			} else {
				execErr := newExecutionError(cause)
				inv.complete(nil, execErr)
				return nil, execErr
			}

		case ok && response == nullResponse:
			return nil, nil

		case ok:
			if err, isErr := response.(error); isErr {
				failure := classifyFailure(err)
				inv.complete(nil, failure)
				return nil, failure
			}
			inv.complete(response, nil)
			return response, nil

		case longPolling:
			target, resolved := inv.resolve()
			if !resolved || target == inv.engine.ThisAddress() {
				// Target may change mid-invocation because of migration.
				continue
			}
			logging.Op().Warn("no response yet", "wait_ms", pollTimeout, "invocation", inv.String())

			if !inv.isOperationExecuting(target) {
				// The real response might have arrived between the poll
				// timeout and the probe answer.
				if late, got := inv.inbox.Poll(); got {
					if late == nullResponse {
						return nil, nil
					}
					if err, isErr := late.(error); isErr {
						failure := classifyFailure(err)
						inv.complete(nil, failure)
						return nil, failure
					}
					inv.complete(late, nil)
					return late, nil
				}
				timeoutErr := &OperationTimeoutError{
					TotalWaitMillis: pollTimeout * pollCount,
					Invocation:      inv.String(),
				}
				inv.complete(nil, timeoutErr)
				return nil, timeoutErr
			}
		}
	}
	return nil, ErrCallTimeout
}

// classifyFailure applies the propagation taxonomy: state sentinels and
// already-wrapped execution failures pass through, everything else is
// wrapped exactly once.
func classifyFailure(err error) error {
	if errors.Is(err, ErrNodeShutdown) {
		return err
	}
	var opTimeout *OperationTimeoutError
	if errors.As(err, &opTimeout) {
		return err
	}
	return newExecutionError(err)
}

func isRetryableResponse(response any) bool {
	err, isErr := response.(error)
	return isErr && IsRetryable(err)
}

// complete records the terminal outcome, marks the invocation done, and
// reclaims its registry entry.
func (inv *Invocation) complete(result any, err error) {
	inv.resultVal = result
	inv.resultErr = err
	inv.done.Store(true)
	inv.reclaimCallID()
}

func (inv *Invocation) reclaimCallID() {
	if id := inv.lastCallID.Swap(0); id != 0 {
		inv.engine.OperationService().DeregisterCall(id)
	}
}

// IsDone reports whether the invocation reached a terminal state.
func (inv *Invocation) IsDone() bool {
	return inv.done.Load()
}

// Cancel is unsupported: the core cannot rescind work already accepted by
// a remote member.
func (inv *Invocation) Cancel() error {
	return ErrCancellationUnsupported
}

// IsCancelled always reports false.
func (inv *Invocation) IsCancelled() bool {
	return false
}

func (inv *Invocation) ServiceName() string            { return inv.serviceName }
func (inv *Invocation) Operation() operation.Operation { return inv.op }
func (inv *Invocation) PartitionID() int               { return inv.partitionID }
func (inv *Invocation) ReplicaIndex() int              { return inv.replicaIndex }

func (inv *Invocation) String() string {
	return fmt.Sprintf("Invocation{service=%s, op=%s, partition=%d, replica=%d, invokeCount=%d, tryCount=%d, callTimeout=%d}",
		inv.serviceName, inv.op.Name(), inv.partitionID, inv.replicaIndex,
		inv.invokeCount.Load(), inv.tryCount, inv.callTimeout)
}

func isJoinOperation(op operation.Operation) bool {
	_, ok := op.(operation.JoinOperation)
	return ok
}
