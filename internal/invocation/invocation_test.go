package invocation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oriys/lattice/internal/clock"
	"github.com/oriys/lattice/internal/cluster"
	"github.com/oriys/lattice/internal/operation"
)

// fakeEngine implements NodeEngine and OperationService for core tests.
type fakeEngine struct {
	addr     cluster.Address
	active   atomic.Bool
	registry *CallRegistry

	mu          sync.Mutex
	members     map[cluster.Address]*cluster.Member
	owner       func(partitionID, replicaIndex int) (cluster.Address, bool)
	sendFn      func(op operation.Operation, target cluster.Address) bool
	executingFn func(caller cluster.Address, callID int64) bool

	defaultTimeout int64
	runLocalCount  atomic.Int32
	registerCount  atomic.Int32
	ownerCalls     atomic.Int32
}

func newFakeEngine() *fakeEngine {
	e := &fakeEngine{
		addr:           cluster.NewAddress("127.0.0.1", 5701),
		registry:       NewCallRegistry(),
		members:        make(map[cluster.Address]*cluster.Member),
		defaultTimeout: 60000,
	}
	e.active.Store(true)
	e.addMember(e.addr)
	return e
}

func (e *fakeEngine) addMember(addr cluster.Address) {
	e.mu.Lock()
	e.members[addr] = &cluster.Member{ID: addr.String(), Address: addr, State: cluster.MemberStateActive}
	e.mu.Unlock()
}

func (e *fakeEngine) setOwner(fn func(p, r int) (cluster.Address, bool)) {
	e.mu.Lock()
	e.owner = fn
	e.mu.Unlock()
}

func (e *fakeEngine) ThisAddress() cluster.Address { return e.addr }
func (e *fakeEngine) ClusterTime() int64           { return clock.Millis() }
func (e *fakeEngine) Active() bool                 { return e.active.Load() }

func (e *fakeEngine) GetMember(addr cluster.Address) *cluster.Member {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.members[addr]
}

func (e *fakeEngine) PartitionOwner(partitionID, replicaIndex int) (cluster.Address, bool) {
	e.ownerCalls.Add(1)
	e.mu.Lock()
	fn := e.owner
	e.mu.Unlock()
	if fn == nil {
		return cluster.Address{}, false
	}
	return fn(partitionID, replicaIndex)
}

func (e *fakeEngine) OperationService() OperationService { return e }

func (e *fakeEngine) RunOperationLocal(op operation.Operation) {
	e.runLocalCount.Add(1)
	go func() {
		result, err := op.Run(context.Background(), e)
		if !op.ReturnsResponse() {
			return
		}
		if err != nil {
			op.ResponseHandler().SendResponse(err)
			return
		}
		op.ResponseHandler().SendResponse(result)
	}()
}

func (e *fakeEngine) Send(op operation.Operation, target cluster.Address) bool {
	e.mu.Lock()
	fn := e.sendFn
	e.mu.Unlock()
	if fn == nil {
		return false
	}
	return fn(op, target)
}

func (e *fakeEngine) RegisterCall(f Future) int64 {
	e.registerCount.Add(1)
	return e.registry.Register(f)
}

func (e *fakeEngine) DeregisterCall(callID int64)     { e.registry.Deregister(callID) }
func (e *fakeEngine) DefaultCallTimeoutMillis() int64 { return e.defaultTimeout }

func (e *fakeEngine) IsOperationExecuting(caller cluster.Address, callID int64) bool {
	e.mu.Lock()
	fn := e.executingFn
	e.mu.Unlock()
	if fn == nil {
		return false
	}
	return fn(caller, callID)
}

// fakeOp is a minimal runnable operation.
type fakeOp struct {
	operation.Base
	result any
	err    error
}

func (o *fakeOp) Name() string { return "lattice.test.op" }

func (o *fakeOp) Run(ctx context.Context, env operation.Env) (any, error) {
	return o.result, o.err
}

// waitOp is a fakeOp that supports bounded waiting.
type waitOp struct {
	fakeOp
	waitMillis int64
}

func (o *waitOp) WaitTimeoutMillis() int64 { return o.waitMillis }

func localOwner(e *fakeEngine) func(int, int) (cluster.Address, bool) {
	return func(int, int) (cluster.Address, bool) { return e.addr, true }
}

func TestLocalHappyPath(t *testing.T) {
	e := newFakeEngine()
	e.setOwner(localOwner(e))

	inv := NewPartitionInvocation(e, "test-svc", &fakeOp{result: "ok"}, 1, 0, 3, 10*time.Millisecond, 0)
	result, err := inv.Invoke().Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if result != "ok" {
		t.Fatalf("result = %v, want ok", result)
	}
	if got := e.runLocalCount.Load(); got != 1 {
		t.Fatalf("local runs = %d, want 1", got)
	}
	if got := e.registerCount.Load(); got != 0 {
		t.Fatalf("local dispatch registered %d calls, want 0", got)
	}
	if e.registry.Pending() != 0 {
		t.Fatalf("registry has %d pending entries", e.registry.Pending())
	}
}

func TestRemoteHappyPath(t *testing.T) {
	e := newFakeEngine()
	remote := cluster.NewAddress("127.0.0.1", 5702)
	e.addMember(remote)
	e.setOwner(func(int, int) (cluster.Address, bool) { return remote, true })

	e.sendFn = func(op operation.Operation, target cluster.Address) bool {
		if target != remote {
			t.Errorf("sent to %v, want %v", target, remote)
		}
		callID := op.CallID()
		go func() {
			time.Sleep(10 * time.Millisecond)
			e.registry.Route(callID, 42)
		}()
		return true
	}

	inv := NewPartitionInvocation(e, "test-svc", &fakeOp{}, 1, 0, 3, 10*time.Millisecond, 0)
	result, err := inv.Invoke().Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if result != 42 {
		t.Fatalf("result = %v, want 42", result)
	}
	if e.registry.Pending() != 0 {
		t.Fatalf("registry has %d pending entries after response", e.registry.Pending())
	}
}

func TestRetryThenSuccess(t *testing.T) {
	e := newFakeEngine()

	var resolved atomic.Bool
	e.setOwner(func(int, int) (cluster.Address, bool) {
		if !resolved.Load() {
			resolved.Store(true)
			return cluster.Address{}, false // partition not yet assigned
		}
		return e.addr, true
	})

	const pause = 50 * time.Millisecond
	inv := NewPartitionInvocation(e, "test-svc", &fakeOp{result: "v"}, 1, 0, 3, pause, 0)

	start := time.Now()
	result, err := inv.Invoke().Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if result != "v" {
		t.Fatalf("result = %v, want v", result)
	}
	if elapsed := time.Since(start); elapsed < pause {
		t.Fatalf("retry completed in %v, want >= %v pause", elapsed, pause)
	}
	if got := e.ownerCalls.Load(); got != 2 {
		t.Fatalf("target resolved %d times, want 2 (one per dispatch)", got)
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	e := newFakeEngine()
	remote := cluster.NewAddress("127.0.0.1", 5702)
	e.addMember(remote)
	e.setOwner(func(int, int) (cluster.Address, bool) { return remote, true })
	e.sendFn = func(operation.Operation, cluster.Address) bool { return false } // transport refuses every packet

	inv := NewPartitionInvocation(e, "test-svc", &fakeOp{}, 1, 0, 2, time.Millisecond, 0)
	_, err := inv.Invoke().Get()

	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("err = %v, want ExecutionError", err)
	}
	var ioErr *RetryableIOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("err = %v, want wrapped RetryableIOError", err)
	}
	if !inv.IsDone() {
		t.Fatal("invocation should be done after budget exhaustion")
	}
	if e.registry.Pending() != 0 {
		t.Fatalf("registry has %d pending entries", e.registry.Pending())
	}
	if got := e.registerCount.Load(); got != 2 {
		t.Fatalf("registered %d calls, want 2 (one per attempt)", got)
	}
}

// probeAnswering wires the fake transport to answer liveness probes and
// swallow everything else. beforeAnswer, when set, runs before the probe
// answer is routed.
func probeAnswering(e *fakeEngine, executing bool, beforeAnswer func()) {
	e.sendFn = func(op operation.Operation, target cluster.Address) bool {
		if probe, ok := op.(*IsStillExecutingOperation); ok {
			probeCallID := probe.CallID()
			go func() {
				if beforeAnswer != nil {
					beforeAnswer()
				}
				e.registry.Route(probeCallID, executing)
			}()
		}
		return true
	}
}

func TestLongPollProbeNotExecuting(t *testing.T) {
	e := newFakeEngine()
	remote := cluster.NewAddress("127.0.0.1", 5702)
	e.addMember(remote)
	e.setOwner(func(int, int) (cluster.Address, bool) { return remote, true })
	probeAnswering(e, false, nil)

	inv := NewPartitionInvocation(e, "test-svc", &fakeOp{}, 1, 0, 3, time.Millisecond, 100*time.Millisecond)
	start := time.Now()
	_, err := inv.Invoke().GetWithTimeout(10 * time.Second)

	var opTimeout *OperationTimeoutError
	if !errors.As(err, &opTimeout) {
		t.Fatalf("err = %v, want OperationTimeoutError", err)
	}
	if opTimeout.TotalWaitMillis < 200 {
		t.Fatalf("cumulative wait = %dms, want >= 200", opTimeout.TotalWaitMillis)
	}
	if !strings.Contains(err.Error(), "no response") {
		t.Fatalf("error %q should mention the missing response", err)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Fatalf("aborted after %v, want at least one 2x-callTimeout poll", elapsed)
	}
	if e.registry.Pending() != 0 {
		t.Fatalf("registry has %d pending entries after abandonment", e.registry.Pending())
	}
}

func TestLongPollRaceWin(t *testing.T) {
	e := newFakeEngine()
	remote := cluster.NewAddress("127.0.0.1", 5702)
	e.addMember(remote)
	e.setOwner(func(int, int) (cluster.Address, bool) { return remote, true })

	var mainCallID atomic.Int64
	e.sendFn = func(op operation.Operation, target cluster.Address) bool {
		if probe, ok := op.(*IsStillExecutingOperation); ok {
			probeCallID := probe.CallID()
			go func() {
				// The real response sneaks in before the probe verdict.
				e.registry.Route(mainCallID.Load(), "late-but-real")
				e.registry.Route(probeCallID, false)
			}()
			return true
		}
		mainCallID.Store(op.CallID())
		return true
	}

	inv := NewPartitionInvocation(e, "test-svc", &fakeOp{}, 1, 0, 3, time.Millisecond, 100*time.Millisecond)
	result, err := inv.Invoke().GetWithTimeout(10 * time.Second)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if result != "late-but-real" {
		t.Fatalf("result = %v, want the raced response", result)
	}
}

func TestNullResponseIsDistinctFromNoResponse(t *testing.T) {
	e := newFakeEngine()
	e.setOwner(localOwner(e))

	inv := NewPartitionInvocation(e, "test-svc", &fakeOp{result: nil}, 1, 0, 3, time.Millisecond, 0)
	result, err := inv.Invoke().Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if result != nil {
		t.Fatalf("result = %v, want nil", result)
	}
}

func TestNotifyBeforeGetIsObserved(t *testing.T) {
	e := newFakeEngine()
	e.setOwner(localOwner(e))

	inv := NewPartitionInvocation(e, "test-svc", &fakeOp{}, 1, 0, 3, time.Millisecond, 0)
	inv.Notify("early")

	result, err := inv.GetWithTimeout(time.Second)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if result != "early" {
		t.Fatalf("result = %v, want early", result)
	}
}

func TestRepeatedGetAfterTermination(t *testing.T) {
	e := newFakeEngine()
	e.setOwner(localOwner(e))

	inv := NewPartitionInvocation(e, "test-svc", &fakeOp{result: "once"}, 1, 0, 3, time.Millisecond, 0)
	first, err := inv.Invoke().Get()
	if err != nil || first != "once" {
		t.Fatalf("first Get = %v, %v", first, err)
	}

	localRuns := e.runLocalCount.Load()
	second, err := inv.Get()
	if err != nil || second != "once" {
		t.Fatalf("second Get = %v, %v; want cached outcome", second, err)
	}
	if e.runLocalCount.Load() != localRuns {
		t.Fatal("repeated Get re-dispatched the operation")
	}
}

func TestGetWithTimeoutZeroExpiresImmediately(t *testing.T) {
	e := newFakeEngine()
	remote := cluster.NewAddress("127.0.0.1", 5702)
	e.addMember(remote)
	e.setOwner(func(int, int) (cluster.Address, bool) { return remote, true })
	e.sendFn = func(operation.Operation, cluster.Address) bool { return true }

	inv := NewPartitionInvocation(e, "test-svc", &fakeOp{}, 1, 0, 3, time.Millisecond, time.Minute)
	inv.Invoke()

	start := time.Now()
	_, err := inv.GetWithTimeout(0)
	if !errors.Is(err, ErrCallTimeout) {
		t.Fatalf("err = %v, want ErrCallTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("GetWithTimeout(0) took %v", elapsed)
	}
}

func TestExecutionFailureWrappedOnce(t *testing.T) {
	e := newFakeEngine()
	e.setOwner(localOwner(e))

	cause := errors.New("boom")
	inv := NewPartitionInvocation(e, "test-svc", &fakeOp{err: cause}, 1, 0, 3, time.Millisecond, 0)
	_, err := inv.Invoke().Get()

	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("err = %v, want ExecutionError", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("err = %v, want wrapped cause", err)
	}
	if _, nested := execErr.Cause.(*ExecutionError); nested {
		t.Fatal("execution failure was wrapped twice")
	}
}

func TestTargetNotMemberIsRetried(t *testing.T) {
	e := newFakeEngine()
	stranger := cluster.NewAddress("10.0.0.9", 5799) // never joins

	var calls atomic.Int32
	e.setOwner(func(int, int) (cluster.Address, bool) {
		if calls.Add(1) == 1 {
			return stranger, true
		}
		return e.addr, true
	})

	inv := NewPartitionInvocation(e, "test-svc", &fakeOp{result: "joined"}, 1, 0, 3, time.Millisecond, 0)
	result, err := inv.Invoke().Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if result != "joined" {
		t.Fatalf("result = %v, want joined", result)
	}
}

func TestInvokeTwicePanics(t *testing.T) {
	e := newFakeEngine()
	e.setOwner(localOwner(e))

	inv := NewPartitionInvocation(e, "test-svc", &fakeOp{result: "x"}, 1, 0, 3, time.Millisecond, 0)
	inv.Invoke()

	defer func() {
		if recover() == nil {
			t.Fatal("second Invoke should panic")
		}
	}()
	inv.Invoke()
}

func TestCancelUnsupported(t *testing.T) {
	e := newFakeEngine()
	inv := NewPartitionInvocation(e, "test-svc", &fakeOp{}, 1, 0, 3, time.Millisecond, 0)

	if err := inv.Cancel(); !errors.Is(err, ErrCancellationUnsupported) {
		t.Fatalf("Cancel = %v, want ErrCancellationUnsupported", err)
	}
	if inv.IsCancelled() {
		t.Fatal("IsCancelled should always be false")
	}
}

func TestEffectiveCallTimeoutStamping(t *testing.T) {
	e := newFakeEngine()
	e.setOwner(localOwner(e))

	tests := []struct {
		name        string
		op          operation.Operation
		callTimeout time.Duration
		want        int64
	}{
		{"explicit value wins", &fakeOp{result: 1}, 30 * time.Second, 30000},
		{"zero derives default", &fakeOp{result: 1}, 0, 60000},
		{"wait support widens", &waitOp{fakeOp: fakeOp{result: 1}, waitMillis: 2000}, 0, 7000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := NewPartitionInvocation(e, "test-svc", tt.op, 1, 0, 1, time.Millisecond, tt.callTimeout)
			if _, err := inv.Invoke().Get(); err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got := tt.op.CallTimeout(); got != tt.want {
				t.Fatalf("stamped call timeout = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestInterruptAbsorbedOnActiveNode(t *testing.T) {
	e := newFakeEngine()
	e.setOwner(localOwner(e))

	inv := NewPartitionInvocation(e, "test-svc", &fakeOp{}, 1, 0, 3, time.Millisecond, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already interrupted before the wait starts

	go func() {
		time.Sleep(20 * time.Millisecond)
		inv.Notify("survived")
	}()

	result, err := inv.GetWithContext(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if result != "survived" {
		t.Fatalf("result = %v, want survived", result)
	}
}

func TestInterruptEscapesOnInactiveNode(t *testing.T) {
	e := newFakeEngine()
	e.setOwner(localOwner(e))
	inv := NewPartitionInvocation(e, "test-svc", &fakeOp{}, 1, 0, 3, time.Millisecond, 0)

	e.active.Store(false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := inv.GetWithContext(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestNestedPolicyDenial(t *testing.T) {
	e := newFakeEngine()
	e.setOwner(localOwner(e))

	parent := &fakeOp{}
	deny := func(parent, child operation.Operation) bool { return false }

	inv := NewPartitionInvocation(e, "test-svc", &fakeOp{result: "x"}, 1, 0, 3, time.Millisecond, 0,
		WithNestedPolicy(deny, parent))
	_, err := inv.Invoke().GetWithTimeout(time.Second)
	if err == nil {
		t.Fatal("expected denial error")
	}
	if !strings.Contains(err.Error(), "nested invocation not allowed") {
		t.Fatalf("err = %v", err)
	}
}

func TestIsStillExecutingRoundTrip(t *testing.T) {
	op := NewIsStillExecutingOperation(987654321)
	op.SetCaller(cluster.NewAddress("127.0.0.1", 5701))

	data, err := operation.Encode(op)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := operation.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	probe, ok := decoded.(*IsStillExecutingOperation)
	if !ok {
		t.Fatalf("decoded wrong type %T", decoded)
	}
	if probe.OperationCallID() != 987654321 {
		t.Fatalf("probed call id = %d, want 987654321", probe.OperationCallID())
	}
	if probe.ReturnsResponse() {
		t.Fatal("probe must answer through its handler, not a Run response")
	}
}

func TestIsStillExecutingAnswersThroughHandler(t *testing.T) {
	e := newFakeEngine()
	e.executingFn = func(caller cluster.Address, callID int64) bool { return callID == 7 }

	var answered atomic.Value
	op := NewIsStillExecutingOperation(7)
	op.SetCaller(e.addr)
	op.SetResponseHandler(operation.ResponseHandlerFunc(func(v any) { answered.Store(v) }))

	if _, err := op.Run(context.Background(), e); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := answered.Load(); got != true {
		t.Fatalf("handler got %v, want true", got)
	}
}
