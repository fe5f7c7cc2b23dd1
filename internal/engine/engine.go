// Package engine is the node runtime behind the invocation core: the
// local operation runner, the remote send/receive path, call bookkeeping,
// and the responder side of liveness probes. It implements the
// invocation.NodeEngine and invocation.OperationService contracts.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/lattice/internal/clock"
	"github.com/oriys/lattice/internal/cluster"
	"github.com/oriys/lattice/internal/invocation"
	"github.com/oriys/lattice/internal/logging"
	"github.com/oriys/lattice/internal/metrics"
	"github.com/oriys/lattice/internal/observability"
	"github.com/oriys/lattice/internal/operation"
	"github.com/oriys/lattice/internal/partition"
	"github.com/oriys/lattice/internal/transport"
)

// Invocation defaults applied by the convenience Invoke helpers.
const (
	DefaultTryCount = 250
	DefaultTryPause = 500 * time.Millisecond
)

// Config holds engine settings.
type Config struct {
	Address            cluster.Address
	DefaultCallTimeout time.Duration // per-attempt budget when callers pass zero
	Runners            int           // local runner goroutines
	QueueSize          int           // local runner queue capacity
}

// DefaultConfig returns engine defaults for the given member address.
func DefaultConfig(addr cluster.Address) Config {
	return Config{
		Address:            addr,
		DefaultCallTimeout: 60 * time.Second,
		Runners:            16,
		QueueSize:          1024,
	}
}

type executingKey struct {
	caller string
	callID int64
}

// Engine wires the invocation core to membership, partitions, and the
// transport. A nil transport is valid for single-member grids: every
// remote send is then refused, which the core surfaces as retryable.
type Engine struct {
	cfg        Config
	addr       cluster.Address
	active     atomic.Bool
	calls      *invocation.CallRegistry
	members    *cluster.Registry
	partitions *partition.Table
	tr         *transport.Transport

	queue    chan operation.Operation
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once

	executingMu sync.Mutex
	executing   map[executingKey]struct{}
}

// New creates an engine. Start must be called before invoking.
func New(cfg Config, members *cluster.Registry, partitions *partition.Table, tr *transport.Transport) *Engine {
	if cfg.DefaultCallTimeout <= 0 {
		cfg.DefaultCallTimeout = 60 * time.Second
	}
	if cfg.Runners <= 0 {
		cfg.Runners = 16
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return &Engine{
		cfg:        cfg,
		addr:       cfg.Address,
		calls:      invocation.NewCallRegistry(),
		members:    members,
		partitions: partitions,
		tr:         tr,
		queue:      make(chan operation.Operation, cfg.QueueSize),
		stopCh:     make(chan struct{}),
		executing:  make(map[executingKey]struct{}),
	}
}

// Start registers the local member, launches the runner pool, and hooks
// the transport receive paths.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.members.RegisterMember(ctx, &cluster.Member{
		ID:      e.addr.String(),
		Address: e.addr,
	}); err != nil {
		return fmt.Errorf("register local member: %w", err)
	}

	for i := 0; i < e.cfg.Runners; i++ {
		e.wg.Add(1)
		go e.runner()
	}

	if e.tr != nil {
		if err := e.tr.SubscribeOperations(e.handleOperationPacket); err != nil {
			return err
		}
		if err := e.tr.SubscribeResponses(e.handleResponsePacket); err != nil {
			return err
		}
	}

	e.active.Store(true)
	logging.Op().Info("engine started", "address", e.addr.String(), "runners", e.cfg.Runners)
	return nil
}

// Shutdown stops accepting work, fails every pending call, and waits for
// the runner pool to drain.
func (e *Engine) Shutdown() {
	e.active.Store(false)
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	e.calls.Shutdown(invocation.ErrNodeShutdown)
	logging.Op().Info("engine stopped", "address", e.addr.String())
}

// InvokeOnPartition dispatches an operation at the owner of the given
// partition's primary replica with default retry settings.
func (e *Engine) InvokeOnPartition(serviceName string, op operation.Operation, partitionID int) *invocation.Invocation {
	return invocation.NewPartitionInvocation(e, serviceName, op, partitionID, 0,
		DefaultTryCount, DefaultTryPause, 0).Invoke()
}

// InvokeOnTarget dispatches an operation at a fixed member address with
// default retry settings.
func (e *Engine) InvokeOnTarget(serviceName string, op operation.Operation, target cluster.Address) *invocation.Invocation {
	return invocation.NewTargetInvocation(e, serviceName, op, target,
		DefaultTryCount, DefaultTryPause, 0).Invoke()
}

// PendingCalls reports registered call ids awaiting responses; the
// metrics gauge samples it.
func (e *Engine) PendingCalls() int {
	return e.calls.Pending()
}

// --- invocation.NodeEngine ---

func (e *Engine) ThisAddress() cluster.Address { return e.addr }
func (e *Engine) ClusterTime() int64           { return clock.Millis() }
func (e *Engine) Active() bool                 { return e.active.Load() }

func (e *Engine) GetMember(addr cluster.Address) *cluster.Member {
	return e.members.GetMember(addr)
}

func (e *Engine) PartitionOwner(partitionID, replicaIndex int) (cluster.Address, bool) {
	return e.partitions.Owner(partitionID, replicaIndex)
}

func (e *Engine) OperationService() invocation.OperationService { return e }

// --- invocation.OperationService ---

// RunOperationLocal schedules the operation on the runner pool. When the
// engine is stopping, the operation is answered with a shutdown failure
// instead of being queued.
func (e *Engine) RunOperationLocal(op operation.Operation) {
	select {
	case e.queue <- op:
	case <-e.stopCh:
		if h := op.ResponseHandler(); h != nil {
			h.SendResponse(invocation.ErrNodeShutdown)
		}
	}
}

// Send serializes the operation and hands it to the transport.
func (e *Engine) Send(op operation.Operation, target cluster.Address) bool {
	_, span := observability.StartSpan(context.Background(), "lattice.operation.send",
		observability.AttrService.String(op.ServiceName()),
		observability.AttrOperation.String(op.Name()),
		observability.AttrCallID.Int64(op.CallID()),
		observability.AttrTarget.String(target.String()),
	)
	defer span.End()

	if e.tr == nil {
		return false
	}
	data, err := operation.Encode(op)
	if err != nil {
		logging.Op().Warn("operation encode failed", "operation", op.Name(), "error", err)
		return false
	}
	if !e.tr.SendOperation(data, target) {
		metrics.RecordSendFailure()
		return false
	}
	return true
}

func (e *Engine) RegisterCall(f invocation.Future) int64 {
	return e.calls.Register(f)
}

func (e *Engine) DeregisterCall(callID int64) {
	e.calls.Deregister(callID)
}

func (e *Engine) DefaultCallTimeoutMillis() int64 {
	return e.cfg.DefaultCallTimeout.Milliseconds()
}

// IsOperationExecuting answers liveness probes for calls issued by the
// given caller.
func (e *Engine) IsOperationExecuting(caller cluster.Address, callID int64) bool {
	e.executingMu.Lock()
	_, executing := e.executing[executingKey{caller: caller.String(), callID: callID}]
	e.executingMu.Unlock()

	metrics.RecordProbe(executing)
	return executing
}

// --- local runner ---

func (e *Engine) runner() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case op := <-e.queue:
			e.runOperation(op)
		}
	}
}

func (e *Engine) runOperation(op operation.Operation) {
	origin := "local"
	if e.isRemoteOrigin(op) {
		origin = "remote"
		key := executingKey{caller: op.Caller().String(), callID: op.CallID()}
		e.executingMu.Lock()
		e.executing[key] = struct{}{}
		e.executingMu.Unlock()
		defer func() {
			e.executingMu.Lock()
			delete(e.executing, key)
			e.executingMu.Unlock()
		}()
	}

	metrics.ExecutingOpsInc()
	defer metrics.ExecutingOpsDec()

	ctx, span := observability.StartServerSpan(context.Background(), "lattice.operation.run",
		observability.AttrService.String(op.ServiceName()),
		observability.AttrOperation.String(op.Name()),
		observability.AttrPartitionID.Int(op.PartitionID()),
		observability.AttrCallID.Int64(op.CallID()),
		observability.AttrCaller.String(op.Caller().String()),
	)
	defer span.End()

	start := clock.Millis()
	result, err := e.safeRun(ctx, op)
	durationMs := float64(clock.Millis() - start)

	status := "ok"
	if err != nil {
		status = "error"
		observability.SetSpanError(span, err)
	} else {
		observability.SetSpanOK(span)
	}
	metrics.RecordInvocation(op.Name(), origin, status, durationMs)

	entry := &logging.CallLog{
		Service:    op.ServiceName(),
		Operation:  op.Name(),
		Partition:  op.PartitionID(),
		Replica:    op.ReplicaIndex(),
		CallID:     op.CallID(),
		DurationMs: int64(durationMs),
		Attempts:   1,
		Success:    err == nil,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	logging.Calls().Log(entry)

	if !op.ReturnsResponse() {
		return
	}
	h := op.ResponseHandler()
	if h == nil {
		logging.Op().Warn("operation has no response handler", "operation", op.Name(), "call_id", op.CallID())
		return
	}
	if err != nil {
		h.SendResponse(err)
		return
	}
	h.SendResponse(result)
}

// safeRun keeps a panicking operation from taking down the runner; the
// panic is answered as an execution failure.
func (e *Engine) safeRun(ctx context.Context, op operation.Operation) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Op().Error("operation panicked", "operation", op.Name(), "panic", r)
			result = nil
			err = fmt.Errorf("operation %s panicked: %v", op.Name(), r)
		}
	}()
	return op.Run(ctx, e)
}

func (e *Engine) isRemoteOrigin(op operation.Operation) bool {
	return op.CallID() != 0 && op.Caller() != e.addr
}

// --- receive path ---

func (e *Engine) handleOperationPacket(data []byte) {
	op, err := operation.Decode(data)
	if err != nil {
		logging.Op().Warn("dropping undecodable operation packet", "error", err)
		return
	}

	caller := op.Caller()
	callID := op.CallID()
	if callID != 0 {
		op.SetResponseHandler(operation.ResponseHandlerFunc(func(v any) {
			e.respond(caller, callID, v)
		}))
	}
	e.RunOperationLocal(op)
}

func (e *Engine) respond(caller cluster.Address, callID int64, v any) {
	var frame *transport.Response
	if err, isErr := v.(error); isErr {
		frame = transport.NewErrorResponse(callID, err)
	} else {
		valueFrame, err := transport.NewValueResponse(callID, v)
		if err != nil {
			frame = transport.NewErrorResponse(callID, err)
		} else {
			frame = valueFrame
		}
	}

	data, err := frame.Encode()
	if err != nil {
		logging.Op().Error("response encode failed", "call_id", callID, "error", err)
		return
	}
	if !e.tr.SendResponse(data, caller) {
		logging.Op().Warn("response not transmitted", "call_id", callID, "caller", caller.String())
	}
}

func (e *Engine) handleResponsePacket(data []byte) {
	resp, err := transport.DecodeResponse(data)
	if err != nil {
		logging.Op().Warn("dropping undecodable response frame", "error", err)
		return
	}
	if !e.calls.Route(resp.CallID, resp.Outcome()) {
		logging.Op().Debug("dropping response for unknown call", "call_id", resp.CallID)
	}
}
