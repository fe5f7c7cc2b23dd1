package invocation

import (
	"bytes"
	"context"
	"encoding/binary"
	"time"

	"github.com/oriys/lattice/internal/cluster"
	"github.com/oriys/lattice/internal/logging"
	"github.com/oriys/lattice/internal/operation"
)

// IsStillExecutingName is the wire name of the liveness probe operation.
const IsStillExecutingName = "lattice.isstillexecuting"

// isOperationExecuting asks the target whether this invocation's call is
// still being processed there. Any probe failure counts as "not
// executing": the caller then abandons the call rather than wait on a
// member that may never answer.
func (inv *Invocation) isOperationExecuting(target cluster.Address) bool {
	executing := false

	probe := NewTargetInvocation(inv.engine, inv.serviceName,
		NewIsStillExecutingOperation(inv.op.CallID()), target,
		0, 0, probeTimeoutMillis*time.Millisecond)
	probe.Invoke()
	logging.Op().Warn("asking if operation execution has been started", "invocation", inv.String())

	result, err := probe.GetWithTimeout(probeTimeoutMillis * time.Millisecond)
	if err != nil {
		logging.Op().Warn("while asking 'is-executing'", "invocation", inv.String(), "error", err)
	} else {
		executing, _ = result.(bool)
	}
	logging.Op().Warn("'is-executing' answered", "executing", executing, "invocation", inv.String())
	return executing
}

// IsStillExecutingOperation is the responder side of a liveness probe. It
// answers through its response handler directly, so it does not return a
// response from Run.
type IsStillExecutingOperation struct {
	operation.Base
	operationCallID int64
}

// NewIsStillExecutingOperation creates a probe for the given call id.
func NewIsStillExecutingOperation(operationCallID int64) *IsStillExecutingOperation {
	return &IsStillExecutingOperation{operationCallID: operationCallID}
}

func (o *IsStillExecutingOperation) Name() string { return IsStillExecutingName }

// OperationCallID is the call id being probed, not this operation's own.
func (o *IsStillExecutingOperation) OperationCallID() int64 { return o.operationCallID }

func (o *IsStillExecutingOperation) ReturnsResponse() bool { return false }

func (o *IsStillExecutingOperation) Run(ctx context.Context, env operation.Env) (any, error) {
	executing := env.IsOperationExecuting(o.Caller(), o.operationCallID)
	o.ResponseHandler().SendResponse(executing)
	return nil, nil
}

func (o *IsStillExecutingOperation) WritePayload(w *bytes.Buffer) error {
	return binary.Write(w, binary.BigEndian, o.operationCallID)
}

func (o *IsStillExecutingOperation) ReadPayload(r *bytes.Reader) error {
	return binary.Read(r, binary.BigEndian, &o.operationCallID)
}

func init() {
	operation.RegisterFactory(IsStillExecutingName, func() operation.Operation {
		return &IsStillExecutingOperation{}
	})
}
