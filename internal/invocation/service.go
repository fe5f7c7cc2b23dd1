package invocation

import (
	"github.com/oriys/lattice/internal/cluster"
	"github.com/oriys/lattice/internal/operation"
)

// OperationService is the slice of the node runtime the invocation core
// drives: local execution, remote sends, call bookkeeping, and the
// responder side of liveness probes.
type OperationService interface {
	// RunOperationLocal schedules the operation on the local runner. The
	// operation's response handler has already been attached.
	RunOperationLocal(op operation.Operation)

	// Send transmits the operation to the target as a fire-and-forget
	// packet. False means the packet could not be handed to the transport.
	Send(op operation.Operation, target cluster.Address) bool

	// RegisterCall allocates a call id for the future; DeregisterCall
	// reclaims it on local termination.
	RegisterCall(f Future) int64
	DeregisterCall(callID int64)

	// DefaultCallTimeoutMillis is the per-attempt budget applied when the
	// caller did not supply one.
	DefaultCallTimeoutMillis() int64

	// IsOperationExecuting answers liveness probes: is the call with the
	// given id, issued by the given caller, still running here?
	IsOperationExecuting(caller cluster.Address, callID int64) bool
}

// NodeEngine is the node context the invocation core consults for
// identity, time, liveness, membership, and partition ownership.
type NodeEngine interface {
	ThisAddress() cluster.Address
	ClusterTime() int64
	Active() bool
	GetMember(addr cluster.Address) *cluster.Member
	PartitionOwner(partitionID, replicaIndex int) (cluster.Address, bool)
	OperationService() OperationService
}
