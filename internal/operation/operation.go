// Package operation defines the command objects routed by the invocation
// core. An operation carries its own routing metadata (service, partition,
// replica, caller, call id, timeouts) so that the receiving member can run
// it and answer without any per-call server state beyond the executing-call
// tracking.
package operation

import (
	"context"

	"github.com/oriys/lattice/internal/cluster"
)

// Env exposes node facilities to a running operation. The concrete node
// engine implements it; tests substitute fakes.
type Env interface {
	ThisAddress() cluster.Address
	ClusterTime() int64
	IsOperationExecuting(caller cluster.Address, callID int64) bool
}

// ResponseHandler receives the outcome of an operation. The value may be
// any result or an error.
type ResponseHandler interface {
	SendResponse(v any)
}

// ResponseHandlerFunc adapts a function to a ResponseHandler.
type ResponseHandlerFunc func(v any)

func (f ResponseHandlerFunc) SendResponse(v any) { f(v) }

// Operation is the unit of work dispatched by the invocation core.
//
// Operations returning true from ReturnsResponse have their Run result
// forwarded to the response handler by the runner. Operations returning
// false answer through their handler directly (or not at all).
type Operation interface {
	// Name is the wire identifier used by the codec to reconstruct the
	// operation on the receiving member.
	Name() string

	Run(ctx context.Context, env Env) (any, error)
	ReturnsResponse() bool

	ServiceName() string
	SetServiceName(name string)
	PartitionID() int
	SetPartitionID(id int)
	ReplicaIndex() int
	SetReplicaIndex(index int)
	CallID() int64
	SetCallID(id int64)
	Caller() cluster.Address
	SetCaller(addr cluster.Address)
	InvocationTime() int64
	SetInvocationTime(t int64)
	CallTimeout() int64
	SetCallTimeout(timeout int64)

	ResponseHandler() ResponseHandler
	SetResponseHandler(h ResponseHandler)
}

// WaitSupport marks operations that can park waiting for a condition
// (e.g. lock acquisition) with a bounded wait. The invocation core widens
// the derived call timeout for them.
type WaitSupport interface {
	WaitTimeoutMillis() int64
}

// JoinOperation marks cluster-join operations, which are dispatched before
// the target appears in the membership view and therefore bypass the
// member check.
type JoinOperation interface {
	IsJoinOperation()
}

// Base carries the routing metadata common to every operation. Concrete
// operations embed it and implement Name and Run; Base's ReturnsResponse
// answers true and may be overridden.
type Base struct {
	service        string
	partitionID    int
	replicaIndex   int
	callID         int64
	caller         cluster.Address
	invocationTime int64
	callTimeout    int64
	handler        ResponseHandler
}

func (b *Base) ReturnsResponse() bool { return true }

func (b *Base) ServiceName() string              { return b.service }
func (b *Base) SetServiceName(name string)       { b.service = name }
func (b *Base) PartitionID() int                 { return b.partitionID }
func (b *Base) SetPartitionID(id int)            { b.partitionID = id }
func (b *Base) ReplicaIndex() int                { return b.replicaIndex }
func (b *Base) SetReplicaIndex(index int)        { b.replicaIndex = index }
func (b *Base) CallID() int64                    { return b.callID }
func (b *Base) SetCallID(id int64)               { b.callID = id }
func (b *Base) Caller() cluster.Address          { return b.caller }
func (b *Base) SetCaller(addr cluster.Address)   { b.caller = addr }
func (b *Base) InvocationTime() int64            { return b.invocationTime }
func (b *Base) SetInvocationTime(t int64)        { b.invocationTime = t }
func (b *Base) CallTimeout() int64               { return b.callTimeout }
func (b *Base) SetCallTimeout(timeout int64)     { b.callTimeout = timeout }
func (b *Base) ResponseHandler() ResponseHandler { return b.handler }
func (b *Base) SetResponseHandler(h ResponseHandler) {
	b.handler = h
}
