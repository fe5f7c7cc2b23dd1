package operation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/oriys/lattice/internal/cluster"
)

// PayloadWriter is implemented by operations that carry a payload beyond
// the routing header.
type PayloadWriter interface {
	WritePayload(w *bytes.Buffer) error
}

// PayloadReader is the decoding counterpart of PayloadWriter.
type PayloadReader interface {
	ReadPayload(r *bytes.Reader) error
}

// Factory constructs an empty operation for decoding.
type Factory func() Operation

var (
	factoryMu sync.RWMutex
	factories = make(map[string]Factory)
)

// RegisterFactory makes an operation type reconstructible from the wire.
// Registration of a duplicate name panics: it is a wiring bug, not a
// runtime condition.
func RegisterFactory(name string, f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if _, dup := factories[name]; dup {
		panic(fmt.Sprintf("operation factory %q registered twice", name))
	}
	factories[name] = f
}

func factoryFor(name string) (Factory, bool) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// envelope is the wire frame around an operation: a JSON header carrying
// the routing metadata plus the operation-specific payload bytes.
type envelope struct {
	Name           string          `json:"name"`
	Service        string          `json:"service,omitempty"`
	PartitionID    int             `json:"partition_id"`
	ReplicaIndex   int             `json:"replica_index,omitempty"`
	CallID         int64           `json:"call_id,omitempty"`
	Caller         cluster.Address `json:"caller"`
	InvocationTime int64           `json:"invocation_time,omitempty"`
	CallTimeout    int64           `json:"call_timeout,omitempty"`
	Payload        []byte          `json:"payload,omitempty"`
}

// Encode serializes an operation into a wire envelope.
func Encode(op Operation) ([]byte, error) {
	env := envelope{
		Name:           op.Name(),
		Service:        op.ServiceName(),
		PartitionID:    op.PartitionID(),
		ReplicaIndex:   op.ReplicaIndex(),
		CallID:         op.CallID(),
		Caller:         op.Caller(),
		InvocationTime: op.InvocationTime(),
		CallTimeout:    op.CallTimeout(),
	}
	if pw, ok := op.(PayloadWriter); ok {
		var buf bytes.Buffer
		if err := pw.WritePayload(&buf); err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", op.Name(), err)
		}
		env.Payload = buf.Bytes()
	}
	return json.Marshal(env)
}

// Decode reconstructs an operation from its wire envelope. The operation
// type must have been registered via RegisterFactory.
func Decode(data []byte) (Operation, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode operation envelope: %w", err)
	}

	f, ok := factoryFor(env.Name)
	if !ok {
		return nil, fmt.Errorf("unknown operation %q", env.Name)
	}

	op := f()
	op.SetServiceName(env.Service)
	op.SetPartitionID(env.PartitionID)
	op.SetReplicaIndex(env.ReplicaIndex)
	op.SetCallID(env.CallID)
	op.SetCaller(env.Caller)
	op.SetInvocationTime(env.InvocationTime)
	op.SetCallTimeout(env.CallTimeout)

	if pr, ok := op.(PayloadReader); ok {
		if err := pr.ReadPayload(bytes.NewReader(env.Payload)); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Name, err)
		}
	}
	return op, nil
}
