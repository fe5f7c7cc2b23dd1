package operation

import (
	"bytes"
	"context"
	"io"
)

// EchoName is the wire name of EchoOperation.
const EchoName = "lattice.echo"

// EchoOperation returns its payload unchanged. It is the smoke-test
// operation used by the CLI and the transport tests.
type EchoOperation struct {
	Base
	Payload []byte
}

// NewEchoOperation creates an echo operation with the given payload.
func NewEchoOperation(payload []byte) *EchoOperation {
	return &EchoOperation{Payload: payload}
}

func (e *EchoOperation) Name() string { return EchoName }

func (e *EchoOperation) Run(ctx context.Context, env Env) (any, error) {
	return string(e.Payload), nil
}

func (e *EchoOperation) WritePayload(w *bytes.Buffer) error {
	_, err := w.Write(e.Payload)
	return err
}

func (e *EchoOperation) ReadPayload(r *bytes.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(data) > 0 {
		e.Payload = data
	}
	return nil
}

func init() {
	RegisterFactory(EchoName, func() Operation { return &EchoOperation{} })
}
