// Package transport carries operation packets and response frames between
// grid members over NATS subjects. Each member owns two subjects derived
// from its address: one for inbound operations, one for inbound responses.
// Delivery is fire-and-forget; correlating a response with its caller is
// the Call Registry's job, not the transport's.
package transport

import (
	"fmt"
	"strings"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/oriys/lattice/internal/cluster"
	"github.com/oriys/lattice/internal/logging"
)

// Config holds transport connection settings.
type Config struct {
	URL  string
	Name string
}

// Transport is one member's connection to the grid messaging fabric.
type Transport struct {
	nc   *nats.Conn
	addr cluster.Address
	subs []*nats.Subscription
}

// Connect establishes the NATS connection for the member at addr.
func Connect(cfg Config, addr cluster.Address) (*Transport, error) {
	name := cfg.Name
	if name == "" {
		name = "lattice-" + addr.String()
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(60),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logging.Op().Warn("transport disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Op().Info("transport reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logging.Op().Info("transport connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect transport to %s: %w", cfg.URL, err)
	}

	logging.Op().Info("transport connected", "url", nc.ConnectedUrl(), "member", addr.String())
	return &Transport{nc: nc, addr: addr}, nil
}

// SendOperation publishes a serialized operation to the target member.
// False means the packet could not be handed to the connection; the
// invocation core treats that as a retryable failure.
func (t *Transport) SendOperation(data []byte, target cluster.Address) bool {
	if err := t.nc.Publish(OperationSubject(target), data); err != nil {
		logging.Op().Warn("operation publish failed", "target", target.String(), "error", err)
		return false
	}
	return true
}

// SendResponse publishes a serialized response frame to the caller.
func (t *Transport) SendResponse(data []byte, target cluster.Address) bool {
	if err := t.nc.Publish(ResponseSubject(target), data); err != nil {
		logging.Op().Warn("response publish failed", "target", target.String(), "error", err)
		return false
	}
	return true
}

// SubscribeOperations delivers every inbound operation packet to handler.
// The handler runs on the transport's receive goroutine and must not
// block on user code.
func (t *Transport) SubscribeOperations(handler func(data []byte)) error {
	sub, err := t.nc.Subscribe(OperationSubject(t.addr), func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe operations: %w", err)
	}
	t.subs = append(t.subs, sub)
	return nil
}

// SubscribeResponses delivers every inbound response frame to handler.
func (t *Transport) SubscribeResponses(handler func(data []byte)) error {
	sub, err := t.nc.Subscribe(ResponseSubject(t.addr), func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe responses: %w", err)
	}
	t.subs = append(t.subs, sub)
	return nil
}

// Flush waits until all published messages have been processed by the
// server. Tests use it to avoid sleeping.
func (t *Transport) Flush() error {
	return t.nc.Flush()
}

// Close drains subscriptions and closes the connection.
func (t *Transport) Close() {
	for _, sub := range t.subs {
		sub.Unsubscribe()
	}
	t.nc.Close()
}

// OperationSubject is the inbound-operation subject for a member.
func OperationSubject(addr cluster.Address) string {
	return "lattice.node." + subjectToken(addr) + ".op"
}

// ResponseSubject is the inbound-response subject for a member.
func ResponseSubject(addr cluster.Address) string {
	return "lattice.node." + subjectToken(addr) + ".resp"
}

// subjectToken flattens an address into a single NATS subject token.
func subjectToken(addr cluster.Address) string {
	s := addr.String()
	s = strings.ReplaceAll(s, ".", "_")
	return strings.ReplaceAll(s, ":", "_")
}
