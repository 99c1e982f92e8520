package gossip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/andydunstall/swarm/pkg/log"
)

// ReceiveFunc handles a payload received from the given address.
//
// The payload is owned by the callee. ReceiveFunc may block to apply
// backpressure to the transport.
type ReceiveFunc func(b []byte, from string)

// Transport sends and receives opaque payloads between nodes.
type Transport interface {
	// Send sends the payload to the node at the given address. Send may
	// succeed even if the payload is never delivered.
	Send(ctx context.Context, addr string, b []byte) error

	// Receive registers the function called with each received payload.
	// Registering again replaces the existing function, and nil stops
	// delivering payloads.
	Receive(f ReceiveFunc)
}

// PacketTransport is a Transport that sends each payload as a single UDP
// packet.
type PacketTransport struct {
	conn net.PacketConn

	receiveFunc ReceiveFunc
	// mu protects receiveFunc.
	mu sync.RWMutex

	maxPacketSize int

	closed *atomic.Bool

	logger log.Logger
}

func NewPacketTransport(
	conn net.PacketConn,
	maxPacketSize int,
	logger log.Logger,
) *PacketTransport {
	return &PacketTransport{
		conn:          conn,
		maxPacketSize: maxPacketSize,
		closed:        atomic.NewBool(false),
		logger:        logger.WithSubsystem("gossip.transport"),
	}
}

// Serve reads packets until the transport is closed.
func (t *PacketTransport) Serve() error {
	readBuf := make([]byte, t.maxPacketSize)
	for {
		n, addr, err := t.conn.ReadFrom(readBuf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || t.closed.Load() {
				return nil
			}
			t.logger.Warn("failed to read packet", zap.Error(err))
			continue
		}

		t.mu.RLock()
		f := t.receiveFunc
		t.mu.RUnlock()

		if f == nil {
			t.logger.Debug(
				"discarding packet; no receiver",
				zap.String("addr", addr.String()),
			)
			continue
		}

		// Copy since the read buffer is reused.
		b := make([]byte, n)
		copy(b, readBuf[:n])
		f(b, addr.String())
	}
}

func (t *PacketTransport) Send(ctx context.Context, addr string, b []byte) error {
	if t.closed.Load() {
		return net.ErrClosed
	}
	if len(b) > t.maxPacketSize {
		return fmt.Errorf("packet too large: %d > %d", len(b), t.maxPacketSize)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve udp: %s: %w", addr, err)
	}

	// Writing a packet doesn't block waiting for the peer so the context is
	// only checked before writing.
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err = t.conn.WriteTo(b, udpAddr); err != nil {
		return fmt.Errorf("write packet: %s: %w", addr, err)
	}
	return nil
}

func (t *PacketTransport) Receive(f ReceiveFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.receiveFunc = f
}

// Addr returns the local address the transport is bound to.
func (t *PacketTransport) Addr() string {
	return t.conn.LocalAddr().String()
}

func (t *PacketTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.conn.Close()
}

var _ Transport = &PacketTransport{}
