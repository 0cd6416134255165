// Package endpoint provides the datagram substrate the transport cores run
// on: a bound UDP socket with a serialized receive pump and a best-effort,
// non-blocking send.
package endpoint

import (
	"context"
	"net"
	"sync"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"
)

// Handler is invoked by the receive pump for each datagram. Calls are
// serialized; the pump never invokes the handler concurrently with itself.
type Handler func(data []byte, from *net.UDPAddr)

// Endpoint is the contract the transport cores consume. The implementation
// delivers each wire arrival at most once, in no particular order, and may
// drop datagrams arbitrarily.
type Endpoint interface {
	// Start runs the receive pump until the context is cancelled or the
	// endpoint is closed.
	Start(ctx context.Context, h Handler)

	// SendTo writes a datagram. Best-effort: errors are logged, never
	// returned. Safe to call from the receive pump's handler.
	SendTo(ctx context.Context, data []byte, to *net.UDPAddr)

	// LocalAddr returns the bound address.
	LocalAddr() *net.UDPAddr

	// Close releases the socket. Idempotent.
	Close() error
}

// maxDatagram is large enough for any single UDP payload this transport
// will ever see; the protocol does not fragment.
const maxDatagram = 64 * 1024

type udpEndpoint struct {
	conn      *net.UDPConn
	closeOnce sync.Once
	closeErr  error
}

// Open binds a UDP socket on laddr ("host:port"; an empty host binds all
// interfaces, port 0 picks an ephemeral port).
func Open(laddr string) (Endpoint, error) {
	ua, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %q", laddr)
	}
	conn, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, errors.Wrapf(err, "bind %s", ua)
	}
	return &udpEndpoint{conn: conn}, nil
}

func (e *udpEndpoint) Start(ctx context.Context, h Handler) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				dlog.Errorf(ctx, "%+v", derror.PanicToError(r))
			}
		}()
		go func() {
			<-ctx.Done()
			_ = e.Close()
		}()
		buf := make([]byte, maxDatagram)
		for {
			n, from, err := e.conn.ReadFromUDP(buf)
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
					dlog.Errorf(ctx, "!! UDP %s read: %v", e.LocalAddr(), err)
				}
				return
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			h(data, from)
		}
	}()
}

func (e *udpEndpoint) SendTo(ctx context.Context, data []byte, to *net.UDPAddr) {
	if _, err := e.conn.WriteToUDP(data, to); err != nil {
		dlog.Warnf(ctx, "!! UDP %s -> %s: %v", e.LocalAddr(), to, err)
	}
}

func (e *udpEndpoint) LocalAddr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

func (e *udpEndpoint) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.conn.Close()
	})
	return e.closeErr
}
