package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gamewire/gamewire/pkg/endpoint"
	"github.com/gamewire/gamewire/pkg/wire"
)

// fakeEndpoint records every outgoing datagram and lets the test inject
// incoming ones, so loss, duplication and reordering are all under the
// test's control.
type fakeEndpoint struct {
	mu      sync.Mutex
	local   *net.UDPAddr
	handler endpoint.Handler
	sent    []fakeDatagram
	closed  bool
}

type fakeDatagram struct {
	data []byte
	to   *net.UDPAddr
}

func newFakeEndpoint(port int) *fakeEndpoint {
	return &fakeEndpoint{local: addr(port)}
}

func addr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

// opener returns an openEndpoint hook that hands out this fake.
func (f *fakeEndpoint) opener() func(string) (endpoint.Endpoint, error) {
	return func(string) (endpoint.Endpoint, error) { return f, nil }
}

func (f *fakeEndpoint) Start(_ context.Context, h endpoint.Handler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeEndpoint) SendTo(_ context.Context, data []byte, to *net.UDPAddr) {
	f.mu.Lock()
	f.sent = append(f.sent, fakeDatagram{data: append([]byte(nil), data...), to: to})
	f.mu.Unlock()
}

func (f *fakeEndpoint) LocalAddr() *net.UDPAddr { return f.local }

func (f *fakeEndpoint) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// inject delivers a datagram to the endpoint's handler, as if it had arrived
// on the wire.
func (f *fakeEndpoint) inject(data []byte, from *net.UDPAddr) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(data, from)
}

func (f *fakeEndpoint) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeEndpoint) sentAt(i int) fakeDatagram {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[i]
}

// waitSent polls until at least n datagrams have been sent.
func (f *fakeEndpoint) waitSent(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if f.sentCount() >= n {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return f.sentCount() >= n
}

// ackSeqs returns the sequences of all acks sent so far, in order.
func (f *fakeEndpoint) ackSeqs() []uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var seqs []uint16
	for _, d := range f.sent {
		if pkt, err := wire.Unpack(d.data); err == nil && pkt.Channel == wire.Ack {
			seqs = append(seqs, pkt.Seq)
		}
	}
	return seqs
}

// recorder collects deliveries for assertions.
type recorder struct {
	mu   sync.Mutex
	list []Delivery
}

func (rec *recorder) deliver(_ context.Context, d Delivery) {
	rec.mu.Lock()
	rec.list = append(rec.list, d)
	rec.mu.Unlock()
}

func (rec *recorder) count() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return len(rec.list)
}

func (rec *recorder) at(i int) Delivery {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.list[i]
}

func (rec *recorder) seqs() []uint16 {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	seqs := make([]uint16, len(rec.list))
	for i, d := range rec.list {
		seqs[i] = d.Seq
	}
	return seqs
}

func (rec *recorder) waitFor(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if rec.count() >= n {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return rec.count() >= n
}
