package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"

	"github.com/gamewire/gamewire/pkg/endpoint"
	"github.com/gamewire/gamewire/pkg/wire"
)

// sendSlot holds one in-flight reliable packet. The slot at index
// seq mod windowSize is owned by exactly one sequence at a time; it is
// populated on send and cleared when the ack arrives or the retransmission
// budget runs out.
type sendSlot struct {
	payload []byte
	retrans uint8
}

// retransTimer wraps a scheduled retransmission so that a late wakeup can
// recognize it has been replaced or cancelled: the callback only acts when
// the timer map still points at it.
type retransTimer struct {
	timer *time.Timer
}

// Sender is the sending end of a gamewire connection. It owns the reliable
// send window, the per-sequence retransmission timers and the flow-control
// gate. A mutex serializes the receive pump, timer callbacks and
// application sends.
type Sender struct {
	mu  sync.Mutex
	cfg Config

	ep     endpoint.Endpoint
	remote *net.UDPAddr

	started bool
	closed  bool

	nextReliable   uint16
	nextUnreliable uint16

	// baseSeq is the smallest unacknowledged reliable sequence; the window
	// is [baseSeq, baseSeq+windowSize).
	baseSeq uint16
	window  []*sendSlot
	acked   []bool
	timers  map[uint16]*retransTimer
	gate    *gate

	reliable   ChannelMetrics
	unreliable ChannelMetrics

	openEndpoint func(string) (endpoint.Endpoint, error)
}

// NewSender creates an idle sender. Call Connect before Send.
func NewSender(cfg Config) (*Sender, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Sender{
		cfg:          cfg,
		window:       make([]*sendSlot, cfg.WindowSize),
		acked:        make([]bool, cfg.WindowSize),
		timers:       make(map[uint16]*retransTimer),
		gate:         newGate(cfg.WindowSize),
		openEndpoint: endpoint.Open,
	}, nil
}

// Connect binds the local address (":0" when empty) and latches the remote
// peer. Datagrams arriving from any other address are dropped.
func (s *Sender) Connect(ctx context.Context, remote, local string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	ra, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return errors.Wrapf(err, "resolve %q", remote)
	}
	if local == "" {
		local = ":0"
	}
	ep, err := s.openEndpoint(local)
	if err != nil {
		return err
	}
	s.ep = ep
	s.remote = ra
	s.started = true
	ep.Start(ctx, func(data []byte, from *net.UDPAddr) {
		s.onDatagram(ctx, data, from)
	})
	dlog.Debugf(ctx, "-> SND %s connected to %s", ep.LocalAddr(), ra)
	return nil
}

// Send transmits payload on the reliable or the unreliable channel and
// returns the sequence it was assigned. A reliable send suspends while the
// window is full; an unreliable send never does. The context only bounds
// that suspension, it does not cancel the packet once sent.
func (s *Sender) Send(ctx context.Context, payload []byte, reliable bool) (uint16, error) {
	s.mu.Lock()
	if !s.started || s.closed {
		s.mu.Unlock()
		return 0, ErrNotStarted
	}
	if !reliable {
		defer s.mu.Unlock()
		return s.sendUnreliableLocked(ctx, payload), nil
	}
	s.mu.Unlock()

	if err := s.gate.acquire(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.gate.release()
		return 0, ErrNotStarted
	}
	return s.sendReliableLocked(ctx, payload), nil
}

func (s *Sender) sendUnreliableLocked(ctx context.Context, payload []byte) uint16 {
	seq := s.nextUnreliable
	s.nextUnreliable++
	s.ep.SendTo(ctx, wire.Pack(wire.Unreliable, seq, 0, payload), s.remote)
	s.unreliable.SentPackets++
	return seq
}

func (s *Sender) sendReliableLocked(ctx context.Context, payload []byte) uint16 {
	seq := s.nextReliable
	s.nextReliable++

	idx := s.slot(seq)
	if s.acked[idx] || s.window[idx] != nil {
		// The gate guarantees the previous owner of this slot has left
		// the window; hitting this means the window bookkeeping is broken.
		dlog.Errorf(ctx, "!! SND slot %d for seq %d still occupied", idx, seq)
	}
	s.ep.SendTo(ctx, wire.Pack(wire.Reliable, seq, 0, payload), s.remote)
	s.window[idx] = &sendSlot{payload: payload}
	s.acked[idx] = false
	s.scheduleRetransmitLocked(ctx, seq)
	s.reliable.SentPackets++
	return seq
}

func (s *Sender) slot(seq uint16) int {
	return int(seq) % s.cfg.WindowSize
}

// inWindow reports whether seq lies in [baseSeq, baseSeq+windowSize),
// modulo the 16-bit sequence space.
func (s *Sender) inWindow(seq uint16) bool {
	return int(seq-s.baseSeq) < s.cfg.WindowSize
}

func (s *Sender) onDatagram(ctx context.Context, data []byte, from *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if !sameAddr(from, s.remote) {
		dlog.Warnf(ctx, "!! SND datagram from unexpected peer %s, want %s", from, s.remote)
		return
	}
	pkt, err := wire.Unpack(data)
	if err != nil {
		dlog.Warnf(ctx, "!! SND %v from %s", err, from)
		return
	}
	if pkt.Channel != wire.Ack {
		dlog.Debugf(ctx, "   SND ignoring %s packet, seq %d", pkt.Channel, pkt.Seq)
		return
	}
	if !s.inWindow(pkt.Seq) {
		// Stale ack for a sequence the base already passed.
		dlog.Tracef(ctx, "   SND ack %d outside window at base %d", pkt.Seq, s.baseSeq)
		return
	}
	idx := s.slot(pkt.Seq)
	if s.acked[idx] {
		dlog.Tracef(ctx, "   SND duplicate ack %d", pkt.Seq)
		return
	}
	s.acked[idx] = true
	s.window[idx] = nil
	s.cancelRetransmitLocked(pkt.Seq)
	s.advanceBaseLocked()
}

// advanceBaseLocked slides the window forward over acked slots, returning
// one flow-control permit per slot passed.
func (s *Sender) advanceBaseLocked() {
	for s.acked[s.slot(s.baseSeq)] {
		s.acked[s.slot(s.baseSeq)] = false
		s.baseSeq++
		s.gate.release()
	}
}

func (s *Sender) scheduleRetransmitLocked(ctx context.Context, seq uint16) {
	rt := &retransTimer{}
	rt.timer = time.AfterFunc(s.cfg.RetransmissionTimeout, func() {
		s.retransmit(ctx, seq, rt)
	})
	// Storing the new timer replaces (and thereby cancels) any prior one.
	s.timers[seq] = rt
}

func (s *Sender) cancelRetransmitLocked(seq uint16) {
	if rt, ok := s.timers[seq]; ok {
		rt.timer.Stop()
		delete(s.timers, seq)
	}
}

func (s *Sender) retransmit(ctx context.Context, seq uint16, rt *retransTimer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timers[seq] != rt {
		// Replaced or cancelled after this wakeup was already scheduled.
		return
	}
	delete(s.timers, seq)

	idx := s.slot(seq)
	slot := s.window[idx]
	if s.acked[idx] || slot == nil {
		return
	}
	if int(slot.retrans) >= s.cfg.MaxRetransmissions {
		// Out of budget. Abandon the slot locally; the peer never learns,
		// it just stops seeing retransmissions.
		dlog.Warnf(ctx, "!! SND seq %d abandoned after %d retransmissions", seq, slot.retrans)
		s.acked[idx] = true
		s.window[idx] = nil
		s.advanceBaseLocked()
		return
	}
	slot.retrans++
	s.reliable.Retransmissions++
	dlog.Tracef(ctx, "   SND seq %d retransmit %d", seq, slot.retrans)
	s.ep.SendTo(ctx, wire.Pack(wire.Reliable, seq, slot.retrans, slot.payload), s.remote)
	s.scheduleRetransmitLocked(ctx, seq)
}

// drained reports whether every reliable sequence has been acked or
// abandoned.
func (s *Sender) drained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseSeq == s.nextReliable
}

// Close waits up to cfg.CloseTimeout for the reliable window to drain, then
// cancels all timers, releases the endpoint, and returns the final metrics.
// Packets still in flight after the drain deadline are abandoned silently.
func (s *Sender) Close(ctx context.Context) (reliable, unreliable ChannelMetrics, err error) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ChannelMetrics{}, ChannelMetrics{}, ErrNotStarted
	}
	if s.closed {
		defer s.mu.Unlock()
		return s.reliable, s.unreliable, nil
	}
	s.mu.Unlock()

	deadline := time.After(s.cfg.CloseTimeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
drain:
	for !s.drained() {
		select {
		case <-ctx.Done():
			break drain
		case <-deadline:
			dlog.Warnf(ctx, "!! SND close drain timed out, %d in flight", s.inFlight())
			break drain
		case <-ticker.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for seq, rt := range s.timers {
		rt.timer.Stop()
		delete(s.timers, seq)
	}
	err = s.ep.Close()
	dlog.Debugf(ctx, "-> SND %s closed", s.remote)
	return s.reliable, s.unreliable, err
}

func (s *Sender) inFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.nextReliable - s.baseSeq)
}

// LocalAddr returns the bound address, or nil before Connect.
func (s *Sender) LocalAddr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ep == nil {
		return nil
	}
	return s.ep.LocalAddr()
}

// Metrics snapshots the per-channel counters. Implements MetricsSource.
func (s *Sender) Metrics() (ChannelMetrics, ChannelMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reliable, s.unreliable
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
