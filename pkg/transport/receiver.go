package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/gamewire/gamewire/pkg/endpoint"
	"github.com/gamewire/gamewire/pkg/wire"
)

// Delivery is one packet handed to the application.
type Delivery struct {
	Seq      uint16
	Reliable bool

	// Retrans is how many times the sender retransmitted this packet
	// before the copy that got through.
	Retrans uint8

	Payload []byte

	// ArrivalMS is the receiver's monotonic clock at arrival; LatencyMS is
	// the wrap-tolerant transit-time estimate (see wire.Latency).
	ArrivalMS uint32
	LatencyMS uint32
}

// DeliverFunc receives packets from the transport: in sequence order for the
// reliable channel, in arrival order for the unreliable one. It is never
// invoked concurrently with itself and must not call back into the Receiver.
type DeliverFunc func(ctx context.Context, d Delivery)

// recvSlot buffers one out-of-order reliable packet until the sequences
// before it arrive or are skipped.
type recvSlot struct {
	seq       uint16
	retrans   uint8
	payload   []byte
	arrivalMS uint32
	latencyMS uint32
}

// skipTimer wraps a scheduled skip so a late wakeup can recognize it has
// been replaced or cancelled, same as the sender's retransTimer.
type skipTimer struct {
	timer *time.Timer
}

// Receiver is the receiving end of a gamewire connection. It owns the
// reliable reorder buffer, emits selective acks, and bounds head-of-line
// blocking with per-sequence skip timers.
type Receiver struct {
	mu  sync.Mutex
	cfg Config

	ep      endpoint.Endpoint
	deliver DeliverFunc

	// peer is latched from the first datagram unless preconfigured in
	// Listen. Later datagrams from other addresses are dropped.
	peer *net.UDPAddr

	started bool
	closed  bool

	// base is the smallest sequence the reliable channel still expects;
	// sequences in [base, base+windowSize) are buffered, sequences in
	// [base-windowSize, base) are re-acked as duplicates.
	base       uint16
	received   []bool
	buffer     []*recvSlot
	skipTimers map[uint16]*skipTimer

	reliable   ChannelMetrics
	unreliable ChannelMetrics

	openEndpoint func(string) (endpoint.Endpoint, error)
}

// NewReceiver creates an idle receiver. Call Listen to start it.
func NewReceiver(cfg Config) (*Receiver, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Receiver{
		cfg:          cfg,
		received:     make([]bool, cfg.WindowSize),
		buffer:       make([]*recvSlot, cfg.WindowSize),
		skipTimers:   make(map[uint16]*skipTimer),
		openEndpoint: endpoint.Open,
	}, nil
}

// Listen binds local and starts delivering packets to deliver. When peer is
// non-empty only that address is accepted; otherwise the first datagram
// latches the peer.
func (r *Receiver) Listen(ctx context.Context, local, peer string, deliver DeliverFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrAlreadyStarted
	}
	if peer != "" {
		pa, err := net.ResolveUDPAddr("udp", peer)
		if err != nil {
			return err
		}
		r.peer = pa
	}
	ep, err := r.openEndpoint(local)
	if err != nil {
		return err
	}
	r.ep = ep
	r.deliver = deliver
	r.started = true
	ep.Start(ctx, func(data []byte, from *net.UDPAddr) {
		r.onDatagram(ctx, data, from)
	})
	dlog.Debugf(ctx, "<- RCV listening on %s", ep.LocalAddr())
	return nil
}

func (r *Receiver) onDatagram(ctx context.Context, data []byte, from *net.UDPAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if r.peer == nil {
		r.peer = from
		dlog.Debugf(ctx, "<- RCV peer latched to %s", from)
	} else if !sameAddr(from, r.peer) {
		dlog.Warnf(ctx, "!! RCV datagram from unexpected peer %s, want %s", from, r.peer)
		return
	}
	pkt, err := wire.Unpack(data)
	if err != nil {
		dlog.Warnf(ctx, "!! RCV %v from %s", err, from)
		return
	}
	switch pkt.Channel {
	case wire.Unreliable:
		r.handleUnreliableLocked(ctx, pkt)
	case wire.Reliable:
		r.handleReliableLocked(ctx, pkt)
	case wire.Ack:
		// Receivers do not process acks.
		dlog.Debugf(ctx, "   RCV stray ack, seq %d", pkt.Seq)
	}
}

// handleUnreliableLocked delivers at arrival: no reordering, no dedup.
func (r *Receiver) handleUnreliableLocked(ctx context.Context, pkt wire.Packet) {
	arrival := wire.NowMS()
	latency := wire.Latency(pkt.Timestamp, arrival)
	r.deliver(ctx, Delivery{
		Seq:       pkt.Seq,
		Reliable:  false,
		Retrans:   pkt.Retrans,
		Payload:   pkt.Payload,
		ArrivalMS: arrival,
		LatencyMS: latency,
	})
	r.unreliable.observeArrival(latency, len(pkt.Payload))
}

func (r *Receiver) slot(seq uint16) int {
	return int(seq) % r.cfg.WindowSize
}

func (r *Receiver) handleReliableLocked(ctx context.Context, pkt wire.Packet) {
	seq := pkt.Seq
	w := uint16(r.cfg.WindowSize)
	fwd := seq - r.base

	switch {
	case int(fwd) < r.cfg.WindowSize:
		// In the current window; fall through to buffering.
	case fwd >= uint16(wire.MaxSeq-r.cfg.WindowSize):
		// Behind the window: a duplicate of something already delivered
		// or skipped. Re-ack so a sender whose ack got lost can advance.
		dlog.Tracef(ctx, "   RCV re-ack %d behind base %d", seq, r.base)
		r.ep.SendTo(ctx, wire.PackAck(seq), r.peer)
		return
	default:
		dlog.Debugf(ctx, "   RCV seq %d outside [%d-%d, %d+%d), dropped", seq, r.base, w, r.base, w)
		return
	}

	r.ep.SendTo(ctx, wire.PackAck(seq), r.peer)

	idx := r.slot(seq)
	if r.received[idx] {
		// Duplicate inside the current window; already acked above.
		dlog.Tracef(ctx, "   RCV duplicate %d", seq)
		return
	}
	arrival := wire.NowMS()
	latency := wire.Latency(pkt.Timestamp, arrival)
	r.buffer[idx] = &recvSlot{
		seq:       seq,
		retrans:   pkt.Retrans,
		payload:   pkt.Payload,
		arrivalMS: arrival,
		latencyMS: latency,
	}
	r.received[idx] = true
	if seq != r.base {
		r.scheduleSkipLocked(ctx, seq)
	}
	r.tryDeliverLocked(ctx)
	r.reliable.observeArrival(latency, len(pkt.Payload))
}

// tryDeliverLocked drains the in-order prefix of the reorder buffer. Slots
// force-marked by a skip carry no packet; they count as skipped instead of
// being delivered.
func (r *Receiver) tryDeliverLocked(ctx context.Context) {
	for r.received[r.slot(r.base)] {
		idx := r.slot(r.base)
		if slot := r.buffer[idx]; slot != nil {
			r.deliver(ctx, Delivery{
				Seq:       slot.seq,
				Reliable:  true,
				Retrans:   slot.retrans,
				Payload:   slot.payload,
				ArrivalMS: slot.arrivalMS,
				LatencyMS: slot.latencyMS,
			})
		} else {
			r.reliable.SkippedPackets++
		}
		if st, ok := r.skipTimers[r.base]; ok {
			st.timer.Stop()
			delete(r.skipTimers, r.base)
		}
		r.buffer[idx] = nil
		r.received[idx] = false
		r.base++
	}
}

func (r *Receiver) scheduleSkipLocked(ctx context.Context, seq uint16) {
	if old, ok := r.skipTimers[seq]; ok {
		old.timer.Stop()
	}
	st := &skipTimer{}
	st.timer = time.AfterFunc(r.cfg.SkipTimeout, func() {
		r.skip(ctx, seq, st)
	})
	r.skipTimers[seq] = st
}

// skip gives up on every hole between the base and seq: each missing slot is
// acked anyway (releasing the sender's window) and force-marked received so
// delivery can move past it.
func (r *Receiver) skip(ctx context.Context, seq uint16, st *skipTimer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.skipTimers[seq] != st {
		// Replaced, cancelled, or the base already moved past seq.
		return
	}
	delete(r.skipTimers, seq)
	if r.closed {
		return
	}
	skipped := 0
	for cur := r.base; cur != seq; cur++ {
		idx := r.slot(cur)
		if !r.received[idx] {
			r.ep.SendTo(ctx, wire.PackAck(cur), r.peer)
			r.received[idx] = true
			r.buffer[idx] = nil
			skipped++
		}
	}
	dlog.Debugf(ctx, "   RCV skip fired for %d, gave up on %d slots", seq, skipped)
	r.tryDeliverLocked(ctx)
}

// Stop cancels all skip timers, releases the endpoint, and returns the final
// metrics.
func (r *Receiver) Stop(ctx context.Context) (reliable, unreliable ChannelMetrics, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return ChannelMetrics{}, ChannelMetrics{}, ErrNotStarted
	}
	if r.closed {
		return r.reliable, r.unreliable, nil
	}
	r.closed = true
	for seq, st := range r.skipTimers {
		st.timer.Stop()
		delete(r.skipTimers, seq)
	}
	err = r.ep.Close()
	dlog.Debugf(ctx, "<- RCV %s stopped", r.ep.LocalAddr())
	return r.reliable, r.unreliable, err
}

// LocalAddr returns the bound address, or nil before Listen.
func (r *Receiver) LocalAddr() *net.UDPAddr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ep == nil {
		return nil
	}
	return r.ep.LocalAddr()
}

// Metrics snapshots the per-channel counters. Implements MetricsSource.
func (r *Receiver) Metrics() (ChannelMetrics, ChannelMetrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reliable, r.unreliable
}
