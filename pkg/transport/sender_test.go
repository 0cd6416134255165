package transport

import (
	"context"
	"testing"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gamewire/gamewire/pkg/wire"
)

func testContext(t *testing.T) context.Context {
	return dlog.NewTestContext(t, false)
}

// testConfig shrinks the window and stretches the retransmission timeout so
// tests that don't exercise retransmission never see one.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.WindowSize = 8
	cfg.RetransmissionTimeout = 300 * time.Millisecond
	cfg.SkipTimeout = 50 * time.Millisecond
	cfg.CloseTimeout = time.Second
	return cfg
}

func newTestSender(t *testing.T, cfg Config) (*Sender, *fakeEndpoint) {
	s, err := NewSender(cfg)
	require.NoError(t, err)
	fe := newFakeEndpoint(40001)
	s.openEndpoint = fe.opener()
	require.NoError(t, s.Connect(testContext(t), "127.0.0.1:40002", ""))
	return s, fe
}

func TestSenderConnectTwice(t *testing.T) {
	s, _ := newTestSender(t, testConfig())
	err := s.Connect(testContext(t), "127.0.0.1:40002", "")
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestSenderSendBeforeConnect(t *testing.T) {
	s, err := NewSender(testConfig())
	require.NoError(t, err)
	_, err = s.Send(testContext(t), []byte("x"), true)
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestSenderCloseBeforeConnect(t *testing.T) {
	s, err := NewSender(testConfig())
	require.NoError(t, err)
	_, _, err = s.Close(testContext(t))
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestUnreliableSendNeverBuffers(t *testing.T) {
	ctx := testContext(t)
	s, fe := newTestSender(t, testConfig())
	for i := 0; i < 20; i++ {
		seq, err := s.Send(ctx, []byte("u"), false)
		require.NoError(t, err)
		assert.Equal(t, uint16(i), seq)
	}
	assert.Equal(t, 20, fe.sentCount())
	assert.Equal(t, 0, s.inFlight())

	// Nothing to drain; Close must return at once.
	start := time.Now()
	_, unreliable, err := s.Close(ctx)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, uint64(20), unreliable.SentPackets)
}

func TestDuplicateAckIdempotent(t *testing.T) {
	ctx := testContext(t)
	s, fe := newTestSender(t, testConfig())
	remote := addr(40002)

	_, err := s.Send(ctx, []byte("a"), true)
	require.NoError(t, err)
	_, err = s.Send(ctx, []byte("b"), true)
	require.NoError(t, err)
	assert.Equal(t, 2, s.inFlight())

	fe.inject(wire.PackAck(0), remote)
	assert.Equal(t, 1, s.inFlight())
	fe.inject(wire.PackAck(0), remote) // duplicate; no effect
	assert.Equal(t, 1, s.inFlight())
	fe.inject(wire.PackAck(1), remote)
	assert.Equal(t, 0, s.inFlight())

	reliable, _, err := s.Close(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), reliable.SentPackets)
	assert.Equal(t, uint64(0), reliable.Retransmissions)
}

func TestAckOutOfOrder(t *testing.T) {
	ctx := testContext(t)
	s, fe := newTestSender(t, testConfig())
	remote := addr(40002)

	for i := 0; i < 3; i++ {
		_, err := s.Send(ctx, []byte{byte(i)}, true)
		require.NoError(t, err)
	}
	// Acks arrive in any permutation; the base only moves over a
	// contiguous acked prefix.
	fe.inject(wire.PackAck(2), remote)
	assert.Equal(t, 3, s.inFlight())
	fe.inject(wire.PackAck(0), remote)
	assert.Equal(t, 2, s.inFlight())
	fe.inject(wire.PackAck(1), remote)
	assert.Equal(t, 0, s.inFlight())
}

func TestStaleAckIgnored(t *testing.T) {
	ctx := testContext(t)
	s, fe := newTestSender(t, testConfig())
	remote := addr(40002)

	_, err := s.Send(ctx, []byte("a"), true)
	require.NoError(t, err)
	fe.inject(wire.PackAck(100), remote) // far outside the window
	assert.Equal(t, 1, s.inFlight())
	fe.inject(wire.PackAck(0), remote)
	assert.Equal(t, 0, s.inFlight())
}

func TestAckForUnsentSequence(t *testing.T) {
	ctx := testContext(t)
	s, fe := newTestSender(t, testConfig())
	remote := addr(40002)

	_, err := s.Send(ctx, []byte("a"), true)
	require.NoError(t, err)

	// A misbehaving peer acks an in-window sequence that was never sent.
	// The slot is marked acked (the base may even run past the send
	// counter); the sender must stay functional, not deadlock.
	fe.inject(wire.PackAck(1), remote)
	fe.inject(wire.PackAck(0), remote)

	seq, err := s.Send(ctx, []byte("b"), true)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), seq)
	fe.inject(wire.PackAck(1), remote)

	_, _, err = s.Close(ctx)
	require.NoError(t, err)
}

func TestWrongPeerAckDropped(t *testing.T) {
	ctx := testContext(t)
	s, fe := newTestSender(t, testConfig())

	_, err := s.Send(ctx, []byte("a"), true)
	require.NoError(t, err)
	fe.inject(wire.PackAck(0), addr(49999))
	assert.Equal(t, 1, s.inFlight())
	fe.inject(wire.PackAck(0), addr(40002))
	assert.Equal(t, 0, s.inFlight())
}

func TestNonAckDatagramsIgnored(t *testing.T) {
	ctx := testContext(t)
	s, fe := newTestSender(t, testConfig())
	remote := addr(40002)

	_, err := s.Send(ctx, []byte("a"), true)
	require.NoError(t, err)
	fe.inject(wire.Pack(wire.Reliable, 0, 0, []byte("data")), remote)
	fe.inject([]byte{1, 2, 3}, remote) // malformed
	assert.Equal(t, 1, s.inFlight())
}

func TestWindowFlowControl(t *testing.T) {
	ctx := testContext(t)
	cfg := testConfig()
	cfg.WindowSize = 4
	s, fe := newTestSender(t, cfg)
	remote := addr(40002)

	for i := 0; i < 4; i++ {
		_, err := s.Send(ctx, []byte{byte(i)}, true)
		require.NoError(t, err)
	}

	// Window is full: the fifth reliable send suspends until a permit
	// frees up, here until the bounded context expires.
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := s.Send(shortCtx, []byte("blocked"), true)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 4, s.inFlight())

	fe.inject(wire.PackAck(0), remote)
	seq, err := s.Send(ctx, []byte("ok"), true)
	require.NoError(t, err)
	assert.Equal(t, uint16(4), seq)

	for i := 1; i <= 4; i++ {
		fe.inject(wire.PackAck(uint16(i)), remote)
	}
	assert.Equal(t, 0, s.inFlight())
}

func TestRetransmitUntilAcked(t *testing.T) {
	ctx := testContext(t)
	cfg := testConfig()
	cfg.RetransmissionTimeout = 20 * time.Millisecond
	s, fe := newTestSender(t, cfg)
	remote := addr(40002)

	_, err := s.Send(ctx, []byte("a"), true)
	require.NoError(t, err)

	// First copy plus at least two retransmissions.
	require.True(t, fe.waitSent(3, 2*time.Second))
	first, err := wire.Unpack(fe.sentAt(0).data)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), first.Retrans)
	second, err := wire.Unpack(fe.sentAt(1).data)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), second.Retrans)

	fe.inject(wire.PackAck(0), remote)
	assert.Equal(t, 0, s.inFlight())

	reliable, _, err := s.Close(ctx)
	require.NoError(t, err)
	// Originals only; retransmissions are counted separately.
	assert.Equal(t, uint64(1), reliable.SentPackets)
	assert.GreaterOrEqual(t, reliable.Retransmissions, uint64(2))
}

func TestRetransmissionExhaustedAbandonsSlot(t *testing.T) {
	ctx := testContext(t)
	cfg := testConfig()
	cfg.RetransmissionTimeout = 10 * time.Millisecond
	cfg.MaxRetransmissions = 2
	s, _ := newTestSender(t, cfg)

	_, err := s.Send(ctx, []byte("doomed"), true)
	require.NoError(t, err)

	// No ack ever arrives; the slot must exit the window on its own.
	start := time.Now()
	reliable, _, err := s.Close(ctx)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), cfg.CloseTimeout)
	assert.Equal(t, uint64(1), reliable.SentPackets)
	assert.Equal(t, uint64(2), reliable.Retransmissions)
	assert.Equal(t, 0, s.inFlight())
}

func TestCloseDrainTimeout(t *testing.T) {
	ctx := testContext(t)
	cfg := testConfig()
	cfg.RetransmissionTimeout = time.Hour // never retransmit, never abandon
	cfg.CloseTimeout = 100 * time.Millisecond
	s, _ := newTestSender(t, cfg)

	_, err := s.Send(ctx, []byte("stuck"), true)
	require.NoError(t, err)

	start := time.Now()
	_, _, err = s.Close(ctx)
	require.NoError(t, err)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, cfg.CloseTimeout)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestCloseIdempotentMetrics(t *testing.T) {
	ctx := testContext(t)
	s, _ := newTestSender(t, testConfig())
	_, err := s.Send(ctx, []byte("u"), false)
	require.NoError(t, err)

	_, u1, err := s.Close(ctx)
	require.NoError(t, err)
	_, u2, err := s.Close(ctx)
	require.NoError(t, err)
	assert.Equal(t, u1.SentPackets, u2.SentPackets)
}
