package packetengine

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// udpPacketStream adapts a loopback UDP socket to the PacketStream
// interface for tests.
type udpPacketStream struct {
	conn   *net.UDPConn
	remote *net.UDPAddr

	// drop lets tests simulate loss on push.
	mu       sync.Mutex
	dropNext int
}

func newUDPPair(t *testing.T) (*udpPacketStream, *udpPacketStream) {
	t.Helper()

	connA, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	connB, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = connA.Close()
		_ = connB.Close()
	})

	addrA, _ := connA.LocalAddr().(*net.UDPAddr)
	addrB, _ := connB.LocalAddr().(*net.UDPAddr)

	return &udpPacketStream{conn: connA, remote: addrB},
		&udpPacketStream{conn: connB, remote: addrA}
}

func (u *udpPacketStream) Push(buf []byte, dest *net.UDPAddr) error {
	u.mu.Lock()
	if u.dropNext > 0 {
		u.dropNext--
		u.mu.Unlock()

		return nil
	}
	u.mu.Unlock()

	_, err := u.conn.WriteToUDP(buf, dest)

	return err
}

func (u *udpPacketStream) Pull(buf []byte) (int, *net.UDPAddr, error) {
	return u.conn.ReadFromUDP(buf)
}

func (u *udpPacketStream) MTU() int { return 1200 }

func (u *udpPacketStream) LocalAddr() *net.UDPAddr {
	addr, _ := u.conn.LocalAddr().(*net.UDPAddr)

	return addr
}

func (u *udpPacketStream) RemoteAddr() *net.UDPAddr { return u.remote }

func newEnginePair(t *testing.T) (*Engine, *Engine, *udpPacketStream, *udpPacketStream) {
	t.Helper()

	psA, psB := newUDPPair(t)
	engA := New("A", logging.NewDefaultLoggerFactory())
	engB := New("B", logging.NewDefaultLoggerFactory())
	engA.AddPacketStream(psA)
	engB.AddPacketStream(psB)
	t.Cleanup(func() {
		engA.Close()
		engB.Close()
	})

	return engA, engB, psA, psB
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestEngineConnectAccept(t *testing.T) {
	engA, engB, psA, psB := newEnginePair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var accepted *Stream
	var acceptErr error
	done := make(chan struct{})
	go func() {
		accepted, acceptErr = engB.Accept(ctx, psB)
		close(done)
	}()

	stream, err := engA.Connect(ctx, psA, nil)
	require.NoError(t, err)
	<-done
	require.NoError(t, acceptErr)
	require.NotNil(t, accepted)
	assert.Equal(t, stream.Channel(), accepted.Channel())

	_ = stream.Close()
	_ = accepted.Close()
}

func TestStreamByteOrderAndFraming(t *testing.T) {
	engA, engB, psA, psB := newEnginePair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	acceptedCh := make(chan *Stream, 1)
	go func() {
		s, err := engB.Accept(ctx, psB)
		if err == nil {
			acceptedCh <- s
		}
	}()

	stream, err := engA.Connect(ctx, psA, nil)
	require.NoError(t, err)
	accepted := <-acceptedCh

	// A write larger than the MTU must be segmented and reassembled in
	// order.
	big := bytes.Repeat([]byte("0123456789abcdef"), 1024) // 16 KiB
	go func() {
		_, _ = stream.Write(big)
	}()

	got := make([]byte, len(big))
	require.NoError(t, accepted.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = io.ReadFull(accepted, got)
	require.NoError(t, err)
	assert.Equal(t, big, got)
}

func TestStreamRecoversLoss(t *testing.T) {
	engA, engB, psA, psB := newEnginePair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	acceptedCh := make(chan *Stream, 1)
	go func() {
		s, err := engB.Accept(ctx, psB)
		if err == nil {
			acceptedCh <- s
		}
	}()

	stream, err := engA.Connect(ctx, psA, nil)
	require.NoError(t, err)
	accepted := <-acceptedCh

	// Drop the first data push; the retransmission timer must recover.
	psA.mu.Lock()
	psA.dropNext = 1
	psA.mu.Unlock()

	payload := []byte("must survive loss")
	_, err = stream.Write(payload)
	require.NoError(t, err)

	got := make([]byte, len(payload))
	require.NoError(t, accepted.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = io.ReadFull(accepted, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestStreamOrderlyDisconnect(t *testing.T) {
	engA, engB, psA, psB := newEnginePair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var suddenSeen bool
	var mu sync.Mutex
	notified := make(chan struct{}, 2)
	engB.SetDisconnectHandler(func(_ *Stream, sudden bool) {
		mu.Lock()
		suddenSeen = sudden
		mu.Unlock()
		notified <- struct{}{}
	})

	acceptedCh := make(chan *Stream, 1)
	go func() {
		s, err := engB.Accept(ctx, psB)
		if err == nil {
			acceptedCh <- s
		}
	}()

	stream, err := engA.Connect(ctx, psA, nil)
	require.NoError(t, err)
	accepted := <-acceptedCh

	require.NoError(t, stream.Close())

	select {
	case <-notified:
	case <-time.After(3 * time.Second):
		t.Fatal("no disconnect notification")
	}
	mu.Lock()
	assert.False(t, suddenSeen, "an orderly FIN is not a sudden disconnect")
	mu.Unlock()

	// Reads on the torn-down stream drain to EOF.
	_ = accepted.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err = accepted.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestRemovePacketStreamIsSudden(t *testing.T) {
	engA, engB, psA, psB := newEnginePair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	suddenCh := make(chan bool, 2)
	engB.SetDisconnectHandler(func(_ *Stream, sudden bool) {
		suddenCh <- sudden
	})

	acceptedCh := make(chan *Stream, 1)
	go func() {
		s, err := engB.Accept(ctx, psB)
		if err == nil {
			acceptedCh <- s
		}
	}()

	_, err := engA.Connect(ctx, psA, nil)
	require.NoError(t, err)
	<-acceptedCh

	// The datagram path disappearing under the stream is a sudden loss.
	engB.RemovePacketStream(psB)

	select {
	case sudden := <-suddenCh:
		assert.True(t, sudden)
	case <-time.After(3 * time.Second):
		t.Fatal("no disconnect notification")
	}
}

func TestConnectTimeout(t *testing.T) {
	psA, _ := newUDPPair(t)
	eng := New("A", logging.NewDefaultLoggerFactory())
	defer eng.Close()
	eng.AddPacketStream(psA)

	// Nobody answers on the remote side.
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := eng.Connect(ctx, psA, nil)
	assert.ErrorIs(t, err, ErrConnectTimeout)
}
