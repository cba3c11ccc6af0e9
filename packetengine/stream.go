package packetengine

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pion/transport/v4/deadline"
	"github.com/pion/transport/v4/packetio"
)

// The maximum amount of inbound data a slow reader may buffer before the
// puller starts dropping segments for this stream.
const maxStreamBuffer = 1000 * 1000 // 1MB

type sendSegment struct {
	seq      uint32
	frame    []byte
	attempts int
	lastSent time.Time
}

// Stream is one reliable, in-order byte stream over a packet stream. It
// implements net.Conn semantics for Read, Write, Close and deadlines.
type Stream struct {
	engine   *Engine
	ps       PacketStream
	ch       uint32
	dest     *net.UDPAddr
	incoming bool

	// inbound raw frames from the puller, decoupled so a slow stream
	// never stalls the shared pull loop
	inbound *packetio.Buffer

	// reassembled payload handed to readers
	readBuf  *packetio.Buffer
	pending  map[uint32][]byte
	recvNext uint32

	// byte-stream view over the packetized readBuf
	readMu      sync.Mutex
	readScratch []byte
	leftover    []byte

	sendMu    sync.Mutex
	sendCond  *sync.Cond
	unacked   []*sendSegment
	sendNext  uint32
	connected chan struct{}
	connOnce  sync.Once

	writeDeadline *deadline.Deadline

	closed    chan struct{}
	closeOnce sync.Once
}

func newStream(e *Engine, ps PacketStream, ch uint32, dest *net.UDPAddr, incoming bool) *Stream {
	s := &Stream{
		engine:        e,
		ps:            ps,
		ch:            ch,
		dest:          dest,
		incoming:      incoming,
		inbound:       packetio.NewBuffer(),
		readBuf:       packetio.NewBuffer(),
		pending:       make(map[uint32][]byte),
		readScratch:   make([]byte, ps.MTU()+headerLen),
		connected:     make(chan struct{}),
		writeDeadline: deadline.New(),
		closed:        make(chan struct{}),
	}
	s.inbound.SetLimitSize(maxStreamBuffer)
	s.readBuf.SetLimitSize(maxStreamBuffer)
	s.sendCond = sync.NewCond(&s.sendMu)

	go s.processLoop()
	go s.retransmitLoop()

	return s
}

// Channel returns the stream's negotiated channel id.
func (s *Stream) Channel() uint32 { return s.ch }

// PacketStream returns the datagram layer the stream rides.
func (s *Stream) PacketStream() PacketStream { return s.ps }

// connect performs the SYN handshake from the initiating side.
func (s *Stream) connect(ctx context.Context) error {
	syn := &frame{flags: flagSyn, ch: s.ch}
	if err := s.ps.Push(syn.marshal(), s.dest); err != nil {
		return err
	}

	tick := time.NewTicker(retransmitInterval)
	defer tick.Stop()
	for {
		select {
		case <-s.connected:
			return nil
		case <-tick.C:
			if err := s.ps.Push(syn.marshal(), s.dest); err != nil {
				return err
			}
		case <-ctx.Done():
			return ErrConnectTimeout
		case <-s.closed:
			return ErrStreamClosed
		}
	}
}

// handleFrame enqueues one frame from the pull loop. Never blocks.
func (s *Stream) handleFrame(f *frame) {
	if _, err := s.inbound.Write(f.marshal()); err != nil {
		s.engine.log.Warnf("stream %d: inbound buffer overrun, dropping frame", s.ch)
	}
}

// processLoop owns the receive state machine.
func (s *Stream) processLoop() {
	buf := make([]byte, s.ps.MTU()+headerLen)
	for {
		n, err := s.inbound.Read(buf)
		if err != nil {
			return
		}
		f, ok := parseFrame(buf[:n])
		if !ok {
			continue
		}
		s.processFrame(f)
	}
}

func (s *Stream) processFrame(f *frame) {
	switch {
	case f.flags&flagSyn != 0 && f.flags&flagSynAck == 0:
		// Passive side: acknowledge the connect; retransmitted SYNs are
		// re-acked idempotently.
		ack := &frame{flags: flagSynAck, ch: s.ch}
		if err := s.ps.Push(ack.marshal(), s.dest); err != nil {
			s.engine.log.Debugf("stream %d: syn-ack push: %v", s.ch, err)
		}
		s.markConnected()

	case f.flags&flagSynAck != 0:
		s.markConnected()

	case f.flags&flagData != 0:
		s.handleData(f)

	case f.flags&flagAck != 0:
		s.handleAck(f.ack)

	case f.flags&flagFin != 0:
		s.handleFin()
	}
}

func (s *Stream) markConnected() {
	s.connOnce.Do(func() { close(s.connected) })
}

// handleData reorders segments and acknowledges cumulatively.
func (s *Stream) handleData(f *frame) {
	if seqBefore(f.seq, s.recvNext) {
		// Duplicate of an already-delivered segment; re-ack.
		s.sendAck()

		return
	}
	if _, dup := s.pending[f.seq]; !dup {
		s.pending[f.seq] = f.data
	}

	for {
		data, ok := s.pending[s.recvNext]
		if !ok {
			break
		}
		delete(s.pending, s.recvNext)
		if _, err := s.readBuf.Write(data); err != nil {
			s.engine.log.Warnf("stream %d: read buffer overrun", s.ch)
		}
		s.recvNext++
	}
	s.sendAck()
}

func (s *Stream) sendAck() {
	ack := &frame{flags: flagAck, ch: s.ch, ack: s.recvNext}
	if err := s.ps.Push(ack.marshal(), s.dest); err != nil {
		s.engine.log.Debugf("stream %d: ack push: %v", s.ch, err)
	}
}

// handleAck retires every unacked segment below the cumulative ack.
func (s *Stream) handleAck(ack uint32) {
	s.sendMu.Lock()
	kept := s.unacked[:0]
	for _, seg := range s.unacked {
		if !seqBefore(seg.seq, ack) {
			kept = append(kept, seg)
		}
	}
	s.unacked = kept
	s.sendMu.Unlock()
	s.sendCond.Broadcast()
}

func (s *Stream) handleFin() {
	s.teardown(false)
}

// Read returns reassembled payload bytes in order, spanning segment
// boundaries like a stream socket.
func (s *Stream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	for len(s.leftover) == 0 {
		n, err := s.readBuf.Read(s.readScratch)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, io.EOF
			}

			return 0, err
		}
		s.leftover = s.readScratch[:n]
	}

	n := copy(p, s.leftover)
	s.leftover = s.leftover[n:]

	return n, nil
}

// Write segments p onto the packet stream, blocking on window space.
func (s *Stream) Write(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, ErrStreamClosed
	case <-s.writeDeadline.Done():
		return 0, context.DeadlineExceeded
	default:
	}

	maxPayload := s.ps.MTU() - headerLen
	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxPayload {
			chunk = p[:maxPayload]
		}
		p = p[len(chunk):]

		if err := s.sendSegmentBlocking(chunk); err != nil {
			return written, err
		}
		written += len(chunk)
	}

	return written, nil
}

func (s *Stream) sendSegmentBlocking(chunk []byte) error {
	s.sendMu.Lock()
	for len(s.unacked) >= sendWindow {
		select {
		case <-s.closed:
			s.sendMu.Unlock()

			return ErrStreamClosed
		default:
		}
		s.sendCond.Wait()
	}

	f := &frame{flags: flagData, ch: s.ch, seq: s.sendNext, data: chunk}
	seg := &sendSegment{seq: s.sendNext, frame: f.marshal(), attempts: 1, lastSent: time.Now()}
	s.sendNext++
	s.unacked = append(s.unacked, seg)
	s.sendMu.Unlock()

	return s.ps.Push(seg.frame, s.dest)
}

// retransmitLoop resends unacked segments on a fixed cadence and declares
// the stream dead when a segment exhausts its budget.
func (s *Stream) retransmitLoop() {
	tick := time.NewTicker(retransmitInterval)
	defer tick.Stop()

	for {
		select {
		case <-s.closed:
			return
		case now := <-tick.C:
			var dead bool
			var resend [][]byte

			s.sendMu.Lock()
			for _, seg := range s.unacked {
				if now.Sub(seg.lastSent) < retransmitInterval {
					continue
				}
				if seg.attempts >= maxRetransmits {
					dead = true

					break
				}
				seg.attempts++
				seg.lastSent = now
				resend = append(resend, seg.frame)
			}
			s.sendMu.Unlock()

			if dead {
				s.engine.log.Warnf("stream %d: retransmit budget exhausted", s.ch)
				s.teardown(true)

				return
			}
			for _, raw := range resend {
				if err := s.ps.Push(raw, s.dest); err != nil {
					s.engine.log.Debugf("stream %d: retransmit push: %v", s.ch, err)
				}
			}
		}
	}
}

// Close requests an orderly disconnect: a FIN is sent and the teardown is
// reported as non-sudden.
func (s *Stream) Close() error {
	fin := &frame{flags: flagFin, ch: s.ch}
	_ = s.ps.Push(fin.marshal(), s.dest)
	s.teardown(false)

	return nil
}

// teardown releases the stream once; sudden teardown surfaces through the
// engine's disconnect handler as a lost connection.
func (s *Stream) teardown(sudden bool) {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.inbound.Close()
		_ = s.readBuf.Close()
		s.sendCond.Broadcast()
		s.engine.dropStream(s)
		s.engine.notifyDisconnect(s, sudden)
	})
}

// LocalAddr implements net.Conn.
func (s *Stream) LocalAddr() net.Addr { return s.ps.LocalAddr() }

// RemoteAddr implements net.Conn.
func (s *Stream) RemoteAddr() net.Addr { return s.dest }

// SetDeadline implements net.Conn.
func (s *Stream) SetDeadline(t time.Time) error {
	if err := s.SetReadDeadline(t); err != nil {
		return err
	}

	return s.SetWriteDeadline(t)
}

// SetReadDeadline implements net.Conn.
func (s *Stream) SetReadDeadline(t time.Time) error {
	return s.readBuf.SetReadDeadline(t)
}

// SetWriteDeadline implements net.Conn.
func (s *Stream) SetWriteDeadline(t time.Time) error {
	s.writeDeadline.Set(t)

	return nil
}

func seqBefore(a, b uint32) bool {
	return int32(a-b) < 0 //nolint:gosec
}
