// Package packetengine provides reliable, in-order, connection-oriented
// byte streams multiplexed over a datagram packet stream. Streams are
// identified by a channel id negotiated in a SYN/SYN-ACK handshake;
// sequenced segments with cumulative acknowledgements and a retransmission
// timer recover datagram loss.
package packetengine

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/randutil"
)

// PacketStream is the datagram layer under the engine: bounded-MTU push and
// pull with per-packet destinations.
type PacketStream interface {
	Push(buf []byte, dest *net.UDPAddr) error
	Pull(buf []byte) (int, *net.UDPAddr, error)
	MTU() int
	LocalAddr() *net.UDPAddr
	RemoteAddr() *net.UDPAddr
}

// frame layout: magic(2) flags(1) channel(4) seq(4) ack(4)
const (
	headerLen  = 15
	frameMagic = 0x4a50
	flagSyn    = 0x01
	flagSynAck = 0x02
	flagAck    = 0x04
	flagData   = 0x08
	flagFin    = 0x10
)

const (
	retransmitInterval = 200 * time.Millisecond
	maxRetransmits     = 15
	sendWindow         = 64

	// connectTimeout bounds the SYN handshake.
	connectTimeout = 10 * time.Second
)

type frame struct {
	flags byte
	ch    uint32
	seq   uint32
	ack   uint32
	data  []byte
}

func (f *frame) marshal() []byte {
	out := make([]byte, headerLen+len(f.data))
	binary.BigEndian.PutUint16(out, frameMagic)
	out[2] = f.flags
	binary.BigEndian.PutUint32(out[3:], f.ch)
	binary.BigEndian.PutUint32(out[7:], f.seq)
	binary.BigEndian.PutUint32(out[11:], f.ack)
	copy(out[headerLen:], f.data)

	return out
}

func parseFrame(pkt []byte) (*frame, bool) {
	if len(pkt) < headerLen || binary.BigEndian.Uint16(pkt) != frameMagic {
		return nil, false
	}

	return &frame{
		flags: pkt[2],
		ch:    binary.BigEndian.Uint32(pkt[3:]),
		seq:   binary.BigEndian.Uint32(pkt[7:]),
		ack:   binary.BigEndian.Uint32(pkt[11:]),
		data:  append([]byte(nil), pkt[headerLen:]...),
	}, true
}

// DisconnectHandler observes stream teardown. sudden is false when the
// remote sent an orderly FIN or the local side closed the stream.
type DisconnectHandler func(stream *Stream, sudden bool)

type streamKey struct {
	ps PacketStream
	ch uint32
}

// Engine multiplexes reliable streams over one or more packet streams.
type Engine struct {
	name string
	log  logging.LeveledLogger
	rand randutil.MathRandomGenerator

	mu           sync.Mutex
	streams      map[streamKey]*Stream
	pullers      map[PacketStream]*puller
	acceptChans  map[PacketStream]chan *Stream
	onDisconnect DisconnectHandler
	closed       bool
}

type puller struct {
	done chan struct{}
}

// New creates a packet engine.
func New(name string, loggerFactory logging.LoggerFactory) *Engine {
	return &Engine{
		name:        name,
		log:         loggerFactory.NewLogger("pktengine"),
		rand:        randutil.NewMathRandomGenerator(),
		streams:     make(map[streamKey]*Stream),
		pullers:     make(map[PacketStream]*puller),
		acceptChans: make(map[PacketStream]chan *Stream),
	}
}

// SetDisconnectHandler installs the stream teardown observer.
func (e *Engine) SetDisconnectHandler(handler DisconnectHandler) {
	e.mu.Lock()
	e.onDisconnect = handler
	e.mu.Unlock()
}

// AddPacketStream registers ps and starts pulling datagrams from it.
func (e *Engine) AddPacketStream(ps PacketStream) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pullers[ps]; ok || e.closed {
		return
	}
	p := &puller{done: make(chan struct{})}
	e.pullers[ps] = p
	e.acceptChans[ps] = make(chan *Stream, 4)

	go e.pullLoop(ps, p)
}

// RemovePacketStream detaches ps, tearing down every stream riding it. The
// teardown is reported as sudden: the datagram path disappeared under the
// streams.
func (e *Engine) RemovePacketStream(ps PacketStream) {
	e.mu.Lock()
	p, ok := e.pullers[ps]
	if !ok {
		e.mu.Unlock()

		return
	}
	delete(e.pullers, ps)
	delete(e.acceptChans, ps)
	var doomed []*Stream
	for key, stream := range e.streams {
		if key.ps == ps {
			doomed = append(doomed, stream)
			delete(e.streams, key)
		}
	}
	e.mu.Unlock()

	close(p.done)
	for _, stream := range doomed {
		stream.teardown(true)
	}
}

// Connect opens a stream to dest over ps. The opening handshake is bounded
// by the context or the engine's default connect timeout.
func (e *Engine) Connect(ctx context.Context, ps PacketStream, dest *net.UDPAddr) (*Stream, error) {
	if dest == nil {
		dest = ps.RemoteAddr()
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()

		return nil, ErrEngineClosed
	}
	if _, ok := e.pullers[ps]; !ok {
		e.mu.Unlock()

		return nil, ErrUnknownPacketStream
	}

	var ch uint32
	for {
		ch = e.rand.Uint32()
		if _, ok := e.streams[streamKey{ps, ch}]; !ok && ch != 0 {
			break
		}
	}
	stream := newStream(e, ps, ch, dest, false)
	e.streams[streamKey{ps, ch}] = stream
	e.mu.Unlock()

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
	}

	if err := stream.connect(ctx); err != nil {
		stream.teardown(false)

		return nil, err
	}

	return stream, nil
}

// Accept waits for an inbound stream on ps, bounded by ctx.
func (e *Engine) Accept(ctx context.Context, ps PacketStream) (*Stream, error) {
	e.mu.Lock()
	acceptCh, ok := e.acceptChans[ps]
	e.mu.Unlock()
	if !ok {
		return nil, ErrUnknownPacketStream
	}

	select {
	case stream := <-acceptCh:
		return stream, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down every stream and stops every puller.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()

		return
	}
	e.closed = true
	streams := make([]*Stream, 0, len(e.streams))
	for _, s := range e.streams {
		streams = append(streams, s)
	}
	e.streams = map[streamKey]*Stream{}
	pullers := e.pullers
	e.pullers = map[PacketStream]*puller{}
	e.acceptChans = map[PacketStream]chan *Stream{}
	e.mu.Unlock()

	for _, p := range pullers {
		close(p.done)
	}
	for _, s := range streams {
		s.teardown(true)
	}
}

func (e *Engine) dropStream(stream *Stream) {
	e.mu.Lock()
	delete(e.streams, streamKey{stream.ps, stream.ch})
	e.mu.Unlock()
}

func (e *Engine) notifyDisconnect(stream *Stream, sudden bool) {
	e.mu.Lock()
	handler := e.onDisconnect
	e.mu.Unlock()
	if handler != nil {
		handler(stream, sudden)
	}
}

// pullLoop drains datagrams from ps and demultiplexes frames to streams.
func (e *Engine) pullLoop(ps PacketStream, p *puller) {
	buf := make([]byte, ps.MTU())
	for {
		select {
		case <-p.done:
			return
		default:
		}

		n, from, err := ps.Pull(buf)
		if err != nil {
			select {
			case <-p.done:
			default:
				e.log.Debugf("%s: pull failed, detaching stream: %v", e.name, err)
				go e.RemovePacketStream(ps)
			}

			return
		}

		f, ok := parseFrame(buf[:n])
		if !ok {
			// Not engine traffic; NAT keepalives from the peer land
			// here on direct paths.
			continue
		}
		e.dispatch(ps, f, from)
	}
}

func (e *Engine) dispatch(ps PacketStream, f *frame, from *net.UDPAddr) {
	key := streamKey{ps, f.ch}

	e.mu.Lock()
	stream := e.streams[key]

	if stream == nil {
		if f.flags&flagSyn == 0 {
			e.mu.Unlock()

			return
		}
		// Inbound connect: create the stream and offer it for accept.
		stream = newStream(e, ps, f.ch, from, true)
		e.streams[key] = stream
		acceptCh := e.acceptChans[ps]
		e.mu.Unlock()

		stream.handleFrame(f)

		if acceptCh != nil {
			select {
			case acceptCh <- stream:
			default:
				e.log.Warnf("%s: accept queue full, refusing channel %d", e.name, f.ch)
				stream.teardown(true)
				e.dropStream(stream)
			}
		}

		return
	}
	e.mu.Unlock()

	stream.handleFrame(f)
}
