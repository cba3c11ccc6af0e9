package icebus

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/logging"
)

// endpointState tracks the remote endpoint lifecycle.
type endpointState int32

const (
	endpointInitialized endpointState = iota
	endpointFailed
	endpointStarted
	endpointStopping
	endpointDone
)

// MessageRouter is the part of the Router a remote endpoint needs to hand
// inbound messages upward.
type MessageRouter interface {
	PushMessage(msg *Message, sender Endpoint) error
}

// EndpointExitFunc is invoked once, after the endpoint's reader has exited
// and the endpoint has been stopped; the writer may still be returning.
// sudden is true when the peer vanished without a requested disconnect.
type EndpointExitFunc func(ep *RemoteEndpoint, sudden bool)

// RemoteEndpoint is a bus participant on the far side of a byte stream: a
// locally connected application (remote-client) or a peer daemon
// (bus-to-bus). Messages are framed onto the stream by a writer goroutine;
// a reader goroutine unframes inbound messages and pushes them through the
// router.
type RemoteEndpoint struct {
	uniqueName  string
	connSpec    string
	features    EndpointFeatures
	allowRemote bool
	incoming    bool

	router MessageRouter
	conn   io.ReadWriteCloser

	state   atomic.Int32
	waiters atomic.Int32

	// waitersCond is signalled whenever the waiters count returns to zero.
	waitersMu   sync.Mutex
	waitersCond *sync.Cond

	txQueue  chan *Message
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup

	suddenDisconnect atomic.Bool
	onExit           EndpointExitFunc
	exitOnce         sync.Once

	log logging.LeveledLogger
}

// RemoteEndpointConfig collects the arguments to RemoteEndpoint
// construction.
type RemoteEndpointConfig struct {
	// UniqueName is the endpoint's bus name, minted by the router.
	UniqueName string
	// ConnSpec is the normalized connect spec this endpoint rode in on.
	ConnSpec string
	// BusToBus marks a peer-daemon connection.
	BusToBus bool
	// Incoming marks a passively accepted connection.
	Incoming bool
	// AllowRemote lets off-device traffic reach this endpoint.
	AllowRemote bool
	// Conn is the reliable, in-order byte stream under the endpoint.
	Conn io.ReadWriteCloser
	// Router receives inbound messages.
	Router MessageRouter
	// OnExit is called once when the endpoint's reader has exited.
	OnExit EndpointExitFunc

	LoggerFactory logging.LoggerFactory
}

const txQueueDepth = 64

// NewRemoteEndpoint wires an endpoint over conn. Start must be called to
// begin message flow.
func NewRemoteEndpoint(config RemoteEndpointConfig) *RemoteEndpoint {
	kind := "remoteep"
	if config.BusToBus {
		kind = "b2bep"
	}
	ep := &RemoteEndpoint{
		uniqueName:  config.UniqueName,
		connSpec:    config.ConnSpec,
		allowRemote: config.AllowRemote,
		incoming:    config.Incoming,
		features: EndpointFeatures{
			IsBusToBus:  config.BusToBus,
			AllowRemote: config.AllowRemote,
		},
		router:  config.Router,
		conn:    config.Conn,
		txQueue: make(chan *Message, txQueueDepth),
		done:    make(chan struct{}),
		onExit:  config.OnExit,
		log:     config.LoggerFactory.NewLogger(kind),
	}
	ep.waitersCond = sync.NewCond(&ep.waitersMu)
	ep.suddenDisconnect.Store(true)

	return ep
}

// UniqueName returns the endpoint's unique bus name.
func (ep *RemoteEndpoint) UniqueName() string { return ep.uniqueName }

func (ep *RemoteEndpoint) setUniqueName(name string) { ep.uniqueName = name }

// ConnSpec returns the normalized connect spec for this endpoint.
func (ep *RemoteEndpoint) ConnSpec() string { return ep.connSpec }

// Kind returns EndpointRemoteClient or EndpointBusToBus.
func (ep *RemoteEndpoint) Kind() EndpointKind {
	if ep.features.IsBusToBus {
		return EndpointBusToBus
	}

	return EndpointRemoteClient
}

// AllowRemoteMessages reports whether off-device traffic may be delivered
// here.
func (ep *RemoteEndpoint) AllowRemoteMessages() bool { return ep.allowRemote }

// Features returns the endpoint capabilities.
func (ep *RemoteEndpoint) Features() *EndpointFeatures { return &ep.features }

// Incoming reports whether the endpoint was passively accepted.
func (ep *RemoteEndpoint) Incoming() bool { return ep.incoming }

// IncrementWaiters records a sender holding a reference across a table
// unlock; the endpoint will not be destroyed while any waiter is recorded.
func (ep *RemoteEndpoint) IncrementWaiters() {
	ep.waiters.Add(1)
}

// DecrementWaiters releases a sender reference.
func (ep *RemoteEndpoint) DecrementWaiters() {
	if ep.waiters.Add(-1) == 0 {
		ep.waitersMu.Lock()
		ep.waitersCond.Broadcast()
		ep.waitersMu.Unlock()
	}
}

// Waiters returns the current waiter count.
func (ep *RemoteEndpoint) Waiters() int { return int(ep.waiters.Load()) }

// WaitForZeroWaiters blocks until no sender holds a reference.
func (ep *RemoteEndpoint) WaitForZeroWaiters() {
	ep.waitersMu.Lock()
	defer ep.waitersMu.Unlock()
	for ep.waiters.Load() != 0 {
		ep.waitersCond.Wait()
	}
}

// State returns the endpoint lifecycle state.
func (ep *RemoteEndpoint) State() int32 { return ep.state.Load() }

func (ep *RemoteEndpoint) inState(s endpointState) bool {
	return endpointState(ep.state.Load()) == s
}

// Start begins the reader and writer goroutines.
func (ep *RemoteEndpoint) Start() error {
	if !ep.state.CompareAndSwap(int32(endpointInitialized), int32(endpointStarted)) {
		return ErrEndpointClosing
	}

	ep.wg.Add(2)
	go ep.readLoop()
	go ep.writeLoop()

	return nil
}

// PushMessage enqueues a message for transmission. The call blocks only on
// queue back-pressure, never on socket I/O.
func (ep *RemoteEndpoint) PushMessage(msg *Message) error {
	if !ep.inState(endpointStarted) {
		return ErrEndpointClosing
	}
	select {
	case ep.txQueue <- msg:
		return nil
	case <-ep.done:
		return ErrEndpointClosing
	}
}

// Stop requests shutdown. When requested is true the eventual exit callback
// reports an orderly disconnect rather than a sudden one.
func (ep *RemoteEndpoint) Stop(requested bool) {
	if requested {
		ep.suddenDisconnect.Store(false)
	}
	ep.stopOnce.Do(func() {
		ep.state.Store(int32(endpointStopping))
		close(ep.done)
		if err := ep.conn.Close(); err != nil {
			ep.log.Debugf("close %s: %v", ep.uniqueName, err)
		}
	})
}

// Join blocks until the reader and writer have exited, then waits out any
// remaining senders.
func (ep *RemoteEndpoint) Join() {
	ep.wg.Wait()
	ep.WaitForZeroWaiters()
	ep.state.Store(int32(endpointDone))
}

func (ep *RemoteEndpoint) readLoop() {
	defer ep.wg.Done()
	defer ep.exit()

	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(ep.conn, header); err != nil {
			ep.epExitOnErr("read", err)

			return
		}
		frameLen := binary.BigEndian.Uint32(header)
		if frameLen > maxMessageSize {
			ep.epExitOnErr("read", fmt.Errorf("%w: frame of %d bytes", ErrMalformedMessage, frameLen))

			return
		}
		frame := make([]byte, frameLen)
		if _, err := io.ReadFull(ep.conn, frame); err != nil {
			ep.epExitOnErr("read", err)

			return
		}

		var msg Message
		if err := msg.Unmarshal(frame); err != nil {
			ep.log.Warnf("%s: dropping malformed message: %v", ep.uniqueName, err)

			continue
		}
		if msg.Sender == "" {
			msg.Sender = ep.uniqueName
		}
		if err := ep.router.PushMessage(&msg, ep); err != nil {
			ep.log.Debugf("%s: route %s: %v", ep.uniqueName, msg.Description(), err)
		}
	}
}

func (ep *RemoteEndpoint) writeLoop() {
	defer ep.wg.Done()

	for {
		select {
		case msg := <-ep.txQueue:
			body := msg.Marshal()
			frame := make([]byte, 4+len(body))
			binary.BigEndian.PutUint32(frame, uint32(len(body))) //nolint:gosec
			copy(frame[4:], body)
			if _, err := ep.conn.Write(frame); err != nil {
				ep.epExitOnErr("write", err)

				return
			}
		case <-ep.done:
			return
		}
	}
}

func (ep *RemoteEndpoint) epExitOnErr(op string, err error) {
	if ep.inState(endpointStopping) {
		return
	}
	ep.log.Debugf("%s: %s failed: %v", ep.uniqueName, op, err)
	ep.Stop(false)
}

// exit runs once, after the reader has finished, and reports the endpoint
// exit upward.
func (ep *RemoteEndpoint) exit() {
	ep.exitOnce.Do(func() {
		ep.Stop(false)
		if ep.onExit != nil {
			ep.onExit(ep, ep.suddenDisconnect.Load())
		}
	})
}

const maxMessageSize = 1 << 20
