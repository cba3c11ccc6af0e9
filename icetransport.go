package icebus

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pion/logging"
	"golang.org/x/sync/errgroup"

	"github.com/icebus/icebus/ice"
	"github.com/icebus/icebus/packetengine"
	"github.com/icebus/icebus/rendezvous"
)

// authState tracks the connection authentication handshake.
type authState int32

const (
	authInitialized authState = iota
	authAuthenticating
	authFailed
	authSucceeded
	authDone
)

// endpointSide records which side initiated the connection.
type endpointSide int

const (
	sideInitialized endpointSide = iota
	sideActive
	sidePassive
)

// TransportListener observes transport-level events.
type TransportListener interface {
	// BusConnectionLost fires when a bus-to-bus connection drops without a
	// requested disconnect.
	BusConnectionLost(connSpec string)
}

// DiscoverySource is the slice of the discovery manager the transport
// needs: candidate exchange and STUN credential lookup, keyed by the peer
// address assigned by the rendezvous server.
type DiscoverySource interface {
	SendICECandidates(destPeerAddr string, msg rendezvous.ICECandidatesMessage, requestSTUN bool)
	STUNInfo(ctx context.Context, peerAddr string) (rendezvous.STUNServerInfo, error)
}

// IncomingICESession is a request from the discovery manager that a peer
// wishes to connect: its candidates arrived on the persistent channel.
type IncomingICESession struct {
	PeerAddr   string
	Ufrag      string
	Pwd        string
	Candidates []ice.Candidate
	STUNInfo   *rendezvous.STUNServerInfo

	// checksReady is closed when the peer signals StartICEChecks.
	checksReady chan struct{}
}

// ICETransportConfig collects the arguments to ICETransport construction.
type ICETransportConfig struct {
	Router    *Router
	Discovery DiscoverySource
	Listener  TransportListener

	// MaxIncomplete caps concurrently authenticating endpoints.
	MaxIncomplete int
	// MaxCompleted caps total endpoints.
	MaxCompleted int
	// AuthTimeout bounds the authentication handshake.
	AuthTimeout time.Duration

	Clock         clockwork.Clock
	LoggerFactory logging.LoggerFactory
}

// Defaults for the transport limits.
const (
	defaultMaxIncomplete = 10
	defaultMaxCompleted  = 50
	defaultAuthTimeout   = 30 * time.Second

	// runSchedulingInterval paces the management loop's reaper.
	runSchedulingInterval = 5 * time.Second

	// packetEngineAcceptTimeout bounds the window between ICE completion
	// and the inbound packet-engine connect.
	packetEngineAcceptTimeout = 5 * time.Second

	// iceCandidatesWait bounds the wait for the peer's candidates after
	// ours were posted to the server.
	iceCandidatesWait = 15 * time.Second

	// iceSettleDelay is observed between check success and first use of
	// the selected path, giving the last binding responses time to drain.
	iceSettleDelay = 2 * time.Second
)

// pktStreamEntry reference-counts one packet stream per normalized connect
// spec. A placeholder entry serializes concurrent ICE dances toward the
// same peer: latecomers wait on ready instead of gathering again.
type pktStreamEntry struct {
	stream      *ice.PacketStream
	session     *ice.Session
	refs        int
	placeholder bool
	ready       chan struct{}
	err         error
	alarmCancel context.CancelFunc
}

// iceEndpoint pairs a bus endpoint with its transport-side state machines.
type iceEndpoint struct {
	ep   *RemoteEndpoint
	side endpointSide
	auth authState
	spec string
}

// ICETransport accepts and initiates bus-to-bus connections over
// ICE-negotiated UDP paths. It owns the packet engine, the per-spec packet
// stream map, the authentication state of nascent endpoints, and the
// management loop that reaps them.
type ICETransport struct {
	router    *Router
	discovery DiscoverySource
	listener  TransportListener
	engine    *packetengine.Engine
	clock     clockwork.Clock
	log       logging.LeveledLogger

	loggerFactory logging.LoggerFactory

	maxIncomplete int
	maxCompleted  int
	authTimeout   time.Duration

	// endpointListLock guards authList and endpointList.
	endpointListLock sync.Mutex
	authList         []*iceEndpoint
	endpointList     []*iceEndpoint

	pktStreamMapLock sync.Mutex
	pktStreamMap     map[string]*pktStreamEntry

	// pendingExchanges routes inbound AddressCandidates to the outbound
	// connect waiting for them, keyed by peer address.
	pendingMu        sync.Mutex
	pendingExchanges map[string]chan *IncomingICESession
	incomingSessions map[string]*IncomingICESession

	incomingCh chan *IncomingICESession

	group    *errgroup.Group
	groupCtx context.Context
	cancel   context.CancelFunc

	running  bool
	stateMu  sync.Mutex
	stopOnce sync.Once
}

// NewICETransport creates the transport. Start must be called before use.
func NewICETransport(config ICETransportConfig) *ICETransport {
	loggerFactory := config.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	clock := config.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	maxIncomplete := config.MaxIncomplete
	if maxIncomplete == 0 {
		maxIncomplete = defaultMaxIncomplete
	}
	maxCompleted := config.MaxCompleted
	if maxCompleted == 0 {
		maxCompleted = defaultMaxCompleted
	}
	authTimeout := config.AuthTimeout
	if authTimeout == 0 {
		authTimeout = defaultAuthTimeout
	}

	return &ICETransport{
		router:           config.Router,
		discovery:        config.Discovery,
		listener:         config.Listener,
		engine:           packetengine.New("ice", loggerFactory),
		clock:            clock,
		log:              loggerFactory.NewLogger("icetransport"),
		loggerFactory:    loggerFactory,
		maxIncomplete:    maxIncomplete,
		maxCompleted:     maxCompleted,
		authTimeout:      authTimeout,
		pktStreamMap:     make(map[string]*pktStreamEntry),
		pendingExchanges: make(map[string]chan *IncomingICESession),
		incomingSessions: make(map[string]*IncomingICESession),
		incomingCh:       make(chan *IncomingICESession, defaultMaxIncomplete),
	}
}

// Start launches the accept/management loop.
func (t *ICETransport) Start() error {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if t.running {
		return nil
	}
	t.running = true

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.group, t.groupCtx = errgroup.WithContext(ctx)

	t.engine.SetDisconnectHandler(t.onStreamDisconnect)

	t.group.Go(func() error {
		t.managementLoop()

		return nil
	})

	return nil
}

// Stop requests shutdown of the transport and every endpoint it created.
func (t *ICETransport) Stop() {
	t.stopOnce.Do(func() {
		t.stateMu.Lock()
		t.running = false
		t.stateMu.Unlock()
		if t.cancel != nil {
			t.cancel()
		}

		t.endpointListLock.Lock()
		all := append(append([]*iceEndpoint(nil), t.authList...), t.endpointList...)
		t.endpointListLock.Unlock()
		for _, ie := range all {
			ie.ep.Stop(true)
		}

		t.engine.Close()
	})
}

// Join blocks until every transport goroutine and endpoint has exited.
func (t *ICETransport) Join() {
	if t.group != nil {
		_ = t.group.Wait()
	}

	t.endpointListLock.Lock()
	all := append(append([]*iceEndpoint(nil), t.authList...), t.endpointList...)
	t.authList = nil
	t.endpointList = nil
	t.endpointListLock.Unlock()

	for _, ie := range all {
		ie.ep.Join()
		t.router.UnregisterEndpoint(ie.ep)
	}
}

// NormalizeConnectSpec canonicalizes an ICE connect spec to
// "ice:guid=<peer-guid>".
func NormalizeConnectSpec(spec string) (string, error) {
	rest, ok := strings.CutPrefix(spec, "ice:")
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidSpec, spec)
	}
	for _, kv := range strings.Split(rest, ",") {
		key, value, found := strings.Cut(kv, "=")
		if found && key == "guid" && value != "" {
			return "ice:guid=" + value, nil
		}
	}

	return "", fmt.Errorf("%w: missing guid in %q", ErrInvalidSpec, spec)
}

// guidFromSpec extracts the peer guid of a normalized spec.
func guidFromSpec(normSpec string) string {
	return strings.TrimPrefix(normSpec, "ice:guid=")
}

// Connect establishes (or shares) a bus-to-bus endpoint to the peer named
// by spec. Concurrent connects to the same peer serialize on a placeholder
// map entry and share one packet stream.
func (t *ICETransport) Connect(ctx context.Context, spec string) (*RemoteEndpoint, error) {
	if !t.isRunning() {
		return nil, ErrTransportNotStarted
	}
	normSpec, err := NormalizeConnectSpec(spec)
	if err != nil {
		return nil, err
	}

	entry, err := t.acquirePacketStream(ctx, normSpec, true)
	if err != nil {
		return nil, err
	}

	ep, err := t.connectOverStream(ctx, normSpec, entry)
	if err != nil {
		t.releasePacketStream(normSpec)

		return nil, err
	}

	return ep, nil
}

// connectOverStream runs the packet-engine connect and the outbound
// authentication handshake, then registers the endpoint as ACTIVE.
func (t *ICETransport) connectOverStream(ctx context.Context, normSpec string, entry *pktStreamEntry) (*RemoteEndpoint, error) {
	stream, err := t.engine.Connect(ctx, entry.stream, nil)
	if err != nil {
		return nil, fmt.Errorf("packet engine connect: %w", err)
	}

	// The connection opens with a single zero byte, after which the bus
	// authentication conversation runs.
	if err := t.authenticateOutbound(stream); err != nil {
		_ = stream.Close()

		return nil, err
	}

	ep := NewRemoteEndpoint(RemoteEndpointConfig{
		UniqueName:    t.router.GenerateUniqueName(),
		ConnSpec:      normSpec,
		BusToBus:      true,
		Incoming:      false,
		AllowRemote:   true,
		Conn:          stream,
		Router:        t.router,
		OnExit:        t.onEndpointExit,
		LoggerFactory: t.loggerFactory,
	})

	ie := &iceEndpoint{ep: ep, side: sideActive, auth: authSucceeded, spec: normSpec}
	if err := t.addEndpoint(ie); err != nil {
		_ = stream.Close()

		return nil, err
	}

	if err := t.router.RegisterEndpoint(ep); err != nil {
		t.removeEndpoint(ie)
		_ = stream.Close()

		return nil, err
	}
	if err := ep.Start(); err != nil {
		t.router.UnregisterEndpoint(ep)
		t.removeEndpoint(ie)

		return nil, err
	}
	ie.auth = authDone

	return ep, nil
}

func (t *ICETransport) authenticateOutbound(stream *packetengine.Stream) error {
	_ = stream.SetWriteDeadline(time.Now().Add(t.authTimeout))
	defer func() { _ = stream.SetWriteDeadline(time.Time{}) }()
	if _, err := stream.Write([]byte{0}); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	return nil
}

// authenticateInbound reads the opening zero byte, rejecting anything else.
func (t *ICETransport) authenticateInbound(stream *packetengine.Stream) error {
	_ = stream.SetReadDeadline(time.Now().Add(t.authTimeout))
	defer func() { _ = stream.SetReadDeadline(time.Time{}) }()

	var nul [1]byte
	if _, err := io.ReadFull(stream, nul[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthTimeout, err)
	}
	if nul[0] != 0 {
		return fmt.Errorf("%w: expected nul byte, got %#x", ErrAuthFailed, nul[0])
	}

	return nil
}

// acquirePacketStream returns the stream for a spec, incrementing its
// reference count. When allowDance is set and no stream exists, a
// placeholder is inserted and the ICE dance performed; concurrent callers
// wait on the placeholder instead of racing a second gather.
func (t *ICETransport) acquirePacketStream(ctx context.Context, normSpec string, allowDance bool) (*pktStreamEntry, error) {
	for {
		t.pktStreamMapLock.Lock()
		entry, ok := t.pktStreamMap[normSpec]
		switch {
		case ok && !entry.placeholder:
			entry.refs++
			t.pktStreamMapLock.Unlock()

			return entry, nil

		case ok:
			ready := entry.ready
			t.pktStreamMapLock.Unlock()
			select {
			case <-ready:
			case <-ctx.Done():
				return nil, ctx.Err()
			}

			continue

		case !allowDance:
			t.pktStreamMapLock.Unlock()

			return nil, ErrNoRoute

		default:
			entry = &pktStreamEntry{placeholder: true, ready: make(chan struct{})}
			t.pktStreamMap[normSpec] = entry
			t.pktStreamMapLock.Unlock()

			stream, session, err := t.runOutboundICE(ctx, guidFromSpec(normSpec))
			if err == nil {
				// Install before waiters can observe the entry, so a
				// racing connect finds the stream live in the engine.
				entry.stream = stream
				entry.session = session
				t.installStream(normSpec, entry)
			}

			t.pktStreamMapLock.Lock()
			if err != nil {
				entry.err = err
				delete(t.pktStreamMap, normSpec)
			} else {
				entry.refs = 1
				entry.placeholder = false
			}
			close(entry.ready)
			t.pktStreamMapLock.Unlock()

			if err != nil {
				return nil, err
			}

			return entry, nil
		}
	}
}

// installStream hands the stream to the packet engine and arms its
// keepalive and TURN refresh alarms.
func (t *ICETransport) installStream(normSpec string, entry *pktStreamEntry) {
	t.engine.AddPacketStream(entry.stream)

	alarmCtx, cancel := context.WithCancel(t.groupCtx)
	entry.alarmCancel = cancel
	stream := entry.stream
	t.group.Go(func() error {
		t.alarmLoop(alarmCtx, stream)

		return nil
	})
	t.log.Debugf("packet stream installed for %s (mtu %d, turn %t)",
		normSpec, stream.MTU(), stream.UsingTurn())
}

// alarmLoop services NAT keepalives and TURN allocation refresh for one
// packet stream.
func (t *ICETransport) alarmLoop(ctx context.Context, stream *ice.PacketStream) {
	ticker := t.clock.NewTicker(stream.KeepAlivePeriod())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := stream.SendNATKeepAlive(); err != nil {
				t.log.Debugf("nat keepalive: %v", err)
			}
			if now := t.clock.Now(); stream.TURNRefreshDue(now) {
				if err := stream.SendTURNRefresh(now); err != nil {
					t.log.Debugf("turn refresh: %v", err)
				}
			}
		}
	}
}

// releasePacketStream drops one reference; at zero the stream leaves the
// packet engine and is destroyed.
func (t *ICETransport) releasePacketStream(normSpec string) {
	t.pktStreamMapLock.Lock()
	entry, ok := t.pktStreamMap[normSpec]
	if !ok || entry.placeholder {
		t.pktStreamMapLock.Unlock()

		return
	}
	entry.refs--
	if entry.refs > 0 {
		t.pktStreamMapLock.Unlock()

		return
	}
	delete(t.pktStreamMap, normSpec)
	t.pktStreamMapLock.Unlock()

	if entry.alarmCancel != nil {
		entry.alarmCancel()
	}
	t.engine.RemovePacketStream(entry.stream)
	_ = entry.stream.Close()
	if entry.session != nil {
		_ = entry.session.Close()
	}
	t.log.Debugf("packet stream for %s destroyed", normSpec)
}

// StreamRefCount reports the reference count for a normalized spec.
func (t *ICETransport) StreamRefCount(normSpec string) int {
	t.pktStreamMapLock.Lock()
	defer t.pktStreamMapLock.Unlock()
	if entry, ok := t.pktStreamMap[normSpec]; ok && !entry.placeholder {
		return entry.refs
	}

	return 0
}

// runOutboundICE performs the active-side ICE dance: gather, post our
// candidates with a STUN-info request, wait for the peer's list, run
// checks, and detach the selected path as a packet stream.
func (t *ICETransport) runOutboundICE(ctx context.Context, peerAddr string) (*ice.PacketStream, *ice.Session, error) {
	stunInfo, err := t.discovery.STUNInfo(ctx, peerAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("stun info for %s: %w", peerAddr, err)
	}

	session, err := ice.NewSession(ice.SessionConfig{
		LoggerFactory: t.loggerFactory,
		Clock:         t.clock,
		Controlling:   true,
		StunServer:    stunServerAddr(stunInfo),
		TurnServer:    turnServerAddr(stunInfo),
		TurnUsername:  stunInfo.Acct,
		TurnPassword:  stunInfo.Pwd,
	})
	if err != nil {
		return nil, nil, err
	}

	stream, err := t.iceDance(ctx, session, peerAddr, true)
	if err != nil {
		_ = session.Close()

		return nil, nil, err
	}

	return stream, session, nil
}

// iceDance runs the candidate exchange and checks common to both sides.
func (t *ICETransport) iceDance(ctx context.Context, session *ice.Session, peerAddr string, active bool) (*ice.PacketStream, error) {
	local, err := session.GatherCandidates()
	if err != nil {
		return nil, err
	}

	ufrag, pwd := session.LocalCredentials()
	msg := rendezvous.ICECandidatesMessage{ICEUfrag: ufrag, ICEPwd: pwd}
	for _, c := range local {
		msg.Candidates = append(msg.Candidates, rendezvous.NewCandidateFromICE(c))
	}

	var peer *IncomingICESession
	if active {
		// Register for the peer's answer before posting ours.
		waitCh := t.registerExchange(peerAddr)
		defer t.unregisterExchange(peerAddr)
		t.discovery.SendICECandidates(peerAddr, msg, true)

		timer := t.clock.NewTimer(iceCandidatesWait)
		defer timer.Stop()
		select {
		case peer = <-waitCh:
		case <-timer.Chan():
			return nil, fmt.Errorf("%w: no candidates from %s", ErrNoRoute, peerAddr)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		// Passive side: the peer's candidates arrived already; answer
		// without requesting STUN info and wait for the go signal.
		t.pendingMu.Lock()
		peer = t.incomingSessions[peerAddr]
		t.pendingMu.Unlock()
		if peer == nil {
			return nil, ErrNoRoute
		}
		t.discovery.SendICECandidates(peerAddr, msg, false)

		timer := t.clock.NewTimer(iceCandidatesWait)
		defer timer.Stop()
		select {
		case <-peer.checksReady:
		case <-timer.Chan():
			// StartICEChecks may have raced the candidate post; begin
			// anyway, the checks themselves will verify reachability.
			t.log.Debugf("no StartICEChecks from %s, proceeding", peerAddr)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err := session.StartChecks(peer.Ufrag, peer.Pwd, peer.Candidates); err != nil {
		return nil, err
	}

	if _, err := session.SelectedPair(); err != nil {
		return nil, err
	}

	// Let the final binding responses drain before first use.
	if !t.sleep(ctx, iceSettleDelay) {
		return nil, ctx.Err()
	}

	return session.DetachPacketStream()
}

func (t *ICETransport) sleep(ctx context.Context, d time.Duration) bool {
	timer := t.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.Chan():
		return true
	case <-ctx.Done():
		return false
	}
}

func (t *ICETransport) registerExchange(peerAddr string) chan *IncomingICESession {
	ch := make(chan *IncomingICESession, 1)
	t.pendingMu.Lock()
	t.pendingExchanges[peerAddr] = ch
	t.pendingMu.Unlock()

	return ch
}

func (t *ICETransport) unregisterExchange(peerAddr string) {
	t.pendingMu.Lock()
	delete(t.pendingExchanges, peerAddr)
	t.pendingMu.Unlock()
}

// HandleAddressCandidates routes a peer's candidate message: to the
// outbound connect waiting on it, or onto the incoming-session queue for
// the accept loop.
func (t *ICETransport) HandleAddressCandidates(resp rendezvous.AddressCandidatesResponse) {
	incoming := &IncomingICESession{
		PeerAddr:    resp.PeerAddr,
		Ufrag:       resp.ICEUfrag,
		Pwd:         resp.ICEPwd,
		STUNInfo:    resp.STUNInfo,
		checksReady: make(chan struct{}),
	}
	for _, wc := range resp.Candidates {
		c, err := wc.ToICE()
		if err != nil {
			t.log.Warnf("dropping candidate from %s: %v", resp.PeerAddr, err)

			continue
		}
		incoming.Candidates = append(incoming.Candidates, c)
	}

	t.pendingMu.Lock()
	if ch, ok := t.pendingExchanges[resp.PeerAddr]; ok {
		delete(t.pendingExchanges, resp.PeerAddr)
		t.pendingMu.Unlock()
		ch <- incoming

		return
	}
	t.incomingSessions[resp.PeerAddr] = incoming
	t.pendingMu.Unlock()

	select {
	case t.incomingCh <- incoming:
	default:
		t.log.Warnf("incoming session queue full, dropping connect from %s", resp.PeerAddr)
		t.pendingMu.Lock()
		delete(t.incomingSessions, resp.PeerAddr)
		t.pendingMu.Unlock()
	}
}

// HandleStartICEChecks releases the passive-side worker waiting to begin
// checks with the peer.
func (t *ICETransport) HandleStartICEChecks(resp rendezvous.StartICEChecksResponse) {
	t.pendingMu.Lock()
	incoming := t.incomingSessions[resp.PeerAddr]
	t.pendingMu.Unlock()
	if incoming == nil {
		t.log.Debugf("StartICEChecks for unknown peer %s", resp.PeerAddr)

		return
	}
	select {
	case <-incoming.checksReady:
	default:
		close(incoming.checksReady)
	}
}

// managementLoop services incoming ICE session requests and periodically
// reaps finished endpoints.
func (t *ICETransport) managementLoop() {
	ticker := t.clock.NewTicker(runSchedulingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.groupCtx.Done():
			return

		case incoming := <-t.incomingCh:
			if !t.admitIncoming() {
				t.log.Warnf("refusing connect from %s: connection limit reached", incoming.PeerAddr)
				t.dropIncoming(incoming.PeerAddr)

				continue
			}
			t.group.Go(func() error {
				t.runIncomingSession(incoming)

				return nil
			})

		case <-ticker.Chan():
			t.reap()
		}
	}
}

// admitIncoming enforces the incomplete and completed connection caps.
func (t *ICETransport) admitIncoming() bool {
	t.endpointListLock.Lock()
	defer t.endpointListLock.Unlock()

	return len(t.authList) < t.maxIncomplete &&
		len(t.authList)+len(t.endpointList) < t.maxCompleted
}

func (t *ICETransport) dropIncoming(peerAddr string) {
	t.pendingMu.Lock()
	delete(t.incomingSessions, peerAddr)
	t.pendingMu.Unlock()
}

// runIncomingSession is the per-request worker: it gathers local
// candidates, answers the peer, runs checks, installs the resulting packet
// stream (unless an outbound connect raced it), and accepts the
// packet-engine connect.
func (t *ICETransport) runIncomingSession(incoming *IncomingICESession) {
	defer t.dropIncoming(incoming.PeerAddr)

	ctx := t.groupCtx
	normSpec := "ice:guid=" + incoming.PeerAddr

	var stunInfo rendezvous.STUNServerInfo
	if incoming.STUNInfo != nil {
		stunInfo = *incoming.STUNInfo
	}

	session, err := ice.NewSession(ice.SessionConfig{
		LoggerFactory: t.loggerFactory,
		Clock:         t.clock,
		Controlling:   false,
		StunServer:    stunServerAddr(stunInfo),
		TurnServer:    turnServerAddr(stunInfo),
		TurnUsername:  stunInfo.Acct,
		TurnPassword:  stunInfo.Pwd,
	})
	if err != nil {
		t.log.Warnf("incoming session from %s: %v", incoming.PeerAddr, err)

		return
	}

	stream, err := t.iceDance(ctx, session, incoming.PeerAddr, false)
	if err != nil {
		t.log.Warnf("incoming ice dance with %s failed: %v", incoming.PeerAddr, err)
		_ = session.Close()

		return
	}

	// Install unless an outbound connect to the same peer raced us; in
	// that case the freshly negotiated path is redundant.
	t.pktStreamMapLock.Lock()
	if _, exists := t.pktStreamMap[normSpec]; exists {
		t.pktStreamMapLock.Unlock()
		t.log.Debugf("stream for %s already installed, discarding duplicate", normSpec)
		_ = stream.Close()
		_ = session.Close()

		return
	}
	entry := &pktStreamEntry{stream: stream, session: session, refs: 1, ready: make(chan struct{})}
	close(entry.ready)
	t.pktStreamMap[normSpec] = entry
	t.pktStreamMapLock.Unlock()
	t.installStream(normSpec, entry)

	acceptCtx, cancel := context.WithTimeout(ctx, packetEngineAcceptTimeout)
	engineStream, err := t.engine.Accept(acceptCtx, stream)
	cancel()
	if err != nil {
		t.log.Warnf("packet engine accept from %s: %v", incoming.PeerAddr, err)
		t.releasePacketStream(normSpec)

		return
	}

	t.acceptEndpoint(normSpec, engineStream)

	// Additional packet-engine connects ride the same negotiated path;
	// each accepted endpoint takes its own stream reference.
	for {
		engineStream, err = t.engine.Accept(ctx, stream)
		if err != nil {
			return
		}
		if _, err := t.acquirePacketStream(ctx, normSpec, false); err != nil {
			_ = engineStream.Close()

			return
		}
		t.acceptEndpoint(normSpec, engineStream)
	}
}

// acceptEndpoint authenticates a passively accepted stream and registers
// the resulting bus-to-bus endpoint.
func (t *ICETransport) acceptEndpoint(normSpec string, stream *packetengine.Stream) {
	ep := NewRemoteEndpoint(RemoteEndpointConfig{
		UniqueName:    t.router.GenerateUniqueName(),
		ConnSpec:      normSpec,
		BusToBus:      true,
		Incoming:      true,
		AllowRemote:   true,
		Conn:          stream,
		Router:        t.router,
		OnExit:        t.onEndpointExit,
		LoggerFactory: t.loggerFactory,
	})
	ie := &iceEndpoint{ep: ep, side: sidePassive, auth: authAuthenticating, spec: normSpec}

	t.endpointListLock.Lock()
	t.authList = append(t.authList, ie)
	t.endpointListLock.Unlock()

	if err := t.authenticateInbound(stream); err != nil {
		t.log.Warnf("authentication failed on %s: %v", normSpec, err)
		ie.auth = authFailed
		_ = stream.Close()
		t.releasePacketStream(normSpec)

		return
	}
	ie.auth = authSucceeded

	t.endpointListLock.Lock()
	for i, e := range t.authList {
		if e == ie {
			t.authList = append(t.authList[:i], t.authList[i+1:]...)

			break
		}
	}
	t.endpointList = append(t.endpointList, ie)
	t.endpointListLock.Unlock()

	if err := t.router.RegisterEndpoint(ep); err != nil {
		t.log.Warnf("register endpoint: %v", err)
		t.removeEndpoint(ie)
		_ = stream.Close()
		t.releasePacketStream(normSpec)

		return
	}
	if err := ep.Start(); err != nil {
		t.router.UnregisterEndpoint(ep)
		t.removeEndpoint(ie)
		t.releasePacketStream(normSpec)

		return
	}
	ie.auth = authDone
	t.log.Infof("accepted bus-to-bus endpoint %s on %s", ep.UniqueName(), normSpec)
}

func (t *ICETransport) addEndpoint(ie *iceEndpoint) error {
	t.endpointListLock.Lock()
	defer t.endpointListLock.Unlock()
	if len(t.authList)+len(t.endpointList) >= t.maxCompleted {
		return ErrTooManyConnections
	}
	t.endpointList = append(t.endpointList, ie)

	return nil
}

func (t *ICETransport) removeEndpoint(ie *iceEndpoint) {
	t.endpointListLock.Lock()
	defer t.endpointListLock.Unlock()
	for i, e := range t.authList {
		if e == ie {
			t.authList = append(t.authList[:i], t.authList[i+1:]...)

			break
		}
	}
	for i, e := range t.endpointList {
		if e == ie {
			t.endpointList = append(t.endpointList[:i], t.endpointList[i+1:]...)

			break
		}
	}
}

// Disconnect requests an orderly shutdown of the endpoint.
func (t *ICETransport) Disconnect(ep *RemoteEndpoint) {
	ep.Stop(true)
}

// onEndpointExit runs when an endpoint's reader has exited: the endpoint
// leaves the router, its packet stream reference is released, and a sudden
// loss is reported to the transport listener.
func (t *ICETransport) onEndpointExit(ep *RemoteEndpoint, sudden bool) {
	t.router.UnregisterEndpoint(ep)

	t.endpointListLock.Lock()
	var ie *iceEndpoint
	for _, e := range t.endpointList {
		if e.ep == ep {
			ie = e

			break
		}
	}
	t.endpointListLock.Unlock()
	if ie != nil {
		t.removeEndpoint(ie)
	}

	if ep.ConnSpec() != "" {
		t.releasePacketStream(ep.ConnSpec())
	}

	if sudden && t.listener != nil {
		t.listener.BusConnectionLost(ep.ConnSpec())
	}
}

// onStreamDisconnect observes packet-engine stream teardown. An orderly
// teardown is ignored and a sudden one is only logged; endpoint cleanup
// happens in onEndpointExit.
func (t *ICETransport) onStreamDisconnect(stream *packetengine.Stream, sudden bool) {
	if !sudden {
		return
	}
	t.log.Debugf("stream %d lost", stream.Channel())
}

// reap joins endpoints whose authentication or message loops have
// concluded.
func (t *ICETransport) reap() {
	t.endpointListLock.Lock()
	var doomed []*iceEndpoint
	keptAuth := t.authList[:0]
	for _, ie := range t.authList {
		if ie.auth == authFailed {
			doomed = append(doomed, ie)
		} else {
			keptAuth = append(keptAuth, ie)
		}
	}
	t.authList = keptAuth

	keptEps := t.endpointList[:0]
	for _, ie := range t.endpointList {
		if ie.ep.inState(endpointStopping) || ie.ep.inState(endpointDone) {
			doomed = append(doomed, ie)
		} else {
			keptEps = append(keptEps, ie)
		}
	}
	t.endpointList = keptEps
	t.endpointListLock.Unlock()

	for _, ie := range doomed {
		ie.ep.Stop(true)
		ie.ep.Join()
	}
}

func (t *ICETransport) isRunning() bool {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()

	return t.running
}

func stunServerAddr(info rendezvous.STUNServerInfo) string {
	if info.Address == "" {
		return ""
	}

	return fmt.Sprintf("%s:%d", info.Address, info.Port)
}

func turnServerAddr(info rendezvous.STUNServerInfo) string {
	if info.Relay == nil {
		return ""
	}

	return fmt.Sprintf("%s:%d", info.Relay.Address, info.Relay.Port)
}
