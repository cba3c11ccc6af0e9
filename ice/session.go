package ice

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pion/logging"
	"github.com/pion/randutil"
	"github.com/pion/stun/v3"

	"github.com/icebus/icebus/internal/util"
)

// SessionConfig collects the arguments to Session construction.
type SessionConfig struct {
	LoggerFactory logging.LoggerFactory

	// Clock drives retransmission and refresh decisions; nil selects the
	// real clock.
	Clock clockwork.Clock

	// Controlling selects the nominating role. The side that initiates
	// the connection controls.
	Controlling bool

	// StunServer is the STUN server ("host:port") used to discover the
	// server reflexive candidate. Optional.
	StunServer string

	// TurnServer is the TURN relay ("host:port"). Optional.
	TurnServer string

	// TurnUsername and TurnPassword are the short-term credentials issued
	// by the rendezvous server for the STUN/TURN account.
	TurnUsername string
	TurnPassword string

	// LocalAddr optionally pins the local socket address.
	LocalAddr *net.UDPAddr

	// EnableIPv6 admits IPv6 host candidates.
	EnableIPv6 bool

	// KeepAlivePeriod overrides the NAT keepalive period handed to the
	// packet stream.
	KeepAlivePeriod time.Duration

	// ComponentID defaults to 1; the bus uses a single component.
	ComponentID uint16
}

// Session negotiates one UDP path with a single peer. All mutable state is
// owned by the session goroutine; external calls marshal closures onto the
// task channel.
type Session struct {
	log         logging.LeveledLogger
	clock       clockwork.Clock
	controlling bool
	tieBreaker  uint64
	componentID uint16

	conn         *net.UDPConn
	interfaceMTU int

	localUfrag string
	localPwd   string

	remoteUfrag string
	remotePwd   string

	stunServer *net.UDPAddr
	turnServer *net.UDPAddr
	turnUser   string
	turnPass   string
	enableIPv6 bool
	keepAlive  time.Duration

	state atomic.Int32

	localCandidates  []Candidate
	remoteCandidates []Candidate
	pairs            []*CandidatePair
	selected         *CandidatePair

	// relayed allocation bookkeeping
	relayLifetime time.Duration

	taskChan   chan func()
	ticker     clockwork.Ticker
	tickerCh   <-chan time.Time
	onSelected chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	detached   atomic.Bool

	// in-flight gather transactions awaiting a response
	pendingMu sync.Mutex
	pending   map[[stun.TransactionIDSize]byte]chan *stun.Message

	readerDone chan struct{}
}

// NewSession binds a UDP socket and prepares an ICE session. Gathering does
// not start until GatherCandidates is called.
func NewSession(config SessionConfig) (*Session, error) {
	loggerFactory := config.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	clock := config.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	laddr := config.LocalAddr
	if laddr == nil {
		laddr = &net.UDPAddr{}
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("bind ice socket: %w", err)
	}

	tieBreaker, err := randutil.CryptoUint64()
	if err != nil {
		tieBreaker = uint64(clock.Now().UnixNano()) //nolint:gosec
	}

	componentID := config.ComponentID
	if componentID == 0 {
		componentID = 1
	}
	keepAlive := config.KeepAlivePeriod
	if keepAlive == 0 {
		keepAlive = defaultKeepAlivePeriod
	}

	s := &Session{
		log:          loggerFactory.NewLogger("ice"),
		clock:        clock,
		controlling:  config.Controlling,
		tieBreaker:   tieBreaker,
		componentID:  componentID,
		conn:         conn,
		interfaceMTU: interfaceMTUFor(conn),
		localUfrag:   util.RandSeq(16),
		localPwd:     util.RandSeq(32),
		turnUser:     config.TurnUsername,
		turnPass:     config.TurnPassword,
		enableIPv6:   config.EnableIPv6,
		keepAlive:    keepAlive,
		taskChan:     make(chan func()),
		onSelected:   make(chan struct{}),
		done:         make(chan struct{}),
		pending:      make(map[[stun.TransactionIDSize]byte]chan *stun.Message),
		readerDone:   make(chan struct{}),
	}

	if config.StunServer != "" {
		if s.stunServer, err = net.ResolveUDPAddr("udp4", config.StunServer); err != nil {
			_ = conn.Close()

			return nil, fmt.Errorf("resolve stun server: %w", err)
		}
	}
	if config.TurnServer != "" {
		if s.turnServer, err = net.ResolveUDPAddr("udp4", config.TurnServer); err != nil {
			_ = conn.Close()

			return nil, fmt.Errorf("resolve turn server: %w", err)
		}
	}

	go s.readLoop()
	go s.taskLoop()

	return s, nil
}

// LocalCredentials returns the local ufrag and password advertised through
// the rendezvous server.
func (s *Session) LocalCredentials() (ufrag, pwd string) {
	return s.localUfrag, s.localPwd
}

// State returns the session state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(state SessionState) {
	if s.State() != state {
		s.log.Infof("session state: %s", state)
		s.state.Store(int32(state))
	}
}

// LocalAddr returns the bound socket address.
func (s *Session) LocalAddr() *net.UDPAddr {
	addr, _ := s.conn.LocalAddr().(*net.UDPAddr)

	return addr
}

func (s *Session) run(task func()) error {
	select {
	case <-s.done:
		return ErrClosed
	case s.taskChan <- task:
		return nil
	}
}

func (s *Session) taskLoop() {
	for {
		select {
		case <-s.tickerCh:
			s.onCheckTick()
		case task := <-s.taskChan:
			task()
		case <-s.done:
			if s.ticker != nil {
				s.ticker.Stop()
			}

			return
		}
	}
}

// StartChecks pairs the gathered local candidates against the peer's list
// and begins connectivity checks.
func (s *Session) StartChecks(remoteUfrag, remotePwd string, remoteCandidates []Candidate) error {
	if remoteUfrag == "" || remotePwd == "" {
		return ErrMissingCredentials
	}
	if s.State() != SessionCandidatesGathered {
		return fmt.Errorf("%w: %s", ErrInvalidState, s.State())
	}

	return s.run(func() {
		s.remoteUfrag = remoteUfrag
		s.remotePwd = remotePwd
		s.remoteCandidates = append([]Candidate(nil), remoteCandidates...)
		s.formPairs()
		s.setState(SessionChecksRunning)

		s.ticker = s.clock.NewTicker(checkTickInterval)
		s.tickerCh = s.ticker.Chan()
	})
}

// formPairs builds the check list. Local server reflexive candidates are
// replaced by their base before pairing, then duplicate pairs are pruned;
// the first pair of each foundation starts Waiting, the rest Frozen.
func (s *Session) formPairs() {
	base := s.baseCandidate()

	var locals []Candidate
	for _, c := range s.localCandidates {
		if c.Type == CandidateServerReflexive {
			c = base
		}
		locals = append(locals, c)
	}

	seen := map[string]bool{}
	for _, local := range locals {
		for _, remote := range s.remoteCandidates {
			if (remote.Address.To4() == nil) != (local.Address.To4() == nil) {
				continue
			}
			key := fmt.Sprintf("%s:%d|%s:%d", local.Address, local.Port, remote.Address, remote.Port)
			if seen[key] {
				continue
			}
			seen[key] = true
			s.pairs = append(s.pairs, newCandidatePair(local, remote))
		}
	}

	sortPairs(s.pairs, s.controlling)

	unfrozen := map[string]bool{}
	for _, p := range s.pairs {
		if !unfrozen[p.Foundation()] {
			unfrozen[p.Foundation()] = true
			p.State = PairWaiting
		}
	}
	s.log.Debugf("formed %d candidate pairs", len(s.pairs))
}

// baseCandidate returns the host candidate the socket is bound to.
func (s *Session) baseCandidate() Candidate {
	for _, c := range s.localCandidates {
		if c.Type == CandidateHost {
			return c
		}
	}
	if len(s.localCandidates) > 0 {
		return s.localCandidates[0]
	}

	return Candidate{}
}

// onCheckTick drives retransmissions, new checks and nomination. Runs on
// the session goroutine.
func (s *Session) onCheckTick() {
	if s.State() != SessionChecksRunning {
		return
	}
	now := s.clock.Now()

	// Retransmit or fail in-progress checks.
	for _, p := range s.pairs {
		if p.State != PairInProgress || now.Before(p.nextSend) {
			continue
		}
		if p.attempts >= checkMaxAttempts {
			p.State = PairFailed
			s.log.Debugf("pair failed: %s", p)

			continue
		}
		s.sendCheck(p, now)
	}

	// Launch the highest-priority waiting check.
	for _, p := range s.pairs {
		if p.State == PairWaiting {
			s.sendCheck(p, now)

			break
		}
	}

	// The controlling side nominates the best succeeded pair once nothing
	// higher-priority is still in flight.
	if s.controlling {
		s.maybeNominate(now)
	}

	// Every pair failed: the session is dead.
	failed := 0
	for _, p := range s.pairs {
		if p.State == PairFailed {
			failed++
		}
	}
	if len(s.pairs) > 0 && failed == len(s.pairs) {
		s.fail()
	}
}

func (s *Session) maybeNominate(now time.Time) {
	for _, p := range s.pairs {
		if p.useCandidate && p.State != PairFailed {
			// A nomination is already in flight or complete.
			return
		}
	}

	// Walk in priority order; an ordinary check still pending above a
	// succeeded pair may yet produce a better path.
	for _, p := range s.pairs {
		switch p.State {
		case PairWaiting, PairInProgress:
			return
		case PairSucceeded:
			s.log.Debugf("nominating %s", p)
			p.useCandidate = true
			p.attempts = 0
			s.sendCheck(p, now)

			return
		case PairFrozen, PairFailed:
		}
	}
}

// sendCheck transmits one binding request for the pair, advancing its
// retransmission schedule.
func (s *Session) sendCheck(pair *CandidatePair, now time.Time) {
	pair.transactionID = stun.NewTransactionID()
	if pair.attempts == 0 {
		pair.rto = checkRTOInitial
	} else {
		pair.rto *= 2
		if pair.rto > checkRTOCap {
			pair.rto = checkRTOCap
		}
	}
	pair.attempts++
	pair.nextSend = now.Add(pair.rto)
	pair.State = PairInProgress

	setters := []stun.Setter{
		stun.NewTransactionIDSetter(pair.transactionID),
		stun.BindingRequest,
		stun.NewUsername(s.remoteUfrag + ":" + s.localUfrag),
		priorityAttr(priority(CandidatePeerReflexive.Preference(), 65535, s.componentID)),
		iceControlAttr{controlling: s.controlling, tieBreaker: s.tieBreaker},
	}
	if pair.useCandidate {
		setters = append(setters, useCandidateAttr{})
	}
	setters = append(setters,
		stun.NewShortTermIntegrity(s.remotePwd),
		stun.Fingerprint,
	)

	msg, err := stun.Build(setters...)
	if err != nil {
		s.log.Warnf("build check: %v", err)

		return
	}

	s.log.Tracef("ping STUN from %s to %s", pair.Local, pair.Remote)
	s.writeTo(msg.Raw, pair)
}

// writeTo sends raw bytes toward the pair's remote, wrapping in a TURN Send
// indication when the local side of the pair is the relayed candidate.
func (s *Session) writeTo(raw []byte, pair *CandidatePair) {
	dest := pair.Remote.Addr()
	if pair.Local.Type == CandidateRelayed && s.turnServer != nil {
		msg, err := stun.Build(
			stun.TransactionID,
			stun.NewType(stun.MethodSend, stun.ClassIndication),
			stun.NewUsername(s.turnUser),
			xorPeerAddress{IP: dest.IP, Port: dest.Port},
			dataAttr(raw),
			stun.NewShortTermIntegrity(s.turnPass),
			stun.Fingerprint,
		)
		if err != nil {
			s.log.Warnf("wrap send indication: %v", err)

			return
		}
		raw, dest = msg.Raw, s.turnServer
	}
	if _, err := s.conn.WriteToUDP(raw, dest); err != nil {
		s.log.Debugf("write to %s: %v", dest, err)
	}
}

// readLoop owns socket reads until the session is detached into a packet
// stream or closed.
func (s *Session) readLoop() {
	defer close(s.readerDone)

	buf := make([]byte, defaultMTU+stunOverhead)
	for {
		if s.detached.Load() {
			return
		}
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.done:
			default:
				if !s.detached.Load() {
					s.log.Debugf("read: %v", err)
				}
			}

			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		s.handlePacket(pkt, from, false)
	}
}

func (s *Session) handlePacket(pkt []byte, from *net.UDPAddr, viaRelay bool) {
	if !stun.IsMessage(pkt) {
		// Non-STUN traffic before the stream is handed over is early
		// peer data; drop it, the packet engine will retransmit.
		s.log.Tracef("dropping %d non-STUN bytes from %s", len(pkt), from)

		return
	}

	msg := &stun.Message{Raw: pkt}
	if err := msg.Decode(); err != nil {
		s.log.Debugf("malformed STUN from %s: %v", from, err)

		return
	}

	// Data indications from our TURN allocation carry peer traffic;
	// unwrap and handle the payload as if it arrived from the peer.
	if msg.Type.Method == stun.MethodData && msg.Type.Class == stun.ClassIndication {
		var peer stun.XORMappedAddress
		if err := peer.GetFromAs(msg, stun.AttrXORPeerAddress); err != nil {
			return
		}
		data, ok := getData(msg)
		if !ok {
			return
		}
		s.handlePacket(data, &net.UDPAddr{IP: peer.IP, Port: peer.Port}, true)

		return
	}

	// Gather-phase transactions (binding, allocate) resolve waiting
	// callers directly.
	if ch := s.takePending(msg.TransactionID); ch != nil {
		ch <- msg

		return
	}

	_ = s.run(func() { s.handleInbound(msg, from, viaRelay) })
}

// handleInbound processes connectivity-check traffic on the session
// goroutine.
func (s *Session) handleInbound(msg *stun.Message, from *net.UDPAddr, viaRelay bool) {
	switch {
	case msg.Type.Method == stun.MethodBinding && msg.Type.Class == stun.ClassRequest:
		s.handleBindingRequest(msg, from, viaRelay)
	case msg.Type.Method == stun.MethodBinding && msg.Type.Class == stun.ClassSuccessResponse:
		s.handleBindingSuccess(msg)
	case msg.Type.Class == stun.ClassIndication:
		// NAT keepalive; nothing to do.
	default:
		s.log.Tracef("ignoring %s from %s", msg.Type, from)
	}
}

func (s *Session) handleBindingRequest(msg *stun.Message, from *net.UDPAddr, viaRelay bool) {
	if err := stun.NewShortTermIntegrity(s.localPwd).Check(msg); err != nil {
		s.log.Debugf("integrity check failed from %s: %v", from, err)

		return
	}

	// An agent may not claim our role: ignore role-conflicted requests
	// and let the peer's tie breaker resolve.
	if s.controlling && hasControlling(msg) {
		return
	}
	if !s.controlling && hasControlled(msg) {
		return
	}

	pair := s.findPair(from, viaRelay)
	if pair == nil {
		pair = s.learnPeerReflexive(msg, from, viaRelay)
	}

	s.sendBindingSuccess(msg, from, pair)

	if pair == nil {
		return
	}

	// Triggered check.
	switch pair.State {
	case PairFrozen, PairFailed:
		pair.State = PairWaiting
		pair.attempts = 0
	case PairWaiting, PairInProgress, PairSucceeded:
	}

	if hasUseCandidate(msg) && !s.controlling {
		if pair.State == PairSucceeded {
			s.selectPair(pair)
		} else {
			// Select as soon as our own check on this pair succeeds.
			pair.useCandidate = true
		}
	}
}

func (s *Session) sendBindingSuccess(req *stun.Message, from *net.UDPAddr, pair *CandidatePair) {
	resp, err := stun.Build(
		stun.NewTransactionIDSetter(req.TransactionID),
		stun.BindingSuccess,
		&stun.XORMappedAddress{IP: from.IP, Port: from.Port},
		stun.NewShortTermIntegrity(s.localPwd),
		stun.Fingerprint,
	)
	if err != nil {
		s.log.Warnf("build binding success: %v", err)

		return
	}

	if pair != nil {
		s.writeTo(resp.Raw, pair)

		return
	}
	if _, err := s.conn.WriteToUDP(resp.Raw, from); err != nil {
		s.log.Debugf("write binding success: %v", err)
	}
}

func (s *Session) handleBindingSuccess(msg *stun.Message) {
	for _, pair := range s.pairs {
		if pair.State != PairInProgress || pair.transactionID != msg.TransactionID {
			continue
		}
		// Responses carry the same key as the request they answer, which
		// we built with the peer's password.
		if err := stun.NewShortTermIntegrity(s.remotePwd).Check(msg); err != nil {
			s.log.Debugf("response integrity failed: %v", err)

			return
		}

		pair.State = PairSucceeded
		s.log.Debugf("pair succeeded: %s", pair)
		s.unfreezeFoundation(pair.Foundation())

		if pair.useCandidate {
			// Either our nominating check (controlling) or a pair the
			// peer marked with USE-CANDIDATE (controlled).
			s.selectPair(pair)
		}

		return
	}
}

func (s *Session) unfreezeFoundation(foundation string) {
	for _, p := range s.pairs {
		if p.State == PairFrozen && p.Foundation() == foundation {
			p.State = PairWaiting
		}
	}
}

// findPair locates the pair whose remote matches the source address. With a
// single local socket the local side is disambiguated only by relay transit.
func (s *Session) findPair(from *net.UDPAddr, viaRelay bool) *CandidatePair {
	for _, p := range s.pairs {
		if (p.Local.Type == CandidateRelayed) != viaRelay {
			continue
		}
		if p.Remote.Address.Equal(from.IP) && int(p.Remote.Port) == from.Port {
			return p
		}
	}

	return nil
}

// learnPeerReflexive records an unseen remote transport address as a
// peer-reflexive candidate and pairs it.
func (s *Session) learnPeerReflexive(msg *stun.Message, from *net.UDPAddr, viaRelay bool) *CandidatePair {
	if s.State() != SessionChecksRunning {
		return nil
	}

	remote := NewCandidate(CandidatePeerReflexive, from.IP, uint16(from.Port), s.componentID, 65535) //nolint:gosec
	if prio, ok := getPriority(msg); ok {
		remote.Priority = prio
	}
	s.remoteCandidates = append(s.remoteCandidates, remote)
	s.log.Debugf("learned peer-reflexive candidate: %s", remote)

	local := s.baseCandidate()
	if viaRelay {
		for _, c := range s.localCandidates {
			if c.Type == CandidateRelayed {
				local = c

				break
			}
		}
	}
	pair := newCandidatePair(local, remote)
	pair.State = PairWaiting
	s.pairs = append(s.pairs, pair)
	sortPairs(s.pairs, s.controlling)

	return pair
}

func (s *Session) selectPair(pair *CandidatePair) {
	if s.State() != SessionChecksRunning {
		return
	}
	pair.Nominated = true
	s.selected = pair
	s.setState(SessionChecksSucceeded)
	s.log.Infof("selected pair: %s", pair)
	if s.ticker != nil {
		s.ticker.Stop()
	}
	close(s.onSelected)
}

func (s *Session) fail() {
	if s.State() != SessionChecksRunning {
		return
	}
	s.setState(SessionChecksFailed)
	if s.ticker != nil {
		s.ticker.Stop()
	}
	close(s.onSelected)
}

// SelectedPair blocks until checks conclude, returning the nominated pair
// or ErrChecksFailed. A failed session is fatal for the connect attempt.
func (s *Session) SelectedPair() (*CandidatePair, error) {
	select {
	case <-s.onSelected:
	case <-s.done:
		return nil, ErrClosed
	}

	if s.State() != SessionChecksSucceeded {
		return nil, ErrChecksFailed
	}

	res := make(chan *CandidatePair, 1)
	if err := s.run(func() { res <- s.selected }); err != nil {
		return nil, err
	}

	return <-res, nil
}

// Close releases the session. After DetachPacketStream the socket belongs
// to the stream and survives Close.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if !s.detached.Load() {
			_ = s.conn.Close()
		}
	})

	return nil
}

func (s *Session) takePending(id [stun.TransactionIDSize]byte) chan *stun.Message {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	ch := s.pending[id]
	delete(s.pending, id)

	return ch
}

func (s *Session) addPending(id [stun.TransactionIDSize]byte) chan *stun.Message {
	ch := make(chan *stun.Message, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()

	return ch
}

func (s *Session) dropPending(id [stun.TransactionIDSize]byte) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

// interfaceMTUFor resolves the MTU of the interface the socket is bound to,
// falling back to the Ethernet default for wildcard binds.
func interfaceMTUFor(conn *net.UDPConn) int {
	laddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || laddr.IP.IsUnspecified() {
		return defaultMTU
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return defaultMTU
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok && ipNet.IP.Equal(laddr.IP) {
				return ifaces[i].MTU
			}
		}
	}

	return defaultMTU
}
