package ice

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pion/logging"
	"github.com/pion/stun/v3"
)

// stunOverhead is the framing budget subtracted from the interface MTU when
// relaying through TURN: the fixed header, XOR-PEER-ADDRESS, the DATA
// attribute header, MESSAGE-INTEGRITY, FINGERPRINT and a USERNAME attribute
// sized for the largest relay token.
const (
	stunHeaderLen      = 20
	stunXORPeerLen     = 12
	stunDataHeaderLen  = 8
	stunIntegrityLen   = 24
	stunFingerprintLen = 8
	stunMaxUsernameLen = 100 // attribute header plus a 96 byte token

	stunOverhead = stunHeaderLen + stunXORPeerLen + stunDataHeaderLen +
		stunIntegrityLen + stunFingerprintLen + stunMaxUsernameLen
)

func secondsToDuration(s uint32) time.Duration {
	return time.Duration(s) * time.Second
}

// PacketDest addresses one datagram on a packet stream.
type PacketDest = *net.UDPAddr

// PacketStream is a bounded-MTU datagram stream over the path an ICE
// session selected. When the nominated pair relays through TURN, pushes are
// wrapped in STUN Send indications toward the relay and pulls unwrap Data
// indications; refresh and keepalive traffic is consumed transparently.
type PacketStream struct {
	localAddr        *net.UDPAddr
	remoteAddr       *net.UDPAddr
	remoteMappedAddr *net.UDPAddr
	turnAddr         *net.UDPAddr
	relayAddr        *net.UDPAddr

	conn *net.UDPConn

	interfaceMTU        int
	mtuWithStunOverhead int

	usingTurn  bool
	localTurn  bool
	localHost  bool
	remoteHost bool

	hmacKey      string
	turnUsername string

	clock clockwork.Clock
	log   logging.LeveledLogger

	sendMu sync.Mutex

	timestampMu          sync.Mutex
	turnRefreshPeriod    time.Duration
	turnRefreshTimestamp time.Time
	stunKeepAlivePeriod  time.Duration
	keepAliveTimestamp   time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

// DetachPacketStream hands the session socket over to a packet stream for
// the selected pair. The session's read loop stops; the caller pulls from
// the stream from here on. The session must be in ChecksSucceeded.
func (s *Session) DetachPacketStream() (*PacketStream, error) {
	pair, err := s.SelectedPair()
	if err != nil {
		return nil, err
	}

	s.detached.Store(true)
	// Unblock the reader so it observes the detach.
	_ = s.conn.SetReadDeadline(time.Now())
	<-s.readerDone
	_ = s.conn.SetReadDeadline(time.Time{})

	refreshPeriod := s.relayLifetime - turnRefreshWarningPeriod
	if refreshPeriod <= 0 {
		refreshPeriod = turnPermissionRefreshLifetime - turnRefreshWarningPeriod
	}

	var relayAddr *net.UDPAddr
	for _, c := range s.localCandidates {
		if c.Type == CandidateRelayed {
			relayAddr = c.Addr()
		}
	}

	ps := &PacketStream{
		localAddr:           s.LocalAddr(),
		remoteAddr:          pair.Remote.Addr(),
		remoteMappedAddr:    pair.Remote.Addr(),
		turnAddr:            s.turnServer,
		relayAddr:           relayAddr,
		conn:                s.conn,
		interfaceMTU:        s.interfaceMTU,
		mtuWithStunOverhead: s.interfaceMTU - stunOverhead,
		usingTurn:           pair.UsesRelay(),
		localTurn:           pair.Local.Type == CandidateRelayed,
		localHost:           pair.Local.Type == CandidateHost,
		remoteHost:          pair.Remote.Type == CandidateHost,
		hmacKey:             s.turnPass,
		turnUsername:        s.turnUser,
		clock:               s.clock,
		log:                 s.log,
		turnRefreshPeriod:   refreshPeriod,
		stunKeepAlivePeriod: s.keepAlive,
		closed:              make(chan struct{}),
	}

	return ps, nil
}

// MTU returns the usable payload size per push: the full interface MTU on a
// direct path, the STUN-reduced MTU when relaying.
func (ps *PacketStream) MTU() int {
	if ps.usingTurn {
		return ps.mtuWithStunOverhead
	}

	return ps.interfaceMTU
}

// LocalAddr returns the socket address.
func (ps *PacketStream) LocalAddr() *net.UDPAddr { return ps.localAddr }

// RemoteAddr returns the selected pair's remote transport address, the
// default push destination.
func (ps *PacketStream) RemoteAddr() *net.UDPAddr { return ps.remoteAddr }

// UsingTurn reports whether the stream relays through the TURN server.
func (ps *PacketStream) UsingTurn() bool { return ps.usingTurn }

// Push sends one datagram toward dest. Under TURN the payload is wrapped in
// a Send indication addressed to the relay.
func (ps *PacketStream) Push(buf []byte, dest PacketDest) error {
	if len(buf) > ps.MTU() {
		return fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, len(buf), ps.MTU())
	}
	select {
	case <-ps.closed:
		return ErrClosed
	default:
	}

	ps.sendMu.Lock()
	defer ps.sendMu.Unlock()

	if !ps.usingTurn {
		_, err := ps.conn.WriteToUDP(buf, dest)

		return err
	}

	msg, err := ps.composeSendIndication(buf)
	if err != nil {
		return err
	}
	_, err = ps.conn.WriteToUDP(msg.Raw, ps.turnAddr)

	return err
}

// composeSendIndication wraps a payload for the relay: USERNAME,
// XOR-PEER-ADDRESS of the remote's mapped address, the payload as DATA, then
// MESSAGE-INTEGRITY and FINGERPRINT.
func (ps *PacketStream) composeSendIndication(payload []byte) (*stun.Message, error) {
	return stun.Build(
		stun.TransactionID,
		stun.NewType(stun.MethodSend, stun.ClassIndication),
		stun.NewUsername(ps.turnUsername),
		xorPeerAddress{IP: ps.remoteMappedAddr.IP, Port: ps.remoteMappedAddr.Port},
		dataAttr(payload),
		stun.NewShortTermIntegrity(ps.hmacKey),
		stun.Fingerprint,
	)
}

// Pull reads the next datagram into buf. Under TURN, Data indications are
// unwrapped and STUN responses to our own keepalive and refresh traffic are
// consumed silently; a refresh response carrying LIFETIME re-arms the
// refresh schedule.
func (ps *PacketStream) Pull(buf []byte) (int, PacketDest, error) {
	scratch := buf
	if ps.usingTurn {
		scratch = make([]byte, ps.interfaceMTU)
	}

	for {
		n, from, err := ps.conn.ReadFromUDP(scratch)
		if err != nil {
			select {
			case <-ps.closed:
				return 0, nil, ErrClosed
			default:
				return 0, nil, err
			}
		}

		if !ps.usingTurn {
			return n, from, nil
		}

		payload, sender, consumed := ps.stripStunOverhead(scratch[:n], from)
		if consumed {
			continue
		}
		if len(payload) > len(buf) {
			return 0, nil, fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, len(payload), len(buf))
		}

		return copy(buf, payload), sender, nil
	}
}

// stripStunOverhead classifies one relayed datagram: a Data indication
// yields the peer payload, a binding or refresh response is consumed, and
// anything non-STUN is returned as-is.
func (ps *PacketStream) stripStunOverhead(pkt []byte, from *net.UDPAddr) (payload []byte, sender *net.UDPAddr, consumed bool) {
	if !stun.IsMessage(pkt) {
		return pkt, from, false
	}

	msg := &stun.Message{Raw: pkt}
	if err := msg.Decode(); err != nil {
		ps.log.Debugf("malformed STUN on relay path: %v", err)

		return nil, nil, true
	}

	switch {
	case msg.Type.Method == stun.MethodData && msg.Type.Class == stun.ClassIndication:
		data, ok := getData(msg)
		if !ok {
			return nil, nil, true
		}
		peer := from
		var xp stun.XORMappedAddress
		if err := xp.GetFromAs(msg, stun.AttrXORPeerAddress); err == nil {
			peer = &net.UDPAddr{IP: xp.IP, Port: xp.Port}
		}

		return data, peer, false

	case msg.Type.Class == stun.ClassSuccessResponse || msg.Type.Class == stun.ClassErrorResponse:
		if lifetime, ok := getLifetime(msg); ok {
			ps.timestampMu.Lock()
			ps.turnRefreshPeriod = secondsToDuration(lifetime) - turnRefreshWarningPeriod
			ps.timestampMu.Unlock()
			ps.log.Debugf("relay lifetime %ds, refresh period now %s", lifetime, ps.turnRefreshPeriod)
		}

		return nil, nil, true

	default:
		return nil, nil, true
	}
}

// SendNATKeepAlive emits a STUN binding indication toward the remote peer,
// or toward the relay allocation when the stream relays.
func (ps *PacketStream) SendNATKeepAlive() error {
	msg, err := stun.Build(
		stun.TransactionID,
		stun.NewType(stun.MethodBinding, stun.ClassIndication),
		stun.Fingerprint,
	)
	if err != nil {
		return err
	}

	dest := ps.remoteAddr
	if ps.usingTurn {
		dest = ps.turnAddr
	}

	ps.sendMu.Lock()
	defer ps.sendMu.Unlock()
	if _, err := ps.conn.WriteToUDP(msg.Raw, dest); err != nil {
		return err
	}
	ps.timestampMu.Lock()
	ps.keepAliveTimestamp = ps.clock.Now()
	ps.timestampMu.Unlock()

	return nil
}

// SendTURNRefresh renews the relay allocation, stamping the refresh time.
func (ps *PacketStream) SendTURNRefresh(now time.Time) error {
	msg, err := stun.Build(
		stun.TransactionID,
		stun.NewType(stun.MethodRefresh, stun.ClassRequest),
		stun.NewUsername(ps.turnUsername),
		stun.NewSoftware("icebus"),
		lifetimeAttr(uint32(turnPermissionRefreshLifetime/time.Second)),
		requestedTransportUDP{},
		stun.NewShortTermIntegrity(ps.hmacKey),
		stun.Fingerprint,
	)
	if err != nil {
		return err
	}

	ps.sendMu.Lock()
	defer ps.sendMu.Unlock()
	if _, err := ps.conn.WriteToUDP(msg.Raw, ps.turnAddr); err != nil {
		return err
	}
	ps.timestampMu.Lock()
	ps.turnRefreshTimestamp = now
	ps.timestampMu.Unlock()

	return nil
}

// KeepAlivePeriod returns the NAT keepalive period.
func (ps *PacketStream) KeepAlivePeriod() time.Duration { return ps.stunKeepAlivePeriod }

// TURNRefreshPeriod returns the current relay refresh period.
func (ps *PacketStream) TURNRefreshPeriod() time.Duration {
	ps.timestampMu.Lock()
	defer ps.timestampMu.Unlock()

	return ps.turnRefreshPeriod
}

// TURNRefreshDue reports whether a refresh is due at time now.
func (ps *PacketStream) TURNRefreshDue(now time.Time) bool {
	if !ps.usingTurn {
		return false
	}
	ps.timestampMu.Lock()
	defer ps.timestampMu.Unlock()

	return now.Sub(ps.turnRefreshTimestamp) >= ps.turnRefreshPeriod
}

// Close releases the socket.
func (ps *PacketStream) Close() error {
	var err error
	ps.closeOnce.Do(func() {
		close(ps.closed)
		err = ps.conn.Close()
	})

	return err
}
