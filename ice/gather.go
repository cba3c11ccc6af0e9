package ice

import (
	"fmt"
	"net"

	"github.com/pion/stun/v3"
)

// GatherCandidates collects host, server reflexive and relayed candidates
// on the session socket and returns them in priority order. STUN and TURN
// lookups that fail demote the session to host-only candidates rather than
// failing the gather.
func (s *Session) GatherCandidates() ([]Candidate, error) {
	if s.State() != SessionIdle {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, s.State())
	}
	s.setState(SessionGathering)

	laddr := s.LocalAddr()
	port := uint16(laddr.Port) //nolint:gosec

	var candidates []Candidate
	localPref := uint16(65535)
	for _, ip := range s.hostAddresses(laddr) {
		candidates = append(candidates, NewCandidate(CandidateHost, ip, port, s.componentID, localPref))
		if localPref > 0 {
			localPref--
		}
	}

	if s.stunServer != nil {
		if c, err := s.gatherServerReflexive(candidates); err != nil {
			s.log.Warnf("server reflexive gather failed: %v", err)
		} else if c != nil {
			candidates = append(candidates, *c)
		}
	}

	if s.turnServer != nil {
		if c, err := s.gatherRelayed(candidates); err != nil {
			s.log.Warnf("relay gather failed: %v", err)
		} else if c != nil {
			candidates = append(candidates, *c)
		}
	}

	if len(candidates) == 0 {
		s.setState(SessionChecksFailed)

		return nil, ErrNoCandidates
	}

	sortCandidates(candidates)

	gathered := make(chan struct{})
	err := s.run(func() {
		s.localCandidates = candidates
		s.setState(SessionCandidatesGathered)
		close(gathered)
	})
	if err != nil {
		return nil, err
	}
	select {
	case <-gathered:
	case <-s.done:
		return nil, ErrClosed
	}

	return candidates, nil
}

// hostAddresses lists the interface addresses usable as host candidates.
// A socket pinned to a concrete address yields exactly that address.
func (s *Session) hostAddresses(laddr *net.UDPAddr) []net.IP {
	if laddr != nil && !laddr.IP.IsUnspecified() && laddr.IP != nil {
		return []net.IP{laddr.IP}
	}

	var ips []net.IP
	ifaces, err := net.Interfaces()
	if err != nil {
		return ips
	}
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() || ipNet.IP.IsLinkLocalUnicast() {
				continue
			}
			if ipNet.IP.To4() == nil && !s.enableIPv6 {
				continue
			}
			ips = append(ips, ipNet.IP)
		}
	}

	if len(ips) == 0 {
		// Loopback-only hosts still get a candidate.
		ips = append(ips, net.IPv4(127, 0, 0, 1))
	}

	return ips
}

// gatherServerReflexive asks the STUN server for our NAT mapping.
func (s *Session) gatherServerReflexive(gathered []Candidate) (*Candidate, error) {
	resp, err := s.roundTrip(s.stunServer, stun.BindingRequest)
	if err != nil {
		return nil, err
	}

	var mapped stun.XORMappedAddress
	if err := mapped.GetFrom(resp); err != nil {
		return nil, fmt.Errorf("no xor-mapped-address: %w", err)
	}

	for _, c := range gathered {
		if c.Address.Equal(mapped.IP) && int(c.Port) == mapped.Port {
			// Not behind a NAT; the mapping duplicates the host
			// candidate.
			return nil, nil //nolint:nilnil
		}
	}

	base := s.LocalAddr()
	c := NewCandidate(CandidateServerReflexive, mapped.IP, uint16(mapped.Port), s.componentID, 65535) //nolint:gosec
	c.RelatedAddress = base.IP
	c.RelatedPort = uint16(base.Port) //nolint:gosec

	return &c, nil
}

// gatherRelayed allocates a relay on the TURN server with the short-term
// credentials issued by the rendezvous server.
func (s *Session) gatherRelayed(gathered []Candidate) (*Candidate, error) {
	resp, err := s.roundTrip(s.turnServer,
		stun.NewType(stun.MethodAllocate, stun.ClassRequest),
		requestedTransportUDP{},
		stun.NewUsername(s.turnUser),
		stun.NewShortTermIntegrity(s.turnPass),
	)
	if err != nil {
		return nil, err
	}
	if resp.Type.Class == stun.ClassErrorResponse {
		var code stun.ErrorCodeAttribute
		_ = code.GetFrom(resp)

		return nil, fmt.Errorf("%w: %s", ErrAllocateFailed, code)
	}

	relayed, ok := getXORRelayedAddress(resp)
	if !ok {
		return nil, fmt.Errorf("%w: no xor-relayed-address", ErrAllocateFailed)
	}
	if lifetime, ok := getLifetime(resp); ok {
		s.relayLifetime = secondsToDuration(lifetime)
	}

	base := s.LocalAddr()
	c := NewCandidate(CandidateRelayed, relayed.IP, uint16(relayed.Port), s.componentID, 65535) //nolint:gosec
	c.RelatedAddress = base.IP
	c.RelatedPort = uint16(base.Port) //nolint:gosec

	// The allocate response also carries our mapping; it is logged when no
	// gathered candidate already has it, and no candidate is made from it.
	var mapped stun.XORMappedAddress
	if err := mapped.GetFrom(resp); err == nil {
		dup := false
		for _, g := range gathered {
			if g.Address.Equal(mapped.IP) && int(g.Port) == mapped.Port {
				dup = true

				break
			}
		}
		if !dup {
			s.log.Debugf("allocation mapping %s:%d", mapped.IP, mapped.Port)
		}
	}

	return &c, nil
}

// roundTrip performs one request/response exchange against a server on the
// session socket, bounded by the gather timeout.
func (s *Session) roundTrip(server *net.UDPAddr, setters ...stun.Setter) (*stun.Message, error) {
	id := stun.NewTransactionID()
	all := append([]stun.Setter{stun.NewTransactionIDSetter(id)}, setters...)
	all = append(all, stun.Fingerprint)

	msg, err := stun.Build(all...)
	if err != nil {
		return nil, err
	}

	ch := s.addPending(id)
	defer s.dropPending(id)

	if _, err := s.conn.WriteToUDP(msg.Raw, server); err != nil {
		return nil, err
	}

	timer := s.clock.NewTimer(gatherTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.Chan():
		return nil, fmt.Errorf("%w: %s", ErrGatherTimeout, server)
	case <-s.done:
		return nil, ErrClosed
	}
}
