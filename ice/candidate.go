package ice

import (
	"fmt"
	"hash/crc32"
	"net"
)

// CandidateType is the ICE candidate type.
type CandidateType int

// Candidate types, ordered by descending type preference.
const (
	// CandidateHost is a candidate on a local interface.
	CandidateHost CandidateType = iota
	// CandidatePeerReflexive is an address learned from an inbound check.
	CandidatePeerReflexive
	// CandidateServerReflexive is the NAT mapping seen by the STUN server.
	CandidateServerReflexive
	// CandidateRelayed is an allocation on the TURN server.
	CandidateRelayed
)

// Preference returns the RFC 5245 type preference.
func (t CandidateType) Preference() uint16 {
	switch t {
	case CandidateHost:
		return 126
	case CandidatePeerReflexive:
		return 110
	case CandidateServerReflexive:
		return 100
	case CandidateRelayed:
		return 0
	default:
		return 0
	}
}

func (t CandidateType) String() string {
	switch t {
	case CandidateHost:
		return "host"
	case CandidatePeerReflexive:
		return "prflx"
	case CandidateServerReflexive:
		return "srflx"
	case CandidateRelayed:
		return "relay"
	default:
		return "unknown"
	}
}

// Candidate is a single transport address usable for connectivity checks.
type Candidate struct {
	Type        CandidateType
	Foundation  string
	ComponentID uint16
	Transport   string
	Priority    uint32
	Address     net.IP
	Port        uint16

	// RelatedAddress and RelatedPort carry the base address for reflexive
	// and relayed candidates; unset for host candidates.
	RelatedAddress net.IP
	RelatedPort    uint16
}

// NewCandidate builds a candidate, computing its priority and foundation.
func NewCandidate(typ CandidateType, addr net.IP, port uint16, componentID uint16, localPref uint16) Candidate {
	return Candidate{
		Type:        typ,
		Foundation:  foundation(typ, addr),
		ComponentID: componentID,
		Transport:   "udp",
		Priority:    priority(typ.Preference(), localPref, componentID),
		Address:     addr,
		Port:        port,
	}
}

// priority implements the RFC 5245 candidate priority formula.
func priority(typePref, localPref, componentID uint16) uint32 {
	return (1<<24)*uint32(typePref) + (1<<8)*uint32(localPref) + uint32(256-componentID)
}

// foundation derives a foundation string identical for candidates of the
// same type on the same base, as required for the unfreezing algorithm.
func foundation(typ CandidateType, base net.IP) string {
	sum := crc32.ChecksumIEEE([]byte(typ.String() + "/udp/" + base.String()))

	return fmt.Sprintf("%08x", sum)
}

// Addr returns the candidate's transport address.
func (c Candidate) Addr() *net.UDPAddr {
	return &net.UDPAddr{IP: c.Address, Port: int(c.Port)}
}

// Equal reports whether two candidates name the same transport address.
func (c Candidate) Equal(other Candidate) bool {
	return c.Type == other.Type &&
		c.Address.Equal(other.Address) &&
		c.Port == other.Port &&
		c.Transport == other.Transport
}

func (c Candidate) String() string {
	return fmt.Sprintf("%s %s:%d (prio %d)", c.Type, c.Address, c.Port, c.Priority)
}

// sortCandidates orders a candidate list by descending priority, breaking
// ties by address family (IPv4 first) and then by foundation order.
func sortCandidates(candidates []Candidate) {
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidateLess(candidates[j], candidates[j-1]); j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
}

func candidateLess(a, b Candidate) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	aV4, bV4 := a.Address.To4() != nil, b.Address.To4() != nil
	if aV4 != bV4 {
		return aV4
	}

	return a.Foundation < b.Foundation
}
