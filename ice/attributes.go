package ice

import (
	"encoding/binary"

	"github.com/pion/stun/v3"
)

// The connectivity-check and TURN attributes below are thin stun.Setter /
// getter shims over the raw attribute codes the codec does not cover with a
// dedicated type.

type priorityAttr uint32

func (p priorityAttr) AddTo(m *stun.Message) error {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, uint32(p))
	m.Add(stun.AttrPriority, v)

	return nil
}

func getPriority(m *stun.Message) (uint32, bool) {
	v, err := m.Get(stun.AttrPriority)
	if err != nil || len(v) != 4 {
		return 0, false
	}

	return binary.BigEndian.Uint32(v), true
}

type useCandidateAttr struct{}

func (useCandidateAttr) AddTo(m *stun.Message) error {
	m.Add(stun.AttrUseCandidate, nil)

	return nil
}

func hasUseCandidate(m *stun.Message) bool {
	_, err := m.Get(stun.AttrUseCandidate)

	return err == nil
}

// iceControlAttr carries ICE-CONTROLLING or ICE-CONTROLLED with the role
// tie breaker.
type iceControlAttr struct {
	controlling bool
	tieBreaker  uint64
}

func (a iceControlAttr) AddTo(m *stun.Message) error {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, a.tieBreaker)
	if a.controlling {
		m.Add(stun.AttrICEControlling, v)
	} else {
		m.Add(stun.AttrICEControlled, v)
	}

	return nil
}

func hasControlled(m *stun.Message) bool {
	_, err := m.Get(stun.AttrICEControlled)

	return err == nil
}

func hasControlling(m *stun.Message) bool {
	_, err := m.Get(stun.AttrICEControlling)

	return err == nil
}

// lifetimeAttr is the TURN LIFETIME attribute in seconds.
type lifetimeAttr uint32

func (l lifetimeAttr) AddTo(m *stun.Message) error {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, uint32(l))
	m.Add(stun.AttrLifetime, v)

	return nil
}

func getLifetime(m *stun.Message) (uint32, bool) {
	v, err := m.Get(stun.AttrLifetime)
	if err != nil || len(v) != 4 {
		return 0, false
	}

	return binary.BigEndian.Uint32(v), true
}

// requestedTransportUDP is the TURN REQUESTED-TRANSPORT attribute fixed to
// protocol 17.
type requestedTransportUDP struct{}

func (requestedTransportUDP) AddTo(m *stun.Message) error {
	m.Add(stun.AttrRequestedTransport, []byte{17, 0, 0, 0})

	return nil
}

// dataAttr is the TURN DATA attribute carrying an opaque payload.
type dataAttr []byte

func (d dataAttr) AddTo(m *stun.Message) error {
	m.Add(stun.AttrData, d)

	return nil
}

func getData(m *stun.Message) ([]byte, bool) {
	v, err := m.Get(stun.AttrData)
	if err != nil {
		return nil, false
	}

	return v, true
}

// xorPeerAddress writes XOR-PEER-ADDRESS using the XOR codec shared with
// XOR-MAPPED-ADDRESS.
type xorPeerAddress stun.XORMappedAddress

func (a xorPeerAddress) AddTo(m *stun.Message) error {
	return stun.XORMappedAddress(a).AddToAs(m, stun.AttrXORPeerAddress)
}

func getXORRelayedAddress(m *stun.Message) (*stun.XORMappedAddress, bool) {
	var addr stun.XORMappedAddress
	if err := addr.GetFromAs(m, stun.AttrXORRelayedAddress); err != nil {
		return nil, false
	}

	return &addr, true
}
