package ice

import (
	"net"
	"testing"

	"github.com/pion/stun/v3"
	"github.com/pion/turn/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newLoopbackSTUNServer runs an in-process STUN/TURN server on the loopback
// and returns its address.
func newLoopbackSTUNServer(t *testing.T) string {
	t.Helper()

	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)

	server, err := turn.NewServer(turn.ServerConfig{
		Realm: "icebus.test",
		AuthHandler: func(username, realm string, _ net.Addr) ([]byte, bool) {
			return turn.GenerateAuthKey(username, realm, "secret"), true
		},
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: pc,
				RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
					RelayAddress: net.ParseIP("127.0.0.1"),
					Address:      "127.0.0.1",
				},
			},
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })

	return pc.LocalAddr().String()
}

// A binding round trip against a real server returns our own mapping in
// XOR-MAPPED-ADDRESS.
func TestSessionBindingRoundTrip(t *testing.T) {
	serverAddr := newLoopbackSTUNServer(t)

	s, err := NewSession(SessionConfig{
		Controlling: true,
		LocalAddr:   &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)},
		StunServer:  serverAddr,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	resp, err := s.roundTrip(s.stunServer, stun.BindingRequest)
	require.NoError(t, err)

	var mapped stun.XORMappedAddress
	require.NoError(t, mapped.GetFrom(resp))
	assert.True(t, mapped.IP.Equal(s.LocalAddr().IP))
	assert.Equal(t, s.LocalAddr().Port, mapped.Port)
}

// On the loopback the server sees our bound address, so the reflexive
// mapping duplicates the host candidate and gathering stays host-only.
func TestSessionGatherReflexiveNotBehindNAT(t *testing.T) {
	serverAddr := newLoopbackSTUNServer(t)

	s, err := NewSession(SessionConfig{
		Controlling: true,
		LocalAddr:   &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)},
		StunServer:  serverAddr,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	candidates, err := s.GatherCandidates()
	require.NoError(t, err)
	require.NotEmpty(t, candidates)
	for _, c := range candidates {
		assert.Equal(t, CandidateHost, c.Type)
	}
	assert.Equal(t, SessionCandidatesGathered, s.State())
}
