package ice

import (
	"net"
	"testing"
	"time"

	"github.com/pion/stun/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoopbackSession(t *testing.T, controlling bool) *Session {
	t.Helper()
	s, err := NewSession(SessionConfig{
		Controlling: controlling,
		LocalAddr:   &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

// Two agents on the loopback negotiate host candidates, run connectivity
// checks and converge on a nominated pair; the detached packet streams
// carry payload in both directions.
func TestSessionConnectivityLoopback(t *testing.T) {
	controlling := newLoopbackSession(t, true)
	controlled := newLoopbackSession(t, false)

	localA, err := controlling.GatherCandidates()
	require.NoError(t, err)
	require.NotEmpty(t, localA)
	assert.Equal(t, SessionCandidatesGathered, controlling.State())

	localB, err := controlled.GatherCandidates()
	require.NoError(t, err)
	require.NotEmpty(t, localB)

	ufragA, pwdA := controlling.LocalCredentials()
	ufragB, pwdB := controlled.LocalCredentials()

	require.NoError(t, controlled.StartChecks(ufragA, pwdA, localA))
	require.NoError(t, controlling.StartChecks(ufragB, pwdB, localB))

	pairA, err := controlling.SelectedPair()
	require.NoError(t, err)
	require.True(t, pairA.Nominated)
	assert.Equal(t, SessionChecksSucceeded, controlling.State())

	pairB, err := controlled.SelectedPair()
	require.NoError(t, err)
	require.True(t, pairB.Nominated)

	psA, err := controlling.DetachPacketStream()
	require.NoError(t, err)
	defer func() { _ = psA.Close() }()
	psB, err := controlled.DetachPacketStream()
	require.NoError(t, err)
	defer func() { _ = psB.Close() }()

	assert.False(t, psA.UsingTurn())
	assert.Equal(t, psA.interfaceMTU, psA.MTU(), "direct path uses the full interface MTU")

	payload := []byte("over the nominated pair")
	require.NoError(t, psA.Push(payload, psA.RemoteAddr()))

	// Residual check traffic may precede the payload on a direct path.
	buf := make([]byte, 1500)
	_ = psB.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		n, from, err := psB.Pull(buf)
		require.NoError(t, err)
		if stun.IsMessage(buf[:n]) {
			continue
		}
		assert.Equal(t, payload, buf[:n])
		assert.Equal(t, psA.LocalAddr().Port, from.Port)

		break
	}
}

func TestSessionChecksRequireCredentials(t *testing.T) {
	s := newLoopbackSession(t, true)
	_, err := s.GatherCandidates()
	require.NoError(t, err)

	assert.ErrorIs(t, s.StartChecks("", "pwd", nil), ErrMissingCredentials)
	assert.ErrorIs(t, s.StartChecks("ufrag", "", nil), ErrMissingCredentials)
}

func TestSessionStateOrdering(t *testing.T) {
	s := newLoopbackSession(t, true)

	// Checks may not start before gathering concludes.
	err := s.StartChecks("ufrag", "pwd", nil)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = s.GatherCandidates()
	require.NoError(t, err)

	// Gathering twice is also a state error.
	_, err = s.GatherCandidates()
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestSessionGatherHostOnly(t *testing.T) {
	s := newLoopbackSession(t, true)

	candidates, err := s.GatherCandidates()
	require.NoError(t, err)
	require.NotEmpty(t, candidates)
	for _, c := range candidates {
		assert.Equal(t, CandidateHost, c.Type, "no STUN/TURN server configured")
	}
}
