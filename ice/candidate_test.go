package ice

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCandidatePriority(t *testing.T) {
	host := NewCandidate(CandidateHost, net.ParseIP("192.168.1.10"), 5000, 1, 65535)
	assert.Equal(t, uint32((1<<24)*126+(1<<8)*65535+255), host.Priority)

	relay := NewCandidate(CandidateRelayed, net.ParseIP("10.0.0.1"), 3478, 1, 65535)
	assert.Equal(t, uint32((1<<8)*65535+255), relay.Priority)

	// Descending type preference: host, prflx, srflx, relay.
	prflx := NewCandidate(CandidatePeerReflexive, net.ParseIP("1.2.3.4"), 1, 1, 65535)
	srflx := NewCandidate(CandidateServerReflexive, net.ParseIP("1.2.3.4"), 1, 1, 65535)
	assert.Greater(t, host.Priority, prflx.Priority)
	assert.Greater(t, prflx.Priority, srflx.Priority)
	assert.Greater(t, srflx.Priority, relay.Priority)
}

func TestCandidateFoundation(t *testing.T) {
	a := NewCandidate(CandidateHost, net.ParseIP("192.168.1.10"), 5000, 1, 65535)
	b := NewCandidate(CandidateHost, net.ParseIP("192.168.1.10"), 6000, 1, 65000)
	c := NewCandidate(CandidateServerReflexive, net.ParseIP("192.168.1.10"), 5000, 1, 65535)

	assert.Equal(t, a.Foundation, b.Foundation, "same type and base share a foundation")
	assert.NotEqual(t, a.Foundation, c.Foundation, "type participates in the foundation")
}

func TestSortCandidates(t *testing.T) {
	relay := NewCandidate(CandidateRelayed, net.ParseIP("10.0.0.1"), 3478, 1, 65535)
	host := NewCandidate(CandidateHost, net.ParseIP("192.168.1.10"), 5000, 1, 65535)
	srflx := NewCandidate(CandidateServerReflexive, net.ParseIP("1.2.3.4"), 5000, 1, 65535)

	list := []Candidate{relay, srflx, host}
	sortCandidates(list)

	require.Len(t, list, 3)
	assert.Equal(t, CandidateHost, list[0].Type)
	assert.Equal(t, CandidateServerReflexive, list[1].Type)
	assert.Equal(t, CandidateRelayed, list[2].Type)
}

func TestCandidatePairPriority(t *testing.T) {
	local := NewCandidate(CandidateHost, net.ParseIP("192.168.1.10"), 5000, 1, 65535)
	remote := NewCandidate(CandidateHost, net.ParseIP("192.168.1.20"), 6000, 1, 65000)
	pair := newCandidatePair(local, remote)

	g, d := uint64(local.Priority), uint64(remote.Priority)
	minP, maxP := d, g
	var tie uint64 = 1
	if g < d {
		minP, maxP, tie = g, d, 0
	}
	assert.Equal(t, (1<<32)*minP+2*maxP+tie, pair.Priority(true))

	// Role swap flips G and D.
	assert.NotEqual(t, pair.Priority(true), pair.Priority(false))
}

func TestCandidatePairUsesRelay(t *testing.T) {
	host := NewCandidate(CandidateHost, net.ParseIP("192.168.1.10"), 5000, 1, 65535)
	relay := NewCandidate(CandidateRelayed, net.ParseIP("10.0.0.1"), 3478, 1, 65535)

	assert.False(t, newCandidatePair(host, host).UsesRelay())
	assert.True(t, newCandidatePair(relay, host).UsesRelay())
	assert.True(t, newCandidatePair(host, relay).UsesRelay())
}
