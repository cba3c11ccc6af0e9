package ice

import (
	"fmt"
	"time"

	"github.com/pion/stun/v3"
)

// CandidatePairState tracks a pair through the check list.
type CandidatePairState int

// Candidate pair states.
const (
	// PairFrozen means the pair waits for its foundation to unfreeze.
	PairFrozen CandidatePairState = iota
	// PairWaiting means the pair is eligible for a check.
	PairWaiting
	// PairInProgress means a check is in flight.
	PairInProgress
	// PairSucceeded means a check produced a success response.
	PairSucceeded
	// PairFailed means the check retransmission budget was exhausted.
	PairFailed
)

func (s CandidatePairState) String() string {
	switch s {
	case PairFrozen:
		return "Frozen"
	case PairWaiting:
		return "Waiting"
	case PairInProgress:
		return "InProgress"
	case PairSucceeded:
		return "Succeeded"
	case PairFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// CandidatePair is a (local, remote) candidate tuple participating in
// connectivity checks.
type CandidatePair struct {
	Local  Candidate
	Remote Candidate

	State     CandidatePairState
	Nominated bool

	// check bookkeeping, owned by the session loop
	transactionID [stun.TransactionIDSize]byte
	attempts      int
	rto           time.Duration
	nextSend      time.Time
	useCandidate  bool
}

func newCandidatePair(local, remote Candidate) *CandidatePair {
	return &CandidatePair{Local: local, Remote: remote, State: PairFrozen}
}

// Priority implements the RFC 5245 pair priority formula for the given
// role: 2^32*MIN(G,D) + 2*MAX(G,D) + (G>D ? 1 : 0) where G is the
// controlling and D the controlled candidate priority.
func (p *CandidatePair) Priority(controlling bool) uint64 {
	g, d := uint64(p.Local.Priority), uint64(p.Remote.Priority)
	if !controlling {
		g, d = d, g
	}

	minP, maxP := g, d
	var tie uint64
	if g > d {
		minP, maxP = d, g
		tie = 1
	}

	return (1<<32)*minP + 2*maxP + tie
}

// Foundation is the concatenation of the member candidates' foundations.
func (p *CandidatePair) Foundation() string {
	return p.Local.Foundation + p.Remote.Foundation
}

// UsesRelay reports whether traffic on this pair goes through the TURN
// server.
func (p *CandidatePair) UsesRelay() bool {
	return p.Local.Type == CandidateRelayed || p.Remote.Type == CandidateRelayed
}

func (p *CandidatePair) String() string {
	return fmt.Sprintf("(local) %s <-> (remote) %s [%s]", p.Local, p.Remote, p.State)
}

// sortPairs orders pairs by descending pair priority.
func sortPairs(pairs []*CandidatePair, controlling bool) {
	for i := 1; i < len(pairs); i++ {
		for j := i; j > 0 && pairs[j].Priority(controlling) > pairs[j-1].Priority(controlling); j-- {
			pairs[j], pairs[j-1] = pairs[j-1], pairs[j]
		}
	}
}
