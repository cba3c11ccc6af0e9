// Package ice negotiates a UDP path between two daemons following the
// Interactive Connectivity Establishment procedures of RFC 5245: candidate
// gathering against a STUN/TURN server, prioritized connectivity checks over
// the exchanged candidate pairs, and selection of a nominated pair. The
// selected pair is handed to the caller as a PacketStream, a bounded-MTU
// datagram stream that transparently relays through the TURN server when the
// nominated path requires it.
package ice

import "time"

// SessionState tracks the ICE session through its lifecycle.
type SessionState int32

// Session states.
const (
	// SessionIdle is the zero value before gathering begins.
	SessionIdle SessionState = iota
	// SessionGathering means local candidates are being collected.
	SessionGathering
	// SessionCandidatesGathered means the local candidate list is final.
	SessionCandidatesGathered
	// SessionChecksRunning means connectivity checks are in progress.
	SessionChecksRunning
	// SessionChecksSucceeded means a pair has been nominated.
	SessionChecksSucceeded
	// SessionChecksFailed means every pair failed; the session is dead.
	SessionChecksFailed
)

func (s SessionState) String() string {
	switch s {
	case SessionGathering:
		return "Gathering"
	case SessionCandidatesGathered:
		return "CandidatesGathered"
	case SessionChecksRunning:
		return "ChecksRunning"
	case SessionChecksSucceeded:
		return "ChecksSucceeded"
	case SessionChecksFailed:
		return "ChecksFailed"
	default:
		return "Idle"
	}
}

const (
	// defaultMTU is assumed when the interface MTU cannot be determined.
	defaultMTU = 1500

	// checkRTOInitial is the initial retransmission timeout for a
	// connectivity check.
	checkRTOInitial = 500 * time.Millisecond

	// checkRTOCap bounds the doubled retransmission timeout.
	checkRTOCap = 3 * time.Second

	// checkMaxAttempts bounds transmissions of a single check.
	checkMaxAttempts = 7

	// checkTickInterval paces the check scheduler.
	checkTickInterval = 50 * time.Millisecond

	// gatherTimeout bounds one STUN/TURN gathering round trip.
	gatherTimeout = 5 * time.Second

	// defaultKeepAlivePeriod is the NAT keepalive period used when the
	// rendezvous server does not supply one.
	defaultKeepAlivePeriod = 15 * time.Second

	// turnRefreshWarningPeriod is subtracted from the allocation lifetime
	// to refresh before expiry.
	turnRefreshWarningPeriod = 30 * time.Second

	// turnPermissionRefreshLifetime is the lifetime requested on refresh.
	turnPermissionRefreshLifetime = 600 * time.Second
)
