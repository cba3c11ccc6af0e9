package ice

import "errors"

var (
	// ErrClosed indicates the session or stream has been closed.
	ErrClosed = errors.New("ice: closed")

	// ErrChecksFailed indicates every candidate pair failed its
	// connectivity checks.
	ErrChecksFailed = errors.New("ice: connectivity checks failed")

	// ErrNoCandidates indicates gathering produced no usable candidates.
	ErrNoCandidates = errors.New("ice: no candidates gathered")

	// ErrInvalidState indicates an operation arrived in the wrong session
	// state.
	ErrInvalidState = errors.New("ice: invalid session state")

	// ErrMissingCredentials indicates checks were started without remote
	// credentials.
	ErrMissingCredentials = errors.New("ice: remote ufrag and pwd required")

	// ErrPacketTooLarge indicates a push exceeded the stream MTU.
	ErrPacketTooLarge = errors.New("ice: packet exceeds mtu")

	// ErrAllocateFailed indicates the TURN allocation was refused.
	ErrAllocateFailed = errors.New("ice: turn allocation failed")

	// ErrGatherTimeout indicates a STUN/TURN round trip timed out.
	ErrGatherTimeout = errors.New("ice: gather timed out")
)
