package rendezvous

import "errors"

var (
	// ErrNotAuthenticated indicates an operation requiring a live session
	// arrived before client login completed.
	ErrNotAuthenticated = errors.New("rendezvous: not authenticated")

	// ErrAuthRejected indicates the server refused the login. For a
	// deactivated or unknown user, reconnects are suspended until the
	// advertise/search set changes.
	ErrAuthRejected = errors.New("rendezvous: authentication rejected")

	// ErrAuthProtocol indicates a malformed SCRAM exchange.
	ErrAuthProtocol = errors.New("rendezvous: authentication protocol error")

	// ErrMalformedResponse indicates undecodable server payload.
	ErrMalformedResponse = errors.New("rendezvous: malformed response")

	// ErrHTTPStatus indicates a non-200 response to any request.
	ErrHTTPStatus = errors.New("rendezvous: unexpected http status")

	// ErrStopped indicates the discovery manager has been stopped.
	ErrStopped = errors.New("rendezvous: stopped")

	// ErrTokenUnavailable indicates no fresh STUN token could be obtained.
	ErrTokenUnavailable = errors.New("rendezvous: stun token unavailable")

	// ErrUnknownService indicates a lookup for a service never matched.
	ErrUnknownService = errors.New("rendezvous: unknown service")
)

// Server error strings that suspend reconnect attempts.
const (
	serverErrDeactivatedUser = "DEACTIVATED_USER"
	serverErrUnknownUser     = "UNKNOWN_USER"
)
