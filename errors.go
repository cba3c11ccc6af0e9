package icebus

import "errors"

var (
	// ErrBusStopping indicates an operation arrived while the bus core is
	// shutting down.
	ErrBusStopping = errors.New("bus is stopping")

	// ErrNoRoute indicates a message destination could not be resolved to an
	// endpoint and auto start was not applicable.
	ErrNoRoute = errors.New("no route to destination")

	// ErrEndpointClosing indicates a push was attempted on an endpoint that is
	// shutting down.
	ErrEndpointClosing = errors.New("endpoint closing")

	// ErrEndpointRedundant indicates an endpoint registration collided with an
	// existing endpoint for the same unique name.
	ErrEndpointRedundant = errors.New("endpoint already registered")

	// ErrBlocked indicates delivery was refused by the remote-message policy.
	ErrBlocked = errors.New("destination does not allow remote messages")

	// ErrNoSession indicates a session route operation used session id zero.
	ErrNoSession = errors.New("session id must be nonzero")

	// ErrNoEndpoint indicates an endpoint lookup failed.
	ErrNoEndpoint = errors.New("no such endpoint")

	// ErrRuleNotImplemented indicates a match rule used a recognized but
	// unsupported key.
	ErrRuleNotImplemented = errors.New("rule key not implemented")

	// ErrRuleParse indicates a match rule string could not be parsed.
	ErrRuleParse = errors.New("invalid match rule")

	// ErrMalformedMessage indicates a message could not be decoded from its
	// wire framing.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrTransportStopping indicates a connect or listen arrived while the
	// transport is shutting down.
	ErrTransportStopping = errors.New("transport is stopping")

	// ErrTransportNotStarted indicates the transport has not been started.
	ErrTransportNotStarted = errors.New("transport not started")

	// ErrAuthFailed indicates the connection authentication handshake failed.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrAuthTimeout indicates the connection authentication handshake did not
	// complete within the configured limit.
	ErrAuthTimeout = errors.New("authentication timed out")

	// ErrTooManyConnections indicates the transport refused a connection
	// because a concurrency limit was reached.
	ErrTooManyConnections = errors.New("connection limit reached")

	// ErrInvalidSpec indicates a malformed connect or listen specification.
	ErrInvalidSpec = errors.New("invalid connect spec")

	// ErrConnectionClosed indicates an operation on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
)

// Well-known bus error names synthesized by the router when a method call
// cannot be delivered.
const (
	errNameBlocked        = "org.alljoyn.Bus.Blocked"
	errNameServiceUnknown = "org.freedesktop.DBus.Error.ServiceUnknown"
)
