package packetengine

import "errors"

var (
	// ErrEngineClosed indicates the engine has been shut down.
	ErrEngineClosed = errors.New("packetengine: engine closed")

	// ErrUnknownPacketStream indicates an operation referenced a packet
	// stream never added to the engine.
	ErrUnknownPacketStream = errors.New("packetengine: unknown packet stream")

	// ErrConnectTimeout indicates the opening handshake did not complete.
	ErrConnectTimeout = errors.New("packetengine: connect timed out")

	// ErrStreamClosed indicates an operation on a closed stream.
	ErrStreamClosed = errors.New("packetengine: stream closed")
)
