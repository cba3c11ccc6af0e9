package icebus

import (
	"sync"

	"github.com/pion/logging"
)

// EndpointKind categorizes the participants the router can deliver to.
type EndpointKind uint8

// Endpoint kinds.
const (
	// EndpointInvalid is the zero value.
	EndpointInvalid EndpointKind = iota
	// EndpointLocal is the daemon itself.
	EndpointLocal
	// EndpointNull is an in-process endpoint with no transport underneath.
	EndpointNull
	// EndpointRemoteClient is a locally connected application.
	EndpointRemoteClient
	// EndpointBusToBus is a connection to a peer daemon.
	EndpointBusToBus
	// EndpointVirtual represents a participant on a remote bus reachable
	// through one or more bus-to-bus endpoints.
	EndpointVirtual
)

func (k EndpointKind) String() string {
	switch k {
	case EndpointLocal:
		return "local"
	case EndpointNull:
		return "null"
	case EndpointRemoteClient:
		return "remote"
	case EndpointBusToBus:
		return "bus2bus"
	case EndpointVirtual:
		return "virtual"
	default:
		return "invalid"
	}
}

// EndpointFeatures carries the capabilities negotiated for an endpoint.
type EndpointFeatures struct {
	IsBusToBus    bool
	HandlePassing bool
	AllowRemote   bool
}

// Endpoint is a routable participant on the bus.
type Endpoint interface {
	// UniqueName returns the endpoint's unique bus name (":N.M").
	UniqueName() string

	// Kind returns the endpoint category.
	Kind() EndpointKind

	// AllowRemoteMessages reports whether off-device traffic arriving
	// through a bus-to-bus endpoint may be delivered here.
	AllowRemoteMessages() bool

	// Features returns the endpoint capabilities.
	Features() *EndpointFeatures

	// PushMessage delivers a message to the endpoint. Implementations may
	// block on I/O; the router drops its table locks before calling this.
	PushMessage(msg *Message) error
}

// sessionPusher is implemented by endpoints that route per-session; the
// router uses it when a session multicast resolves to a virtual endpoint.
type sessionPusher interface {
	PushMessageSession(msg *Message, sessionID uint32) error
}

// waiterGuard is implemented by endpoints whose destruction must wait for
// in-flight senders.
type waiterGuard interface {
	IncrementWaiters()
	DecrementWaiters()
}

// nameable is implemented by endpoints that receive their unique name from
// the name table at registration time.
type nameable interface {
	setUniqueName(name string)
}

// MessageHandler consumes messages delivered to the local endpoint.
type MessageHandler func(msg *Message)

// LocalEndpoint is the daemon's own endpoint. Messages routed to it are
// dispatched to in-process handlers registered per destination name; a
// default handler receives everything unclaimed.
type LocalEndpoint struct {
	mu             sync.Mutex
	uniqueName     string
	handlers       map[string]MessageHandler
	defaultHandler MessageHandler
	features       EndpointFeatures
	log            logging.LeveledLogger
}

// NewLocalEndpoint creates the daemon's local endpoint.
func NewLocalEndpoint(loggerFactory logging.LoggerFactory) *LocalEndpoint {
	return &LocalEndpoint{
		handlers: make(map[string]MessageHandler),
		features: EndpointFeatures{AllowRemote: true},
		log:      loggerFactory.NewLogger("localep"),
	}
}

// UniqueName returns the local endpoint's unique name. Empty until the
// endpoint is registered with a router.
func (ep *LocalEndpoint) UniqueName() string {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	return ep.uniqueName
}

func (ep *LocalEndpoint) setUniqueName(name string) {
	ep.mu.Lock()
	ep.uniqueName = name
	ep.mu.Unlock()
}

// Kind returns EndpointLocal.
func (ep *LocalEndpoint) Kind() EndpointKind { return EndpointLocal }

// AllowRemoteMessages is always true for the local endpoint.
func (ep *LocalEndpoint) AllowRemoteMessages() bool { return true }

// Features returns the endpoint capabilities.
func (ep *LocalEndpoint) Features() *EndpointFeatures { return &ep.features }

// RegisterHandler routes messages destined to name to fn.
func (ep *LocalEndpoint) RegisterHandler(name string, fn MessageHandler) {
	ep.mu.Lock()
	ep.handlers[name] = fn
	ep.mu.Unlock()
}

// OnMessage installs the default handler for messages no named handler
// claims. Synthesized error replies from the router arrive here.
func (ep *LocalEndpoint) OnMessage(fn MessageHandler) {
	ep.mu.Lock()
	ep.defaultHandler = fn
	ep.mu.Unlock()
}

// PushMessage dispatches to the registered handler for the destination.
func (ep *LocalEndpoint) PushMessage(msg *Message) error {
	ep.mu.Lock()
	fn := ep.handlers[msg.Destination]
	if fn == nil {
		fn = ep.defaultHandler
	}
	ep.mu.Unlock()

	if fn == nil {
		ep.log.Debugf("no handler for %s, dropping %s", msg.Destination, msg.Description())

		return nil
	}
	fn(msg)

	return nil
}

// NullEndpoint is an in-process endpoint used by embedded bus attachments.
// Pushes are handed to a sink callback on the caller's goroutine.
type NullEndpoint struct {
	uniqueName string
	features   EndpointFeatures
	sink       MessageHandler
}

// NewNullEndpoint creates an in-process endpoint delivering into sink.
func NewNullEndpoint(sink MessageHandler) *NullEndpoint {
	return &NullEndpoint{
		features: EndpointFeatures{AllowRemote: true},
		sink:     sink,
	}
}

// UniqueName returns the endpoint's unique name.
func (ep *NullEndpoint) UniqueName() string { return ep.uniqueName }

func (ep *NullEndpoint) setUniqueName(name string) { ep.uniqueName = name }

// Kind returns EndpointNull.
func (ep *NullEndpoint) Kind() EndpointKind { return EndpointNull }

// AllowRemoteMessages is always true for null endpoints.
func (ep *NullEndpoint) AllowRemoteMessages() bool { return true }

// Features returns the endpoint capabilities.
func (ep *NullEndpoint) Features() *EndpointFeatures { return &ep.features }

// PushMessage hands the message to the sink.
func (ep *NullEndpoint) PushMessage(msg *Message) error {
	if ep.sink != nil {
		ep.sink(msg)
	}

	return nil
}
