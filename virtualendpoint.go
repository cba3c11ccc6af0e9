package icebus

import (
	"sort"
	"sync"
)

// VirtualEndpoint represents a remote bus participant. It owns no transport
// of its own; pushes are forwarded through one of the bus-to-bus endpoints
// referenced by the sessions the participant is a member of.
type VirtualEndpoint struct {
	mu          sync.RWMutex
	uniqueName  string
	sessionRefs map[uint32]*RemoteEndpoint
	features    EndpointFeatures
}

// NewVirtualEndpoint creates a virtual endpoint for uniqueName, initially
// reachable through b2b via the default session (id 0).
func NewVirtualEndpoint(uniqueName string, b2b *RemoteEndpoint) *VirtualEndpoint {
	ep := &VirtualEndpoint{
		uniqueName:  uniqueName,
		sessionRefs: make(map[uint32]*RemoteEndpoint),
		features:    EndpointFeatures{AllowRemote: true},
	}
	if b2b != nil {
		ep.sessionRefs[0] = b2b
	}

	return ep
}

// UniqueName returns the remote participant's unique name.
func (ep *VirtualEndpoint) UniqueName() string { return ep.uniqueName }

// Kind returns EndpointVirtual.
func (ep *VirtualEndpoint) Kind() EndpointKind { return EndpointVirtual }

// AllowRemoteMessages is always true for virtual endpoints; policy is
// enforced at the true destination by the remote daemon.
func (ep *VirtualEndpoint) AllowRemoteMessages() bool { return true }

// Features returns the endpoint capabilities.
func (ep *VirtualEndpoint) Features() *EndpointFeatures { return &ep.features }

// AddSessionRef records that the participant is reachable through b2b for
// the given session.
func (ep *VirtualEndpoint) AddSessionRef(sessionID uint32, b2b *RemoteEndpoint) {
	ep.mu.Lock()
	ep.sessionRefs[sessionID] = b2b
	ep.mu.Unlock()
}

// RemoveSessionRef drops the session reference. It returns the number of
// references remaining; at zero the endpoint is unreachable and should be
// unregistered.
func (ep *VirtualEndpoint) RemoveSessionRef(sessionID uint32) int {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	delete(ep.sessionRefs, sessionID)

	return len(ep.sessionRefs)
}

// B2BEndpoint returns the bus-to-bus endpoint carrying the given session, or
// nil if the session is unknown.
func (ep *VirtualEndpoint) B2BEndpoint(sessionID uint32) *RemoteEndpoint {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	return ep.sessionRefs[sessionID]
}

// UsesB2B reports whether any session reference goes through b2b.
func (ep *VirtualEndpoint) UsesB2B(b2b *RemoteEndpoint) bool {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, ref := range ep.sessionRefs {
		if ref == b2b {
			return true
		}
	}

	return false
}

// RemoveB2B drops every session reference through b2b and returns the number
// of references remaining.
func (ep *VirtualEndpoint) RemoveB2B(b2b *RemoteEndpoint) int {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	for id, ref := range ep.sessionRefs {
		if ref == b2b {
			delete(ep.sessionRefs, id)
		}
	}

	return len(ep.sessionRefs)
}

// PushMessage forwards through the bus-to-bus endpoint carrying the
// message's own session id, falling back to the lowest live session id when
// that session is unknown here.
func (ep *VirtualEndpoint) PushMessage(msg *Message) error {
	return ep.PushMessageSession(msg, msg.SessionID)
}

// PushMessageSession forwards through the bus-to-bus endpoint carrying the
// given session.
func (ep *VirtualEndpoint) PushMessageSession(msg *Message, sessionID uint32) error {
	ep.mu.RLock()
	b2b := ep.sessionRefs[sessionID]
	if b2b == nil {
		// Fall back to the lowest session id so sessionless traffic
		// still has a path.
		ids := make([]int, 0, len(ep.sessionRefs))
		for id := range ep.sessionRefs {
			ids = append(ids, int(id))
		}
		sort.Ints(ids)
		if len(ids) > 0 {
			b2b = ep.sessionRefs[uint32(ids[0])] //nolint:gosec
		}
	}
	ep.mu.RUnlock()

	if b2b == nil {
		return ErrNoRoute
	}

	return b2b.PushMessage(msg)
}
