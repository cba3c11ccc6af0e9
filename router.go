package icebus

import (
	"sync"

	"github.com/pion/logging"
)

// AutoStarter launches the owner of a not-yet-present destination when a
// message carries the auto-start flag. Implementations are outside the bus
// core; the default router has none and reports no-route instead.
type AutoStarter interface {
	StartService(msg *Message, sender Endpoint) error
}

// BusToBusListener observes bus-to-bus endpoint arrival and departure, the
// hook the session control layer uses to track peer daemons.
type BusToBusListener interface {
	AddedBusToBus(ep Endpoint)
	RemovedBusToBus(ep Endpoint)
}

// Router takes inbound messages and routes them to an appropriate set of
// endpoints. It owns the name table, the rule table and the session cast
// table. Lock order for composite operations is name table, then rule
// table, then session cast table; no lock is ever held across an endpoint
// push.
type Router struct {
	nameTable *NameTable
	ruleTable *RuleTable

	sessionCastLock sync.Mutex
	sessionCast     sessionCastSet

	b2bLock      sync.Mutex
	b2bEndpoints []Endpoint

	mu            sync.Mutex
	localEndpoint *LocalEndpoint
	autoStarter   AutoStarter
	b2bListener   BusToBusListener

	log logging.LeveledLogger
}

// NewRouter creates a router with empty tables.
func NewRouter(loggerFactory logging.LoggerFactory) *Router {
	return &Router{
		nameTable: NewNameTable(),
		ruleTable: NewRuleTable(),
		log:       loggerFactory.NewLogger("router"),
	}
}

// NameTable exposes the router's name table.
func (r *Router) NameTable() *NameTable { return r.nameTable }

// RuleTable exposes the router's rule table.
func (r *Router) RuleTable() *RuleTable { return r.ruleTable }

// SetAutoStarter installs the service launcher invoked on auto-start misses.
func (r *Router) SetAutoStarter(s AutoStarter) {
	r.mu.Lock()
	r.autoStarter = s
	r.mu.Unlock()
}

// SetBusToBusListener installs the observer of bus-to-bus arrivals.
func (r *Router) SetBusToBusListener(l BusToBusListener) {
	r.mu.Lock()
	r.b2bListener = l
	r.mu.Unlock()
}

// LocalEndpoint returns the registered local endpoint, or nil before
// registration.
func (r *Router) LocalEndpoint() *LocalEndpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.localEndpoint
}

// GenerateUniqueName mints a fresh unique name, used by transports for
// bus-to-bus endpoints that do not appear in the name table.
func (r *Router) GenerateUniqueName() string {
	return r.nameTable.GenerateUniqueName()
}

// GetBusNames returns all currently owned well-known names.
func (r *Router) GetBusNames() []string {
	return r.nameTable.GetBusNames()
}

// AddRule subscribes ep with a match rule.
func (r *Router) AddRule(ep Endpoint, rule Rule) {
	r.ruleTable.AddRule(ep, rule)
}

// RemoveRule removes the first rule equal to rule for ep.
func (r *Router) RemoveRule(ep Endpoint, rule Rule) {
	r.ruleTable.RemoveRule(ep, rule)
}

// RemoveAllRules removes every rule for ep.
func (r *Router) RemoveAllRules(ep Endpoint) {
	r.ruleTable.RemoveAllRules(ep)
}

// RegisterEndpoint places an endpoint on the bus. Non-bus-to-bus endpoints
// are added to the name table (obtaining a unique name when they have none);
// bus-to-bus endpoints are tracked on their own list, their names being
// managed by the session control layer.
func (r *Router) RegisterEndpoint(ep Endpoint) error {
	r.log.Tracef("RegisterEndpoint(%s, %s)", ep.UniqueName(), ep.Kind())

	if local, ok := ep.(*LocalEndpoint); ok {
		r.mu.Lock()
		r.localEndpoint = local
		r.mu.Unlock()
	}

	if ep.Kind() == EndpointBusToBus {
		r.b2bLock.Lock()
		r.b2bEndpoints = append(r.b2bEndpoints, ep)
		r.b2bLock.Unlock()

		r.mu.Lock()
		listener := r.b2bListener
		r.mu.Unlock()
		if listener != nil {
			listener.AddedBusToBus(ep)
		}

		return nil
	}

	r.nameTable.AddUniqueName(ep)

	return nil
}

// UnregisterEndpoint removes an endpoint from the bus, dropping its names,
// rules and session routes.
func (r *Router) UnregisterEndpoint(ep Endpoint) {
	r.log.Tracef("UnregisterEndpoint(%s, %s)", ep.UniqueName(), ep.Kind())

	if ep.Kind() == EndpointBusToBus {
		r.b2bLock.Lock()
		for i, e := range r.b2bEndpoints {
			if e == ep {
				r.b2bEndpoints = append(r.b2bEndpoints[:i], r.b2bEndpoints[i+1:]...)

				break
			}
		}
		r.b2bLock.Unlock()

		r.sessionCastLock.Lock()
		r.sessionCast.removeIf(func(e SessionCastEntry) bool {
			return e.b2bEp != nil && Endpoint(e.b2bEp) == ep
		})
		r.sessionCastLock.Unlock()

		r.mu.Lock()
		listener := r.b2bListener
		r.mu.Unlock()
		if listener != nil {
			listener.RemovedBusToBus(ep)
		}

		return
	}

	uniqueName := ep.UniqueName()
	r.RemoveSessionRoutes(uniqueName, 0)
	r.nameTable.RemoveUniqueName(uniqueName)
	r.ruleTable.RemoveAllRules(ep)

	if local, ok := ep.(*LocalEndpoint); ok {
		r.mu.Lock()
		if r.localEndpoint == local {
			r.localEndpoint = nil
		}
		r.mu.Unlock()
	}
}

// FindEndpoint resolves a bus name, falling back to the bus-to-bus list for
// names the name table does not carry.
func (r *Router) FindEndpoint(busName string) Endpoint {
	if ep := r.nameTable.FindEndpoint(busName); ep != nil {
		return ep
	}

	r.b2bLock.Lock()
	defer r.b2bLock.Unlock()
	for _, ep := range r.b2bEndpoints {
		if ep.UniqueName() == busName {
			return ep
		}
	}

	return nil
}

// sendThroughEndpoint delivers msg on ep, using the session-aware push when
// a session multicast resolves to a virtual endpoint.
func (r *Router) sendThroughEndpoint(msg *Message, ep Endpoint, sessionID uint32) error {
	var err error
	if sessionID != 0 {
		if sp, ok := ep.(sessionPusher); ok && ep.Kind() == EndpointVirtual {
			err = sp.PushMessageSession(msg, sessionID)
		} else {
			err = ep.PushMessage(msg)
		}
	} else {
		err = ep.PushMessage(msg)
	}
	if err != nil {
		r.log.Errorf("sendThroughEndpoint(dest=%s, ep=%s, id=%d) failed: %v",
			msg.Destination, ep.UniqueName(), sessionID, err)
	}

	return err
}

// PushMessage routes msg on behalf of sender: unicast when a destination is
// named, session multicast when a session id is set, rule-matched (and
// optionally global) broadcast otherwise.
func (r *Router) PushMessage(msg *Message, sender Endpoint) error {
	switch {
	case msg.Destination != "":
		return r.pushUnicast(msg, sender)
	case msg.SessionID == 0:
		return r.pushBroadcast(msg, sender)
	default:
		return r.pushSessionCast(msg, sender)
	}
}

func (r *Router) pushUnicast(msg *Message, sender Endpoint) error {
	replyExpected := msg.ReplyExpected()

	destEp, release := r.nameTable.ReserveEndpoint(msg.Destination)
	if destEp == nil {
		return r.unicastMiss(msg, sender, replyExpected)
	}

	// Off-device traffic may only reach endpoints that opted in.
	if sender.Kind() == EndpointBusToBus && !destEp.AllowRemoteMessages() {
		release()
		r.log.Debugf("blocking message from %s to %s (serial=%d): receiver does not allow remote messages",
			msg.Sender, destEp.UniqueName(), msg.CallSerial)
		if replyExpected {
			r.replyWithError(msg, errNameBlocked,
				"Remote method calls blocked for bus name: "+msg.Destination)
		}

		return nil
	}

	// A method call going off device from a sender that cannot receive
	// remote messages would have its reply blocked; fail fast instead of
	// deadlocking the caller.
	if destEp.Kind() == EndpointVirtual && replyExpected && !sender.AllowRemoteMessages() {
		release()
		r.log.Debugf("blocking method call from %s to %s (serial=%d): caller does not allow remote messages",
			msg.Sender, destEp.UniqueName(), msg.CallSerial)
		r.replyWithError(msg, errNameBlocked,
			"Method reply would be blocked because caller does not allow remote messages")

		return nil
	}

	err := r.sendThroughEndpoint(msg, destEp, msg.SessionID)
	release()

	return err
}

func (r *Router) unicastMiss(msg *Message, sender Endpoint, replyExpected bool) error {
	var err error

	r.mu.Lock()
	starter := r.autoStarter
	r.mu.Unlock()

	senderKind := sender.Kind()
	if msg.Flags&FlagAutoStart != 0 && senderKind != EndpointBusToBus && senderKind != EndpointNull && starter != nil {
		err = starter.StartService(msg, sender)
	} else {
		err = ErrNoRoute
	}
	if err == nil {
		return nil
	}

	if replyExpected {
		r.log.Infof("returning error for %s: no route to %s", msg.Description(), msg.Destination)
		r.replyWithError(msg, errNameServiceUnknown, "Unknown bus name: "+msg.Destination)

		return nil
	}
	r.log.Debugf("discarding %s: no route to %s:%d", msg.Description(), msg.Destination, msg.SessionID)

	return err
}

// replyWithError synthesizes an error reply and routes it back through the
// bus on behalf of the local endpoint.
func (r *Router) replyWithError(msg *Message, errName, description string) {
	r.mu.Lock()
	local := r.localEndpoint
	r.mu.Unlock()
	if local == nil {
		r.log.Warnf("no local endpoint, dropping synthesized %s", errName)

		return
	}

	reply := NewErrorReply(msg, errName, description)
	if err := r.PushMessage(reply, local); err != nil {
		r.log.Warnf("failed to deliver synthesized %s to %s: %v", errName, reply.Destination, err)
	}
}

func (r *Router) pushBroadcast(msg *Message, sender Endpoint) error {
	var status error

	senderIsB2B := sender.Kind() == EndpointBusToBus
	delivered := make(map[Endpoint]bool)

	r.ruleTable.Lock()
	i := r.ruleTable.Begin()
	for i < r.ruleTable.End() {
		ep, rule := r.ruleTable.At(i)
		if !rule.IsMatch(msg) || delivered[ep] {
			i++

			continue
		}
		delivered[ep] = true

		// Forward if the message originated locally or the destination
		// allows remote messages; otherwise silently ignore it.
		if !(senderIsB2B && !ep.AllowRemoteMessages()) {
			release := reserve(ep)
			r.ruleTable.Unlock()
			if err := r.sendThroughEndpoint(msg, ep, msg.SessionID); status == nil {
				status = err
			}
			release()
			r.ruleTable.Lock()
			if i > r.ruleTable.End() {
				i = r.ruleTable.End()
			}
		}
		i = r.ruleTable.AdvanceToNextEndpoint(i, ep)
	}
	r.ruleTable.Unlock()

	// Route global broadcasts to every bus-to-bus endpoint that is not the
	// original sender.
	if msg.IsGlobalBroadcast() {
		r.b2bLock.Lock()
		snapshot := append([]Endpoint(nil), r.b2bEndpoints...)
		r.b2bLock.Unlock()

		for _, ep := range snapshot {
			if ep == sender {
				continue
			}
			release := r.reserveB2B(ep)
			if release == nil {
				continue
			}
			if err := r.sendThroughEndpoint(msg, ep, msg.SessionID); status == nil {
				status = err
			}
			release()
		}
	}

	return status
}

// reserveB2B re-checks membership under the lock before reserving, so an
// endpoint that was unregistered after the snapshot is skipped rather than
// revived.
func (r *Router) reserveB2B(ep Endpoint) func() {
	r.b2bLock.Lock()
	defer r.b2bLock.Unlock()
	for _, e := range r.b2bEndpoints {
		if e == ep {
			return reserve(ep)
		}
	}

	return nil
}

func (r *Router) pushSessionCast(msg *Message, _ Endpoint) error {
	var status error

	var lastB2B *RemoteEndpoint
	probe := SessionCastEntry{id: msg.SessionID, src: msg.Sender}

	r.sessionCastLock.Lock()
	idx := r.sessionCast.lowerBound(probe)
	for idx < len(r.sessionCast.entries) {
		entry := r.sessionCast.entries[idx]
		if entry.id != probe.id || entry.src != probe.src {
			break
		}
		// One delivery per bus-to-bus hop: contiguous entries sharing a
		// b2b endpoint fan out on the remote daemon.
		if entry.b2bEp == nil || entry.b2bEp != lastB2B {
			lastB2B = entry.b2bEp
			release := reserve(entry.destEp)
			r.sessionCastLock.Unlock()
			if err := r.sendThroughEndpoint(msg, entry.destEp, msg.SessionID); status == nil {
				status = err
			}
			release()
			r.sessionCastLock.Lock()
			idx = r.sessionCast.lowerBound(entry)
		}
		idx++
	}
	r.sessionCastLock.Unlock()

	return status
}

// AddSessionRoute records that a session has been established between srcEp
// and destEp, inserting the paired session cast entries. For virtual
// endpoints the per-session bus-to-bus reference is recorded as well.
func (r *Router) AddSessionRoute(id uint32, srcEp Endpoint, srcB2B *RemoteEndpoint, destEp Endpoint, destB2B *RemoteEndpoint) error {
	if id == 0 {
		return ErrNoSession
	}

	if vdest, ok := destEp.(*VirtualEndpoint); ok {
		if destB2B == nil {
			return ErrNoSession
		}
		vdest.AddSessionRef(id, destB2B)
	}

	if srcB2B != nil {
		vsrc, ok := srcEp.(*VirtualEndpoint)
		if !ok {
			return ErrNoEndpoint
		}
		vsrc.AddSessionRef(id, srcB2B)
	}

	r.sessionCastLock.Lock()
	r.sessionCast.insert(SessionCastEntry{id: id, src: srcEp.UniqueName(), b2bEp: destB2B, destEp: destEp})
	r.sessionCast.insert(SessionCastEntry{id: id, src: destEp.UniqueName(), b2bEp: srcB2B, destEp: srcEp})
	r.sessionCastLock.Unlock()

	return nil
}

// RemoveSessionRoute tears down the paired session cast entries for a
// session between srcEp and destEp.
func (r *Router) RemoveSessionRoute(id uint32, srcEp, destEp Endpoint) error {
	if id == 0 {
		return ErrNoSession
	}

	var srcB2B, destB2B *RemoteEndpoint
	if vdest, ok := destEp.(*VirtualEndpoint); ok {
		destB2B = vdest.B2BEndpoint(id)
		vdest.RemoveSessionRef(id)
	}
	if vsrc, ok := srcEp.(*VirtualEndpoint); ok {
		srcB2B = vsrc.B2BEndpoint(id)
		vsrc.RemoveSessionRef(id)
	}

	r.sessionCastLock.Lock()
	r.sessionCast.remove(SessionCastEntry{id: id, src: srcEp.UniqueName(), b2bEp: destB2B, destEp: destEp})
	r.sessionCast.remove(SessionCastEntry{id: id, src: destEp.UniqueName(), b2bEp: srcB2B, destEp: srcEp})
	r.sessionCastLock.Unlock()

	return nil
}

// RemoveSessionRoutes removes every session route keyed by src for the given
// session, or for all sessions when id is zero.
func (r *Router) RemoveSessionRoutes(src string, id uint32) {
	ep := r.FindEndpoint(src)

	r.sessionCastLock.Lock()
	r.sessionCast.removeIf(func(e SessionCastEntry) bool {
		if (e.id != id && id != 0) || (e.src != src && (ep == nil || e.destEp != ep)) {
			return false
		}
		if e.id != 0 {
			if vep, ok := e.destEp.(*VirtualEndpoint); ok {
				vep.RemoveSessionRef(e.id)
			}
		}

		return true
	})
	r.sessionCastLock.Unlock()
}

