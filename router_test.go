package icebus

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockEndpoint records every message pushed to it.
type mockEndpoint struct {
	mu          sync.Mutex
	uniqueName  string
	kind        EndpointKind
	allowRemote bool
	features    EndpointFeatures
	received    []*Message
	block       chan struct{}
}

func newMockEndpoint(name string, kind EndpointKind, allowRemote bool) *mockEndpoint {
	return &mockEndpoint{
		uniqueName:  name,
		kind:        kind,
		allowRemote: allowRemote,
		features:    EndpointFeatures{IsBusToBus: kind == EndpointBusToBus, AllowRemote: allowRemote},
	}
}

func (ep *mockEndpoint) UniqueName() string          { return ep.uniqueName }
func (ep *mockEndpoint) setUniqueName(name string)   { ep.uniqueName = name }
func (ep *mockEndpoint) Kind() EndpointKind          { return ep.kind }
func (ep *mockEndpoint) AllowRemoteMessages() bool   { return ep.allowRemote }
func (ep *mockEndpoint) Features() *EndpointFeatures { return &ep.features }

func (ep *mockEndpoint) PushMessage(msg *Message) error {
	if ep.block != nil {
		<-ep.block
	}
	ep.mu.Lock()
	ep.received = append(ep.received, msg)
	ep.mu.Unlock()

	return nil
}

func (ep *mockEndpoint) messages() []*Message {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	return append([]*Message(nil), ep.received...)
}

func newTestRouter(t *testing.T) (*Router, *LocalEndpoint, *[]*Message, *sync.Mutex) {
	t.Helper()

	router := NewRouter(logging.NewDefaultLoggerFactory())
	local := NewLocalEndpoint(logging.NewDefaultLoggerFactory())

	mu := &sync.Mutex{}
	localMsgs := &[]*Message{}
	local.OnMessage(func(msg *Message) {
		mu.Lock()
		*localMsgs = append(*localMsgs, msg)
		mu.Unlock()
	})
	require.NoError(t, router.RegisterEndpoint(local))

	return router, local, localMsgs, mu
}

func registerMock(t *testing.T, router *Router, kind EndpointKind, allowRemote bool) *mockEndpoint {
	t.Helper()
	ep := newMockEndpoint("", kind, allowRemote)
	if kind == EndpointBusToBus {
		ep.uniqueName = router.GenerateUniqueName()
	}
	require.NoError(t, router.RegisterEndpoint(ep))

	return ep
}

// Unicast, happy path: a method call to an owned alias reaches the owner
// unchanged.
func TestRouterUnicast(t *testing.T) {
	router, _, _, _ := newTestRouter(t)

	epA := registerMock(t, router, EndpointRemoteClient, true)
	epB := registerMock(t, router, EndpointRemoteClient, true)
	require.Equal(t, AliasPrimary, router.NameTable().AddAlias("com.example.A", epA, 0))

	msg := NewMethodCall(epB.UniqueName(), "com.example.A", "com.example.Iface", "Frob", "/com/example", 42)
	require.NoError(t, router.PushMessage(msg, epB))

	got := epA.messages()
	require.Len(t, got, 1)
	assert.Equal(t, epB.UniqueName(), got[0].Sender)
	assert.Equal(t, uint32(42), got[0].CallSerial)
	assert.Empty(t, epB.messages())
}

// Unknown destination with a reply expected yields exactly one synthesized
// ServiceUnknown error back to the sender; without a reply expected the
// message is silently dropped.
func TestRouterUnknownDestination(t *testing.T) {
	t.Run("ReplyExpected", func(t *testing.T) {
		router, _, _, _ := newTestRouter(t)
		epA := registerMock(t, router, EndpointRemoteClient, true)

		msg := NewMethodCall(epA.UniqueName(), "com.example.Ghost", "com.example.Iface", "Boo", "/", 7)
		require.NoError(t, router.PushMessage(msg, epA))

		got := epA.messages()
		require.Len(t, got, 1)
		assert.Equal(t, MessageError, got[0].Type)
		assert.Equal(t, errNameServiceUnknown, got[0].ErrorName)
		assert.Equal(t, uint32(7), got[0].ReplySerial)
	})

	t.Run("NoReplyExpected", func(t *testing.T) {
		router, _, _, _ := newTestRouter(t)
		epA := registerMock(t, router, EndpointRemoteClient, true)

		msg := NewMethodCall(epA.UniqueName(), "com.example.Ghost", "com.example.Iface", "Boo", "/", 8)
		msg.Flags |= FlagNoReplyExpected
		err := router.PushMessage(msg, epA)
		assert.ErrorIs(t, err, ErrNoRoute)
		assert.Empty(t, epA.messages())
	})
}

// Global broadcast reaches rule subscribers plus every bus-to-bus endpoint
// except the sender.
func TestRouterGlobalBroadcast(t *testing.T) {
	router, _, _, _ := newTestRouter(t)

	ep1 := registerMock(t, router, EndpointRemoteClient, true)
	b2b2 := registerMock(t, router, EndpointBusToBus, true)
	b2b3 := registerMock(t, router, EndpointBusToBus, true)
	sender := registerMock(t, router, EndpointRemoteClient, true)

	rule, err := ParseRule("type='signal',interface='com.example.Iface'")
	require.NoError(t, err)
	router.AddRule(ep1, rule)

	msg := NewSignal(sender.UniqueName(), "com.example.Iface", "Changed", "/", 1)
	msg.Flags |= FlagGlobalBroadcast
	require.NoError(t, router.PushMessage(msg, sender))

	assert.Len(t, ep1.messages(), 1)
	assert.Len(t, b2b2.messages(), 1)
	assert.Len(t, b2b3.messages(), 1)
	assert.Empty(t, sender.messages(), "no redelivery to the sender")
}

// Global broadcast from a bus-to-bus endpoint skips that endpoint.
func TestRouterGlobalBroadcastSkipsSendingB2B(t *testing.T) {
	router, _, _, _ := newTestRouter(t)

	b2bIn := registerMock(t, router, EndpointBusToBus, true)
	b2bOther := registerMock(t, router, EndpointBusToBus, true)

	msg := NewSignal(":2.0", "com.example.Iface", "Changed", "/", 1)
	msg.Flags |= FlagGlobalBroadcast
	require.NoError(t, router.PushMessage(msg, b2bIn))

	assert.Empty(t, b2bIn.messages())
	assert.Len(t, b2bOther.messages(), 1)
}

// A matching rule on an endpoint that refuses remote messages drops
// bus-to-bus traffic with no synthesized error.
func TestRouterRuleMatchRemotePolicy(t *testing.T) {
	router, _, localMsgs, mu := newTestRouter(t)

	ep1 := registerMock(t, router, EndpointRemoteClient, false)
	b2b := registerMock(t, router, EndpointBusToBus, true)

	rule, err := ParseRule("type='signal'")
	require.NoError(t, err)
	router.AddRule(ep1, rule)

	msg := NewSignal(":2.0", "com.example.Iface", "Changed", "/", 5)
	require.NoError(t, router.PushMessage(msg, b2b))

	assert.Empty(t, ep1.messages())
	mu.Lock()
	assert.Empty(t, *localMsgs)
	mu.Unlock()
}

// Multiple matching rules on one endpoint produce a single delivery.
func TestRouterBroadcastNoRedeliveryPerEndpoint(t *testing.T) {
	router, _, _, _ := newTestRouter(t)

	ep1 := registerMock(t, router, EndpointRemoteClient, true)
	sender := registerMock(t, router, EndpointRemoteClient, true)

	router.AddRule(ep1, Rule{Type: MessageSignal})
	router.AddRule(ep1, Rule{Interface: "com.example.Iface"})

	msg := NewSignal(sender.UniqueName(), "com.example.Iface", "Changed", "/", 1)
	require.NoError(t, router.PushMessage(msg, sender))

	assert.Len(t, ep1.messages(), 1)
}

// Unicast to an endpoint that refuses remote messages synthesizes a Blocked
// reply for a method call arriving over bus-to-bus.
func TestRouterUnicastBlocked(t *testing.T) {
	router, _, _, _ := newTestRouter(t)

	dest := registerMock(t, router, EndpointRemoteClient, false)
	b2b := registerMock(t, router, EndpointBusToBus, true)

	// The remote caller is known locally through a virtual endpoint.
	caller := newMockEndpoint(":2.0", EndpointVirtual, true)
	require.NoError(t, router.RegisterEndpoint(caller))

	msg := NewMethodCall(":2.0", dest.UniqueName(), "com.example.Iface", "Frob", "/", 11)
	require.NoError(t, router.PushMessage(msg, b2b))

	assert.Empty(t, dest.messages())
	// The blocked error routes back toward the remote caller.
	got := caller.messages()
	require.Len(t, got, 1)
	assert.Equal(t, errNameBlocked, got[0].ErrorName)
	assert.Equal(t, uint32(11), got[0].ReplySerial)
	assert.Empty(t, b2b.messages())
}

// Session multicast: entries keyed by the sender fan out once per
// destination, never back to the sender.
func TestRouterSessionCast(t *testing.T) {
	router, _, _, _ := newTestRouter(t)

	ep0 := registerMock(t, router, EndpointRemoteClient, true)
	ep1 := registerMock(t, router, EndpointRemoteClient, true)

	require.NoError(t, router.AddSessionRoute(99, ep0, nil, ep1, nil))

	msg := NewSignal(ep0.UniqueName(), "com.example.Iface", "Changed", "/", 1)
	msg.SessionID = 99
	require.NoError(t, router.PushMessage(msg, ep0))

	assert.Len(t, ep1.messages(), 1)
	assert.Empty(t, ep0.messages())

	// And the reverse direction works symmetrically.
	back := NewSignal(ep1.UniqueName(), "com.example.Iface", "Changed", "/", 2)
	back.SessionID = 99
	require.NoError(t, router.PushMessage(back, ep1))
	assert.Len(t, ep0.messages(), 1)
}

func TestRouterRemoveSessionRoute(t *testing.T) {
	router, _, _, _ := newTestRouter(t)

	ep0 := registerMock(t, router, EndpointRemoteClient, true)
	ep1 := registerMock(t, router, EndpointRemoteClient, true)

	require.NoError(t, router.AddSessionRoute(99, ep0, nil, ep1, nil))
	require.NoError(t, router.RemoveSessionRoute(99, ep0, ep1))

	msg := NewSignal(ep0.UniqueName(), "com.example.Iface", "Changed", "/", 1)
	msg.SessionID = 99
	require.NoError(t, router.PushMessage(msg, ep0))
	assert.Empty(t, ep1.messages())
}

// Session multicast deduplicates deliveries sharing a bus-to-bus hop.
func TestRouterSessionCastB2BDedup(t *testing.T) {
	router, _, _, _ := newTestRouter(t)

	src := registerMock(t, router, EndpointRemoteClient, true)

	// The shared hop both remote members sit behind.
	b2b := &RemoteEndpoint{
		uniqueName: router.GenerateUniqueName(),
		features:   EndpointFeatures{IsBusToBus: true},
	}
	b2b.waitersCond = sync.NewCond(&b2b.waitersMu)
	require.NoError(t, router.RegisterEndpoint(b2b))

	member1 := newMockEndpoint(":8.1", EndpointVirtual, true)
	member2 := newMockEndpoint(":8.2", EndpointVirtual, true)

	require.NoError(t, router.AddSessionRoute(99, src, nil, member1, b2b))
	require.NoError(t, router.AddSessionRoute(99, src, nil, member2, b2b))

	msg := NewSignal(src.UniqueName(), "com.example.Iface", "Changed", "/", 1)
	msg.SessionID = 99
	require.NoError(t, router.PushMessage(msg, src))

	// Both destinations ride the same bus-to-bus hop; the remote daemon
	// fans out, so exactly one push leaves here.
	total := len(member1.messages()) + len(member2.messages())
	assert.Equal(t, 1, total)
}

// Concurrent pushes to distinct endpoints must not serialize on the router:
// a blocked delivery to one endpoint cannot delay delivery to another.
func TestRouterConcurrentPushes(t *testing.T) {
	router, _, _, _ := newTestRouter(t)

	slow := registerMock(t, router, EndpointRemoteClient, true)
	slow.block = make(chan struct{})
	fast := registerMock(t, router, EndpointRemoteClient, true)
	sender := registerMock(t, router, EndpointRemoteClient, true)

	started := make(chan struct{})
	go func() {
		close(started)
		msg := NewMethodCall(sender.UniqueName(), slow.UniqueName(), "i", "m", "/", 1)
		msg.Flags |= FlagNoReplyExpected
		_ = router.PushMessage(msg, sender)
	}()
	<-started

	done := make(chan struct{})
	go func() {
		msg := NewMethodCall(sender.UniqueName(), fast.UniqueName(), "i", "m", "/", 2)
		msg.Flags |= FlagNoReplyExpected
		_ = router.PushMessage(msg, sender)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("push to a fast endpoint was blocked by a slow endpoint's I/O")
	}

	close(slow.block)
	require.Eventually(t, func() bool { return len(slow.messages()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Len(t, fast.messages(), 1)
}

// An endpoint with waiters is not destroyed: Join blocks until the count
// returns to zero.
func TestRemoteEndpointWaitersGuardDestruction(t *testing.T) {
	ep := &RemoteEndpoint{uniqueName: ":1.5"}
	ep.waitersCond = sync.NewCond(&ep.waitersMu)

	ep.IncrementWaiters()

	released := make(chan struct{})
	go func() {
		ep.WaitForZeroWaiters()
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("destruction proceeded while waiters > 0")
	case <-time.After(50 * time.Millisecond):
	}

	ep.DecrementWaiters()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("destruction did not proceed after waiters reached zero")
	}
}
