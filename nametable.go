package icebus

import (
	"fmt"
	"strings"
	"sync"
)

// AliasFlags modify how well-known name ownership is acquired.
type AliasFlags uint8

// Alias request flags, matching the DBus RequestName semantics.
const (
	// AliasFlagAllowReplacement permits a later ReplaceExisting request to
	// take the name from this owner.
	AliasFlagAllowReplacement AliasFlags = 0x01
	// AliasFlagReplaceExisting asks to displace the current primary owner.
	AliasFlagReplaceExisting AliasFlags = 0x02
	// AliasFlagDoNotQueue rejects the request outright instead of queueing
	// when the name cannot be acquired.
	AliasFlagDoNotQueue AliasFlags = 0x04
)

// AliasDisposition is the outcome of an alias add or remove.
type AliasDisposition uint8

// Alias dispositions.
const (
	// AliasPrimary means the caller is now the primary owner.
	AliasPrimary AliasDisposition = iota
	// AliasQueued means the caller was appended to the ownership queue.
	AliasQueued
	// AliasInQueue means the caller was already queued; its flags were
	// updated in place.
	AliasInQueue
	// AliasAlreadyOwner means the caller was already the primary owner.
	AliasAlreadyOwner
	// AliasRejected means the request was refused.
	AliasRejected
	// AliasReleased means the caller's claim was removed.
	AliasReleased
	// AliasNotFound means the name has no owner.
	AliasNotFound
	// AliasNotOwner means the caller holds no claim on the name.
	AliasNotOwner
)

// NameListener observes well-known and unique name ownership changes.
// oldOwner or newOwner is empty when the name is appearing or disappearing.
// Callbacks fire with no table locks held, strictly after the mutation is
// visible to lookups, in mutation order.
type NameListener func(name, oldOwner, newOwner string)

type aliasEntry struct {
	ep    Endpoint
	flags AliasFlags
}

type nameChange struct {
	name     string
	oldOwner string
	newOwner string
}

// NameTable maps unique names to endpoints and well-known names to ordered
// ownership queues.
type NameTable struct {
	mu           sync.Mutex
	uniquePrefix uint32
	uniqueSuffix uint32
	uniqueNames  map[string]Endpoint
	aliasNames   map[string][]aliasEntry

	// Listener list and pending ownership notifications, drained after mu
	// is released. notifyMu is always acquired after mu, never before.
	notifyMu  sync.Mutex
	listeners []NameListener
	pending   []nameChange
	draining  bool
}

// NewNameTable creates an empty name table.
func NewNameTable() *NameTable {
	return &NameTable{
		uniquePrefix: 1,
		uniqueNames:  make(map[string]Endpoint),
		aliasNames:   make(map[string][]aliasEntry),
	}
}

// AddListener registers a name-owner-changed listener.
func (t *NameTable) AddListener(l NameListener) {
	t.notifyMu.Lock()
	t.listeners = append(t.listeners, l)
	t.notifyMu.Unlock()
}

// GenerateUniqueName returns a fresh unique name of the form ":N.M".
func (t *NameTable) GenerateUniqueName() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.generateUniqueNameLocked()
}

func (t *NameTable) generateUniqueNameLocked() string {
	t.uniqueSuffix++

	return fmt.Sprintf(":%d.%d", t.uniquePrefix, t.uniqueSuffix)
}

// AddUniqueName registers ep under a freshly generated unique name and
// returns that name. Endpoints that accept a name assignment receive it.
func (t *NameTable) AddUniqueName(ep Endpoint) string {
	t.mu.Lock()
	name := ep.UniqueName()
	if name == "" {
		name = t.generateUniqueNameLocked()
		if n, ok := ep.(nameable); ok {
			n.setUniqueName(name)
		}
	}
	t.uniqueNames[name] = ep
	t.queueNotifyLocked(name, "", name)
	t.mu.Unlock()
	t.drainNotifications()

	return name
}

// RemoveUniqueName unregisters the unique name. Every alias where it is the
// primary owner is promoted to the next queued owner or cleared, and every
// queue entry referencing it is dropped.
func (t *NameTable) RemoveUniqueName(name string) {
	t.mu.Lock()
	if _, ok := t.uniqueNames[name]; !ok {
		t.mu.Unlock()

		return
	}

	for alias, queue := range t.aliasNames {
		t.purgeOwnerLocked(alias, queue, name)
	}

	delete(t.uniqueNames, name)
	t.queueNotifyLocked(name, name, "")
	t.mu.Unlock()
	t.drainNotifications()
}

// purgeOwnerLocked removes every claim of owner on alias, promoting or
// clearing as needed.
func (t *NameTable) purgeOwnerLocked(alias string, queue []aliasEntry, owner string) {
	if len(queue) == 0 {
		return
	}
	hadPrimary := queue[0].ep.UniqueName() == owner

	kept := queue[:0]
	for _, e := range queue {
		if e.ep.UniqueName() != owner {
			kept = append(kept, e)
		}
	}

	switch {
	case len(kept) == 0:
		delete(t.aliasNames, alias)
		if hadPrimary {
			t.queueNotifyLocked(alias, owner, "")
		}
	default:
		t.aliasNames[alias] = kept
		if hadPrimary {
			t.queueNotifyLocked(alias, owner, kept[0].ep.UniqueName())
		}
	}
}

// AddAlias requests ownership of a well-known name for owner.
func (t *NameTable) AddAlias(alias string, owner Endpoint, flags AliasFlags) AliasDisposition {
	t.mu.Lock()
	disposition := t.addAliasLocked(alias, owner, flags)
	t.mu.Unlock()
	t.drainNotifications()

	return disposition
}

func (t *NameTable) addAliasLocked(alias string, owner Endpoint, flags AliasFlags) AliasDisposition {
	queue := t.aliasNames[alias]
	if len(queue) == 0 {
		t.aliasNames[alias] = []aliasEntry{{ep: owner, flags: flags}}
		t.queueNotifyLocked(alias, "", owner.UniqueName())

		return AliasPrimary
	}

	head := queue[0]
	if head.ep == owner {
		queue[0].flags = flags

		return AliasAlreadyOwner
	}

	if flags&AliasFlagReplaceExisting != 0 && head.flags&AliasFlagAllowReplacement != 0 {
		newQueue := []aliasEntry{{ep: owner, flags: flags}}
		if head.flags&AliasFlagDoNotQueue == 0 {
			newQueue = append(newQueue, head)
		}
		for _, e := range queue[1:] {
			if e.ep != owner {
				newQueue = append(newQueue, e)
			}
		}
		t.aliasNames[alias] = newQueue
		t.queueNotifyLocked(alias, head.ep.UniqueName(), owner.UniqueName())

		return AliasPrimary
	}

	if flags&AliasFlagDoNotQueue != 0 {
		return AliasRejected
	}

	for i, e := range queue[1:] {
		if e.ep == owner {
			queue[i+1].flags = flags

			return AliasInQueue
		}
	}
	t.aliasNames[alias] = append(queue, aliasEntry{ep: owner, flags: flags})

	return AliasQueued
}

// RemoveAlias releases owner's claim on a well-known name, promoting the
// next queued owner when the primary releases.
func (t *NameTable) RemoveAlias(alias string, owner Endpoint) AliasDisposition {
	t.mu.Lock()
	disposition := t.removeAliasLocked(alias, owner)
	t.mu.Unlock()
	t.drainNotifications()

	return disposition
}

func (t *NameTable) removeAliasLocked(alias string, owner Endpoint) AliasDisposition {
	queue := t.aliasNames[alias]
	if len(queue) == 0 {
		return AliasNotFound
	}

	idx := -1
	for i, e := range queue {
		if e.ep == owner {
			idx = i

			break
		}
	}
	if idx < 0 {
		return AliasNotOwner
	}

	queue = append(queue[:idx], queue[idx+1:]...)
	switch {
	case len(queue) == 0:
		delete(t.aliasNames, alias)
		if idx == 0 {
			t.queueNotifyLocked(alias, owner.UniqueName(), "")
		}
	default:
		t.aliasNames[alias] = queue
		if idx == 0 {
			t.queueNotifyLocked(alias, owner.UniqueName(), queue[0].ep.UniqueName())
		}
	}

	return AliasReleased
}

// SetVirtualAlias transfers ownership of a virtual alias. Queueing for
// virtual aliases is delegated to the remote daemon, so ownership changes
// wholesale. A nil newOwner clears the alias. requestingEp guards clears: a
// clear is refused when requestingEp is set and is not the current virtual
// owner; transfers to a new owner are not checked against it. Returns
// true iff ownership actually changed.
func (t *NameTable) SetVirtualAlias(alias string, newOwner *VirtualEndpoint, requestingEp Endpoint) bool {
	t.mu.Lock()

	queue := t.aliasNames[alias]
	var oldOwner Endpoint
	if len(queue) > 0 {
		oldOwner = queue[0].ep
	}

	if oldOwner != nil {
		vep, ok := oldOwner.(*VirtualEndpoint)
		if !ok {
			// Only virtual aliases may be rewritten through this path.
			t.mu.Unlock()

			return false
		}
		if newOwner == nil && requestingEp != nil && Endpoint(vep) != requestingEp {
			// A stale bus-to-bus path may not clear a name it no
			// longer carries.
			t.mu.Unlock()

			return false
		}
	}

	changed := false
	switch {
	case newOwner == nil && oldOwner != nil:
		delete(t.aliasNames, alias)
		t.queueNotifyLocked(alias, oldOwner.UniqueName(), "")
		changed = true
	case newOwner != nil && oldOwner != newOwner:
		t.aliasNames[alias] = []aliasEntry{{ep: newOwner}}
		old := ""
		if oldOwner != nil {
			old = oldOwner.UniqueName()
		}
		t.queueNotifyLocked(alias, old, newOwner.UniqueName())
		changed = true
	}

	t.mu.Unlock()
	t.drainNotifications()

	return changed
}

// RemoveVirtualAliases drops every virtual alias whose owner is ep.
func (t *NameTable) RemoveVirtualAliases(ep *VirtualEndpoint) {
	t.mu.Lock()
	for alias, queue := range t.aliasNames {
		if len(queue) > 0 && queue[0].ep == ep {
			delete(t.aliasNames, alias)
			t.queueNotifyLocked(alias, ep.UniqueName(), "")
		}
	}
	t.mu.Unlock()
	t.drainNotifications()
}

// FindEndpoint resolves a bus name (unique or well-known) to its endpoint.
func (t *NameTable) FindEndpoint(name string) Endpoint {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.findEndpointLocked(name)
}

func (t *NameTable) findEndpointLocked(name string) Endpoint {
	if strings.HasPrefix(name, ":") {
		return t.uniqueNames[name]
	}
	if queue := t.aliasNames[name]; len(queue) > 0 {
		return queue[0].ep
	}

	return nil
}

// ReserveEndpoint resolves name and, for endpoints guarded by a waiters
// counter, atomically takes a sender reservation that prevents destruction
// while the caller performs I/O outside the table lock. The returned release
// must be called exactly once; it is non-nil whenever the endpoint is.
func (t *NameTable) ReserveEndpoint(name string) (Endpoint, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ep := t.findEndpointLocked(name)
	if ep == nil {
		return nil, nil
	}

	return ep, reserve(ep)
}

// reserve increments the waiters counter for guarded endpoints and returns
// the matching release. Must run while the lookup that produced ep is still
// protected.
func reserve(ep Endpoint) func() {
	if guard, ok := ep.(waiterGuard); ok {
		guard.IncrementWaiters()

		return guard.DecrementWaiters
	}

	return func() {}
}

// GetBusNames returns all well-known names currently owned.
func (t *NameTable) GetBusNames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	names := make([]string, 0, len(t.aliasNames))
	for alias := range t.aliasNames {
		names = append(names, alias)
	}

	return names
}

// GetUniqueNames returns all registered unique names.
func (t *NameTable) GetUniqueNames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	names := make([]string, 0, len(t.uniqueNames))
	for name := range t.uniqueNames {
		names = append(names, name)
	}

	return names
}

// GetUniqueNamesAndAliases returns every unique name with the well-known
// names it currently owns.
func (t *NameTable) GetUniqueNamesAndAliases() map[string][]string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string][]string, len(t.uniqueNames))
	for name := range t.uniqueNames {
		out[name] = nil
	}
	for alias, queue := range t.aliasNames {
		if len(queue) == 0 {
			continue
		}
		owner := queue[0].ep.UniqueName()
		out[owner] = append(out[owner], alias)
	}

	return out
}

// GetQueuedNames returns the unique names queued behind the primary owner of
// alias, in queue order.
func (t *NameTable) GetQueuedNames(alias string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	queue := t.aliasNames[alias]
	if len(queue) <= 1 {
		return nil
	}
	names := make([]string, 0, len(queue)-1)
	for _, e := range queue[1:] {
		names = append(names, e.ep.UniqueName())
	}

	return names
}

func (t *NameTable) queueNotifyLocked(name, oldOwner, newOwner string) {
	t.notifyMu.Lock()
	t.pending = append(t.pending, nameChange{name: name, oldOwner: oldOwner, newOwner: newOwner})
	t.notifyMu.Unlock()
}

// drainNotifications fires queued ownership changes with no table lock held.
// A single drainer at a time keeps the global notification order equal to
// mutation order; a listener that mutates the table re-enters here, sees the
// drain in progress, and leaves its notification to the outer drainer.
func (t *NameTable) drainNotifications() {
	for {
		t.notifyMu.Lock()
		if t.draining || len(t.pending) == 0 {
			t.notifyMu.Unlock()

			return
		}
		t.draining = true
		change := t.pending[0]
		t.pending = t.pending[1:]
		listeners := append([]NameListener(nil), t.listeners...)
		t.notifyMu.Unlock()

		for _, l := range listeners {
			l(change.name, change.oldOwner, change.newOwner)
		}

		t.notifyMu.Lock()
		t.draining = false
		t.notifyMu.Unlock()
	}
}
