package icebus

import "sort"

// SessionCastEntry indexes one session multicast destination: messages from
// src on session id reach destEp, through b2bEp when the destination is
// remote.
type SessionCastEntry struct {
	id     uint32
	src    string
	b2bEp  *RemoteEndpoint
	destEp Endpoint
}

// less orders entries lexicographically by (id, src, b2bEp, destEp) so that
// all destinations for one (id, src) prefix are contiguous.
func (e SessionCastEntry) less(other SessionCastEntry) bool {
	if e.id != other.id {
		return e.id < other.id
	}
	if e.src != other.src {
		return e.src < other.src
	}
	if e.b2bEp != other.b2bEp {
		return epOrder(e.b2bEp) < epOrder(other.b2bEp)
	}

	return epName(e.destEp) < epName(other.destEp)
}

func epOrder(ep *RemoteEndpoint) string {
	if ep == nil {
		return ""
	}

	return ep.UniqueName()
}

func epName(ep Endpoint) string {
	if ep == nil {
		return ""
	}

	return ep.UniqueName()
}

// sessionCastSet is an ordered set of session cast entries. Callers
// synchronize through the router's sessionCastLock.
type sessionCastSet struct {
	entries []SessionCastEntry
}

// insert adds an entry unless an equal one exists.
func (s *sessionCastSet) insert(e SessionCastEntry) {
	idx := s.lowerBound(e)
	if idx < len(s.entries) && s.entries[idx] == e {
		return
	}
	s.entries = append(s.entries, SessionCastEntry{})
	copy(s.entries[idx+1:], s.entries[idx:])
	s.entries[idx] = e
}

// remove drops the entry equal to e, if present.
func (s *sessionCastSet) remove(e SessionCastEntry) {
	idx := s.lowerBound(e)
	if idx < len(s.entries) && s.entries[idx] == e {
		s.entries = append(s.entries[:idx], s.entries[idx+1:]...)
	}
}

// lowerBound returns the position of the first entry not ordered before e.
func (s *sessionCastSet) lowerBound(e SessionCastEntry) int {
	return sort.Search(len(s.entries), func(i int) bool {
		return !s.entries[i].less(e)
	})
}

// removeIf drops every entry for which pred returns true.
func (s *sessionCastSet) removeIf(pred func(SessionCastEntry) bool) {
	kept := s.entries[:0]
	for _, e := range s.entries {
		if !pred(e) {
			kept = append(kept, e)
		}
	}
	s.entries = kept
}
