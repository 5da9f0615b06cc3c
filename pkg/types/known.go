package types

import "sort"

// KnownState summarizes how much of a CoValue a replica holds.
type KnownState struct {
	ID       CoID              `json:"id"`
	Header   bool              `json:"header"`
	Sessions map[SessionID]int `json:"sessions"`
}

// EmptyKnownState is the known state of a replica that holds nothing.
func EmptyKnownState(id CoID) KnownState {
	return KnownState{ID: id, Sessions: map[SessionID]int{}}
}

// Clone returns a deep copy.
func (k KnownState) Clone() KnownState {
	out := KnownState{ID: k.ID, Header: k.Header, Sessions: make(map[SessionID]int, len(k.Sessions))}
	for s, n := range k.Sessions {
		out.Sessions[s] = n
	}
	return out
}

// Combine merges other into k, keeping the larger count per session.
func (k *KnownState) Combine(other KnownState) {
	if k.Sessions == nil {
		k.Sessions = map[SessionID]int{}
	}
	k.Header = k.Header || other.Header
	for s, n := range other.Sessions {
		if n > k.Sessions[s] {
			k.Sessions[s] = n
		}
	}
}

// Covers reports whether k holds at least everything other holds.
func (k KnownState) Covers(other KnownState) bool {
	if other.Header && !k.Header {
		return false
	}
	for s, n := range other.Sessions {
		if k.Sessions[s] < n {
			return false
		}
	}
	return true
}

// Equal reports whether both states hold exactly the same transactions.
func (k KnownState) Equal(other KnownState) bool {
	return k.Covers(other) && other.Covers(k)
}

// SortedSessions returns the session IDs in lexical order.
func (k KnownState) SortedSessions() []SessionID {
	out := make([]SessionID, 0, len(k.Sessions))
	for s := range k.Sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
