package covalue

import (
	"encoding/json"
	"fmt"

	"github.com/relves/colog/pkg/types"
)

// StreamItem is one pushed value.
type StreamItem struct {
	Value json.RawMessage
	By    types.AccountOrAgentID
	At    int64
	TxID  types.TransactionID
}

// Stream is a snapshot of a CoStream: one ordered item list per session.
type Stream struct {
	core     *Core
	sessions map[types.SessionID][]StreamItem
	all      []StreamItem
}

// AsStream derives the current stream content.
func (c *Core) AsStream() (*Stream, error) {
	if c.header.Type != types.TypeCoStream {
		return nil, fmt.Errorf("%w: %s is %s", ErrWrongType, c.id, c.header.Type)
	}
	s := &Stream{core: c, sessions: map[types.SessionID][]StreamItem{}}
	for _, e := range c.ValidEntries() {
		for _, raw := range e.Changes {
			item := StreamItem{Value: raw, By: e.Author, At: e.MadeAt, TxID: e.ID}
			s.sessions[e.ID.SessionID] = append(s.sessions[e.ID.SessionID], item)
			s.all = append(s.all, item)
		}
	}
	return s, nil
}

func (s *Stream) ID() types.CoID { return s.core.id }

// IsBinary reports whether the stream carries binary chunks.
func (s *Stream) IsBinary() bool { return s.core.header.MetaType() == "binary" }

// Items returns every item in global order.
func (s *Stream) Items() []StreamItem { return append([]StreamItem(nil), s.all...) }

// SessionItems returns the items pushed in one session.
func (s *Stream) SessionItems(sid types.SessionID) []StreamItem {
	return append([]StreamItem(nil), s.sessions[sid]...)
}

// Last returns the latest item pushed by author across its sessions.
func (s *Stream) Last(author types.AccountOrAgentID) (StreamItem, bool) {
	for i := len(s.all) - 1; i >= 0; i-- {
		if s.all[i].By == author {
			return s.all[i], true
		}
	}
	return StreamItem{}, false
}

// Push appends values to the node's session of the stream.
func (s *Stream) Push(privacy types.Privacy, values ...any) error {
	changes := make([]json.RawMessage, len(values))
	for i, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode item %d: %w", i, err)
		}
		changes[i] = raw
	}
	return s.core.MakeTransaction(changes, privacy)
}
