package covalue

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/relves/colog/pkg/types"
)

type mapOp struct {
	Op    string          `json:"op"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

const (
	opSet = "set"
	opDel = "del"
)

// MapEdit is one change to a key.
type MapEdit struct {
	Key     string
	Value   json.RawMessage
	Deleted bool
	By      types.AccountOrAgentID
	At      int64
	TxID    types.TransactionID
}

// mapIndex is last-writer-wins state over entries in global order.
type mapIndex struct {
	latest  map[string]MapEdit
	history map[string][]MapEdit
}

func buildMapIndex(entries []Entry) mapIndex {
	idx := mapIndex{latest: map[string]MapEdit{}, history: map[string][]MapEdit{}}
	for _, e := range entries {
		for _, raw := range e.Changes {
			var op mapOp
			if err := json.Unmarshal(raw, &op); err != nil {
				continue
			}
			edit := MapEdit{Key: op.Key, By: e.Author, At: e.MadeAt, TxID: e.ID}
			switch op.Op {
			case opSet:
				edit.Value = op.Value
			case opDel:
				edit.Deleted = true
			default:
				continue
			}
			idx.latest[op.Key] = edit
			idx.history[op.Key] = append(idx.history[op.Key], edit)
		}
	}
	return idx
}

func (m mapIndex) get(key string) (json.RawMessage, bool) {
	e, ok := m.latest[key]
	if !ok || e.Deleted {
		return nil, false
	}
	return e.Value, true
}

func (m mapIndex) getString(key string) (string, bool) {
	raw, ok := m.get(key)
	if !ok {
		return "", false
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return "", false
	}
	return s, true
}

func (m mapIndex) keys() []string {
	out := make([]string, 0, len(m.latest))
	for k, e := range m.latest {
		if !e.Deleted {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Map is a snapshot of a CoMap.
type Map struct {
	core *Core
	idx  mapIndex
}

// AsMap derives the current map content.
func (c *Core) AsMap() (*Map, error) {
	if c.header.Type != types.TypeCoMap {
		return nil, fmt.Errorf("%w: %s is %s", ErrWrongType, c.id, c.header.Type)
	}
	return &Map{core: c, idx: buildMapIndex(c.ValidEntries())}, nil
}

func (m *Map) ID() types.CoID { return m.core.id }

func (m *Map) Core() *Core { return m.core }

// Get returns the JSON value of key.
func (m *Map) Get(key string) (json.RawMessage, bool) { return m.idx.get(key) }

// GetString returns the value of key when it is a JSON string.
func (m *Map) GetString(key string) (string, bool) { return m.idx.getString(key) }

// Keys returns the set keys in lexical order.
func (m *Map) Keys() []string { return m.idx.keys() }

// AsObject returns all current key/value pairs.
func (m *Map) AsObject() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(m.idx.latest))
	for _, k := range m.idx.keys() {
		out[k] = m.idx.latest[k].Value
	}
	return out
}

// LastEdit returns the winning edit of key, including deletions.
func (m *Map) LastEdit(key string) (MapEdit, bool) {
	e, ok := m.idx.latest[key]
	return e, ok
}

// History returns every valid edit of key in global order.
func (m *Map) History(key string) []MapEdit {
	return append([]MapEdit(nil), m.idx.history[key]...)
}

// Set writes key. The snapshot is not updated; derive a new one to read it back.
func (m *Map) Set(key string, value any, privacy types.Privacy) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value for %q: %w", key, err)
	}
	return m.core.MakeTransaction([]json.RawMessage{mustJSON(mapOp{Op: opSet, Key: key, Value: raw})}, privacy)
}

// Delete removes key.
func (m *Map) Delete(key string, privacy types.Privacy) error {
	return m.core.MakeTransaction([]json.RawMessage{mustJSON(mapOp{Op: opDel, Key: key})}, privacy)
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("covalue: marshal %T: %v", v, err))
	}
	return b
}
