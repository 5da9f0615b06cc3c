package covalue

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/relves/colog/pkg/types"
)

// OpID identifies one change within a transaction.
type OpID struct {
	SessionID types.SessionID `json:"sessionID"`
	TxIndex   int             `json:"txIndex"`
	ChangeIdx int             `json:"changeIdx"`
}

// listOp inserts after an item (nil: at the start), before an item (nil: at
// the end), or deletes an insertion.
type listOp struct {
	Op        string          `json:"op"`
	Value     json.RawMessage `json:"value,omitempty"`
	After     *OpID           `json:"after,omitempty"`
	Before    *OpID           `json:"before,omitempty"`
	Insertion *OpID           `json:"insertion,omitempty"`
}

const (
	opApp = "app"
	opPre = "pre"
)

type listNode struct {
	value   json.RawMessage
	seq     int
	deleted bool
	afters  []OpID
	befores []OpID
}

// listIndex is the replicated sequence. Concurrent insertions after the same
// item are ordered newest first and those before the same item oldest first,
// both by global order, so every replica builds the same sequence.
type listIndex struct {
	nodes       map[OpID]*listNode
	startAfters []OpID
	endBefores  []OpID
	order       []OpID
}

func buildListIndex(entries []Entry) *listIndex {
	idx := &listIndex{nodes: map[OpID]*listNode{}}
	seq := 0
	for _, e := range entries {
		for ci, raw := range e.Changes {
			var op listOp
			if err := json.Unmarshal(raw, &op); err != nil {
				continue
			}
			id := OpID{SessionID: e.ID.SessionID, TxIndex: e.ID.TxIndex, ChangeIdx: ci}
			switch op.Op {
			case opApp:
				if op.After == nil {
					idx.startAfters = append(idx.startAfters, id)
				} else if anchor, ok := idx.nodes[*op.After]; ok {
					anchor.afters = append(anchor.afters, id)
				} else {
					continue
				}
			case opPre:
				if op.Before == nil {
					idx.endBefores = append(idx.endBefores, id)
				} else if anchor, ok := idx.nodes[*op.Before]; ok {
					anchor.befores = append(anchor.befores, id)
				} else {
					continue
				}
			case opDel:
				if op.Insertion != nil {
					if n, ok := idx.nodes[*op.Insertion]; ok {
						n.deleted = true
					}
				}
				continue
			default:
				continue
			}
			idx.nodes[id] = &listNode{value: op.Value, seq: seq}
			seq++
		}
	}

	idx.visitAll(idx.startAfters, true)
	idx.visitAll(idx.endBefores, false)
	return idx
}

func (idx *listIndex) visitAll(ids []OpID, newestFirst bool) {
	sorted := append([]OpID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := idx.nodes[sorted[i]].seq, idx.nodes[sorted[j]].seq
		if newestFirst {
			return a > b
		}
		return a < b
	})
	for _, id := range sorted {
		idx.visit(id)
	}
}

func (idx *listIndex) visit(id OpID) {
	n := idx.nodes[id]
	idx.visitAll(n.befores, false)
	if !n.deleted {
		idx.order = append(idx.order, id)
	}
	idx.visitAll(n.afters, true)
}

// List is a snapshot of a CoList.
type List struct {
	core *Core
	idx  *listIndex
}

// AsList derives the current list content.
func (c *Core) AsList() (*List, error) {
	if c.header.Type != types.TypeCoList {
		return nil, fmt.Errorf("%w: %s is %s", ErrWrongType, c.id, c.header.Type)
	}
	return &List{core: c, idx: buildListIndex(c.ValidEntries())}, nil
}

func (l *List) ID() types.CoID { return l.core.id }

func (l *List) Len() int { return len(l.idx.order) }

// Get returns the item at i.
func (l *List) Get(i int) (json.RawMessage, bool) {
	if i < 0 || i >= len(l.idx.order) {
		return nil, false
	}
	return l.idx.nodes[l.idx.order[i]].value, true
}

// Items returns every visible item in order.
func (l *List) Items() []json.RawMessage {
	out := make([]json.RawMessage, len(l.idx.order))
	for i, id := range l.idx.order {
		out[i] = l.idx.nodes[id].value
	}
	return out
}

// Append adds values at the end.
func (l *List) Append(privacy types.Privacy, values ...any) error {
	return l.InsertAfter(len(l.idx.order)-1, privacy, values...)
}

// Prepend adds values at the start.
func (l *List) Prepend(privacy types.Privacy, values ...any) error {
	return l.InsertAfter(-1, privacy, values...)
}

// InsertAfter adds values after item i, or at the start when i is -1. The
// values are chained so they stay contiguous.
func (l *List) InsertAfter(i int, privacy types.Privacy, values ...any) error {
	var anchor *OpID
	if i >= 0 {
		if i >= len(l.idx.order) {
			return fmt.Errorf("%w: %d", ErrIndex, i)
		}
		id := l.idx.order[i]
		anchor = &id
	}
	return l.insert(privacy, values, func(prev *OpID) listOp {
		if prev == nil {
			return listOp{Op: opApp, After: anchor}
		}
		return listOp{Op: opApp, After: prev}
	})
}

// InsertBefore adds values before item i.
func (l *List) InsertBefore(i int, privacy types.Privacy, values ...any) error {
	if i < 0 || i >= len(l.idx.order) {
		return fmt.Errorf("%w: %d", ErrIndex, i)
	}
	anchor := l.idx.order[i]
	return l.insert(privacy, values, func(prev *OpID) listOp {
		if prev == nil {
			return listOp{Op: opPre, Before: &anchor}
		}
		return listOp{Op: opApp, After: prev}
	})
}

func (l *List) insert(privacy types.Privacy, values []any, opFor func(prev *OpID) listOp) error {
	encoded := make([]json.RawMessage, len(values))
	for i, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode item %d: %w", i, err)
		}
		encoded[i] = raw
	}
	return l.core.makeTransactionWithID(privacy, func(txID types.TransactionID) ([]json.RawMessage, error) {
		changes := make([]json.RawMessage, len(encoded))
		var prev *OpID
		for ci, raw := range encoded {
			op := opFor(prev)
			op.Value = raw
			changes[ci] = mustJSON(op)
			prev = &OpID{SessionID: txID.SessionID, TxIndex: txID.TxIndex, ChangeIdx: ci}
		}
		return changes, nil
	})
}

// Delete removes the items in [from, to).
func (l *List) Delete(from, to int, privacy types.Privacy) error {
	if from < 0 || to > len(l.idx.order) || from >= to {
		return fmt.Errorf("%w: [%d, %d)", ErrIndex, from, to)
	}
	changes := make([]json.RawMessage, 0, to-from)
	for _, id := range l.idx.order[from:to] {
		changes = append(changes, mustJSON(listOp{Op: opDel, Insertion: &id}))
	}
	return l.core.MakeTransaction(changes, privacy)
}
