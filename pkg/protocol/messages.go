// Package protocol defines the sync messages peers exchange and the content
// stream builder shared by live peers and storage replay.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/relves/colog/pkg/crypto"
	"github.com/relves/colog/pkg/types"
)

// Action is the wire discriminator of a message.
type Action string

const (
	ActionLoad    Action = "load"
	ActionContent Action = "content"
	ActionKnown   Action = "known"
	ActionDone    Action = "done"
)

var ErrUnknownAction = errors.New("protocol: unknown action")

// Message is one of *LoadMessage, *ContentMessage, *KnownMessage or *DoneMessage.
// The unexported method closes the set; handlers switch on the concrete type.
type Message interface {
	Action() Action
	CoValueID() types.CoID
	isMessage()
}

// LoadMessage asks a peer for everything beyond the given known state.
type LoadMessage struct {
	types.KnownState
}

// KnownMessage acknowledges a peer's current state of a CoValue. IsCorrection
// asks the receiver to resend from this state.
type KnownMessage struct {
	types.KnownState
	IsCorrection   bool
	AsDependencyOf types.CoID
}

// SessionNewContent carries the transactions of one session starting at After.
type SessionNewContent struct {
	After           int                 `json:"after"`
	NewTransactions []types.Transaction `json:"newTransactions"`
	LastSignature   crypto.Signature    `json:"lastSignature"`
}

// ContentMessage carries new transactions. Header is set only when the
// receiver is not known to have it.
type ContentMessage struct {
	ID       types.CoID
	Header   *types.Header
	Priority types.Priority
	New      map[types.SessionID]SessionNewContent
}

// DoneMessage marks the end of a stream.
type DoneMessage struct {
	ID types.CoID
}

func (*LoadMessage) Action() Action    { return ActionLoad }
func (*KnownMessage) Action() Action   { return ActionKnown }
func (*ContentMessage) Action() Action { return ActionContent }
func (*DoneMessage) Action() Action    { return ActionDone }

func (m *LoadMessage) CoValueID() types.CoID    { return m.ID }
func (m *KnownMessage) CoValueID() types.CoID   { return m.ID }
func (m *ContentMessage) CoValueID() types.CoID { return m.ID }
func (m *DoneMessage) CoValueID() types.CoID    { return m.ID }

func (*LoadMessage) isMessage()    {}
func (*KnownMessage) isMessage()   {}
func (*ContentMessage) isMessage() {}
func (*DoneMessage) isMessage()    {}

// NewKnown builds a known message from a known state.
func NewKnown(ks types.KnownState) *KnownMessage {
	return &KnownMessage{KnownState: ks.Clone()}
}

// NewCorrection builds a known message asking the peer to resend from ks.
func NewCorrection(ks types.KnownState) *KnownMessage {
	return &KnownMessage{KnownState: ks.Clone(), IsCorrection: true}
}

// KnownStateAfter returns the state a receiver holds after applying m on top of base.
func (m *ContentMessage) KnownStateAfter(base types.KnownState) types.KnownState {
	out := base.Clone()
	out.ID = m.ID
	if m.Header != nil {
		out.Header = true
	}
	for sid, piece := range m.New {
		end := piece.After + len(piece.NewTransactions)
		if end > out.Sessions[sid] {
			out.Sessions[sid] = end
		}
	}
	return out
}

type sessionsJSON map[types.SessionID]int

func nonNilSessions(s map[types.SessionID]int) sessionsJSON {
	if s == nil {
		return sessionsJSON{}
	}
	return s
}

func (m *LoadMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Action   Action       `json:"action"`
		ID       types.CoID   `json:"id"`
		Header   bool         `json:"header"`
		Sessions sessionsJSON `json:"sessions"`
	}{ActionLoad, m.ID, m.Header, nonNilSessions(m.Sessions)})
}

func (m *KnownMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Action         Action       `json:"action"`
		ID             types.CoID   `json:"id"`
		Header         bool         `json:"header"`
		Sessions       sessionsJSON `json:"sessions"`
		IsCorrection   bool         `json:"isCorrection,omitempty"`
		AsDependencyOf types.CoID   `json:"asDependencyOf,omitempty"`
	}{ActionKnown, m.ID, m.Header, nonNilSessions(m.Sessions), m.IsCorrection, m.AsDependencyOf})
}

func (m *ContentMessage) MarshalJSON() ([]byte, error) {
	newContent := m.New
	if newContent == nil {
		newContent = map[types.SessionID]SessionNewContent{}
	}
	return json.Marshal(struct {
		Action   Action                                `json:"action"`
		ID       types.CoID                            `json:"id"`
		Header   *types.Header                         `json:"header,omitempty"`
		Priority types.Priority                        `json:"priority"`
		New      map[types.SessionID]SessionNewContent `json:"new"`
	}{ActionContent, m.ID, m.Header, m.Priority, newContent})
}

func (m *DoneMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Action Action     `json:"action"`
		ID     types.CoID `json:"id"`
	}{ActionDone, m.ID})
}

type envelope struct {
	Action         Action                                `json:"action"`
	ID             types.CoID                            `json:"id"`
	Header         json.RawMessage                       `json:"header"`
	Sessions       map[types.SessionID]int               `json:"sessions"`
	IsCorrection   bool                                  `json:"isCorrection"`
	AsDependencyOf types.CoID                            `json:"asDependencyOf"`
	Priority       types.Priority                        `json:"priority"`
	New            map[types.SessionID]SessionNewContent `json:"new"`
}

// Encode serializes a message for the wire.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a wire message, dispatching on its action.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if !types.IsCoID(string(env.ID)) {
		return nil, fmt.Errorf("decode message: invalid id %q", env.ID)
	}

	switch env.Action {
	case ActionLoad, ActionKnown:
		var header bool
		if len(env.Header) > 0 {
			if err := json.Unmarshal(env.Header, &header); err != nil {
				return nil, fmt.Errorf("decode %s header flag: %w", env.Action, err)
			}
		}
		for sid, n := range env.Sessions {
			if n < 0 {
				return nil, fmt.Errorf("decode %s: negative count %d for session %q", env.Action, n, sid)
			}
		}
		ks := types.KnownState{ID: env.ID, Header: header, Sessions: env.Sessions}
		if ks.Sessions == nil {
			ks.Sessions = map[types.SessionID]int{}
		}
		if env.Action == ActionLoad {
			return &LoadMessage{KnownState: ks}, nil
		}
		return &KnownMessage{KnownState: ks, IsCorrection: env.IsCorrection, AsDependencyOf: env.AsDependencyOf}, nil
	case ActionContent:
		for sid, piece := range env.New {
			if piece.After < 0 {
				return nil, fmt.Errorf("decode content: negative after %d for session %q", piece.After, sid)
			}
		}
		msg := &ContentMessage{ID: env.ID, Priority: env.Priority, New: env.New}
		if len(env.Header) > 0 && string(env.Header) != "null" && string(env.Header) != "false" {
			var h types.Header
			if err := json.Unmarshal(env.Header, &h); err != nil {
				return nil, fmt.Errorf("decode content header: %w", err)
			}
			msg.Header = &h
		}
		if msg.New == nil {
			msg.New = map[types.SessionID]SessionNewContent{}
		}
		return msg, nil
	case ActionDone:
		return &DoneMessage{ID: env.ID}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, env.Action)
	}
}
