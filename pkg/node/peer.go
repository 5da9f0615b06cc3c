package node

import (
	"context"
	"errors"

	"github.com/relves/colog/pkg/protocol"
	"github.com/relves/colog/pkg/types"
)

// Conn is an ordered, reliable message channel to one peer.
type Conn interface {
	Send(ctx context.Context, msg protocol.Message) error
	Receive(ctx context.Context) (protocol.Message, error)
	Close() error
}

// ErrConnClosed is returned by connections after Close.
var ErrConnClosed = errors.New("node: connection closed")

// PeerRole decides what the node sends a peer unprompted.
type PeerRole string

const (
	// PeerServer receives every local change and is asked for unknown CoValues.
	PeerServer PeerRole = "server"
	// PeerClient only receives CoValues it has asked for or sent.
	PeerClient PeerRole = "client"
	// PeerStorage is a server whose content is trusted without verification.
	PeerStorage PeerRole = "storage"
)

func (r PeerRole) upstream() bool { return r == PeerServer || r == PeerStorage }

// PeerConfig describes a peer to add.
type PeerConfig struct {
	ID   string
	Role PeerRole
	Conn Conn
}

// Peer is a connected peer and what the node knows about its state.
type Peer struct {
	id    string
	role  PeerRole
	conn  Conn
	queue *outgoingQueue

	// Guarded by SyncManager.mu.
	entries map[types.CoID]*peerEntry

	writerDone chan struct{}
	readerDone chan struct{}
}

func (p *Peer) ID() string { return p.id }

func (p *Peer) Role() PeerRole { return p.role }

func (p *Peer) entry(id types.CoID) *peerEntry {
	e, ok := p.entries[id]
	if !ok {
		e = &peerEntry{optimistic: types.EmptyKnownState(id)}
		p.entries[id] = e
	}
	return e
}

// peerEntry is the sync state of one CoValue with one peer.
type peerEntry struct {
	status SyncStatus
	// known is what the peer last told us it has; nil until it does.
	known *types.KnownState
	// optimistic is known plus everything sent since.
	optimistic types.KnownState
	// announced is the peer's state when answering our load.
	announced *types.KnownState
}

// SyncStatus is the state of one CoValue with one peer.
type SyncStatus int

const (
	StatusUnknown SyncStatus = iota
	StatusLoadRequested
	StatusPartiallySynced
	StatusFullySynced
	StatusCorrecting
)

func (s SyncStatus) String() string {
	switch s {
	case StatusLoadRequested:
		return "loadRequested"
	case StatusPartiallySynced:
		return "partiallySynced"
	case StatusFullySynced:
		return "fullySynced"
	case StatusCorrecting:
		return "correcting"
	default:
		return "unknown"
	}
}
