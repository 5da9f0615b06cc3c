package node

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/relves/colog/pkg/covalue"
	"github.com/relves/colog/pkg/protocol"
	"github.com/relves/colog/pkg/types"
)

// SyncManager tracks, per peer, what each side holds of every CoValue and
// drives the load/content/known exchange. Handlers run one at a time under
// mu; sending only enqueues, so no handler blocks on a connection.
type SyncManager struct {
	node   *LocalNode
	logger *slog.Logger

	mu      sync.Mutex
	peers   map[string]*Peer
	loads   map[types.CoID]*pendingLoad
	updated chan struct{}
}

// pendingLoad is an in-flight request for a CoValue from upstream peers.
type pendingLoad struct {
	asked   map[string]bool
	waiters []chan error
	// forPeers are peers whose own load of this id waits on ours.
	forPeers []string
}

func newSyncManager(n *LocalNode, logger *slog.Logger) *SyncManager {
	return &SyncManager{
		node:    n,
		logger:  logger,
		peers:   make(map[string]*Peer),
		loads:   make(map[types.CoID]*pendingLoad),
		updated: make(chan struct{}),
	}
}

func (s *SyncManager) broadcastLocked() {
	close(s.updated)
	s.updated = make(chan struct{})
}

func (s *SyncManager) addPeer(cfg PeerConfig) (*Peer, error) {
	if cfg.Role == "" {
		cfg.Role = PeerClient
	}
	p := &Peer{
		id:         cfg.ID,
		role:       cfg.Role,
		conn:       cfg.Conn,
		queue:      newOutgoingQueue(),
		entries:    make(map[types.CoID]*peerEntry),
		writerDone: make(chan struct{}),
		readerDone: make(chan struct{}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[p.id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePeer, p.id)
	}
	s.peers[p.id] = p
	s.logger.Info("peer added", "peer", p.id, "role", p.role)

	// Upstream peers learn what we hold and answer with what we lack.
	if p.role.upstream() {
		for _, c := range s.node.loadedCores() {
			e := p.entry(c.ID())
			e.status = StatusLoadRequested
			s.sendLocked(p, &protocol.LoadMessage{KnownState: c.KnownState()})
		}
	}
	return p, nil
}

func (s *SyncManager) removePeer(p *Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peers[p.id] != p {
		return
	}
	delete(s.peers, p.id)
	p.queue.close()
	for id, pl := range s.loads {
		if pl.asked[p.id] {
			delete(pl.asked, p.id)
			s.checkLoadLocked(id)
		}
	}
	s.broadcastLocked()
	s.logger.Info("peer removed", "peer", p.id)
}

func (s *SyncManager) peerList() []*Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// Peers returns the connected peers in ID order.
func (s *SyncManager) Peers() []*Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedPeersLocked()
}

// sortedPeersLocked returns peers in ID order so sends are deterministic.
func (s *SyncManager) sortedPeersLocked() []*Peer {
	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (s *SyncManager) sendLocked(p *Peer, msg protocol.Message) {
	if !p.queue.push(msg) {
		s.logger.Debug("dropped message for closed peer", "peer", p.id, "action", msg.Action(), "id", msg.CoValueID())
	}
}

// handle processes one incoming message and returns the CoValues whose
// content changed.
func (s *SyncManager) handle(p *Peer, msg protocol.Message) []types.CoID {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.broadcastLocked()

	s.logger.Debug("received", "peer", p.id, "action", msg.Action(), "id", msg.CoValueID())
	switch m := msg.(type) {
	case *protocol.LoadMessage:
		s.handleLoad(p, m)
	case *protocol.KnownMessage:
		s.handleKnown(p, m)
	case *protocol.ContentMessage:
		if s.handleContent(p, m) {
			return []types.CoID{m.ID}
		}
	case *protocol.DoneMessage:
	}
	return nil
}

func (s *SyncManager) handleLoad(p *Peer, m *protocol.LoadMessage) {
	e := p.entry(m.ID)
	known := m.KnownState.Clone()
	e.known = &known
	e.optimistic = known.Clone()

	if s.node.Core(m.ID) != nil {
		s.sendLoadResponseLocked(p, m.ID)
		s.updateStatusLocked(p, m.ID)
		return
	}

	if pl := s.startLoadLocked(m.ID, p.id); pl != nil {
		pl.forPeers = append(pl.forPeers, p.id)
		return
	}
	s.sendLocked(p, protocol.NewKnown(types.EmptyKnownState(m.ID)))
}

func (s *SyncManager) handleKnown(p *Peer, m *protocol.KnownMessage) {
	e := p.entry(m.ID)
	state := m.KnownState.Clone()

	if m.IsCorrection {
		s.logger.Debug("peer sent correction", "peer", p.id, "id", m.ID)
		e.known = &state
		e.optimistic = state.Clone()
		e.status = StatusCorrecting
		s.pushLocked(p, m.ID)
		return
	}

	if e.known == nil {
		e.known = &state
	} else {
		e.known.Combine(state)
	}
	e.optimistic.Combine(state)

	if e.status == StatusLoadRequested {
		announced := state.Clone()
		e.announced = &announced
		if pl := s.loads[m.ID]; pl != nil && !state.Header {
			delete(pl.asked, p.id)
		}
	}

	s.pushLocked(p, m.ID)
	s.updateStatusLocked(p, m.ID)
	s.checkLoadLocked(m.ID)
}

// handleContent applies a content message and acknowledges it. It reports
// whether the CoValue changed.
func (s *SyncManager) handleContent(p *Peer, m *protocol.ContentMessage) bool {
	e := p.entry(m.ID)
	core := s.node.Core(m.ID)
	changed := false

	if core == nil {
		if m.Header == nil {
			s.logger.Warn("invalidAssumptionOnHeaderPresence", "peer", p.id, "id", m.ID)
			empty := types.EmptyKnownState(m.ID)
			e.known = &empty
			e.optimistic = empty.Clone()
			e.status = StatusCorrecting
			s.sendLocked(p, protocol.NewCorrection(empty))
			return false
		}
		c, err := covalue.NewCoreWithID(s.node, m.ID, m.Header, s.node.logger)
		if err != nil {
			s.logger.Warn("rejected header", "peer", p.id, "id", m.ID, "error", err)
			s.sendLocked(p, protocol.NewCorrection(types.EmptyKnownState(m.ID)))
			return false
		}
		core = s.node.addCore(c)
		changed = true
	}

	// The peer holds at least what it sent.
	sent := m.KnownStateAfter(types.EmptyKnownState(m.ID))
	if e.known == nil {
		k := sent.Clone()
		e.known = &k
	} else {
		e.known.Combine(sent)
	}
	e.optimistic.Combine(sent)

	ours := core.KnownState()
	invalidAssumptions := false
	skipVerify := p.role == PeerStorage
	sessions := make([]types.SessionID, 0, len(m.New))
	for sid := range m.New {
		sessions = append(sessions, sid)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i] < sessions[j] })

	for _, sid := range sessions {
		piece := m.New[sid]
		if piece.After > ours.Sessions[sid] {
			invalidAssumptions = true
			continue
		}
		added, err := core.TryAddTransactions(sid, piece.After, piece.NewTransactions, piece.LastSignature, skipVerify)
		if err != nil {
			s.logger.Warn("rejected transactions", "peer", p.id, "id", m.ID, "session", sid, "error", err)
			continue
		}
		if added > 0 {
			changed = true
		}
	}

	ours = core.KnownState()
	if invalidAssumptions {
		s.logger.Debug("invalid assumptions, sending correction", "peer", p.id, "id", m.ID)
		e.status = StatusCorrecting
		s.sendLocked(p, protocol.NewCorrection(ours))
	} else {
		s.sendLocked(p, protocol.NewKnown(ours))
		s.updateStatusLocked(p, m.ID)
	}

	// Answer waiting loads before the general push so their replies lead
	// with a known message.
	s.checkLoadLocked(m.ID)
	if changed {
		s.syncLocked(core)
	}
	return changed
}

// sendLoadResponseLocked answers a load: dependencies the peer lacks, then
// our known state and whatever content the peer is missing.
func (s *SyncManager) sendLoadResponseLocked(p *Peer, id types.CoID) {
	core := s.node.Core(id)
	if core == nil {
		s.sendLocked(p, protocol.NewKnown(types.EmptyKnownState(id)))
		return
	}
	visited := map[types.CoID]bool{id: true}
	for _, dep := range core.Dependencies() {
		s.sendCoValueLocked(p, dep, id, visited)
	}

	e := p.entry(id)
	s.sendLocked(p, protocol.NewKnown(core.KnownState()))
	s.sendContentLocked(p, core, e, true)
}

// sendCoValueLocked sends id to p if p lacks any of it, dependencies first.
// visited bounds the walk to one expansion per CoValue per sweep.
func (s *SyncManager) sendCoValueLocked(p *Peer, id, dependent types.CoID, visited map[types.CoID]bool) {
	if visited[id] {
		return
	}
	visited[id] = true

	core := s.node.Core(id)
	if core == nil {
		return
	}
	for _, dep := range core.Dependencies() {
		s.sendCoValueLocked(p, dep, id, visited)
	}

	e := p.entry(id)
	if e.optimistic.Covers(core.KnownState()) {
		return
	}
	led := e.known == nil
	if led {
		s.sendLocked(p, &protocol.KnownMessage{KnownState: core.KnownState(), AsDependencyOf: dependent})
	}
	s.sendContentLocked(p, core, e, led)
}

// sendContentLocked streams what p lacks of core. A stream of several pieces
// is preceded by our known state so the receiver sees the expected total; led
// reports that the caller already sent it.
func (s *SyncManager) sendContentLocked(p *Peer, core *covalue.Core, e *peerEntry, led bool) {
	msgs := core.NewContentSince(e.optimistic)
	if !led && len(msgs) > 1 {
		s.sendLocked(p, protocol.NewKnown(core.KnownState()))
	}
	for _, msg := range msgs {
		e.optimistic = msg.KnownStateAfter(e.optimistic)
		s.sendLocked(p, msg)
	}
	if e.status == StatusUnknown {
		e.status = StatusPartiallySynced
	}
}

// pushLocked sends p what it lacks of id, including dependencies.
func (s *SyncManager) pushLocked(p *Peer, id types.CoID) {
	if s.node.Core(id) == nil {
		return
	}
	s.sendCoValueLocked(p, id, "", map[types.CoID]bool{})
}

// syncLocked pushes core to every peer that should hold it: upstream peers
// always, clients once they have shown interest in it.
func (s *SyncManager) syncLocked(core *covalue.Core) {
	for _, p := range s.sortedPeersLocked() {
		if !p.role.upstream() {
			if _, ok := p.entries[core.ID()]; !ok {
				continue
			}
		}
		s.pushLocked(p, core.ID())
	}
}

func (s *SyncManager) pushLocal(core *covalue.Core) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncLocked(core)
	s.broadcastLocked()
}

func (s *SyncManager) updateStatusLocked(p *Peer, id types.CoID) {
	e := p.entry(id)
	core := s.node.Core(id)
	if core == nil || e.known == nil {
		return
	}
	if e.known.Covers(core.KnownState()) {
		e.status = StatusFullySynced
	} else {
		e.status = StatusPartiallySynced
	}
}

// startLoadLocked asks upstream peers other than except for id. It returns
// nil if there is nobody to ask.
func (s *SyncManager) startLoadLocked(id types.CoID, except string) *pendingLoad {
	if pl, ok := s.loads[id]; ok {
		return pl
	}
	pl := &pendingLoad{asked: make(map[string]bool)}
	for _, p := range s.sortedPeersLocked() {
		if p.id == except || !p.role.upstream() {
			continue
		}
		e := p.entry(id)
		e.status = StatusLoadRequested
		e.announced = nil
		pl.asked[p.id] = true
		s.sendLocked(p, &protocol.LoadMessage{KnownState: types.EmptyKnownState(id)})
	}
	if len(pl.asked) == 0 {
		return nil
	}
	s.loads[id] = pl
	return pl
}

func (s *SyncManager) requestLoad(id types.CoID) <-chan error {
	ch := make(chan error, 1)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.node.Core(id) != nil {
		ch <- nil
		return ch
	}
	pl := s.startLoadLocked(id, "")
	if pl == nil {
		ch <- ErrUnavailable
		return ch
	}
	pl.waiters = append(pl.waiters, ch)
	return ch
}

// checkLoadLocked resolves a pending load once an asked peer's announced
// state has fully arrived, or once every asked peer has nothing.
func (s *SyncManager) checkLoadLocked(id types.CoID) {
	pl := s.loads[id]
	if pl == nil {
		return
	}
	core := s.node.Core(id)

	var result error
	switch {
	case core != nil && s.announcedCoveredLocked(id, core):
	case len(pl.asked) == 0 && core != nil:
	case len(pl.asked) == 0:
		result = ErrUnavailable
	default:
		return
	}

	delete(s.loads, id)
	for _, ch := range pl.waiters {
		ch <- result
	}
	for _, peerID := range pl.forPeers {
		if p, ok := s.peers[peerID]; ok {
			s.sendLoadResponseLocked(p, id)
		}
	}
}

func (s *SyncManager) announcedCoveredLocked(id types.CoID, core *covalue.Core) bool {
	ours := core.KnownState()
	for _, p := range s.peers {
		e, ok := p.entries[id]
		if !ok || e.announced == nil || !e.announced.Header {
			continue
		}
		if ours.Covers(*e.announced) {
			return true
		}
	}
	return false
}

func (s *SyncManager) status(peerID string, id types.CoID) SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[peerID]
	if !ok {
		return StatusUnknown
	}
	e, ok := p.entries[id]
	if !ok {
		return StatusUnknown
	}
	return e.status
}

// syncedLocked reports whether every upstream peer has confirmed all of id.
func (s *SyncManager) syncedLocked(id types.CoID, roles ...PeerRole) bool {
	core := s.node.Core(id)
	if core == nil {
		return false
	}
	ours := core.KnownState()
	for _, p := range s.peers {
		if !p.role.upstream() {
			continue
		}
		if len(roles) > 0 && !hasRole(roles, p.role) {
			continue
		}
		e, ok := p.entries[id]
		if !ok || e.known == nil || !e.known.Covers(ours) {
			return false
		}
	}
	return true
}

func (s *SyncManager) hasRoleLocked(r PeerRole) bool {
	for _, p := range s.peers {
		if p.role == r {
			return true
		}
	}
	return false
}

func hasRole(roles []PeerRole, r PeerRole) bool {
	for _, x := range roles {
		if x == r {
			return true
		}
	}
	return false
}

func (s *SyncManager) waitForSync(ctx context.Context, id types.CoID) error {
	for {
		s.mu.Lock()
		done := s.syncedLocked(id)
		updated := s.updated
		s.mu.Unlock()
		if done {
			return nil
		}
		select {
		case <-updated:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *SyncManager) unload(id types.CoID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.node.Core(id) == nil {
		return false
	}
	if _, loading := s.loads[id]; loading {
		return false
	}
	roles := []PeerRole{PeerStorage}
	if !s.hasRoleLocked(PeerStorage) {
		if !s.hasRoleLocked(PeerServer) {
			return false
		}
		roles = []PeerRole{PeerServer}
	}
	if !s.syncedLocked(id, roles...) {
		return false
	}
	s.node.removeCore(id)
	for _, p := range s.peers {
		delete(p.entries, id)
	}
	s.logger.Debug("unloaded", "id", id)
	return true
}
