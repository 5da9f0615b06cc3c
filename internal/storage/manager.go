// Package storage persists CoValues and replays them into the sync protocol.
// A Manager holds the protocol logic once, over any Backend; a Peer exposes
// it to a node as a connection.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/relves/colog/pkg/covalue"
	"github.com/relves/colog/pkg/crypto"
	"github.com/relves/colog/pkg/protocol"
	"github.com/relves/colog/pkg/types"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Backend Backend

	// Logger for structured logging.
	// Default: slog.Default()
	Logger *slog.Logger
}

// Manager loads and stores content messages against a Backend.
type Manager struct {
	backend Backend
	logger  *slog.Logger
	queue   *storeQueue
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Backend == nil {
		return nil, errors.New("storage: backend is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Manager{
		backend: cfg.Backend,
		logger:  cfg.Logger,
	}
	m.queue = newStoreQueue(m.storeSingle)
	return m, nil
}

// Backend returns the underlying backend.
func (m *Manager) Backend() Backend { return m.backend }

// Close waits for queued stores and rejects new ones. The backend stays open.
func (m *Manager) Close() {
	m.queue.close()
}

// Store persists msgs in order and waits for each. onCorrection, if set, is
// called with the stored state when a message assumed history that is not
// stored. Store stops at the first failure.
func (m *Manager) Store(ctx context.Context, msgs []*protocol.ContentMessage, onCorrection func(types.KnownState)) error {
	for _, msg := range msgs {
		errCh := make(chan error, 1)
		m.StoreAsync(msg, onCorrection, func(err error) { errCh <- err })
		select {
		case err := <-errCh:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// StoreAsync queues msg behind earlier stores for the same CoValue. done is
// called once it is stored, failed, or abandoned with ErrAbandoned.
func (m *Manager) StoreAsync(msg *protocol.ContentMessage, onCorrection func(types.KnownState), done func(error)) {
	if onCorrection == nil {
		onCorrection = func(types.KnownState) {}
	}
	m.queue.add(&storeJob{msg: msg, onCorrection: onCorrection, done: done})
}

func (m *Manager) storeSingle(ctx context.Context, job *storeJob) error {
	msg := job.msg
	row, err := m.backend.GetCoValue(ctx, msg.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		if msg.Header == nil {
			m.logger.Warn("headerless content for unknown covalue", "id", msg.ID)
			job.onCorrection(types.EmptyKnownState(msg.ID))
			return nil
		}
		row = nil
	case err != nil:
		return fmt.Errorf("get covalue %s: %w", msg.ID, err)
	}

	invalidAssumptions := false
	err = m.backend.Transaction(ctx, func(tx Tx) error {
		var rowID int64
		if row != nil {
			rowID = row.RowID
		} else {
			id, err := tx.AddCoValue(ctx, msg.ID, msg.Header)
			if err != nil {
				return fmt.Errorf("add covalue: %w", err)
			}
			rowID = id
		}

		sessions := make([]types.SessionID, 0, len(msg.New))
		for sid := range msg.New {
			sessions = append(sessions, sid)
		}
		sort.Slice(sessions, func(i, j int) bool { return sessions[i] < sessions[j] })

		for _, sid := range sessions {
			ok, err := m.putSession(ctx, tx, rowID, sid, msg.New[sid])
			if err != nil {
				return fmt.Errorf("session %s: %w", sid, err)
			}
			if !ok {
				invalidAssumptions = true
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store %s: %w", msg.ID, err)
	}

	if invalidAssumptions {
		known, err := m.KnownState(ctx, msg.ID)
		if err != nil {
			return fmt.Errorf("read known state %s: %w", msg.ID, err)
		}
		m.logger.Debug("invalid assumptions in stored content", "id", msg.ID)
		job.onCorrection(known)
	}
	return nil
}

// putSession appends the part of piece that is not stored yet. It reports
// false if piece starts beyond the stored end of the session or at a negative
// offset.
func (m *Manager) putSession(ctx context.Context, tx Tx, coValueRowID int64, sid types.SessionID, piece protocol.SessionNewContent) (bool, error) {
	existing, err := tx.GetSingleCoValueSession(ctx, coValueRowID, sid)
	if err != nil {
		return false, err
	}
	update := SessionRow{CoValue: coValueRowID, SessionID: sid}
	if existing != nil {
		update = *existing
	}
	lastIdx := update.LastIdx

	if piece.After < 0 || piece.After > lastIdx {
		return false, nil
	}
	end := piece.After + len(piece.NewTransactions)
	if end <= lastIdx {
		return true, nil
	}
	newTxs := piece.NewTransactions[lastIdx-piece.After:]

	bytes := update.BytesSinceLastSignature
	for i := range newTxs {
		bytes += newTxs[i].Size()
	}
	// Same spacing as the live session log, so replayed content is cut at the
	// signatures a live peer would send.
	writeSignature := bytes > types.MaxRecommendedTxSize

	update.LastIdx = end
	update.LastSignature = piece.LastSignature
	update.BytesSinceLastSignature = bytes
	if writeSignature {
		update.BytesSinceLastSignature = 0
	}

	sessionRowID, err := tx.AddSessionUpdate(ctx, update)
	if err != nil {
		return false, fmt.Errorf("update session: %w", err)
	}
	if writeSignature {
		if err := tx.AddSignatureAfter(ctx, sessionRowID, end-1, piece.LastSignature); err != nil {
			return false, fmt.Errorf("add signature after %d: %w", end-1, err)
		}
	}
	for i := range newTxs {
		if err := tx.AddTransaction(ctx, sessionRowID, lastIdx+i, newTxs[i]); err != nil {
			return false, fmt.Errorf("add transaction %d: %w", lastIdx+i, err)
		}
	}
	return true, nil
}

// storedCoValue is a CoValue read back from the backend.
type storedCoValue struct {
	row      *CoValueRow
	sessions []protocol.SessionSource
}

func (c *storedCoValue) known() types.KnownState {
	ks := types.KnownState{ID: c.row.ID, Header: true, Sessions: make(map[types.SessionID]int, len(c.sessions))}
	for i := range c.sessions {
		ks.Sessions[c.sessions[i].SessionID] = c.sessions[i].Total()
	}
	return ks
}

func (c *storedCoValue) content(since types.KnownState) []*protocol.ContentMessage {
	return protocol.BuildContent(c.row.ID, c.row.Header, types.PriorityFor(c.row.Header), c.sessions, since)
}

// dependencies mirrors covalue.Core.Dependencies over stored rows. It needs
// every transaction, so it is only meaningful on a full read.
func (c *storedCoValue) dependencies() []types.CoID {
	deps := map[types.CoID]struct{}{}
	h := c.row.Header
	if h.Ruleset.Type == types.RulesetOwnedByGroup && h.Ruleset.Group != "" {
		deps[h.Ruleset.Group] = struct{}{}
	}
	for i := range c.sessions {
		s := &c.sessions[i]
		if owner, err := s.SessionID.Owner(); err == nil && owner.IsAccount() {
			deps[types.CoID(owner)] = struct{}{}
		}
		if !h.IsGroup() {
			continue
		}
		for j := range s.Transactions {
			tx := &s.Transactions[j]
			if tx.Privacy != types.PrivacyTrusting {
				continue
			}
			var changes []json.RawMessage
			if json.Unmarshal([]byte(tx.Changes), &changes) != nil {
				continue
			}
			for _, raw := range changes {
				if parent, ok := covalue.ParentInChange(raw); ok {
					deps[parent] = struct{}{}
				}
			}
		}
	}
	delete(deps, c.row.ID)

	out := make([]types.CoID, 0, len(deps))
	for id := range deps {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// read loads a CoValue with every session from its index in since on.
func (m *Manager) read(ctx context.Context, id types.CoID, since types.KnownState) (*storedCoValue, error) {
	row, err := m.backend.GetCoValue(ctx, id)
	if err != nil {
		return nil, err
	}
	sessions, err := m.backend.GetCoValueSessions(ctx, row.RowID)
	if err != nil {
		return nil, fmt.Errorf("get sessions of %s: %w", id, err)
	}

	out := &storedCoValue{row: row, sessions: make([]protocol.SessionSource, 0, len(sessions))}
	for _, s := range sessions {
		from := since.Sessions[s.SessionID]
		if from > s.LastIdx {
			from = s.LastIdx
		}
		src := protocol.SessionSource{
			SessionID:      s.SessionID,
			Offset:         from,
			SignatureAfter: map[int]crypto.Signature{},
			LastSignature:  s.LastSignature,
		}
		if from < s.LastIdx {
			sigs, err := m.backend.GetSignatures(ctx, s.RowID, from)
			if err != nil {
				return nil, fmt.Errorf("get signatures of %s: %w", s.SessionID, err)
			}
			for _, sig := range sigs {
				src.SignatureAfter[sig.Idx] = sig.Signature
			}
			txs, err := m.backend.GetNewTransactionInSession(ctx, s.RowID, from)
			if err != nil {
				return nil, fmt.Errorf("get transactions of %s: %w", s.SessionID, err)
			}
			for i, t := range txs {
				if t.Idx != from+i {
					return nil, fmt.Errorf("session %s: transaction %d stored at %d", s.SessionID, from+i, t.Idx)
				}
				src.Transactions = append(src.Transactions, t.Tx)
			}
		}
		out.sessions = append(out.sessions, src)
	}
	return out, nil
}

// KnownState returns what is stored of id. It returns ErrNotFound, with an
// empty state, if nothing is.
func (m *Manager) KnownState(ctx context.Context, id types.CoID) (types.KnownState, error) {
	row, err := m.backend.GetCoValue(ctx, id)
	if err != nil {
		return types.EmptyKnownState(id), err
	}
	sessions, err := m.backend.GetCoValueSessions(ctx, row.RowID)
	if err != nil {
		return types.EmptyKnownState(id), fmt.Errorf("get sessions of %s: %w", id, err)
	}
	ks := types.KnownState{ID: id, Header: true, Sessions: make(map[types.SessionID]int, len(sessions))}
	for _, s := range sessions {
		ks.Sessions[s.SessionID] = s.LastIdx
	}
	return ks, nil
}

// Load emits what a requester holding since lacks of since.ID, the way a
// live peer answers a load: each stored dependency as a known message and
// its content, dependencies first, then the CoValue's known state and
// content. It reports false, emitting nothing, if since.ID is not stored.
func (m *Manager) Load(ctx context.Context, since types.KnownState, emit func(protocol.Message)) (bool, error) {
	full, err := m.read(ctx, since.ID, types.EmptyKnownState(since.ID))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	l := &loader{m: m, emit: emit, visited: map[types.CoID]bool{since.ID: true}, cache: map[types.CoID]*storedCoValue{}}
	for _, dep := range full.dependencies() {
		if err := l.emitCoValue(ctx, dep, since.ID); err != nil {
			return true, err
		}
	}

	emit(protocol.NewKnown(full.known()))
	root := full
	if len(since.Sessions) > 0 {
		if root, err = m.read(ctx, since.ID, since); err != nil {
			return true, err
		}
	}
	for _, msg := range root.content(since) {
		emit(msg)
	}
	return true, nil
}

// loader walks dependencies depth first, emitting each CoValue after its
// own dependencies and at most once.
type loader struct {
	m       *Manager
	emit    func(protocol.Message)
	visited map[types.CoID]bool
	cache   map[types.CoID]*storedCoValue
}

func (l *loader) emitCoValue(ctx context.Context, id, dependent types.CoID) error {
	if l.visited[id] {
		return nil
	}
	l.visited[id] = true

	cv, err := l.get(ctx, id)
	if err != nil || cv == nil {
		return err
	}
	deps := cv.dependencies()
	if err := l.prefetch(ctx, deps); err != nil {
		return err
	}
	for _, dep := range deps {
		if err := l.emitCoValue(ctx, dep, id); err != nil {
			return err
		}
	}

	l.emit(&protocol.KnownMessage{KnownState: cv.known(), AsDependencyOf: dependent})
	for _, msg := range cv.content(types.EmptyKnownState(id)) {
		l.emit(msg)
	}
	return nil
}

func (l *loader) get(ctx context.Context, id types.CoID) (*storedCoValue, error) {
	if cv, ok := l.cache[id]; ok {
		return cv, nil
	}
	cv, err := l.m.read(ctx, id, types.EmptyKnownState(id))
	if errors.Is(err, ErrNotFound) {
		l.m.logger.Warn("dependency not stored", "id", id)
		l.cache[id] = nil
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	l.cache[id] = cv
	return cv, nil
}

// prefetch reads the unvisited ids concurrently into the cache.
func (l *loader) prefetch(ctx context.Context, ids []types.CoID) error {
	var missing []types.CoID
	for _, id := range ids {
		if _, ok := l.cache[id]; !ok && !l.visited[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) < 2 {
		return nil
	}

	read := make([]*storedCoValue, len(missing))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range missing {
		g.Go(func() error {
			cv, err := l.m.read(gctx, id, types.EmptyKnownState(id))
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			read[i] = cv
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i, id := range missing {
		if read[i] != nil {
			l.cache[id] = read[i]
		}
	}
	return nil
}
