// Package node hosts CoValues for one identity and keeps them in sync with
// connected peers.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relves/colog/pkg/covalue"
	"github.com/relves/colog/pkg/crypto"
	"github.com/relves/colog/pkg/types"
)

var (
	// ErrUnavailable is returned by Load when no peer has the CoValue.
	ErrUnavailable = errors.New("node: covalue unavailable")
	// ErrShutdown is returned after GracefulShutdown.
	ErrShutdown = errors.New("node: shut down")
	// ErrDuplicatePeer is returned when adding a peer whose ID is in use.
	ErrDuplicatePeer = errors.New("node: duplicate peer")
	// ErrWrongAgent is returned when acting as an account controlled by another agent.
	ErrWrongAgent = errors.New("node: account is controlled by another agent")
)

const createdAtLayout = "2006-01-02T15:04:05.000Z"

// Config configures a LocalNode.
type Config struct {
	// Crypto implements signing, sealing and hashing.
	// Default: a GoProvider with default settings.
	Crypto crypto.Provider

	// AgentSecret is the secret the node signs with.
	// Default: a fresh random agent.
	AgentSecret crypto.AgentSecret

	// Logger for structured logging.
	// Default: slog.Default()
	Logger *slog.Logger

	// Clock returns the current time.
	// Default: time.Now
	Clock func() time.Time
}

// LocalNode owns the CoValues loaded in this process and acts as one
// account or agent.
type LocalNode struct {
	crypto crypto.Provider
	logger *slog.Logger
	clock  func() time.Time
	lastMs atomic.Int64

	identityMu sync.RWMutex
	identity   covalue.Identity

	coValuesMu sync.RWMutex
	coValues   map[types.CoID]*covalue.Core

	subsMu  sync.Mutex
	subs    map[types.CoID]map[int]func(*covalue.Core)
	nextSub int

	sync *SyncManager

	closing atomic.Bool
	wg      sync.WaitGroup
}

var _ covalue.Host = (*LocalNode)(nil)

// New creates a node acting as a bare agent.
func New(cfg Config) (*LocalNode, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Crypto == nil {
		p, err := crypto.NewGoProvider(crypto.Config{Logger: cfg.Logger})
		if err != nil {
			return nil, fmt.Errorf("create crypto provider: %w", err)
		}
		cfg.Crypto = p
	}
	if cfg.AgentSecret == "" {
		cfg.AgentSecret = cfg.Crypto.NewRandomAgentSecret()
	}

	identity, err := covalue.NewAgentIdentity(cfg.Crypto, cfg.AgentSecret)
	if err != nil {
		return nil, err
	}

	n := &LocalNode{
		crypto:   cfg.Crypto,
		logger:   cfg.Logger,
		clock:    cfg.Clock,
		identity: identity,
		coValues: make(map[types.CoID]*covalue.Core),
		subs:     make(map[types.CoID]map[int]func(*covalue.Core)),
	}
	n.sync = newSyncManager(n, cfg.Logger)
	return n, nil
}

// Crypto implements covalue.Host.
func (n *LocalNode) Crypto() crypto.Provider { return n.crypto }

// Core implements covalue.Host. It returns nil if id is not loaded.
func (n *LocalNode) Core(id types.CoID) *covalue.Core {
	n.coValuesMu.RLock()
	defer n.coValuesMu.RUnlock()
	return n.coValues[id]
}

// Identity implements covalue.Host.
func (n *LocalNode) Identity() covalue.Identity {
	n.identityMu.RLock()
	defer n.identityMu.RUnlock()
	return n.identity
}

// Now implements covalue.Host. Timestamps never go backwards within a node.
func (n *LocalNode) Now() int64 {
	now := n.clock().UnixMilli()
	for {
		last := n.lastMs.Load()
		if now < last {
			now = last
		}
		if n.lastMs.CompareAndSwap(last, now) {
			return now
		}
	}
}

// Changed implements covalue.Host: local transactions are pushed to peers.
func (n *LocalNode) Changed(c *covalue.Core) {
	if n.closing.Load() {
		return
	}
	n.sync.pushLocal(c)
	n.notify([]types.CoID{c.ID()})
}

// Logger returns the node's logger.
func (n *LocalNode) Logger() *slog.Logger { return n.logger }

// SyncManager returns the node's sync state.
func (n *LocalNode) SyncManager() *SyncManager { return n.sync }

func (n *LocalNode) createdAt() string {
	return time.UnixMilli(n.Now()).UTC().Format(createdAtLayout)
}

func (n *LocalNode) uniqueness() string {
	return n.crypto.RandomBase58(12)
}

// addCore registers c unless another core with its ID won a race, in which
// case that one is returned.
func (n *LocalNode) addCore(c *covalue.Core) *covalue.Core {
	n.coValuesMu.Lock()
	defer n.coValuesMu.Unlock()
	if existing, ok := n.coValues[c.ID()]; ok {
		return existing
	}
	n.coValues[c.ID()] = c
	return c
}

func (n *LocalNode) removeCore(id types.CoID) {
	n.coValuesMu.Lock()
	delete(n.coValues, id)
	n.coValuesMu.Unlock()
}

// Loaded returns the IDs of every loaded CoValue.
func (n *LocalNode) Loaded() []types.CoID {
	n.coValuesMu.RLock()
	defer n.coValuesMu.RUnlock()
	out := make([]types.CoID, 0, len(n.coValues))
	for id := range n.coValues {
		out = append(out, id)
	}
	return out
}

func (n *LocalNode) loadedCores() []*covalue.Core {
	n.coValuesMu.RLock()
	defer n.coValuesMu.RUnlock()
	out := make([]*covalue.Core, 0, len(n.coValues))
	for _, c := range n.coValues {
		out = append(out, c)
	}
	return out
}

// Create adds a new CoValue with the given header and announces it to peers.
func (n *LocalNode) Create(header *types.Header) (*covalue.Core, error) {
	if n.closing.Load() {
		return nil, ErrShutdown
	}
	c, err := covalue.NewCore(n, header, n.logger)
	if err != nil {
		return nil, err
	}
	c = n.addCore(c)
	n.Changed(c)
	return c, nil
}

// CreateAccount creates an account controlled by the node's agent and
// switches the node to act as it.
func (n *LocalNode) CreateAccount() (*covalue.Account, error) {
	agent := n.Identity()
	if agent.ID != types.AccountOrAgentID(agent.AgentID) {
		return nil, fmt.Errorf("%w: node already acts as %s", covalue.ErrAccountStructure, agent.ID)
	}
	c, err := n.Create(covalue.AccountHeader(agent.AgentID, n.createdAt(), n.uniqueness()))
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	if err := covalue.InitAccount(c, agent); err != nil {
		return nil, fmt.Errorf("init account: %w", err)
	}

	n.identityMu.Lock()
	n.identity = agent.AsAccount(n.crypto, c.ID())
	n.identityMu.Unlock()

	n.logger.Info("created account", "account", c.ID(), "agent", agent.AgentID)
	return c.AsAccount()
}

// ActAsAccount loads an existing account and switches the node to act as it.
// The account must be controlled by the node's agent.
func (n *LocalNode) ActAsAccount(ctx context.Context, id types.CoID) (*covalue.Account, error) {
	c, err := n.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	acc, err := c.AsAccount()
	if err != nil {
		return nil, err
	}
	current := n.Identity()
	if acc.Agent() != current.AgentID {
		return nil, fmt.Errorf("%w: %s", ErrWrongAgent, id)
	}

	n.identityMu.Lock()
	n.identity = current.AsAccount(n.crypto, id)
	n.identityMu.Unlock()
	return acc, nil
}

// CreateGroup creates a group with the node's identity as admin.
func (n *LocalNode) CreateGroup() (*covalue.Group, error) {
	as := n.Identity()
	c, err := n.Create(covalue.GroupHeader(as.ID, n.createdAt(), n.uniqueness()))
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	if err := covalue.InitGroup(c, as); err != nil {
		return nil, fmt.Errorf("init group: %w", err)
	}
	return c.AsGroup()
}

func (n *LocalNode) createOwned(typ types.CoValueType, group types.CoID, meta map[string]any) (*covalue.Core, error) {
	if n.Core(group) == nil {
		return nil, fmt.Errorf("%w: owner group %s is not loaded", ErrUnavailable, group)
	}
	c, err := n.Create(covalue.OwnedHeader(typ, group, meta, n.createdAt(), n.uniqueness()))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", typ, err)
	}
	return c, nil
}

// CreateMap creates a CoMap owned by group.
func (n *LocalNode) CreateMap(group types.CoID) (*covalue.Map, error) {
	c, err := n.createOwned(types.TypeCoMap, group, nil)
	if err != nil {
		return nil, err
	}
	return c.AsMap()
}

// CreateList creates a CoList owned by group.
func (n *LocalNode) CreateList(group types.CoID) (*covalue.List, error) {
	c, err := n.createOwned(types.TypeCoList, group, nil)
	if err != nil {
		return nil, err
	}
	return c.AsList()
}

// CreateStream creates a CoStream owned by group. Binary streams sync at low
// priority.
func (n *LocalNode) CreateStream(group types.CoID, binary bool) (*covalue.Stream, error) {
	var meta map[string]any
	if binary {
		meta = map[string]any{"type": "binary"}
	}
	c, err := n.createOwned(types.TypeCoStream, group, meta)
	if err != nil {
		return nil, err
	}
	return c.AsStream()
}

// CreatePlainText creates a CoPlainText owned by group.
func (n *LocalNode) CreatePlainText(group types.CoID) (*covalue.PlainText, error) {
	c, err := n.createOwned(types.TypeCoPlainText, group, nil)
	if err != nil {
		return nil, err
	}
	return c.AsPlainText()
}

// Load returns a CoValue, asking upstream peers for it if it is not loaded.
// It blocks until one peer has delivered everything it announced, every peer
// reported it missing, or ctx is done.
func (n *LocalNode) Load(ctx context.Context, id types.CoID) (*covalue.Core, error) {
	if n.closing.Load() {
		return nil, ErrShutdown
	}
	if c := n.Core(id); c != nil {
		return c, nil
	}
	if !types.IsCoID(string(id)) {
		return nil, fmt.Errorf("%w: invalid id %q", ErrUnavailable, id)
	}

	wait := n.sync.requestLoad(id)
	select {
	case err := <-wait:
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", id, err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if c := n.Core(id); c != nil {
		return c, nil
	}
	return nil, fmt.Errorf("load %s: %w", id, ErrUnavailable)
}

// Subscribe calls fn after every change to id, local or remote, and after
// changes to the group that owns it. Callbacks run outside node locks.
func (n *LocalNode) Subscribe(id types.CoID, fn func(*covalue.Core)) (unsubscribe func()) {
	n.subsMu.Lock()
	n.nextSub++
	key := n.nextSub
	if n.subs[id] == nil {
		n.subs[id] = make(map[int]func(*covalue.Core))
	}
	n.subs[id][key] = fn
	n.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.subsMu.Lock()
			delete(n.subs[id], key)
			if len(n.subs[id]) == 0 {
				delete(n.subs, id)
			}
			n.subsMu.Unlock()
		})
	}
}

func (n *LocalNode) hasSubscribers(id types.CoID) bool {
	n.subsMu.Lock()
	defer n.subsMu.Unlock()
	return len(n.subs[id]) > 0
}

// notify runs subscriptions for the changed ids and for CoValues owned by
// them. It must not be called with node locks held.
func (n *LocalNode) notify(changed []types.CoID) {
	if len(changed) == 0 {
		return
	}
	targets := make(map[types.CoID]bool, len(changed))
	for _, id := range changed {
		targets[id] = true
	}
	for _, c := range n.loadedCores() {
		if targets[c.Header().Ruleset.Group] {
			targets[c.ID()] = true
		}
	}

	type call struct {
		fn   func(*covalue.Core)
		core *covalue.Core
	}
	var calls []call
	n.subsMu.Lock()
	for id := range targets {
		if len(n.subs[id]) == 0 {
			continue
		}
		c := n.Core(id)
		if c == nil {
			continue
		}
		for _, fn := range n.subs[id] {
			calls = append(calls, call{fn, c})
		}
	}
	n.subsMu.Unlock()

	for _, cl := range calls {
		cl.fn(cl.core)
	}
}

// Unload drops a CoValue from memory if nothing subscribes to it and every
// storage peer holds all of it, or every server peer when there is no
// storage. It reports whether the CoValue was dropped.
func (n *LocalNode) Unload(id types.CoID) bool {
	if n.hasSubscribers(id) {
		return false
	}
	return n.sync.unload(id)
}

// AddPeer connects a peer and starts exchanging messages with it.
func (n *LocalNode) AddPeer(cfg PeerConfig) (*Peer, error) {
	if n.closing.Load() {
		return nil, ErrShutdown
	}
	p, err := n.sync.addPeer(cfg)
	if err != nil {
		return nil, err
	}

	n.wg.Add(2)
	go n.writeLoop(p)
	go n.readLoop(p)
	return p, nil
}

func (n *LocalNode) readLoop(p *Peer) {
	defer n.wg.Done()
	defer close(p.readerDone)
	ctx := context.Background()
	for {
		msg, err := p.conn.Receive(ctx)
		if err != nil {
			if !n.closing.Load() {
				n.logger.Info("peer disconnected", "peer", p.id, "error", err)
			}
			n.sync.removePeer(p)
			return
		}
		if n.closing.Load() {
			continue
		}
		n.notify(n.sync.handle(p, msg))
	}
}

func (n *LocalNode) writeLoop(p *Peer) {
	defer n.wg.Done()
	defer close(p.writerDone)
	ctx := context.Background()
	for {
		msg, ok := p.queue.pop(ctx)
		if !ok {
			return
		}
		if err := p.conn.Send(ctx, msg); err != nil {
			n.logger.Warn("send failed", "peer", p.id, "action", msg.Action(), "id", msg.CoValueID(), "error", err)
			p.queue.close()
			_ = p.conn.Close()
			return
		}
	}
}

// SyncState reports the sync status of id with a peer.
func (n *LocalNode) SyncState(peerID string, id types.CoID) SyncStatus {
	return n.sync.status(peerID, id)
}

// WaitForSync blocks until every upstream peer has acknowledged everything
// the node holds of id.
func (n *LocalNode) WaitForSync(ctx context.Context, id types.CoID) error {
	return n.sync.waitForSync(ctx, id)
}

// GracefulShutdown stops handling peer messages, flushes outgoing queues and
// closes every connection. Storage peers finish their in-flight writes before
// their connections close.
func (n *LocalNode) GracefulShutdown(ctx context.Context) error {
	if !n.closing.CompareAndSwap(false, true) {
		return nil
	}
	n.logger.Info("shutting down node")

	peers := n.sync.peerList()
	for _, p := range peers {
		p.queue.close()
	}

	var errs []error
	for _, p := range peers {
		select {
		case <-p.writerDone:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("flush peer %s: %w", p.id, ctx.Err()))
		}
		if err := p.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close peer %s: %w", p.id, err))
		}
	}

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}
