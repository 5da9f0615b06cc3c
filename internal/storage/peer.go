package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/relves/colog/pkg/protocol"
	"github.com/relves/colog/pkg/types"
)

// PeerConfig configures a storage Peer.
type PeerConfig struct {
	// Async answers messages from background goroutines so Send returns at
	// once. Otherwise Send returns after the message is handled.
	Async bool

	// Logger for structured logging.
	// Default: slog.Default()
	Logger *slog.Logger
}

// Peer speaks the sync protocol on behalf of a Manager, so a node can treat
// its storage as one more upstream peer. It satisfies node.Conn.
type Peer struct {
	manager *Manager
	logger  *slog.Logger
	async   bool

	out  chan protocol.Message
	done chan struct{}

	mu       sync.Mutex
	closed   bool
	failing  map[types.CoID]bool
	inflight sync.WaitGroup
	once     sync.Once
}

// NewPeer creates a storage peer over m.
func NewPeer(m *Manager, cfg PeerConfig) *Peer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Peer{
		manager: m,
		logger:  cfg.Logger,
		async:   cfg.Async,
		out:     make(chan protocol.Message, 1024),
		done:    make(chan struct{}),
		failing: make(map[types.CoID]bool),
	}
}

// Send hands a message from the node to storage.
func (p *Peer) Send(ctx context.Context, msg protocol.Message) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.inflight.Add(1)
	p.mu.Unlock()

	switch m := msg.(type) {
	case *protocol.LoadMessage:
		if p.async {
			go func() {
				defer p.inflight.Done()
				p.load(context.Background(), m)
			}()
			return nil
		}
		defer p.inflight.Done()
		p.load(ctx, m)
	case *protocol.ContentMessage:
		handled := make(chan struct{})
		corrected := false
		p.manager.StoreAsync(m,
			func(ks types.KnownState) {
				corrected = true
				p.reply(protocol.NewCorrection(ks))
			},
			func(err error) {
				defer p.inflight.Done()
				defer close(handled)
				p.stored(m.ID, err, corrected)
			})
		if !p.async {
			select {
			case <-handled:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	default:
		// Known and done carry nothing storage needs.
		p.inflight.Done()
	}
	return nil
}

func (p *Peer) load(ctx context.Context, m *protocol.LoadMessage) {
	found, err := p.manager.Load(ctx, m.KnownState, p.reply)
	if err != nil {
		p.logger.Error("load from storage failed", "id", m.ID, "error", err)
	}
	if !found {
		p.reply(protocol.NewKnown(types.EmptyKnownState(m.ID)))
	}
}

// stored acknowledges a finished store. After a failure storage tells the
// node once what it actually holds so the node resends the gap; further
// failures for the same CoValue are only logged until a store succeeds.
func (p *Peer) stored(id types.CoID, err error, corrected bool) {
	ctx := context.Background()
	switch {
	case err == nil:
		p.setFailing(id, false)
		if corrected {
			return
		}
		known, err := p.manager.KnownState(ctx, id)
		if err != nil {
			p.logger.Error("read stored state", "id", id, "error", err)
			return
		}
		p.reply(protocol.NewKnown(known))
	case errors.Is(err, ErrAbandoned), errors.Is(err, ErrClosed):
		p.logger.Debug("store dropped", "id", id, "error", err)
	default:
		p.logger.Error("store failed", "id", id, "error", err)
		if !p.setFailing(id, true) {
			return
		}
		known, kerr := p.manager.KnownState(ctx, id)
		if kerr != nil && !errors.Is(kerr, ErrNotFound) {
			p.logger.Error("read stored state", "id", id, "error", kerr)
			return
		}
		p.reply(protocol.NewCorrection(known))
	}
}

// setFailing records the failure state of id and reports whether it changed.
func (p *Peer) setFailing(id types.CoID, failing bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing[id] == failing {
		return false
	}
	if failing {
		p.failing[id] = true
	} else {
		delete(p.failing, id)
	}
	return true
}

func (p *Peer) reply(msg protocol.Message) {
	select {
	case p.out <- msg:
	case <-p.done:
	}
}

// Receive returns the next message from storage to the node.
func (p *Peer) Receive(ctx context.Context) (protocol.Message, error) {
	select {
	case msg := <-p.out:
		return msg, nil
	default:
	}
	select {
	case msg := <-p.out:
		return msg, nil
	case <-p.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close waits for in-flight loads and stores, then ends the stream.
func (p *Peer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.inflight.Wait()
	p.once.Do(func() { close(p.done) })
	return nil
}
