package node_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relves/colog/pkg/crypto"
	"github.com/relves/colog/pkg/node"
	"github.com/relves/colog/pkg/protocol"
	"github.com/relves/colog/pkg/types"
)

var provider = crypto.MustGoProvider()

func newNode(t *testing.T) *node.LocalNode {
	t.Helper()
	n, err := node.New(node.Config{Crypto: provider})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = n.GracefulShutdown(ctx)
	})
	return n
}

// connect links client to server: the server is upstream for the client.
func connect(t *testing.T, client, server *node.LocalNode, clientID, serverID string, tr *trace) {
	t.Helper()
	var fn node.TraceFunc
	if tr != nil {
		fn = tr.record
	}
	c, s := node.ConnectedPeers(clientID, serverID, fn)
	_, err := server.AddPeer(node.PeerConfig{ID: clientID, Role: node.PeerClient, Conn: s})
	require.NoError(t, err)
	_, err = client.AddPeer(node.PeerConfig{ID: serverID, Role: node.PeerServer, Conn: c})
	require.NoError(t, err)
}

type traced struct {
	from, to string
	msg      protocol.Message
}

// trace records messages in the order they are received.
type trace struct {
	mu    sync.Mutex
	msgs  []traced
	names map[types.CoID]string
}

func newTrace() *trace { return &trace{names: map[types.CoID]string{}} }

func (tr *trace) name(id types.CoID, name string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.names[id] = name
}

func (tr *trace) record(from, to string, msg protocol.Message) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.msgs = append(tr.msgs, traced{from, to, msg})
}

func (tr *trace) all() []traced {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]traced(nil), tr.msgs...)
}

// describe renders messages from one peer to another like "content Map".
func (tr *trace) describe(from, to string) []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	var out []string
	for _, m := range tr.msgs {
		if m.from != from || m.to != to {
			continue
		}
		name := tr.names[m.msg.CoValueID()]
		if name == "" {
			name = string(m.msg.CoValueID())
		}
		desc := fmt.Sprintf("%s %s", m.msg.Action(), name)
		switch msg := m.msg.(type) {
		case *protocol.LoadMessage:
			desc += describeKnown(msg.KnownState)
		case *protocol.KnownMessage:
			desc += describeKnown(msg.KnownState)
			if msg.IsCorrection {
				desc += " correction"
			}
		}
		out = append(out, desc)
	}
	return out
}

func (tr *trace) corrections() int {
	count := 0
	for _, m := range tr.all() {
		if k, ok := m.msg.(*protocol.KnownMessage); ok && k.IsCorrection {
			count++
		}
	}
	return count
}

func describeKnown(ks types.KnownState) string {
	if !ks.Header {
		return " (empty)"
	}
	total := 0
	for _, n := range ks.Sessions {
		total += n
	}
	return fmt.Sprintf(" (header/%d)", total)
}

func loadCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// eventuallyEqual polls until both sides of get agree or a timeout passes.
func eventuallyEqual(t *testing.T, get func() (string, string)) bool {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		a, b := get()
		if a == b {
			return true
		}
		if time.Now().After(deadline) {
			t.Logf("diverged:\n%s\n%s", a, b)
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}
