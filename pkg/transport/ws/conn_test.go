package ws_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/colog/pkg/crypto"
	"github.com/relves/colog/pkg/node"
	"github.com/relves/colog/pkg/protocol"
	"github.com/relves/colog/pkg/transport/ws"
	"github.com/relves/colog/pkg/types"
)

func serve(t *testing.T, accepted chan<- *ws.Conn) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Accept(w, r, ws.Settings{})
		if err != nil {
			return
		}
		accepted <- conn
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan *ws.Conn, 1)
	client, err := ws.Dial(ctx, serve(t, accepted), ws.Settings{})
	require.NoError(t, err)
	server := <-accepted

	sent := protocol.NewKnown(types.KnownState{
		ID:       "co_zValue",
		Header:   true,
		Sessions: map[types.SessionID]int{"sealer_zA/signer_zB_session_zC": 3},
	})
	require.NoError(t, client.Send(ctx, sent))

	got, err := server.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, sent, got)

	require.NoError(t, client.Close())
	_, err = server.Receive(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, client.Send(ctx, sent), node.ErrConnClosed)
}

func TestNodesSyncOverWebSocket(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	provider := crypto.MustGoProvider()

	server, err := node.New(node.Config{Crypto: provider})
	require.NoError(t, err)
	defer server.GracefulShutdown(ctx)
	client, err := node.New(node.Config{Crypto: provider})
	require.NoError(t, err)
	defer client.GracefulShutdown(ctx)

	accepted := make(chan *ws.Conn, 1)
	url := serve(t, accepted)

	group, err := client.CreateGroup()
	require.NoError(t, err)
	require.NoError(t, group.AddMember(types.EveryoneID, types.RoleReader))
	m, err := client.CreateMap(group.ID())
	require.NoError(t, err)
	require.NoError(t, m.Set("greeting", "hello", types.PrivacyPrivate))

	conn, err := ws.Dial(ctx, url, ws.Settings{})
	require.NoError(t, err)
	_, err = server.AddPeer(node.PeerConfig{ID: "client", Role: node.PeerClient, Conn: <-accepted})
	require.NoError(t, err)
	_, err = client.AddPeer(node.PeerConfig{ID: "server", Role: node.PeerServer, Conn: conn})
	require.NoError(t, err)

	require.NoError(t, client.WaitForSync(ctx, m.ID()))

	core, err := server.Load(ctx, m.ID())
	require.NoError(t, err)
	loaded, err := core.AsMap()
	require.NoError(t, err)
	v, ok := loaded.GetString("greeting")
	require.True(t, ok)
	assert.Equal(t, "hello", v)
}
