package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/colog/pkg/server"
	"github.com/relves/colog/pkg/types"
)

func getKnown(t *testing.T, srv http.Handler, id string) (*httptest.ResponseRecorder, server.KnownResponse) {
	t.Helper()
	req := httptest.NewRequest("GET", "/covalues/"+id+"/known", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	var resp server.KnownResponse
	if w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func TestHandleGetKnown_Loaded(t *testing.T) {
	n := newNode(t)
	srv, err := server.NewServer(server.WithNode(n))
	require.NoError(t, err)

	group, err := n.CreateGroup()
	require.NoError(t, err)
	m, err := n.CreateMap(group.ID())
	require.NoError(t, err)
	require.NoError(t, m.Set("a", 1, types.PrivacyTrusting))
	require.NoError(t, m.Set("b", 2, types.PrivacyTrusting))

	w, resp := getKnown(t, srv, string(m.ID()))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, m.ID(), resp.ID)
	assert.True(t, resp.Header)
	assert.True(t, resp.Loaded)
	assert.Equal(t, m.Core().KnownState().Sessions, resp.Sessions)
}

func TestHandleGetKnown_Stored(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, _, ts := storedServer(t)

	group, err := n.CreateGroup()
	require.NoError(t, err)
	require.NoError(t, n.WaitForSync(ctx, group.ID()))
	require.True(t, n.Unload(group.ID()))

	srv := ts.Config.Handler
	w, resp := getKnown(t, srv, string(group.ID()))
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, resp.Loaded)
	assert.True(t, resp.Header)
	assert.Len(t, resp.Sessions, 1)
}

func TestHandleGetKnown_NotFound(t *testing.T) {
	_, _, ts := storedServer(t)

	w, _ := getKnown(t, ts.Config.Handler, "co_zMissing")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleGetKnown_InvalidID(t *testing.T) {
	srv, err := server.NewServer(server.WithNode(newNode(t)))
	require.NoError(t, err)

	w, _ := getKnown(t, srv, "not-a-covalue")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
