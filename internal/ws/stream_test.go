package ws

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/volatiletech/null/v8"

	"github.com/example/roster-sync/internal/session"
	"github.com/example/roster-sync/internal/storage"
	"github.com/example/roster-sync/internal/types"
)

func setup(t *testing.T) (*session.View, *session.Registry, string) {
	t.Helper()
	logger := zerolog.New(io.Discard)
	scope := types.Scope{Collection: "attendance", Key: "2024-05-01"}
	store := storage.NewMemory()
	require.NoError(t, store.ImportRoster(context.Background(), scope, []types.Seed{
		{ID: "c1", Fields: types.Fields{"status": null.StringFrom("present")}},
	}))

	view, err := session.Open(context.Background(), scope, nil, session.Backend{Loader: store, Committer: store}, session.Config{}, logger)
	require.NoError(t, err)
	registry := session.NewRegistry(0, nil, logger)
	registry.Register(view)

	mux := http.NewServeMux()
	mux.Handle("GET /views/{id}/stream", NewStream(registry, logger, StreamConfig{HeartbeatInterval: time.Second}))
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		registry.CloseAll()
	})
	return view, registry, "ws" + strings.TrimPrefix(srv.URL, "http") + "/views/" + string(view.ID()) + "/stream"
}

func readStatus(t *testing.T, conn *websocket.Conn, until func(session.Status) bool) session.Status {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var st session.Status
		require.NoError(t, conn.ReadJSON(&st))
		if until(st) {
			return st
		}
	}
}

func TestStreamPushesStatusChanges(t *testing.T) {
	view, _, url := setup(t)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readStatus(t, conn, func(session.Status) bool { return true })
	assert.Equal(t, view.ID(), first.View)
	assert.Equal(t, "read_only", first.Mode)
	assert.Equal(t, "No changes", first.Label)

	_, err = view.ToggleMode()
	require.NoError(t, err)
	readStatus(t, conn, func(st session.Status) bool { return st.Mode == "editing" })

	require.NoError(t, view.Edit("c1", "status", null.StringFrom("late")))
	st := readStatus(t, conn, func(st session.Status) bool { return st.Dirty == 1 })
	assert.Equal(t, "Unsaved changes", st.Label)
	assert.True(t, st.AutosavePending)
}

func TestStreamUnknownView(t *testing.T) {
	_, _, url := setup(t)
	bad := url[:strings.Index(url, "/views/")] + "/views/missing/stream"
	_, resp, err := websocket.DefaultDialer.Dial(bad, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamEndsWhenViewCloses(t *testing.T) {
	view, registry, url := setup(t)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	readStatus(t, conn, func(session.Status) bool { return true })

	require.NoError(t, registry.Remove(view.ID()))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var st session.Status
		err = conn.ReadJSON(&st)
		if err != nil {
			break
		}
	}
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
