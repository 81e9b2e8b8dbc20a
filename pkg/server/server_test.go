package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liveboard-dev/liveboard/pkg/cache"
	"github.com/liveboard-dev/liveboard/pkg/config"
	"github.com/liveboard-dev/liveboard/pkg/events"
	"github.com/liveboard-dev/liveboard/pkg/mux"
	"github.com/liveboard-dev/liveboard/pkg/oplog"
	"github.com/liveboard-dev/liveboard/pkg/storage"
	"github.com/liveboard-dev/liveboard/pkg/types"
)

func newTestServer(t *testing.T) (*Server, *oplog.Log, *httptest.Server) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	cfg := config.Default()
	index := cache.NewIndex(store, broker)
	require.NoError(t, index.Start())
	t.Cleanup(index.Stop)

	l := oplog.New(store, broker, cfg)
	s := NewServer(cfg, store, l, index, mux.NewRegistry(broker, time.Minute))

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, l, ts
}

func TestIdentFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "192.0.2.7:1234"
	ident := identFromRequest(r)
	assert.Equal(t, "192.0.2.7", ident.IP)
	assert.False(t, ident.Moderator)

	r.Header.Set("X-Forwarded-For", "10.1.2.3, 192.0.2.7")
	r.Header.Set("X-Auth", "moderator")
	ident = identFromRequest(r)
	assert.Equal(t, "10.1.2.3", ident.IP)
	assert.True(t, ident.Moderator)
	assert.False(t, ident.Admin)

	r.Header.Set("X-Auth", "admin")
	ident = identFromRequest(r)
	assert.True(t, ident.Admin)
	assert.True(t, ident.Moderator)
}

func TestThreadEndpoint(t *testing.T) {
	_, l, ts := newTestServer(t)

	poster := types.Ident{IP: "10.0.0.1"}
	post, err := l.InsertPost(poster, "moe", &types.AllocatePayload{Body: "op", Subject: "s"})
	require.NoError(t, err)
	require.NoError(t, l.FinishPost(poster, post.Num))

	resp, err := http.Get(ts.URL + "/api/moe/" + strconv.FormatUint(post.Num, 10))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view threadView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, "ok", view.Status)
	require.NotNil(t, view.Root)
	assert.Equal(t, post.Num, view.Root.Num)
	assert.Equal(t, uint64(2), view.Ordinal)

	// unknown thread
	resp, err = http.Get(ts.URL + "/api/moe/999999")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// unknown board
	resp, err = http.Get(ts.URL + "/api/nope/1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBoardEndpoint(t *testing.T) {
	_, l, ts := newTestServer(t)

	poster := types.Ident{IP: "10.0.0.1"}
	for i := 0; i < 3; i++ {
		post, err := l.InsertPost(poster, "moe", &types.AllocatePayload{Body: "op"})
		require.NoError(t, err)
		require.NoError(t, l.FinishPost(poster, post.Num))
	}

	resp, err := http.Get(ts.URL + "/api/moe")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var views []*threadView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&views))
	assert.Len(t, views, 3)
}

func TestWebsocketSynchronize(t *testing.T) {
	_, l, ts := newTestServer(t)

	poster := types.Ident{IP: "10.0.0.1"}
	post, err := l.InsertPost(poster, "moe", &types.AllocatePayload{Body: "op"})
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	req, _ := json.Marshal(types.SyncRequest{
		Board:      "moe",
		Watermarks: map[uint64]uint64{post.Num: 0},
	})
	require.NoError(t, ws.WriteJSON(types.ClientMessage{
		Kind:    types.KindSynchronize,
		Payload: req,
	}))

	// the one-event backlog, then the ack
	var msg types.ServerMessage
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, ws.ReadJSON(&msg))
	require.Equal(t, types.KindInsertPost, msg.Kind)
	require.NotNil(t, msg.Event)
	assert.Equal(t, uint64(1), msg.Event.Ordinal)

	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, types.KindSynchronize, msg.Kind)
	require.NotNil(t, msg.Ack)
	assert.Empty(t, msg.Ack.Dropped)

	// a live append reaches the synced viewer
	_, err = l.AppendPost(poster, post.Num, " tail")
	require.NoError(t, err)
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, types.KindAppendPost, msg.Kind)
	assert.Equal(t, uint64(2), msg.Event.Ordinal)
}
