package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/chatrelay/internal/auth"
	"github.com/markb/chatrelay/internal/bus"
	"github.com/markb/chatrelay/internal/channel"
	"github.com/markb/chatrelay/internal/presence"
)

const wait = 3 * time.Second

type node struct {
	g   *Gateway
	srv *httptest.Server
}

type cluster struct {
	mr       *miniredis.Miniredis
	auth     *auth.Service
	rooms    *fakeRooms
	presence presence.Store
	cfg      Config
}

func newCluster(t *testing.T) *cluster {
	return &cluster{
		mr:       miniredis.RunT(t),
		auth:     auth.NewService("test-secret"),
		rooms:    newFakeRooms(),
		presence: presence.NewMemoryStore(),
	}
}

// node starts one relay process against the shared broker and presence store.
func (c *cluster) node(t *testing.T) *node {
	t.Helper()
	b := bus.New(bus.Config{
		Addr:           c.mr.Addr(),
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Start(ctx)
	}()
	require.Eventually(t, b.Healthy, wait, 5*time.Millisecond)

	g := New(c.cfg, Deps{
		Broker:    b,
		Presence:  c.presence,
		Authority: channel.NewAuthority(c.rooms),
		Verifier:  c.auth,
	})
	srv := httptest.NewServer(http.HandlerFunc(g.HandleWebSocket))

	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), wait)
		defer scancel()
		assert.NoError(t, g.Shutdown(sctx))
		srv.Close()
		cancel()
		b.Close()
		<-done
	})
	return &node{g: g, srv: srv}
}

func (n *node) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(n.srv.URL, "http")
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// login dials as identity and waits until its subscriptions reached the broker.
func (c *cluster) login(t *testing.T, n *node, identity string) *websocket.Conn {
	t.Helper()
	token, err := c.auth.GenerateAccessToken(identity, time.Minute)
	require.NoError(t, err)
	ws := n.dial(t, token)

	inbox, err := channel.Inbox(identity)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return c.mr.PubSubNumSub(inbox)[inbox] == 1
	}, wait, 5*time.Millisecond)
	ready(t, ws)
	return ws
}

// ready waits for a heartbeat reply, which the gateway only sends once the
// connection is active.
func ready(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	writeEvent(t, ws, EventHeartbeat, nil, "ready")
	f := readUntil(t, ws, EventReply)
	require.Equal(t, "ready", f.Data["ref"])
}

func readFrame(t *testing.T, ws *websocket.Conn, timeout time.Duration) (received, error) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(timeout))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		return received{}, err
	}
	var f Frame
	require.NoError(t, json.Unmarshal(raw, &f))
	var m map[string]any
	if len(f.Data) > 0 {
		require.NoError(t, json.Unmarshal(f.Data, &m))
	}
	return received{Event: f.Event, Data: m}, nil
}

// readUntil skips frames until one with event arrives.
func readUntil(t *testing.T, ws *websocket.Conn, event string) received {
	t.Helper()
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		f, err := readFrame(t, ws, time.Until(deadline))
		require.NoError(t, err)
		if f.Event == event {
			return f
		}
	}
	t.Fatalf("no %s frame", event)
	return received{}
}

// assertSilent fails if ws receives anything but presence broadcasts. It ends
// on a read timeout, after which ws can no longer be read.
func assertSilent(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	for {
		f, err := readFrame(t, ws, 200*time.Millisecond)
		if err != nil {
			return
		}
		if f.Event != EventUserJoined && f.Event != EventUserLeft {
			t.Fatalf("unexpected %s frame: %v", f.Event, f.Data)
		}
	}
}

func writeEvent(t *testing.T, ws *websocket.Conn, event string, data any, ref string) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(Frame{Event: event, Data: raw, Ref: ref}))
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	c := newCluster(t)
	n := c.node(t)

	for name, token := range map[string]string{"missing": "", "garbage": "not-a-jwt"} {
		t.Run(name, func(t *testing.T) {
			ws := n.dial(t, token)
			_, _, err := ws.ReadMessage()
			var ce *websocket.CloseError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
			assert.True(t, strings.HasPrefix(ce.Text, "unauthorized: "), ce.Text)
		})
	}
	assert.Zero(t, n.g.Stats().Connections)
}

func TestQueryTokenAccepted(t *testing.T) {
	c := newCluster(t)
	n := c.node(t)
	token, err := c.auth.GenerateAccessToken("u1", time.Minute)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(n.srv.URL, "http") + "?access_token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	ready(t, ws)
	status, err := c.presence.GetStatus(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, presence.Online, status)
}

func TestPrivateMessageAcrossProcesses(t *testing.T) {
	c := newCluster(t)
	a, b := c.node(t), c.node(t)

	u1 := c.login(t, a, "u1")
	u2 := c.login(t, b, "u2")
	u3 := c.login(t, b, "u3")
	require.Eventually(t, func() bool { return c.mr.PubSubNumPat() == 6 }, wait, 5*time.Millisecond)

	writeEvent(t, u1, EventSendPrivate, map[string]string{"to": "u2", "message": "hi"}, "")

	f := readUntil(t, u2, EventPrivateMessage)
	assert.Equal(t, "u1", f.Data["senderId"])
	assert.Equal(t, "hi", f.Data["content"])

	assertSilent(t, u1)
	assertSilent(t, u3)
}

func TestRoomMessageMembersOnly(t *testing.T) {
	c := newCluster(t)
	c.rooms.add("r42", "u1", "u2")
	a, b := c.node(t), c.node(t)

	u1 := c.login(t, a, "u1")
	u2 := c.login(t, b, "u2")
	u3 := c.login(t, a, "u3")
	require.Eventually(t, func() bool {
		return c.mr.PubSubNumSub("room:r42")["room:r42"] == 2
	}, wait, 5*time.Millisecond)

	writeEvent(t, u1, EventSendRoom, map[string]string{"roomId": "r42", "message": "yo"}, "")

	for _, ws := range []*websocket.Conn{u1, u2} {
		f := readUntil(t, ws, EventRoomMessage)
		assert.Equal(t, "r42", f.Data["roomId"])
		assert.Equal(t, "yo", f.Data["content"])
	}

	writeEvent(t, u3, EventSendRoom, map[string]string{"roomId": "r42", "message": "hey"}, "7")
	f := readUntil(t, u3, EventError)
	assert.Equal(t, CodeForbidden, f.Data["code"])
	assert.Equal(t, "7", f.Data["ref"])

	assertSilent(t, u1)
	assertSilent(t, u2)
	assertSilent(t, u3)
}

func TestDisconnectGoesOfflineAndReleasesRoom(t *testing.T) {
	c := newCluster(t)
	c.rooms.add("r42", "u1")
	n := c.node(t)

	u1 := c.login(t, n, "u1")
	require.Eventually(t, func() bool {
		return c.mr.PubSubNumSub("room:r42")["room:r42"] == 1
	}, wait, 5*time.Millisecond)

	status, err := c.presence.GetStatus(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, presence.Online, status)

	require.NoError(t, u1.Close())

	require.Eventually(t, func() bool {
		s, err := c.presence.GetStatus(context.Background(), "u1")
		return err == nil && s == presence.Offline
	}, wait, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return c.mr.PubSubNumSub("room:r42")["room:r42"] == 0
	}, wait, 5*time.Millisecond)
	assert.Zero(t, n.g.Stats().Connections)
}

func TestLeaveRoomTwiceOverSocket(t *testing.T) {
	c := newCluster(t)
	c.rooms.add("r42", "u1")
	n := c.node(t)
	u1 := c.login(t, n, "u1")

	writeEvent(t, u1, EventLeaveRoom, map[string]string{"roomId": "r42"}, "1")
	assert.Equal(t, "1", readUntil(t, u1, EventReply).Data["ref"])
	writeEvent(t, u1, EventLeaveRoom, map[string]string{"roomId": "r42"}, "2")
	assert.Equal(t, "2", readUntil(t, u1, EventReply).Data["ref"])

	require.Eventually(t, func() bool {
		return c.mr.PubSubNumSub("room:r42")["room:r42"] == 0
	}, wait, 5*time.Millisecond)
}

func TestNotifyReachesInbox(t *testing.T) {
	c := newCluster(t)
	a, b := c.node(t), c.node(t)
	u1 := c.login(t, a, "u1")

	sent, err := b.g.Notify(context.Background(), "u1", "ping")
	require.NoError(t, err)
	assert.True(t, sent)

	f := readUntil(t, u1, EventNotice)
	assert.Equal(t, "ping", f.Data["content"])
}

func TestPresenceRefreshOutlivesTTL(t *testing.T) {
	c := newCluster(t)
	rdb := redis.NewClient(&redis.Options{Addr: c.mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	c.presence = presence.NewRedisStore(rdb, time.Minute)
	c.cfg.PresenceRefresh = 20 * time.Millisecond
	a, b := c.node(t), c.node(t)
	u1 := c.login(t, a, "u1")

	// Three TTLs pass in total; the record survives only if it is rewritten.
	for i := 0; i < 3; i++ {
		c.mr.FastForward(40 * time.Second)
		require.Eventually(t, func() bool {
			return c.mr.TTL("presence:u1") > 50*time.Second
		}, wait, 5*time.Millisecond)
	}

	status, err := c.presence.GetStatus(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, presence.Online, status)

	sent, err := b.g.Notify(context.Background(), "u1", "still here")
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, "still here", readUntil(t, u1, EventNotice).Data["content"])
}

func TestHeartbeatRefreshesPresence(t *testing.T) {
	c := newCluster(t)
	rdb := redis.NewClient(&redis.Options{Addr: c.mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	c.presence = presence.NewRedisStore(rdb, time.Minute)
	c.cfg.PresenceRefresh = time.Hour
	n := c.node(t)
	u1 := c.login(t, n, "u1")

	c.mr.FastForward(50 * time.Second)
	require.LessOrEqual(t, c.mr.TTL("presence:u1"), 10*time.Second)

	writeEvent(t, u1, EventHeartbeat, nil, "hb")
	readUntil(t, u1, EventReply)
	assert.Greater(t, c.mr.TTL("presence:u1"), 50*time.Second)

	status, err := c.presence.GetStatus(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, presence.Online, status)
}

func TestShutdownClosesConnections(t *testing.T) {
	c := newCluster(t)
	n := c.node(t)
	u1 := c.login(t, n, "u1")

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	require.NoError(t, n.g.Shutdown(ctx))

	for {
		_, err := readFrame(t, u1, wait)
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, websocket.CloseGoingAway, ce.Code)
		break
	}

	resp, err := http.Get(n.srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
