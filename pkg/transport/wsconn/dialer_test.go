package wsconn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/roomchat/pkg/roomchat"
)

// echoServer upgrades requests for room "r1" and echoes every text frame.
func echoServer(t *testing.T, queries chan<- url.Values) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if queries != nil {
			queries <- r.URL.Query()
		}
		switch {
		case r.URL.Query().Get("name") == "":
			http.Error(w, "missing name", http.StatusBadRequest)
			return
		case r.URL.Query().Get("id") != "r1":
			http.Error(w, "unknown room", http.StatusNotFound)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = ws.Close() }()
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/chat"
}

func TestNewDialer_ValidatesURL(t *testing.T) {
	for _, raw := range []string{"http://localhost:8000/chat", "ws://", "::bad"} {
		_, err := NewDialer(raw)
		require.Error(t, err, raw)
	}
	d, err := NewDialer("ws://localhost:8000/chat")
	require.NoError(t, err)
	require.Equal(t, "ws://localhost:8000/chat?id=42&name=alice+smith", d.URL(roomchat.Target{RoomID: "42", DisplayName: "alice smith"}))
}

func TestDialer_RoundTrip(t *testing.T) {
	queries := make(chan url.Values, 1)
	srv := echoServer(t, queries)
	d, err := NewDialer(wsURL(srv), WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	conn, err := d.Dial(context.Background(), roomchat.Target{RoomID: "r1", DisplayName: "alice"})
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	q := <-queries
	require.Equal(t, "r1", q.Get("id"))
	require.Equal(t, "alice", q.Get("name"))

	require.NoError(t, conn.Write([]byte(`{"type":"message_read","message_id":"m1"}`)))
	got, err := conn.Read()
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"message_read","message_id":"m1"}`, string(got))
}

func TestDialer_UnknownRoom(t *testing.T) {
	srv := echoServer(t, nil)
	d, err := NewDialer(wsURL(srv), WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	_, err = d.Dial(context.Background(), roomchat.Target{RoomID: "r9", DisplayName: "alice"})
	require.ErrorIs(t, err, roomchat.ErrUnknownRoom)
}

func TestDialer_RejectedName(t *testing.T) {
	srv := echoServer(t, nil)
	d, err := NewDialer(wsURL(srv), WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	_, err = d.Dial(context.Background(), roomchat.Target{RoomID: "r1", DisplayName: ""})
	require.ErrorIs(t, err, roomchat.ErrInvalidTarget)
}

func TestDialer_ConnectionRefused(t *testing.T) {
	srv := echoServer(t, nil)
	endpoint := wsURL(srv)
	srv.Close()

	d, err := NewDialer(endpoint, WithLogger(zerolog.Nop()), WithHandshakeTimeout(time.Second))
	require.NoError(t, err)
	_, err = d.Dial(context.Background(), roomchat.Target{RoomID: "r1", DisplayName: "alice"})
	require.Error(t, err)
	require.NotErrorIs(t, err, roomchat.ErrUnknownRoom)
}

func TestConn_CloseUnblocksRead(t *testing.T) {
	srv := echoServer(t, nil)
	d, err := NewDialer(wsURL(srv), WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	conn, err := d.Dial(context.Background(), roomchat.Target{RoomID: "r1", DisplayName: "alice"})
	require.NoError(t, err)

	readErr := make(chan error, 1)
	go func() {
		_, err := conn.Read()
		readErr <- err
	}()

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	select {
	case err := <-readErr:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not return after Close")
	}
	require.Error(t, conn.Write([]byte("late")))
}

func TestConn_KeepAliveHoldsIdleConnection(t *testing.T) {
	srv := echoServer(t, nil)
	d, err := NewDialer(wsURL(srv),
		WithLogger(zerolog.Nop()),
		WithKeepAlive(KeepAlive{PingInterval: 10 * time.Millisecond, PongWait: 60 * time.Millisecond, WriteWait: time.Second}),
	)
	require.NoError(t, err)
	conn, err := d.Dial(context.Background(), roomchat.Target{RoomID: "r1", DisplayName: "alice"})
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	frames := make(chan []byte, 1)
	errs := make(chan error, 1)
	go func() {
		b, err := conn.Read()
		if err != nil {
			errs <- err
			return
		}
		frames <- b
	}()

	// idle for several pong windows; pongs keep extending the read deadline
	time.Sleep(250 * time.Millisecond)
	require.NoError(t, conn.Write([]byte(`{"type":"message_read","message_id":"late"}`)))
	select {
	case b := <-frames:
		require.Contains(t, string(b), "late")
	case err := <-errs:
		t.Fatalf("idle connection dropped: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for echo")
	}
}

func TestKeepAlive_Defaults(t *testing.T) {
	k := KeepAlive{PingInterval: time.Second}.withDefaults()
	require.Equal(t, 3*time.Second, k.PongWait)
	require.Equal(t, DefaultKeepAlive().WriteWait, k.WriteWait)

	off := KeepAlive{}.withDefaults()
	require.Zero(t, off.PingInterval)
}
