package main

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/roomchat/pkg/config"
	"github.com/go-go-golems/roomchat/pkg/relay"
	"github.com/go-go-golems/roomchat/pkg/roomchat"
	"github.com/go-go-golems/roomchat/pkg/transcript"
	"github.com/go-go-golems/roomchat/pkg/transport/wsconn"
)

type lockedBuffer struct {
	mu sync.Mutex
	sb strings.Builder
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.String()
}

func startRelay(t *testing.T, rooms ...string) string {
	t.Helper()
	s := relay.DefaultSettings()
	s.Addr = "127.0.0.1:0"
	s.Rooms = rooms
	srv, err := relay.NewServer(s, relay.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Registry().Close()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/chat"
}

func TestConsoleChatsThroughRelay(t *testing.T) {
	endpoint := startRelay(t, "42")
	s := config.Default()
	s.Client.URL = endpoint

	dialer, closeDialer, err := buildDialer(s)
	require.NoError(t, err)
	defer closeDialer()

	in, input := io.Pipe()
	out := &lockedBuffer{}
	done := make(chan error, 1)
	go func() { done <- runConsole(context.Background(), s, dialer, "42", "alice", in, out, nil) }()
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "-- open --") }, 3*time.Second, 10*time.Millisecond)

	d, err := wsconn.NewDialer(endpoint, wsconn.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	bob, err := roomchat.NewSession(d, roomchat.WithSessionLogger(zerolog.Nop()))
	require.NoError(t, err)
	defer func() { _ = bob.Close() }()
	_, err = bob.Open(context.Background(), "42", "bob")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = bob.WaitForState(ctx, roomchat.StateOpen)
	require.NoError(t, err)

	_, err = io.WriteString(input, "hello bob\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "[alice (you)] hello bob") &&
			strings.Contains(out.String(), "seen: hello bob")
	}, 3*time.Second, 10*time.Millisecond)

	_, err = bob.SendMessage("hey alice")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "[bob] hey alice") }, 3*time.Second, 10*time.Millisecond)

	_, err = io.WriteString(input, "   \n/history\n/quit\n")
	require.NoError(t, err)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("console did not quit")
	}
	_ = input.Close()

	history := out.String()
	require.Contains(t, history, "[alice (you)] hello bob ✓")
	require.Contains(t, history, "[bob] hey alice")
	require.NotContains(t, history, "!!")
}

func TestConsoleReportsUnknownRoom(t *testing.T) {
	endpoint := startRelay(t, "42")
	s := config.Default()
	s.Client.URL = endpoint

	dialer, closeDialer, err := buildDialer(s)
	require.NoError(t, err)
	defer closeDialer()

	out := &lockedBuffer{}
	err = runConsole(context.Background(), s, dialer, "999", "alice", strings.NewReader("hi\n/quit\n"), out, nil)
	require.NoError(t, err)
	// input may race the rejection; either way nothing reaches the room
	require.Contains(t, out.String(), "-- joining room 999 as alice --")
}

func TestScanLinesStopsWhenNobodyReads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	lines := make(chan string)
	done := make(chan struct{})
	go func() {
		scanLines(ctx, strings.NewReader("one\ntwo\nthree\n"), lines)
		close(done)
	}()

	require.Equal(t, "one", <-lines)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scanLines kept waiting for a reader")
	}
	for range lines {
	}
}

func TestConsoleFormat(t *testing.T) {
	c := &console{identity: "alice"}
	require.Equal(t, "[alice (you)] hi", c.format(transcript.Message{Author: "alice", Body: "hi"}))
	require.Equal(t, "[bob] yo ✓", c.format(transcript.Message{Author: "bob", Body: "yo", IsRead: true}))

	styled := &console{identity: "alice", styles: newConsoleStyles()}
	require.Contains(t, styled.format(transcript.Message{Author: "bob", Body: "yo"}), "yo")
}

func TestBuildDialerRejectsBadURL(t *testing.T) {
	s := config.Default()
	s.Client.URL = "ws://"
	_, _, err := buildDialer(s)
	require.Error(t, err)
}
