package channel

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/listenroom/server/internal/protocol"
	"github.com/listenroom/server/pkg/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	srv      *httptest.Server
	received chan protocol.Message
	conns    chan *websocket.Conn
	auth     chan string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		received: make(chan protocol.Message, 16),
		conns:    make(chan *websocket.Conn, 4),
		auth:     make(chan string, 4),
	}

	upgrader := websocket.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.auth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.conns <- conn

		for {
			var msg protocol.Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			fs.received <- msg
		}
	}))
	t.Cleanup(fs.srv.Close)

	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-fs.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no connection")
		return nil
	}
}

func (fs *fakeServer) nextMessage(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case msg := <-fs.received:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
		return protocol.Message{}
	}
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) count(s State) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, st := range r.states {
		if st == s {
			n++
		}
	}
	return n
}

func fastPolicy() backoff.Policy {
	return backoff.Policy{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2}
}

func TestSendWhileDisconnected(t *testing.T) {
	s := NewSupervisor(Config{URL: "ws://127.0.0.1:1"}, slog.Default())

	assert.Equal(t, StateDisconnected, s.State())
	assert.ErrorIs(t, s.Send(protocol.TypeAlive, struct{}{}), ErrDisconnected)
	assert.ErrorIs(t, s.Bind("ABC123", "alice"), ErrDisconnected)
}

func TestReconnectReannounces(t *testing.T) {
	fs := newFakeServer(t)
	rec := &stateRecorder{}
	s := NewSupervisor(Config{
		URL:     fs.url(),
		Token:   "tkn",
		Policy:  fastPolicy(),
		OnState: rec.record,
	}, slog.Default())

	// bound before the first connect
	assert.ErrorIs(t, s.Bind("ABC123", "alice"), ErrDisconnected)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	conn := fs.nextConn(t)
	assert.Equal(t, "Bearer tkn", <-fs.auth)
	msg := fs.nextMessage(t)
	assert.Equal(t, protocol.TypeJoinRoom, msg.Type)

	var join protocol.JoinRoomInput
	require.NoError(t, Decode(msg, &join))
	assert.Equal(t, protocol.JoinRoomInput{RoomCode: "ABC123", UserIdentity: "alice"}, join)

	// server pushes are delivered
	require.NoError(t, conn.WriteJSON(protocol.Output{Type: protocol.TypePlayback, Payload: protocol.Snapshot{Queue: []string{}}}))
	select {
	case got := <-s.Messages():
		assert.Equal(t, protocol.TypePlayback, got.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no pushed message")
	}

	// drop the connection; the supervisor comes back and announces again
	conn.Close()
	fs.nextConn(t)
	msg = fs.nextMessage(t)
	assert.Equal(t, protocol.TypeJoinRoom, msg.Type)
	assert.Equal(t, StateConnected, s.State())
	assert.GreaterOrEqual(t, rec.count(StateDisconnected), 1)
	assert.Equal(t, 2, rec.count(StateConnected))

	s.Unbind()
	msg = fs.nextMessage(t)
	assert.Equal(t, protocol.TypeLeaveRoom, msg.Type)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
	assert.Equal(t, StateDisconnected, s.State())
}

func TestRetriesUntilServerUp(t *testing.T) {
	rec := &stateRecorder{}
	s := NewSupervisor(Config{
		URL:     "ws://127.0.0.1:1",
		Policy:  fastPolicy(),
		OnState: rec.record,
	}, slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, rec.count(StateConnected))
	assert.Greater(t, rec.count(StateConnecting), 1)
}
