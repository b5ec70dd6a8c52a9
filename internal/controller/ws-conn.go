package controller

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/listenroom/server/internal/hub"
	"github.com/listenroom/server/internal/service/room"
	"github.com/listenroom/server/pkg/ctxlogger"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// wsConn is the hub sink of one websocket. Every write goes through its
// send queue so only the write pump touches the socket.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newWSConn(conn *websocket.Conn, queueSize int) *wsConn {
	return &wsConn{
		conn: conn,
		send: make(chan []byte, queueSize),
		done: make(chan struct{}),
	}
}

func (c *wsConn) TrySend(data []byte) error {
	select {
	case <-c.done:
		return hub.ErrClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return hub.ErrBackpressure
	}
}

func (c *wsConn) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// connState is the per-connection binding of a user to a room.
type connState struct {
	id       string
	userId   string
	mu       sync.Mutex
	roomCode string
}

func (s *connState) getRoomCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.roomCode
}

func (s *connState) setRoomCode(code string) (prev string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev = s.roomCode
	s.roomCode = code
	return prev
}

func (c controller) serveWS(w http.ResponseWriter, r *http.Request) {
	userId := c.getUserIdFromCtx(r.Context())

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.WarnContext(r.Context(), "failed to upgrade to websocket", "error", err)
		return
	}

	wc := newWSConn(conn, c.sendQueueSize)
	state := &connState{
		id:     c.generateTimeBasedId(),
		userId: userId,
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ctx = ctxlogger.AppendCtx(ctx, slog.String("conn_id", state.id))
	ctx = context.WithValue(ctx, connStateCtxKey, state)

	c.hub.Attach(state.id, wc)
	defer c.disconnect(ctx, state, wc)

	go c.writePump(ctx, wc)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.logger.InfoContext(ctx, "websocket connected")
	if err := c.wsmux.ServeConn(ctx, conn); err != nil {
		c.logger.InfoContext(ctx, "websocket closed", "error", err)
	}
}

// disconnect releases the connection. Room membership is untouched so the
// member can come back on a new connection.
func (c controller) disconnect(ctx context.Context, state *connState, wc *wsConn) {
	c.hub.Detach(state.id)
	c.roomService.DisconnectMember(ctx, &room.DisconnectMemberParams{ConnId: state.id})
	wc.Close()
}

func (c controller) writePump(ctx context.Context, wc *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer wc.Close()

	for {
		select {
		case <-ctx.Done():
			wc.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case <-wc.done:
			return
		case data := <-wc.send:
			if err := wc.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.InfoContext(ctx, "failed to set write deadline", "error", err)
				return
			}
			if err := wc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.InfoContext(ctx, "failed to write message", "error", err)
				return
			}
		case <-ticker.C:
			if err := wc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.InfoContext(ctx, "failed to write ping", "error", err)
				return
			}
		}
	}
}
