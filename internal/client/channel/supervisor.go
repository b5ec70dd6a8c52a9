// Package channel keeps a push channel connection to the server alive and
// re-announces the bound room after every reconnect.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/listenroom/server/internal/protocol"
	"github.com/listenroom/server/pkg/backoff"
)

var ErrDisconnected = errors.New("push channel disconnected")

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "disconnected"
}

const (
	writeWait       = 5 * time.Second
	messagesBufSize = 64
)

type Config struct {
	URL    string
	Token  string
	Policy backoff.Policy
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// OnState is called from the supervisor goroutine on every transition.
	OnState func(State)
}

type binding struct {
	room string
	user string
}

type Supervisor struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	binding *binding

	writeMu  sync.Mutex
	messages chan protocol.Message
}

func NewSupervisor(cfg Config, logger *slog.Logger) *Supervisor {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Policy == (backoff.Policy{}) {
		cfg.Policy = backoff.Default()
	}

	return &Supervisor{
		cfg:      cfg,
		logger:   logger,
		messages: make(chan protocol.Message, messagesBufSize),
	}
}

// Messages delivers every server message in arrival order.
func (s *Supervisor) Messages() <-chan protocol.Message {
	return s.messages
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()

	if changed {
		s.logger.Info("push channel state", "state", state.String())
		if s.cfg.OnState != nil {
			s.cfg.OnState(state)
		}
	}
}

// Run connects and reconnects until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	b := backoff.New(s.cfg.Policy)

	for {
		s.setState(StateConnecting)
		conn, err := s.dial(ctx)
		if err == nil {
			b.Reset()
			err = s.serve(ctx, conn)
		}
		s.setState(StateDisconnected)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := b.Next()
		s.logger.Info("push channel lost, reconnecting", "error", err, "attempt", b.Attempt(), "delay", delay)
		if err := backoff.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (s *Supervisor) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.cfg.Token)

	conn, _, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	return conn, nil
}

// serve owns conn until it fails or ctx is done.
func (s *Supervisor) serve(ctx context.Context, conn *websocket.Conn) error {
	s.mu.Lock()
	s.conn = conn
	b := s.binding
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer func() {
		stop()
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	s.setState(StateConnected)

	if b != nil {
		if err := s.write(conn, protocol.TypeJoinRoom, protocol.JoinRoomInput{RoomCode: b.room, UserIdentity: b.user}); err != nil {
			return fmt.Errorf("failed to announce room: %w", err)
		}
	}

	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}

		select {
		case s.messages <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Supervisor) write(conn *websocket.Conn, typ string, payload any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(protocol.Output{Type: typ, Payload: payload})
}

// Send writes one message. It fails fast with ErrDisconnected while there
// is no live connection.
func (s *Supervisor) Send(typ string, payload any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return ErrDisconnected
	}

	if err := s.write(conn, typ, payload); err != nil {
		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
	return nil
}

// Bind makes room the room announced on every connect and announces it now
// if connected.
func (s *Supervisor) Bind(room, user string) error {
	s.mu.Lock()
	s.binding = &binding{room: room, user: user}
	s.mu.Unlock()

	return s.Send(protocol.TypeJoinRoom, protocol.JoinRoomInput{RoomCode: room, UserIdentity: user})
}

// Unbind stops announcing the bound room and leaves it on the live
// connection, if any.
func (s *Supervisor) Unbind() {
	s.mu.Lock()
	b := s.binding
	s.binding = nil
	s.mu.Unlock()

	if b == nil {
		return
	}

	if err := s.Send(protocol.TypeLeaveRoom, protocol.LeaveRoomInput{RoomCode: b.room}); err != nil {
		s.logger.Debug("failed to send leave room", "error", err)
	}
}

// Decode unmarshals the payload of msg into dst.
func Decode(msg protocol.Message, dst any) error {
	if err := json.Unmarshal(msg.Payload, dst); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", msg.Type, err)
	}
	return nil
}
