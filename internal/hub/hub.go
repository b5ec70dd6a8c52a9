// Package hub fans push channel messages out to the connections subscribed
// to a room. Delivery is best effort: a sink that cannot take a message
// right now loses it.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/exp/maps"
)

var (
	ErrBackpressure = errors.New("send queue full")
	ErrClosed       = errors.New("sink closed")
	ErrUnknownConn  = errors.New("unknown connection")
)

// Sink must not block.
type Sink interface {
	TrySend([]byte) error
}

type Hub struct {
	mu        sync.RWMutex
	sinks     map[string]Sink
	rooms     map[string]map[string]struct{}
	connRooms map[string]map[string]struct{}
	logger    *slog.Logger
}

func New(logger *slog.Logger) *Hub {
	return &Hub{
		sinks:     make(map[string]Sink),
		rooms:     make(map[string]map[string]struct{}),
		connRooms: make(map[string]map[string]struct{}),
		logger:    logger,
	}
}

func (h *Hub) Attach(connID string, s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sinks[connID] = s
}

// Detach forgets connID and drops every subscription it held.
func (h *Hub) Detach(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for code := range h.connRooms[connID] {
		h.unsubscribe(code, connID)
	}
	delete(h.connRooms, connID)
	delete(h.sinks, connID)
}

func (h *Hub) Subscribe(code, connID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sinks[connID]; !ok {
		return ErrUnknownConn
	}

	if h.rooms[code] == nil {
		h.rooms[code] = make(map[string]struct{})
	}
	h.rooms[code][connID] = struct{}{}

	if h.connRooms[connID] == nil {
		h.connRooms[connID] = make(map[string]struct{})
	}
	h.connRooms[connID][code] = struct{}{}

	return nil
}

func (h *Hub) Unsubscribe(code, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.unsubscribe(code, connID)
}

func (h *Hub) unsubscribe(code, connID string) {
	if conns := h.rooms[code]; conns != nil {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(h.rooms, code)
		}
	}

	if codes := h.connRooms[connID]; codes != nil {
		delete(codes, code)
	}
}

func (h *Hub) RoomConns(code string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return maps.Keys(h.rooms[code])
}

// Publish delivers msg to every connection subscribed to code except
// excludeConnID and returns how many sinks accepted it.
func (h *Hub) Publish(ctx context.Context, code string, msg any, excludeConnID string) (int, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal message: %w", err)
	}

	h.mu.RLock()
	targets := make(map[string]Sink, len(h.rooms[code]))
	for connID := range h.rooms[code] {
		if connID == excludeConnID {
			continue
		}
		if s, ok := h.sinks[connID]; ok {
			targets[connID] = s
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for connID, s := range targets {
		if err := s.TrySend(data); err != nil {
			h.logger.DebugContext(ctx, "dropped broadcast", "room_code", code, "conn_id", connID, "error", err)
			continue
		}
		delivered++
	}

	return delivered, nil
}

// SendTo delivers msg to a single connection.
func (h *Hub) SendTo(ctx context.Context, connID string, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	h.mu.RLock()
	s, ok := h.sinks[connID]
	h.mu.RUnlock()
	if !ok {
		return ErrUnknownConn
	}

	if err := s.TrySend(data); err != nil {
		h.logger.DebugContext(ctx, "dropped message", "conn_id", connID, "error", err)
		return err
	}

	return nil
}
