package inmemory

import (
	"log/slog"
	"sync"

	"github.com/listenroom/server/internal/repository/presence"
)

type binding struct {
	user     string
	roomCode string
}

// repo maps a user identity to its most recent connection and the room that
// connection is bound to.
type repo struct {
	connList map[string]binding
	idList   map[string]string
	mu       sync.RWMutex
	logger   *slog.Logger
}

func NewRepo(logger *slog.Logger) *repo {
	return &repo{
		connList: make(map[string]binding),
		idList:   make(map[string]string),
		logger:   logger,
	}
}

// Register binds user to connID in roomCode. The latest registration wins.
func (r *repo) Register(user, connID, roomCode string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Debug("presence register", "user", user, "conn_id", connID, "room_code", roomCode)
	if prev, ok := r.idList[user]; ok && prev != connID {
		delete(r.connList, prev)
	}

	r.connList[connID] = binding{user: user, roomCode: roomCode}
	r.idList[user] = connID
}

// Unregister drops connID. The user entry is removed only while it still
// points at connID, so a stale disconnect cannot erase a newer registration.
func (r *repo) Unregister(connID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.connList[connID]
	if !ok {
		return "", presence.ErrNotFound
	}
	delete(r.connList, connID)

	if r.idList[b.user] == connID {
		delete(r.idList, b.user)
	}

	r.logger.Debug("presence unregister", "user", b.user, "conn_id", connID)
	return b.user, nil
}

// UnregisterUser drops the current connection of user and returns it, but
// only while that connection is bound to roomCode.
func (r *repo) UnregisterUser(user, roomCode string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	connID, ok := r.idList[user]
	if !ok || r.connList[connID].roomCode != roomCode {
		return "", presence.ErrNotFound
	}
	delete(r.idList, user)
	delete(r.connList, connID)

	r.logger.Debug("presence unregister user", "user", user, "conn_id", connID, "room_code", roomCode)
	return connID, nil
}

func (r *repo) Lookup(user string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connID, ok := r.idList[user]
	if !ok {
		return "", presence.ErrNotFound
	}

	return connID, nil
}

// GetUser returns the user and room bound to connID.
func (r *repo) GetUser(connID string) (string, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.connList[connID]
	if !ok {
		return "", "", presence.ErrNotFound
	}

	return b.user, b.roomCode, nil
}
