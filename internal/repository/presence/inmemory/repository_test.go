package inmemory

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/listenroom/server/internal/repository/presence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterLookup(t *testing.T) {
	r := NewRepo(slog.Default())

	r.Register("alice", "c1", "ABC123")
	connID, err := r.Lookup("alice")
	require.NoError(t, err)
	assert.Equal(t, "c1", connID)

	user, code, err := r.GetUser("c1")
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
	assert.Equal(t, "ABC123", code)

	_, err = r.Lookup("bob")
	assert.ErrorIs(t, err, presence.ErrNotFound)
}

func TestLastRegistrationWins(t *testing.T) {
	r := NewRepo(slog.Default())

	r.Register("alice", "c1", "ABC123")
	r.Register("alice", "c2", "ABC123")

	connID, err := r.Lookup("alice")
	require.NoError(t, err)
	assert.Equal(t, "c2", connID)

	// the stale connection goes away after the new one registered
	user, err := r.Unregister("c1")
	assert.ErrorIs(t, err, presence.ErrNotFound)
	assert.Empty(t, user)

	connID, err = r.Lookup("alice")
	require.NoError(t, err)
	assert.Equal(t, "c2", connID)
}

func TestUnregister(t *testing.T) {
	r := NewRepo(slog.Default())
	r.Register("alice", "c1", "ABC123")

	user, err := r.Unregister("c1")
	require.NoError(t, err)
	assert.Equal(t, "alice", user)

	_, err = r.Lookup("alice")
	assert.ErrorIs(t, err, presence.ErrNotFound)
}

func TestUnregisterUser(t *testing.T) {
	r := NewRepo(slog.Default())
	r.Register("alice", "c1", "ABC123")

	connID, err := r.UnregisterUser("alice", "ABC123")
	require.NoError(t, err)
	assert.Equal(t, "c1", connID)

	_, _, err = r.GetUser("c1")
	assert.ErrorIs(t, err, presence.ErrNotFound)

	_, err = r.UnregisterUser("alice", "ABC123")
	assert.ErrorIs(t, err, presence.ErrNotFound)
}

func TestUnregisterUserKeepsOtherRoom(t *testing.T) {
	r := NewRepo(slog.Default())
	r.Register("bob", "c1", "ROOMY")

	_, err := r.UnregisterUser("bob", "ROOMX")
	assert.ErrorIs(t, err, presence.ErrNotFound)

	connID, err := r.Lookup("bob")
	require.NoError(t, err)
	assert.Equal(t, "c1", connID)

	connID, err = r.UnregisterUser("bob", "ROOMY")
	require.NoError(t, err)
	assert.Equal(t, "c1", connID)
}

func TestConcurrentAccess(t *testing.T) {
	r := NewRepo(slog.Default())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("u%d", i%5)
			connID := fmt.Sprintf("c%d", i)
			r.Register(user, connID, "ABC123")
			r.Lookup(user)
			r.Unregister(connID)
		}(i)
	}
	wg.Wait()
}
