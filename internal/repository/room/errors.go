package room

import "errors"

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomExists   = errors.New("room already exists")
	// ErrTxConflict is returned when a concurrent writer changed the record
	// between read and commit.
	ErrTxConflict = errors.New("transaction conflict")
)
