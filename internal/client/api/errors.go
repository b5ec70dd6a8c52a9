package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/listenroom/server/internal/protocol"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrPermissionDenied = errors.New("permission denied")
	ErrWrongSecret      = errors.New("wrong secret")
	ErrTransient        = errors.New("transient failure")
	ErrFatal            = errors.New("fatal failure")

	ErrAlreadyMember = fmt.Errorf("already a member: %w", ErrConflict)
	ErrNotMember     = fmt.Errorf("not a member: %w", ErrConflict)
	ErrUnauthorized  = fmt.Errorf("unauthorized: %w", ErrFatal)
)

// Error is a failed API response. It unwraps to one of the package sentinels.
type Error struct {
	Status  int
	Code    protocol.Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	switch e.Code {
	case protocol.CodeNotFound:
		return ErrNotFound
	case protocol.CodeAlreadyMember:
		return ErrAlreadyMember
	case protocol.CodeNotMember:
		return ErrNotMember
	case protocol.CodeConflict:
		return ErrConflict
	case protocol.CodePermissionDenied:
		return ErrPermissionDenied
	case protocol.CodeWrongSecret:
		return ErrWrongSecret
	case protocol.CodeUnauthorized:
		return ErrUnauthorized
	case protocol.CodeTransient:
		return ErrTransient
	case protocol.CodeFatal:
		return ErrFatal
	}

	if e.Status >= http.StatusInternalServerError {
		return ErrTransient
	}
	return ErrFatal
}

// IsTransient reports whether err is worth retrying later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
