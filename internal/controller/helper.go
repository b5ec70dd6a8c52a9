package controller

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/listenroom/server/internal/protocol"
	"github.com/listenroom/server/internal/service/room"
	"github.com/listenroom/server/pkg/rest"
	"github.com/listenroom/server/pkg/validator"
	"github.com/listenroom/server/pkg/wsrouter"
)

var (
	ErrValidationError = errors.New("validation error")
	ErrNotBound        = errors.New("connection is not bound to the room")
)

func (c controller) generateTimeBasedId() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}

// mapError translates service errors to a status and a wire error code.
func (c controller) mapError(err error) (int, protocol.Code) {
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		return http.StatusNotFound, protocol.CodeNotFound
	case errors.Is(err, room.ErrAlreadyMember):
		return http.StatusConflict, protocol.CodeAlreadyMember
	case errors.Is(err, room.ErrNotMember):
		return http.StatusConflict, protocol.CodeNotMember
	case errors.Is(err, room.ErrCodeTaken), errors.Is(err, room.ErrRoomFull):
		return http.StatusConflict, protocol.CodeConflict
	case errors.Is(err, room.ErrPermissionDenied), errors.Is(err, ErrNotBound):
		return http.StatusForbidden, protocol.CodePermissionDenied
	case errors.Is(err, room.ErrWrongSecret):
		return http.StatusUnauthorized, protocol.CodeWrongSecret
	case errors.Is(err, room.ErrQueueLimitReached),
		errors.Is(err, room.ErrCannotEvictSelf),
		errors.Is(err, ErrValidationError),
		errors.Is(err, wsrouter.ErrInvalidPayload),
		errors.Is(err, wsrouter.ErrUnknownMessageType):
		return http.StatusBadRequest, protocol.CodeFatal
	case errors.Is(err, room.ErrTransient):
		return http.StatusServiceUnavailable, protocol.CodeTransient
	}

	return http.StatusInternalServerError, protocol.CodeTransient
}

func (c controller) errorPayload(err error) (int, protocol.ErrorPayload) {
	status, code := c.mapError(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}

	return status, protocol.ErrorPayload{Code: code, Message: message}
}

func (c controller) writeErrorPayload(w http.ResponseWriter, status int, payload protocol.ErrorPayload) {
	if err := rest.WriteJSON(w, status, protocol.ErrorBody{Error: payload}); err != nil {
		c.logger.Warn("failed to write error", "error", err)
	}
}

func (c controller) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, payload := c.errorPayload(err)
	if status == http.StatusInternalServerError {
		c.logger.ErrorContext(r.Context(), "request failed", "error", err)
	} else {
		c.logger.InfoContext(r.Context(), "request rejected", "error", err, "code", payload.Code)
	}

	c.writeErrorPayload(w, status, payload)
}

func (c controller) writeValidationErrors(w http.ResponseWriter, errs []validator.ValidationError) {
	c.writeErrorPayload(w, http.StatusBadRequest, protocol.ErrorPayload{
		Code:    protocol.CodeFatal,
		Message: ErrValidationError.Error(),
		Details: errs,
	})
}
