package controller

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/listenroom/server/internal/protocol"
	"github.com/listenroom/server/internal/service/room"
	"github.com/listenroom/server/pkg/rest"
)

func (c controller) getRoomCode(r *http.Request) string {
	return chi.URLParam(r, "room-code")
}

// readInput decodes and validates the request body. It writes the error
// response itself and reports whether the handler may continue.
func (c controller) readInput(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	if err := rest.ReadJSON(r, dst); err != nil {
		if !(optional && errors.Is(err, rest.ErrEmptyBody)) {
			c.logger.InfoContext(r.Context(), "failed to read json", "error", err)
			c.writeErrorPayload(w, http.StatusBadRequest, protocol.ErrorPayload{
				Code:    protocol.CodeFatal,
				Message: err.Error(),
			})
			return false
		}
	}

	if errs, ok := c.validate.Validate(dst); !ok {
		c.writeValidationErrors(w, errs)
		return false
	}

	return true
}

type createRoomInput struct {
	Code   string `json:"code" validate:"omitempty,alphanum,min=4,max=12"`
	Name   string `json:"name" validate:"max=64"`
	Secret string `json:"secret" validate:"max=64"`
	Theme  string `json:"theme" validate:"max=32"`
}

func (c controller) createRoom(w http.ResponseWriter, r *http.Request) {
	var input createRoomInput
	if !c.readInput(w, r, &input, true) {
		return
	}

	createRoomResp, err := c.roomService.CreateRoom(r.Context(), &room.CreateRoomParams{
		Code:     input.Code,
		Name:     input.Name,
		Secret:   input.Secret,
		Theme:    input.Theme,
		SenderId: c.getUserIdFromCtx(r.Context()),
	})
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	rest.WriteJSON(w, http.StatusCreated, createRoomResp.Room)
}

func (c controller) getRoom(w http.ResponseWriter, r *http.Request) {
	roomResp, err := c.roomService.GetRoom(r.Context(), &room.GetRoomParams{
		RoomCode: c.getRoomCode(r),
	})
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	rest.WriteJSON(w, http.StatusOK, roomResp)
}

func (c controller) setPlayback(w http.ResponseWriter, r *http.Request) {
	var input protocol.Snapshot
	if !c.readInput(w, r, &input, false) {
		return
	}

	setPlaybackResp, err := c.roomService.SetPlayback(r.Context(), &room.SetPlaybackParams{
		RoomCode: c.getRoomCode(r),
		SenderId: c.getUserIdFromCtx(r.Context()),
		Playback: input,
	})
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	rest.WriteJSON(w, http.StatusOK, setPlaybackResp.Room)
}

type joinRoomInput struct {
	Secret string `json:"secret" validate:"max=64"`
}

func (c controller) joinRoom(w http.ResponseWriter, r *http.Request) {
	var input joinRoomInput
	if !c.readInput(w, r, &input, true) {
		return
	}

	joinRoomResp, err := c.roomService.JoinRoom(r.Context(), &room.JoinRoomParams{
		RoomCode: c.getRoomCode(r),
		Secret:   input.Secret,
		SenderId: c.getUserIdFromCtx(r.Context()),
	})
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	c.broadcastMembersUpdated(r.Context(), &joinRoomResp.Room, "")

	rest.WriteJSON(w, http.StatusOK, joinRoomResp.Room)
}

func (c controller) leaveRoom(w http.ResponseWriter, r *http.Request) {
	code := c.getRoomCode(r)
	leaveRoomResp, err := c.roomService.LeaveRoom(r.Context(), &room.LeaveRoomParams{
		RoomCode: code,
		SenderId: c.getUserIdFromCtx(r.Context()),
	})
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	if leaveRoomResp.ConnId != "" {
		c.hub.Unsubscribe(code, leaveRoomResp.ConnId)
	}

	if leaveRoomResp.IsRoomDeleted {
		rest.WriteJSON(w, http.StatusOK, protocol.LeaveResult{Deleted: true})
		return
	}

	c.broadcastMembersUpdated(r.Context(), &leaveRoomResp.Room, "")

	rest.WriteJSON(w, http.StatusOK, protocol.LeaveResult{Room: &leaveRoomResp.Room})
}

type evictMemberInput struct {
	TargetUserIdentity string `json:"target_user_identity" validate:"required"`
}

func (c controller) evictMember(w http.ResponseWriter, r *http.Request) {
	var input evictMemberInput
	if !c.readInput(w, r, &input, false) {
		return
	}

	result, err := c.evict(r.Context(), c.getRoomCode(r), c.getUserIdFromCtx(r.Context()), input.TargetUserIdentity)
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	rest.WriteJSON(w, http.StatusOK, result)
}

func (c controller) deleteRoom(w http.ResponseWriter, r *http.Request) {
	code := c.getRoomCode(r)
	if _, err := c.roomService.DeleteRoom(r.Context(), &room.DeleteRoomParams{
		RoomCode: code,
		SenderId: c.getUserIdFromCtx(r.Context()),
	}); err != nil {
		c.writeError(w, r, err)
		return
	}

	c.closeRoom(r.Context(), code)

	w.WriteHeader(http.StatusNoContent)
}

// evict removes target from the room and tells its live connection, if any,
// to leave. Both the REST and the push channel entry points end up here.
func (c controller) evict(ctx context.Context, code, sender, target string) (protocol.EvictResultPayload, error) {
	evictResp, err := c.roomService.EvictMember(ctx, &room.EvictMemberParams{
		RoomCode: code,
		SenderId: sender,
		TargetId: target,
	})
	if err != nil {
		return protocol.EvictResultPayload{}, err
	}

	result := protocol.EvictResultPayload{
		RoomCode:           code,
		TargetUserIdentity: target,
		Connected:          evictResp.Connected,
	}

	if evictResp.Connected {
		if err := c.hub.SendTo(ctx, evictResp.TargetConnId, &protocol.Output{
			Type: protocol.TypeForceLeave,
			Payload: protocol.ForceLeavePayload{
				RoomCode: code,
				Reason:   protocol.ReasonKicked,
			},
		}); err != nil {
			c.logger.InfoContext(ctx, "failed to deliver force leave", "error", err)
			result.Connected = false
		}
		c.hub.Unsubscribe(code, evictResp.TargetConnId)
	}

	c.broadcastMembersUpdated(ctx, &evictResp.Room, "")

	return result, nil
}

func (c controller) closeRoom(ctx context.Context, code string) {
	if _, err := c.hub.Publish(ctx, code, &protocol.Output{
		Type: protocol.TypeForceLeave,
		Payload: protocol.ForceLeavePayload{
			RoomCode: code,
			Reason:   protocol.ReasonClosed,
		},
	}, ""); err != nil {
		c.logger.WarnContext(ctx, "failed to broadcast room closed", "error", err)
	}

	for _, connId := range c.hub.RoomConns(code) {
		c.hub.Unsubscribe(code, connId)
	}
}

func (c controller) broadcastMembersUpdated(ctx context.Context, rm *protocol.Room, excludeConnId string) {
	if _, err := c.hub.Publish(ctx, rm.Code, &protocol.Output{
		Type: protocol.TypeMembersUpdated,
		Payload: protocol.MembersUpdatedPayload{
			RoomCode: rm.Code,
			Host:     rm.Host,
			Members:  rm.Members,
		},
	}, excludeConnId); err != nil {
		c.logger.WarnContext(ctx, "failed to broadcast members updated", "error", err)
	}
}
