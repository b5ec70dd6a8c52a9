package controller

import (
	"context"
	"fmt"

	"github.com/listenroom/server/internal/protocol"
	"github.com/listenroom/server/internal/service/room"
)

func (c controller) validateInput(input any) error {
	if errs, ok := c.validate.Validate(input); !ok {
		return fmt.Errorf("%w: %v", ErrValidationError, errs)
	}

	return nil
}

func (c controller) handleAlive(_ context.Context, _ struct{}) error {
	return nil
}

// handleJoinRoom binds the connection to a room the user is already a member
// of. Announcing again is harmless and just resends the current record.
func (c controller) handleJoinRoom(ctx context.Context, input protocol.JoinRoomInput) error {
	if err := c.validateInput(input); err != nil {
		return err
	}

	state := c.getConnStateFromCtx(ctx)
	if input.UserIdentity != state.userId {
		return fmt.Errorf("announced identity does not match token: %w", room.ErrPermissionDenied)
	}

	connectResp, err := c.roomService.ConnectMember(ctx, &room.ConnectMemberParams{
		RoomCode: input.RoomCode,
		SenderId: state.userId,
		ConnId:   state.id,
	})
	if err != nil {
		return fmt.Errorf("failed to connect member: %w", err)
	}

	if err := c.hub.Subscribe(input.RoomCode, state.id); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	if prev := state.setRoomCode(input.RoomCode); prev != "" && prev != input.RoomCode {
		c.hub.Unsubscribe(prev, state.id)
	}

	if err := c.hub.SendTo(ctx, state.id, &protocol.Output{
		Type:    protocol.TypeRoomJoined,
		Payload: protocol.RoomJoinedPayload{Room: connectResp.Room},
	}); err != nil {
		c.logger.InfoContext(ctx, "failed to send room joined", "error", err)
	}

	return nil
}

// handleLeaveRoom stops delivery of room events to this connection.
// Membership is changed through the REST leave call.
func (c controller) handleLeaveRoom(ctx context.Context, input protocol.LeaveRoomInput) error {
	if err := c.validateInput(input); err != nil {
		return err
	}

	state := c.getConnStateFromCtx(ctx)
	c.hub.Unsubscribe(input.RoomCode, state.id)
	if state.getRoomCode() == input.RoomCode {
		state.setRoomCode("")
	}

	return nil
}

// handleHostPlayback relays the host's snapshot to the rest of the room.
// It is not persisted here.
func (c controller) handleHostPlayback(ctx context.Context, input protocol.HostPlaybackInput) error {
	if err := c.validateInput(input); err != nil {
		return err
	}

	state := c.getConnStateFromCtx(ctx)
	if state.getRoomCode() != input.RoomCode {
		return ErrNotBound
	}

	if err := c.roomService.AuthorizeHost(ctx, &room.AuthorizeHostParams{
		RoomCode: input.RoomCode,
		SenderId: state.userId,
		Playback: &input.Playback,
	}); err != nil {
		return fmt.Errorf("failed to authorize host playback: %w", err)
	}

	if _, err := c.hub.Publish(ctx, input.RoomCode, &protocol.Output{
		Type:    protocol.TypePlayback,
		Payload: input.Playback.Clone(),
	}, state.id); err != nil {
		return fmt.Errorf("failed to broadcast playback: %w", err)
	}

	return nil
}

func (c controller) handleEvictRequest(ctx context.Context, input protocol.EvictRequestInput) error {
	if err := c.validateInput(input); err != nil {
		return err
	}

	state := c.getConnStateFromCtx(ctx)
	result, err := c.evict(ctx, input.RoomCode, state.userId, input.TargetUserIdentity)
	if err != nil {
		return fmt.Errorf("failed to evict member: %w", err)
	}

	if err := c.hub.SendTo(ctx, state.id, &protocol.Output{
		Type:    protocol.TypeEvictResult,
		Payload: result,
	}); err != nil {
		c.logger.InfoContext(ctx, "failed to send evict result", "error", err)
	}

	return nil
}

// handleWSError reports a failed message back to its sender and keeps the
// connection open.
func (c controller) handleWSError(ctx context.Context, messageType string, err error) error {
	_, payload := c.errorPayload(err)
	c.logger.InfoContext(ctx, "websocket message failed", "message_type", messageType, "error", err, "code", payload.Code)

	state := c.getConnStateFromCtx(ctx)
	if sendErr := c.hub.SendTo(ctx, state.id, &protocol.Output{
		Type:    protocol.TypeError,
		Payload: payload,
	}); sendErr != nil {
		c.logger.DebugContext(ctx, "failed to send error", "error", sendErr)
	}

	return nil
}
