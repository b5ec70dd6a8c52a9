package room

import (
	"context"
	"errors"

	"github.com/listenroom/server/internal/protocol"
	"github.com/listenroom/server/internal/repository/presence"
	"github.com/listenroom/server/internal/repository/room"
	"golang.org/x/exp/slices"
)

type JoinRoomParams struct {
	RoomCode string
	Secret   string
	SenderId string
}

type JoinRoomResponse struct {
	Room protocol.Room
}

func (s service) JoinRoom(ctx context.Context, params *JoinRoomParams) (JoinRoomResponse, error) {
	rec, err := s.mutate(ctx, params.RoomCode, func(rec *room.Record) error {
		if rec.Secret != "" && rec.Secret != params.Secret {
			return ErrWrongSecret
		}

		if slices.Contains(rec.Members, params.SenderId) {
			return ErrAlreadyMember
		}

		if s.membersLimit > 0 && len(rec.Members) >= s.membersLimit {
			return ErrRoomFull
		}

		rec.Members = append(rec.Members, params.SenderId)
		return nil
	})
	if err != nil {
		s.logger.InfoContext(ctx, "failed to join room", "error", err)
		return JoinRoomResponse{}, err
	}

	return JoinRoomResponse{Room: s.toRoom(&rec)}, nil
}

type LeaveRoomParams struct {
	RoomCode string
	SenderId string
}

type LeaveRoomResponse struct {
	Room          protocol.Room
	IsRoomDeleted bool
	HostChanged   bool
	// ConnId is the leaving member's live connection, empty when offline.
	ConnId string
}

// removeMember drops user from rec. A leaving host hands the role to the
// first remaining member.
func removeMember(rec *room.Record, user string) (hostChanged bool, err error) {
	i := slices.Index(rec.Members, user)
	if i < 0 {
		return false, ErrNotMember
	}
	rec.Members = slices.Delete(rec.Members, i, i+1)

	if rec.Host == user && len(rec.Members) > 0 {
		rec.Host = rec.Members[0]
		return true, nil
	}

	return false, nil
}

func (s service) LeaveRoom(ctx context.Context, params *LeaveRoomParams) (LeaveRoomResponse, error) {
	var hostChanged bool
	rec, err := s.mutate(ctx, params.RoomCode, func(rec *room.Record) error {
		var err error
		hostChanged, err = removeMember(rec, params.SenderId)
		return err
	})
	if err != nil {
		s.logger.InfoContext(ctx, "failed to leave room", "error", err)
		return LeaveRoomResponse{}, err
	}

	connId, _ := s.presenceRepo.UnregisterUser(params.SenderId, params.RoomCode)

	return LeaveRoomResponse{
		Room:          s.toRoom(&rec),
		IsRoomDeleted: len(rec.Members) == 0,
		HostChanged:   hostChanged,
		ConnId:        connId,
	}, nil
}

type EvictMemberParams struct {
	RoomCode string
	SenderId string
	TargetId string
}

type EvictMemberResponse struct {
	Room protocol.Room
	// TargetConnId is set when the evicted member has a live connection.
	TargetConnId string
	Connected    bool
}

// EvictMember removes target from the room on behalf of the host. A target
// that already left is not an error.
func (s service) EvictMember(ctx context.Context, params *EvictMemberParams) (EvictMemberResponse, error) {
	if params.TargetId == params.SenderId {
		return EvictMemberResponse{}, ErrCannotEvictSelf
	}

	var removed bool
	rec, err := s.mutate(ctx, params.RoomCode, func(rec *room.Record) error {
		removed = false
		if err := s.checkIfHost(rec, params.SenderId); err != nil {
			return err
		}

		_, err := removeMember(rec, params.TargetId)
		if errors.Is(err, ErrNotMember) {
			return nil
		}
		removed = err == nil
		return err
	})
	if err != nil {
		s.logger.InfoContext(ctx, "failed to evict member", "error", err)
		return EvictMemberResponse{}, err
	}

	resp := EvictMemberResponse{Room: s.toRoom(&rec)}
	if !removed {
		s.logger.InfoContext(ctx, "evict target is not a member", "target_id", params.TargetId)
		return resp, nil
	}

	connId, err := s.presenceRepo.UnregisterUser(params.TargetId, params.RoomCode)
	if err != nil {
		if !errors.Is(err, presence.ErrNotFound) {
			return EvictMemberResponse{}, err
		}
		s.logger.InfoContext(ctx, "evicted member is not connected", "target_id", params.TargetId)
		return resp, nil
	}

	resp.TargetConnId = connId
	resp.Connected = true

	return resp, nil
}

type ConnectMemberParams struct {
	RoomCode string
	SenderId string
	ConnId   string
}

type ConnectMemberResponse struct {
	Room protocol.Room
}

// ConnectMember binds a push channel connection to an existing member.
// Repeating it for the same connection has no further effect.
func (s service) ConnectMember(ctx context.Context, params *ConnectMemberParams) (ConnectMemberResponse, error) {
	rec, err := s.roomRepo.Get(ctx, params.RoomCode)
	if err != nil {
		return ConnectMemberResponse{}, s.mapRepoErr(err)
	}

	if !slices.Contains(rec.Members, params.SenderId) {
		return ConnectMemberResponse{}, ErrNotMember
	}

	s.presenceRepo.Register(params.SenderId, params.ConnId, params.RoomCode)

	return ConnectMemberResponse{Room: s.toRoom(&rec)}, nil
}

type DisconnectMemberParams struct {
	ConnId string
}

// DisconnectMember forgets the connection. Membership is kept so the
// member can reconnect.
func (s service) DisconnectMember(ctx context.Context, params *DisconnectMemberParams) {
	user, err := s.presenceRepo.Unregister(params.ConnId)
	if err != nil {
		s.logger.DebugContext(ctx, "connection had no presence", "conn_id", params.ConnId)
		return
	}

	s.logger.DebugContext(ctx, "member disconnected", "member_id", user)
}
