package room

import (
	"context"
	"errors"

	"github.com/listenroom/server/internal/protocol"
	"github.com/listenroom/server/internal/repository/room"
)

const (
	defaultTheme      = "default"
	codeGenerateTries = 5
)

type CreateRoomParams struct {
	Code     string
	Name     string
	Secret   string
	Theme    string
	SenderId string
}

type CreateRoomResponse struct {
	Room protocol.Room
}

// CreateRoom stores a new room with the sender as its host and only member.
// An empty code is replaced by a generated one.
func (s service) CreateRoom(ctx context.Context, params *CreateRoomParams) (CreateRoomResponse, error) {
	theme := params.Theme
	if theme == "" {
		theme = defaultTheme
	}

	rec := room.Record{
		Code:      params.Code,
		Name:      params.Name,
		Host:      params.SenderId,
		Secret:    params.Secret,
		Theme:     theme,
		Members:   []string{params.SenderId},
		Queue:     []string{},
		CreatedAt: s.now().UTC(),
	}

	if params.Code != "" {
		if err := s.roomRepo.Create(ctx, &rec); err != nil {
			s.logger.InfoContext(ctx, "failed to create room", "error", err)
			return CreateRoomResponse{}, s.mapRepoErr(err)
		}

		return CreateRoomResponse{Room: s.toRoom(&rec)}, nil
	}

	for i := 0; i < codeGenerateTries; i++ {
		rec.Code = s.generator.GenerateRandomString(s.codeLength)
		err := s.roomRepo.Create(ctx, &rec)
		if errors.Is(err, room.ErrRoomExists) {
			continue
		}
		if err != nil {
			s.logger.InfoContext(ctx, "failed to create room", "error", err)
			return CreateRoomResponse{}, s.mapRepoErr(err)
		}

		return CreateRoomResponse{Room: s.toRoom(&rec)}, nil
	}

	return CreateRoomResponse{}, ErrCodeTaken
}

type GetRoomParams struct {
	RoomCode string
}

func (s service) GetRoom(ctx context.Context, params *GetRoomParams) (protocol.Room, error) {
	rec, err := s.roomRepo.Get(ctx, params.RoomCode)
	if err != nil {
		return protocol.Room{}, s.mapRepoErr(err)
	}

	return s.toRoom(&rec), nil
}

type DeleteRoomParams struct {
	RoomCode string
	SenderId string
}

type DeleteRoomResponse struct {
	Members []string
}

func (s service) DeleteRoom(ctx context.Context, params *DeleteRoomParams) (DeleteRoomResponse, error) {
	unlock := s.locks.lock(params.RoomCode)
	defer unlock()

	rec, err := s.roomRepo.Get(ctx, params.RoomCode)
	if err != nil {
		return DeleteRoomResponse{}, s.mapRepoErr(err)
	}

	if err := s.checkIfHost(&rec, params.SenderId); err != nil {
		return DeleteRoomResponse{}, err
	}

	if err := s.roomRepo.Delete(ctx, params.RoomCode); err != nil {
		s.logger.InfoContext(ctx, "failed to delete room", "error", err)
		return DeleteRoomResponse{}, s.mapRepoErr(err)
	}

	return DeleteRoomResponse{Members: rec.Members}, nil
}
