package room

import (
	"context"
	"errors"
	"fmt"

	"github.com/listenroom/server/internal/protocol"
	"github.com/listenroom/server/internal/repository/room"
	"golang.org/x/exp/slices"
)

func (s service) toRoom(rec *room.Record) protocol.Room {
	members := slices.Clone(rec.Members)
	if members == nil {
		members = []string{}
	}

	return protocol.Room{
		Code:      rec.Code,
		Name:      rec.Name,
		Host:      rec.Host,
		Members:   members,
		IsPrivate: rec.Secret != "",
		Theme:     rec.Theme,
		Playback: protocol.Snapshot{
			TrackRef:        rec.TrackRef,
			PositionSeconds: rec.Position,
			IsPlaying:       rec.IsPlaying,
			Queue:           rec.Queue,
		}.Clone(),
		Version:   rec.Version,
		CreatedAt: rec.CreatedAt,
	}
}

func (s service) mapRepoErr(err error) error {
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		return ErrRoomNotFound
	case errors.Is(err, room.ErrRoomExists):
		return ErrCodeTaken
	case errors.Is(err, room.ErrTxConflict):
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}

	return err
}

// mutate applies fn to the room under the per-room lock. A write that lost
// an optimistic race is retried once before surfacing as transient.
func (s service) mutate(ctx context.Context, code string, fn room.UpdateFunc) (room.Record, error) {
	unlock := s.locks.lock(code)
	defer unlock()

	rec, err := s.roomRepo.Update(ctx, code, fn)
	if errors.Is(err, room.ErrTxConflict) {
		s.logger.InfoContext(ctx, "room write conflict, retrying", "room_code", code)
		rec, err = s.roomRepo.Update(ctx, code, fn)
	}
	if err != nil {
		return room.Record{}, s.mapRepoErr(err)
	}

	return rec, nil
}

func (s service) checkIfHost(rec *room.Record, user string) error {
	if rec.Host != user {
		return ErrPermissionDenied
	}

	return nil
}
