package room

import (
	"context"

	"github.com/listenroom/server/internal/protocol"
	"github.com/listenroom/server/internal/repository/room"
	"golang.org/x/exp/slices"
)

type SetPlaybackParams struct {
	RoomCode string
	SenderId string
	Playback protocol.Snapshot
}

type SetPlaybackResponse struct {
	Room protocol.Room
}

// SetPlayback replaces the stored playback state. Only the host may write it.
func (s service) SetPlayback(ctx context.Context, params *SetPlaybackParams) (SetPlaybackResponse, error) {
	if s.queueLimit > 0 && len(params.Playback.Queue) > s.queueLimit {
		return SetPlaybackResponse{}, ErrQueueLimitReached
	}

	snap := params.Playback.Clone()
	rec, err := s.mutate(ctx, params.RoomCode, func(rec *room.Record) error {
		if err := s.checkIfHost(rec, params.SenderId); err != nil {
			return err
		}

		rec.TrackRef = snap.TrackRef
		rec.Position = snap.PositionSeconds
		rec.IsPlaying = snap.IsPlaying
		rec.Queue = slices.Clone(snap.Queue)
		if rec.TrackRef == nil {
			rec.IsPlaying = false
			rec.Position = 0
		}
		return nil
	})
	if err != nil {
		s.logger.InfoContext(ctx, "failed to set playback", "error", err)
		return SetPlaybackResponse{}, err
	}

	return SetPlaybackResponse{Room: s.toRoom(&rec)}, nil
}

type AuthorizeHostParams struct {
	RoomCode string
	SenderId string
	// Playback, when set, is held to the same limits as SetPlayback.
	Playback *protocol.Snapshot
}

// AuthorizeHost checks that sender currently holds the host role.
func (s service) AuthorizeHost(ctx context.Context, params *AuthorizeHostParams) error {
	if params.Playback != nil && s.queueLimit > 0 && len(params.Playback.Queue) > s.queueLimit {
		return ErrQueueLimitReached
	}

	rec, err := s.roomRepo.Get(ctx, params.RoomCode)
	if err != nil {
		return s.mapRepoErr(err)
	}

	return s.checkIfHost(&rec, params.SenderId)
}
