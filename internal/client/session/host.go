package session

import (
	"context"
	"errors"
	"time"

	"github.com/listenroom/server/internal/client/api"
	"github.com/listenroom/server/internal/client/playback"
	"github.com/listenroom/server/internal/protocol"
)

// hostAction applies fn to the host state and publishes the result right
// away. Guests are refused before anything is sent.
func (s *Session) hostAction(ctx context.Context, fn func(h *playback.Host) error) error {
	return s.do(ctx, func(ctx context.Context) error {
		if !s.isHost {
			return ErrNotHost
		}
		if err := fn(s.host); err != nil {
			return err
		}

		s.publish(ctx)
		return nil
	})
}

func (s *Session) Play(ctx context.Context) error {
	return s.hostAction(ctx, (*playback.Host).Play)
}

func (s *Session) Pause(ctx context.Context) error {
	return s.hostAction(ctx, (*playback.Host).Pause)
}

func (s *Session) Seek(ctx context.Context, seconds float64) error {
	return s.hostAction(ctx, func(h *playback.Host) error {
		return h.Seek(seconds)
	})
}

func (s *Session) SelectTrack(ctx context.Context, ref string) error {
	return s.hostAction(ctx, func(h *playback.Host) error {
		return h.SelectTrack(ref)
	})
}

func (s *Session) Enqueue(ctx context.Context, ref string) error {
	return s.hostAction(ctx, func(h *playback.Host) error {
		return h.Enqueue(ref)
	})
}

func (s *Session) Dequeue(ctx context.Context, index int) error {
	return s.hostAction(ctx, func(h *playback.Host) error {
		return h.Dequeue(index)
	})
}

func (s *Session) TrackEnded(ctx context.Context) error {
	return s.hostAction(ctx, (*playback.Host).TrackEnded)
}

// publish sends the host snapshot to the room and persists it. Neither
// waits for the other or for a previous cycle.
func (s *Session) publish(ctx context.Context) {
	snap := s.host.Snapshot()

	if err := s.ch.Send(protocol.TypeHostPlayback, protocol.HostPlaybackInput{
		RoomCode: s.cfg.RoomCode,
		Playback: snap,
	}); err != nil {
		s.logger.DebugContext(ctx, "playback broadcast skipped", "error", err)
	}

	s.persist(ctx, snap)
}

func (s *Session) persist(ctx context.Context, snap protocol.Snapshot) {
	if s.now().Before(s.persistNotBefore) {
		s.logger.DebugContext(ctx, "persist backing off")
		return
	}
	if !s.persistSem.TryAcquire(1) {
		s.logger.DebugContext(ctx, "persist in flight, skipping")
		return
	}

	s.group.Go(func() error {
		defer s.persistSem.Release(1)

		pctx, cancel := context.WithTimeout(ctx, s.cfg.HostInterval)
		_, err := s.api.SetPlayback(pctx, s.cfg.RoomCode, snap)
		cancel()

		select {
		case s.persistResults <- err:
		case <-ctx.Done():
		}
		return nil
	})
}

func (s *Session) handlePersist(ctx context.Context, err error) error {
	if err == nil {
		s.persistBackoff.Reset()
		s.persistNotBefore = time.Time{}
		return nil
	}

	switch {
	case errors.Is(err, api.ErrNotFound):
		return ErrRoomClosed
	case errors.Is(err, api.ErrPermissionDenied):
		s.logger.WarnContext(ctx, "playback write refused, refreshing role", "error", err)
		s.startPoll(ctx)
		return nil
	}

	delay := s.persistBackoff.Next()
	s.persistNotBefore = s.now().Add(delay)
	s.logger.InfoContext(ctx, "failed to persist playback", "error", err, "attempt", s.persistBackoff.Attempt(), "retry_in", delay)
	return nil
}
