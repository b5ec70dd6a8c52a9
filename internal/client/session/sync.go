package session

import (
	"context"
	"errors"

	"github.com/listenroom/server/internal/client/api"
	"github.com/listenroom/server/internal/client/channel"
	"github.com/listenroom/server/internal/protocol"
	"golang.org/x/exp/slices"
)

func (s *Session) handleMessage(ctx context.Context, msg protocol.Message) error {
	switch msg.Type {
	case protocol.TypePlayback:
		if s.isHost {
			s.logger.DebugContext(ctx, "ignoring playback while host")
			return nil
		}
		var snap protocol.Snapshot
		if err := channel.Decode(msg, &snap); err != nil {
			s.logger.WarnContext(ctx, "bad playback message", "error", err)
			return nil
		}
		s.apply(ctx, snap)

	case protocol.TypeRoomJoined:
		var payload protocol.RoomJoinedPayload
		if err := channel.Decode(msg, &payload); err != nil {
			s.logger.WarnContext(ctx, "bad room joined message", "error", err)
			return nil
		}
		if payload.Room.Code != s.cfg.RoomCode {
			return nil
		}
		return s.applyRoom(ctx, payload.Room)

	case protocol.TypeMembersUpdated:
		var payload protocol.MembersUpdatedPayload
		if err := channel.Decode(msg, &payload); err != nil {
			s.logger.WarnContext(ctx, "bad members message", "error", err)
			return nil
		}
		if payload.RoomCode != s.cfg.RoomCode {
			return nil
		}
		if !slices.Contains(payload.Members, s.cfg.User) {
			return ErrEvicted
		}
		s.setMembers(ctx, payload.Host, payload.Members)

	case protocol.TypeForceLeave:
		var payload protocol.ForceLeavePayload
		if err := channel.Decode(msg, &payload); err != nil {
			s.logger.WarnContext(ctx, "bad force leave message", "error", err)
			return nil
		}
		if payload.RoomCode != s.cfg.RoomCode {
			return nil
		}
		if payload.Reason == protocol.ReasonClosed {
			return ErrRoomClosed
		}
		return ErrEvicted

	case protocol.TypeEvictResult:
		var payload protocol.EvictResultPayload
		if err := channel.Decode(msg, &payload); err != nil {
			s.logger.WarnContext(ctx, "bad evict result message", "error", err)
			return nil
		}
		s.handleEvictResult(ctx, payload)

	case protocol.TypeError:
		var payload protocol.ErrorPayload
		if err := channel.Decode(msg, &payload); err != nil {
			s.logger.WarnContext(ctx, "bad error message", "error", err)
			return nil
		}
		s.logger.WarnContext(ctx, "server rejected message", "code", payload.Code, "message", payload.Message)

		// our view of the room is stale
		if payload.Code == protocol.CodePermissionDenied || payload.Code == protocol.CodeNotMember {
			s.startPoll(ctx)
		}

	default:
		s.logger.DebugContext(ctx, "unknown message type", "type", msg.Type)
	}

	return nil
}

// apply feeds snap to the guest reconciler. Player failures are logged; the
// next snapshot tries again.
func (s *Session) apply(ctx context.Context, snap protocol.Snapshot) {
	if _, err := s.reconciler.Apply(snap); err != nil {
		s.logger.WarnContext(ctx, "failed to apply playback", "error", err)
	}
}

// applyRoom merges a full room record. Its playback is only taken while this
// client is a guest; a host never rewinds to its own stored state.
func (s *Session) applyRoom(ctx context.Context, rm protocol.Room) error {
	if !rm.IsMember(s.cfg.User) {
		return ErrEvicted
	}

	if !s.isHost {
		s.apply(ctx, rm.Playback)
	}
	s.setMembers(ctx, rm.Host, rm.Members)

	return nil
}

func (s *Session) setMembers(ctx context.Context, host string, members []string) {
	s.hostId = host
	s.members = slices.Clone(members)

	isHost := host == s.cfg.User
	if isHost != s.isHost {
		if isHost {
			s.host.Adopt(s.reconciler.Current())
			s.persistBackoff.Reset()
		} else {
			s.reconciler.Prime(s.host.Snapshot())
		}
		s.isHost = isHost

		s.logger.InfoContext(ctx, "role changed", "is_host", isHost)
		if s.cfg.OnRoleChange != nil {
			s.cfg.OnRoleChange(isHost)
		}
	}

	if s.cfg.OnMembers != nil {
		s.cfg.OnMembers(host, slices.Clone(members))
	}
}

func (s *Session) startPoll(ctx context.Context) {
	if s.pollInFlight {
		return
	}
	s.pollInFlight = true
	s.lastPoll = s.now()

	s.group.Go(func() error {
		pctx, cancel := context.WithTimeout(ctx, s.cfg.PollInterval)
		rm, err := s.api.GetRoom(pctx, s.cfg.RoomCode)
		cancel()

		select {
		case s.pollResults <- pollResult{room: rm, err: err}:
		case <-ctx.Done():
		}
		return nil
	})
}

func (s *Session) handlePoll(ctx context.Context, res pollResult) error {
	s.pollInFlight = false

	if res.err == nil {
		s.pollFailures = 0
		return s.applyRoom(ctx, res.room)
	}

	switch {
	case errors.Is(res.err, api.ErrNotFound):
		return ErrRoomClosed
	case errors.Is(res.err, api.ErrFatal):
		return res.err
	case ctx.Err() != nil:
		return nil
	}

	s.pollFailures++
	s.logger.InfoContext(ctx, "failed to poll room", "error", res.err, "failures", s.pollFailures)

	if s.pollFailures == s.cfg.PollFailureThreshold && s.cfg.OnPollError != nil {
		s.cfg.OnPollError(&PollError{
			Failures: s.pollFailures,
			Err:      res.err,
			retry:    s.retryPoll,
		})
	}

	return nil
}
