package playback

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/listenroom/server/internal/protocol"
	"golang.org/x/exp/slices"
)

var (
	ErrNoTrack         = errors.New("no track loaded")
	ErrInvalidPosition = errors.New("position must not be negative")
	ErrQueueIndex      = errors.New("queue index out of range")
	ErrEmptyTrackRef   = errors.New("track ref must not be empty")
)

// Host is the authoritative playback state of the room host. Every action
// drives the local player; Snapshot reports the result.
// It is not safe for concurrent use.
type Host struct {
	player   Player
	resolver URLResolver
	logger   *slog.Logger

	track   *string
	playing bool
	queue   []string
}

func NewHost(player Player, resolver URLResolver, logger *slog.Logger) *Host {
	return &Host{
		player:   player,
		resolver: resolver,
		logger:   logger,
		queue:    []string{},
	}
}

// Adopt takes snap as the current state. The player is assumed to already
// reflect it.
func (h *Host) Adopt(snap protocol.Snapshot) {
	snap = snap.Clone()
	h.track = snap.TrackRef
	h.playing = snap.IsPlaying && snap.TrackRef != nil
	h.queue = snap.Queue
}

func (h *Host) Snapshot() protocol.Snapshot {
	snap := protocol.Snapshot{
		TrackRef:  h.track,
		IsPlaying: h.playing,
		Queue:     h.queue,
	}
	if h.track != nil {
		snap.PositionSeconds = h.player.Position()
	}

	return snap.Clone()
}

func (h *Host) Play() error {
	if h.track == nil {
		return ErrNoTrack
	}
	if err := h.player.Play(); err != nil {
		return fmt.Errorf("failed to play: %w", err)
	}

	h.playing = true
	return nil
}

func (h *Host) Pause() error {
	if h.track == nil {
		return ErrNoTrack
	}
	if err := h.player.Pause(); err != nil {
		return fmt.Errorf("failed to pause: %w", err)
	}

	h.playing = false
	return nil
}

func (h *Host) Seek(seconds float64) error {
	if seconds < 0 {
		return ErrInvalidPosition
	}
	if h.track == nil {
		return ErrNoTrack
	}

	if err := h.player.Seek(seconds); err != nil {
		return fmt.Errorf("failed to seek: %w", err)
	}
	return nil
}

// SelectTrack starts ref from the beginning. The queue is left alone.
func (h *Host) SelectTrack(ref string) error {
	if ref == "" {
		return ErrEmptyTrackRef
	}

	if err := h.player.Load(h.resolver.StreamURL(ref)); err != nil {
		return fmt.Errorf("failed to load track: %w", err)
	}
	h.track = &ref
	h.playing = false

	if err := h.player.Seek(0); err != nil {
		return fmt.Errorf("failed to seek: %w", err)
	}
	return h.Play()
}

// Enqueue appends ref to the queue, or plays it right away when nothing is
// loaded.
func (h *Host) Enqueue(ref string) error {
	if ref == "" {
		return ErrEmptyTrackRef
	}

	if h.track == nil {
		return h.SelectTrack(ref)
	}

	h.queue = append(slices.Clone(h.queue), ref)
	return nil
}

func (h *Host) Dequeue(index int) error {
	if index < 0 || index >= len(h.queue) {
		return ErrQueueIndex
	}

	h.queue = slices.Delete(slices.Clone(h.queue), index, index+1)
	return nil
}

// TrackEnded advances to the queue head, or stops when the queue is empty.
func (h *Host) TrackEnded() error {
	if len(h.queue) == 0 {
		if err := h.player.Stop(); err != nil {
			return fmt.Errorf("failed to stop: %w", err)
		}
		h.track = nil
		h.playing = false
		return nil
	}

	next := h.queue[0]
	h.queue = slices.Clone(h.queue[1:])
	h.logger.Debug("advancing queue", "track_ref", next, "remaining", len(h.queue))

	return h.SelectTrack(next)
}
