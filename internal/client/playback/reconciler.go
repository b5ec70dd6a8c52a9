package playback

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/listenroom/server/internal/protocol"
	"golang.org/x/exp/slices"
)

// DriftTolerance is how far, in seconds, local playback may be off the
// reported position before a guest seeks.
const DriftTolerance = 1.0

// Changes describes what an Apply call did to the local player.
type Changes struct {
	TrackChanged     bool
	Seeked           bool
	PlayStateChanged bool
	QueueChanged     bool
}

func (c Changes) Empty() bool {
	return !c.TrackChanged && !c.Seeked && !c.PlayStateChanged && !c.QueueChanged
}

// Reconciler merges snapshots into the local player of a guest. Pushed and
// polled snapshots go through the same Apply so both follow one rule set.
// It is not safe for concurrent use.
type Reconciler struct {
	player   Player
	resolver URLResolver
	logger   *slog.Logger

	track   *string
	playing bool
	queue   []string
}

func NewReconciler(player Player, resolver URLResolver, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		player:   player,
		resolver: resolver,
		logger:   logger,
		queue:    []string{},
	}
}

// Apply brings the local player in line with snap.
func (r *Reconciler) Apply(snap protocol.Snapshot) (Changes, error) {
	var ch Changes

	if !protocol.SameTrack(r.track, snap.TrackRef) {
		if err := r.switchTrack(snap); err != nil {
			return ch, err
		}
		ch.TrackChanged = true
	} else if r.track != nil {
		if snap.IsPlaying != r.playing {
			if err := r.setPlaying(snap.IsPlaying); err != nil {
				return ch, err
			}
			ch.PlayStateChanged = true
		}

		if math.Abs(r.player.Position()-snap.PositionSeconds) > DriftTolerance {
			if err := r.player.Seek(snap.PositionSeconds); err != nil {
				return ch, fmt.Errorf("failed to seek: %w", err)
			}
			ch.Seeked = true
		}
	}

	if !slices.Equal(r.queue, snap.Queue) {
		r.queue = slices.Clone(snap.Queue)
		if r.queue == nil {
			r.queue = []string{}
		}
		ch.QueueChanged = true
	}

	if !ch.Empty() {
		r.logger.Debug("snapshot applied",
			"track_changed", ch.TrackChanged,
			"seeked", ch.Seeked,
			"play_state_changed", ch.PlayStateChanged,
			"queue_changed", ch.QueueChanged,
		)
	}

	return ch, nil
}

func (r *Reconciler) switchTrack(snap protocol.Snapshot) error {
	if snap.TrackRef == nil {
		if err := r.player.Stop(); err != nil {
			return fmt.Errorf("failed to stop: %w", err)
		}
		r.track = nil
		r.playing = false
		return nil
	}

	if err := r.player.Load(r.resolver.StreamURL(*snap.TrackRef)); err != nil {
		return fmt.Errorf("failed to load track: %w", err)
	}
	ref := *snap.TrackRef
	r.track = &ref
	r.playing = false

	if err := r.player.Seek(snap.PositionSeconds); err != nil {
		return fmt.Errorf("failed to seek: %w", err)
	}

	if snap.IsPlaying {
		return r.setPlaying(true)
	}
	return nil
}

func (r *Reconciler) setPlaying(playing bool) error {
	var err error
	if playing {
		err = r.player.Play()
	} else {
		err = r.player.Pause()
	}
	if err != nil {
		return fmt.Errorf("failed to change play state: %w", err)
	}

	r.playing = playing
	return nil
}

// Prime records snap as what the player already does, without touching the
// player. Used when the host role is handed back to this client.
func (r *Reconciler) Prime(snap protocol.Snapshot) {
	snap = snap.Clone()
	r.track = snap.TrackRef
	r.playing = snap.IsPlaying && snap.TrackRef != nil
	r.queue = snap.Queue
}

// Current is the local view of playback.
func (r *Reconciler) Current() protocol.Snapshot {
	snap := protocol.Snapshot{
		TrackRef:  r.track,
		IsPlaying: r.playing,
		Queue:     r.queue,
	}
	if r.track != nil {
		snap.PositionSeconds = r.player.Position()
	}

	return snap.Clone()
}
