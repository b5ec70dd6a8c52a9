// Package protocol holds the wire types shared by the server and the client:
// the playback snapshot, the public room view, push channel envelopes and error codes.
package protocol

import (
	"encoding/json"
	"time"

	"golang.org/x/exp/slices"
)

// Client to server message types.
const (
	TypeJoinRoom     = "JOIN_ROOM"
	TypeLeaveRoom    = "LEAVE_ROOM"
	TypeHostPlayback = "HOST_PLAYBACK"
	TypeEvictRequest = "EVICT_REQUEST"
	TypeAlive        = "ALIVE"
)

// Server to client message types.
const (
	TypePlayback       = "PLAYBACK"
	TypeForceLeave     = "FORCE_LEAVE"
	TypeRoomJoined     = "ROOM_JOINED"
	TypeMembersUpdated = "MEMBERS_UPDATED"
	TypeEvictResult    = "EVICT_RESULT"
	TypeError          = "ERROR"
)

const (
	ReasonKicked = "kicked"
	ReasonClosed = "closed"
)

type Snapshot struct {
	TrackRef        *string  `json:"track_ref" validate:"omitnil,min=1,max=256"`
	PositionSeconds float64  `json:"position_seconds" validate:"gte=0"`
	IsPlaying       bool     `json:"is_playing"`
	Queue           []string `json:"queue" validate:"dive,required,max=256"`
}

func (s Snapshot) Clone() Snapshot {
	c := s
	if s.TrackRef != nil {
		ref := *s.TrackRef
		c.TrackRef = &ref
	}
	c.Queue = slices.Clone(s.Queue)
	if c.Queue == nil {
		c.Queue = []string{}
	}
	return c
}

// SameTrack reports whether two nullable track refs are equal.
func SameTrack(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func TrackRef(ref string) *string {
	return &ref
}

// Room is the public view of a room record. The secret is never exposed.
type Room struct {
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Host      string    `json:"host"`
	Members   []string  `json:"members"`
	IsPrivate bool      `json:"is_private"`
	Theme     string    `json:"theme"`
	Playback  Snapshot  `json:"playback"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

func (r Room) IsMember(user string) bool {
	return slices.Contains(r.Members, user)
}

// Message is an inbound push channel envelope with a raw payload.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Output is an outbound push channel envelope.
type Output struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type JoinRoomInput struct {
	RoomCode     string `json:"room_code" validate:"required"`
	UserIdentity string `json:"user_identity" validate:"required"`
}

type LeaveRoomInput struct {
	RoomCode string `json:"room_code" validate:"required"`
}

type HostPlaybackInput struct {
	RoomCode string   `json:"room_code" validate:"required"`
	Playback Snapshot `json:"playback"`
}

type EvictRequestInput struct {
	RoomCode           string `json:"room_code" validate:"required"`
	TargetUserIdentity string `json:"target_user_identity" validate:"required"`
}

type ForceLeavePayload struct {
	RoomCode string `json:"room_code"`
	Reason   string `json:"reason"`
}

type RoomJoinedPayload struct {
	Room Room `json:"room"`
}

type MembersUpdatedPayload struct {
	RoomCode string   `json:"room_code"`
	Host     string   `json:"host"`
	Members  []string `json:"members"`
}

type EvictResultPayload struct {
	RoomCode           string `json:"room_code"`
	TargetUserIdentity string `json:"target_user_identity"`
	Connected          bool   `json:"connected"`
}

type LeaveResult struct {
	Room    *Room `json:"room,omitempty"`
	Deleted bool  `json:"deleted"`
}
