package controller

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/listenroom/server/internal/hub"
	"github.com/listenroom/server/internal/protocol"
	"github.com/listenroom/server/internal/service/room"
	"github.com/listenroom/server/pkg/validator"
	"github.com/listenroom/server/pkg/wsrouter"
)

type iRoomService interface {
	CreateRoom(context.Context, *room.CreateRoomParams) (room.CreateRoomResponse, error)
	GetRoom(context.Context, *room.GetRoomParams) (protocol.Room, error)
	DeleteRoom(context.Context, *room.DeleteRoomParams) (room.DeleteRoomResponse, error)
	JoinRoom(context.Context, *room.JoinRoomParams) (room.JoinRoomResponse, error)
	LeaveRoom(context.Context, *room.LeaveRoomParams) (room.LeaveRoomResponse, error)
	EvictMember(context.Context, *room.EvictMemberParams) (room.EvictMemberResponse, error)
	SetPlayback(context.Context, *room.SetPlaybackParams) (room.SetPlaybackResponse, error)
	AuthorizeHost(context.Context, *room.AuthorizeHostParams) error
	ConnectMember(context.Context, *room.ConnectMemberParams) (room.ConnectMemberResponse, error)
	DisconnectMember(context.Context, *room.DisconnectMemberParams)
}

type iHub interface {
	Attach(connID string, s hub.Sink)
	Detach(connID string)
	Subscribe(code, connID string) error
	Unsubscribe(code, connID string)
	Publish(ctx context.Context, code string, msg any, excludeConnID string) (int, error)
	SendTo(ctx context.Context, connID string, msg any) error
	RoomConns(code string) []string
}

type iVerifier interface {
	Verify(token string) (string, error)
}

type Config struct {
	SendQueueSize int
}

type controller struct {
	roomService   iRoomService
	hub           iHub
	verifier      iVerifier
	upgrader      websocket.Upgrader
	validate      *validator.Validator
	wsmux         *wsrouter.WSRouter
	logger        *slog.Logger
	sendQueueSize int
}

func NewController(roomService iRoomService, hub iHub, verifier iVerifier, logger *slog.Logger, cfg *Config) *controller {
	sendQueueSize := cfg.SendQueueSize
	if sendQueueSize <= 0 {
		sendQueueSize = 32
	}

	c := &controller{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		roomService:   roomService,
		hub:           hub,
		verifier:      verifier,
		validate:      validator.NewValidator(),
		logger:        logger,
		sendQueueSize: sendQueueSize,
	}
	c.wsmux = c.getWSRouter()

	return c
}
