package controller

import (
	"github.com/listenroom/server/internal/protocol"
	"github.com/listenroom/server/pkg/wsrouter"
)

func (c controller) getWSRouter() *wsrouter.WSRouter {
	mux := wsrouter.New()
	mux.Use(c.wsRequestIdWSMw(), c.loggerWSMw())
	mux.OnError(c.handleWSError)

	wsrouter.Handle(mux, protocol.TypeAlive, c.handleAlive)

	// membership
	wsrouter.Handle(mux, protocol.TypeJoinRoom, c.handleJoinRoom)
	wsrouter.Handle(mux, protocol.TypeLeaveRoom, c.handleLeaveRoom)
	wsrouter.Handle(mux, protocol.TypeEvictRequest, c.handleEvictRequest)

	// playback
	wsrouter.Handle(mux, protocol.TypeHostPlayback, c.handleHostPlayback)

	return mux
}
