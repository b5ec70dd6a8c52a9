package controller

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func (c controller) GetMux() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(c.requestIdMw)
	r.Use(c.requestLoggingMw)
	r.Use(cors.AllowAll().Handler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		})

		r.Group(func(r chi.Router) {
			r.Use(c.authMw)

			r.Get("/ws", c.serveWS)
			r.Route("/rooms", func(r chi.Router) {
				r.Post("/", c.createRoom)
				r.Route("/{room-code}", func(r chi.Router) {
					r.Get("/", c.getRoom)
					r.Delete("/", c.deleteRoom)
					r.Put("/playback", c.setPlayback)
					r.Post("/join", c.joinRoom)
					r.Post("/leave", c.leaveRoom)
					r.Post("/evict", c.evictMember)
				})
			})
		})
	})

	return r
}
