// Package server wires up the HTTP router, middleware, and request
// handlers for the HTTP Surface (component G): POST /v1/messages and
// POST /v1/messages/count_tokens.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/nullswan/anthroxy/internal/config"
	"github.com/nullswan/anthroxy/internal/upstream"
)

// Server holds the HTTP router and the dependencies every handler needs:
// the resolved channel table (config) and the opaque upstream client.
type Server struct {
	router chi.Router
	cfg    *config.Config
	client *upstream.Client
}

// New creates a Server, wires up routes and middleware, and returns it
// ready to use as an http.Handler.
func New(cfg *config.Config, client *upstream.Client) *Server {
	s := &Server{cfg: cfg, client: client}
	s.routes()
	return s
}

// routes builds the chi router with all middleware and route definitions.
func (s *Server) routes() {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	}))

	r.Get("/health", s.handleHealth)
	r.Post("/v1/messages", s.handleMessages)
	r.Post("/v1/messages/count_tokens", s.handleCountTokens)

	s.router = r
}

// ServeHTTP makes Server satisfy the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
