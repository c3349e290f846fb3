// Package main is the entry point for anthroxy: an Anthropic-surface,
// OpenAI-upstream translating reverse proxy.
package main

import (
	"log"
	"net/http"

	"github.com/nullswan/anthroxy/internal/config"
	"github.com/nullswan/anthroxy/internal/server"
	"github.com/nullswan/anthroxy/internal/upstream"
)

// addr is fixed per spec.md §6's CLI section: no subcommands, no
// configurable bind address.
const addr = "0.0.0.0:8082"

func main() {
	cfg, err := config.Load("channels.yaml")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	client := upstream.NewClient(http.DefaultClient)
	srv := server.New(cfg, client)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	log.Printf("anthroxy listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
