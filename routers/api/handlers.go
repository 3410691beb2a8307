package api

import (
	"cineforge-server/config"
	"cineforge-server/models"
	"cineforge-server/service"
)

// API bundles the dependencies the HTTP handlers need. The state store is
// injected once at construction; handlers never reach for globals.
type API struct {
	Cfg       *config.Config
	Store     models.StateStore
	Queue     *service.Queue
	Inspector *service.Inspector
}

func New(cfg *config.Config, store models.StateStore, queue *service.Queue, inspector *service.Inspector) *API {
	return &API{Cfg: cfg, Store: store, Queue: queue, Inspector: inspector}
}
