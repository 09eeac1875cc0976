package rest

import (
	"github.com/go-chi/chi/v5"
	"github.com/mediagrab/mediagrab/server/internal/batch"
	"github.com/mediagrab/mediagrab/server/internal/hub"
	"github.com/mediagrab/mediagrab/server/internal/queue"
	"github.com/mediagrab/mediagrab/server/internal/store"
	"github.com/mediagrab/mediagrab/server/internal/supervisor"
)

// Dependency injection container.
type ContainerArgs struct {
	Store      *store.Store
	Dispatcher *queue.Dispatcher
	Supervisor *supervisor.Supervisor
	Batch      *batch.Coordinator
	Hub        *hub.Hub
}

func ApplyRouter(args *ContainerArgs) func(chi.Router) {
	h := &Handler{
		service: NewService(args.Store, args.Dispatcher, args.Supervisor, args.Batch),
	}

	return func(r chi.Router) {
		r.Post("/acquire", h.Acquire)
		r.Post("/acquire/batch", h.AcquireBatch)
		r.Get("/acquire/active", h.Active)
		r.Get("/acquire/history", h.History)
		r.Get("/acquire/info", h.Info)
		r.Get("/acquire/ws", hub.ServeWS(args.Hub))
		r.Delete("/acquire/{id}", h.Cancel)
	}
}
