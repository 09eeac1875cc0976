package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/asaskevich/EventBus"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/mediagrab/mediagrab/server/config"
	"github.com/mediagrab/mediagrab/server/internal/batch"
	"github.com/mediagrab/mediagrab/server/internal/hub"
	"github.com/mediagrab/mediagrab/server/internal/library"
	"github.com/mediagrab/mediagrab/server/internal/queue"
	"github.com/mediagrab/mediagrab/server/internal/reconciler"
	"github.com/mediagrab/mediagrab/server/internal/registry"
	"github.com/mediagrab/mediagrab/server/internal/store"
	"github.com/mediagrab/mediagrab/server/internal/supervisor"
	middlewares "github.com/mediagrab/mediagrab/server/middleware"
	"github.com/mediagrab/mediagrab/server/rest"
	"github.com/mediagrab/mediagrab/server/status"
	"github.com/mediagrab/mediagrab/server/user"

	_ "modernc.org/sqlite"
)

type serverConfig struct {
	db    *sql.DB
	store *store.Store
	disp  *queue.Dispatcher
	sup   *supervisor.Supervisor
	batch *batch.Coordinator
	hub   *hub.Hub
}

func Run(ctx context.Context) error {
	conf := config.Instance()

	for _, dir := range []string{
		conf.Paths.WorkingPath,
		conf.MediaDir(),
		conf.ThumbnailDir(),
		conf.SubtitleDir(),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	dbPath := filepath.Join(conf.Paths.LocalDatabasePath, "mediagrab.db")

	jobStore, db, err := store.Open(dbPath)
	if err != nil {
		return err
	}

	lib, err := library.New(db)
	if err != nil {
		return err
	}

	bus := EventBus.New()

	pushHub := hub.New()
	if err := pushHub.Attach(bus); err != nil {
		return err
	}
	go pushHub.Run(ctx)

	reg := registry.New()
	rec := reconciler.New(lib)
	sup := supervisor.New(jobStore, rec, reg, bus)

	disp, err := queue.NewDispatcher(sup)
	if err != nil {
		return err
	}
	disp.SetupConsumers()

	coordinator := batch.New(jobStore, sup, bus)

	scfg := serverConfig{
		db:    db,
		store: jobStore,
		disp:  disp,
		sup:   sup,
		batch: coordinator,
		hub:   pushHub,
	}

	srv := newServer(scfg)

	go gracefulShutdown(ctx, srv, &scfg)

	var (
		network = "tcp"
		address = fmt.Sprintf("%s:%d", conf.Server.Host, conf.Server.Port)
	)

	// support unix sockets
	if strings.HasPrefix(conf.Server.Host, "/") {
		network = "unix"
		address = conf.Server.Host
	}

	listener, err := net.Listen(network, address)
	if err != nil {
		slog.Error("failed to listen", slog.String("err", err.Error()))
		return err
	}

	slog.Info("mediagrab started", slog.String("address", address))

	if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
		slog.Warn("http server stopped", slog.String("err", err.Error()))
	}

	return nil
}

func newServer(c serverConfig) *http.Server {
	r := chi.NewRouter()

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
		},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	r.Use(corsMiddleware.Handler)

	// Authentication routes
	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", user.Login)
		r.Get("/logout", user.Logout)
	})

	// REST API handlers
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middlewares.ApplyAuthenticationByConfig)
		rest.ApplyRouter(&rest.ContainerArgs{
			Store:      c.store,
			Dispatcher: c.disp,
			Supervisor: c.sup,
			Batch:      c.batch,
			Hub:        c.hub,
		})(r)
	})

	// Status
	r.Route("/status", status.ApplyRouter(c.store))

	return &http.Server{Handler: r}
}

func gracefulShutdown(ctx context.Context, srv *http.Server, cfg *serverConfig) {
	<-ctx.Done()
	slog.Info("shutdown signal received")

	cfg.disp.Stop()
	cfg.db.Close()
	srv.Shutdown(context.Background())
}
