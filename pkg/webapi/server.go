// Package webapi exposes the HTTP and websocket surface: CRUD routes
// for bots, chats and settings, the message submission endpoint, and
// the per-viewer websocket transport bridging into the hub.
package webapi

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/botchat/pkg/hub"
	"github.com/go-go-golems/botchat/pkg/relay"
	"github.com/go-go-golems/botchat/pkg/store"
)

type ServerConfig struct {
	Addr   string
	Store  store.Store
	Engine *relay.Engine
	Hub    *hub.Hub
}

// Server owns the HTTP routes and the websocket upgrade path.
type Server struct {
	addr     string
	store    store.Store
	engine   *relay.Engine
	hub      *hub.Hub
	router   *mux.Router
	server   *http.Server
	upgrader websocket.Upgrader
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("server store is nil")
	}
	if cfg.Engine == nil {
		return nil, errors.New("server relay engine is nil")
	}
	if cfg.Hub == nil {
		return nil, errors.New("server hub is nil")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8088"
	}
	s := &Server{
		addr:     cfg.Addr,
		store:    cfg.Store,
		engine:   cfg.Engine,
		hub:      cfg.Hub,
		router:   mux.NewRouter(),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
	s.registerRoutes()
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run blocks until the context is cancelled or a signal arrives, then
// shuts the HTTP server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	eg := errgroup.Group{}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigChan:
			log.Info().Msg("received interrupt signal, shutting down gracefully...")
		case <-srvCtx.Done():
		}
		srvCancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		s.hub.Close()
		log.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		log.Info().Str("addr", s.addr).Msg("starting botchat server")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})

	return eg.Wait()
}

func (s *Server) registerRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/bots", s.handleListBots).Methods(http.MethodGet)
	api.HandleFunc("/bots", s.handleCreateBot).Methods(http.MethodPost)
	api.HandleFunc("/bots/{id:[0-9]+}", s.handleGetBot).Methods(http.MethodGet)
	api.HandleFunc("/bots/{id:[0-9]+}", s.handleUpdateBot).Methods(http.MethodPatch)
	api.HandleFunc("/bots/{id:[0-9]+}", s.handleDeleteBot).Methods(http.MethodDelete)

	api.HandleFunc("/bots/{id:[0-9]+}/chats", s.handleListChats).Methods(http.MethodGet)
	api.HandleFunc("/bots/{id:[0-9]+}/chats", s.handleCreateChat).Methods(http.MethodPost)
	api.HandleFunc("/chats/{id:[0-9]+}", s.handleGetChat).Methods(http.MethodGet)
	api.HandleFunc("/chats/{id:[0-9]+}", s.handleDeleteChat).Methods(http.MethodDelete)

	api.HandleFunc("/chats/{id:[0-9]+}/messages", s.handleListMessages).Methods(http.MethodGet)
	api.HandleFunc("/chats/{id:[0-9]+}/messages", s.handleSendMessage).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id:[0-9]+}", s.handleEditMessage).Methods(http.MethodPatch)
	api.HandleFunc("/messages/{id:[0-9]+}", s.handleDeleteMessage).Methods(http.MethodDelete)

	api.HandleFunc("/settings", s.handleGetSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings", s.handleUpdateSettings).Methods(http.MethodPut)

	s.router.HandleFunc("/ws", s.handleWS)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
}
