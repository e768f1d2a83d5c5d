package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cyclopcam/gesturenode/pkg/detector"
	"github.com/cyclopcam/gesturenode/pkg/graph"
	"github.com/cyclopcam/gesturenode/pkg/nn"
	"github.com/cyclopcam/gesturenode/server/archive"
	"github.com/cyclopcam/gesturenode/server/detectiondb"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// Server feeds frames that arrive over HTTP into a detector node, persists the
// emitted detections, and streams them to websocket clients.
type Server struct {
	Log    logs.Log
	Config Config

	node       *detector.Node
	runner     *graph.Runner
	db         *detectiondb.DetectionDB
	archive    archive.Storage // nil if no archive is configured
	hub        *wsHub
	wsUpgrader websocket.Upgrader
	startedAt  time.Time

	signalIn         chan os.Signal
	httpLock         sync.Mutex // Guards httpServer and shuttingDown
	httpServer       *http.Server
	shuttingDown     bool
	httpRouter       *httprouter.Router
	shutdownOnce     sync.Once
	shutdownComplete chan error
}

// NewServer opens the database and archive, and starts the node
func NewServer(logger logs.Log, cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var classes []string
	if cfg.ClassFile != "" {
		var err error
		classes, err = nn.LoadClassFile(cfg.ClassFile)
		if err != nil {
			return nil, fmt.Errorf("Failed to load class file %v: %w", cfg.ClassFile, err)
		}
		logger.Infof("Loaded %v class names from %v", len(classes), cfg.ClassFile)
	}

	db, err := detectiondb.Open(logger, cfg.DB, 0)
	if err != nil {
		return nil, err
	}

	var store archive.Storage
	if !cfg.Archive.IsEmpty() {
		store, err = archive.Open(context.Background(), logger, cfg.Archive)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("Failed to open archive: %w", err)
		}
	}

	node := detector.NewNode(cfg.Node, classes)
	runner, err := graph.NewRunner(logger, node)
	if err != nil {
		db.Close()
		if store != nil {
			store.Close()
		}
		return nil, err
	}

	s := &Server{
		Log:              logger,
		Config:           cfg,
		node:             node,
		runner:           runner,
		db:               db,
		archive:          store,
		hub:              newWSHub(logger),
		startedAt:        time.Now(),
		shutdownComplete: make(chan error, 1),
	}
	runner.AddListener(db)
	runner.AddListener(s.hub)
	s.setupHttpRoutes()
	return s, nil
}

// Handler returns the HTTP handler of the API
func (s *Server) Handler() http.Handler {
	return s.httpRouter
}

// ListenHTTP serves the API until Shutdown is called.
// addr example: ":8080"
func (s *Server) ListenHTTP(addr string) error {
	s.Log.Infof("Listening on %v", addr)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: s.httpRouter,
	}
	s.httpLock.Lock()
	if s.shuttingDown {
		s.httpLock.Unlock()
		return nil
	}
	s.httpServer = httpServer
	s.httpLock.Unlock()
	err := httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenForKillSignals shuts the server down on SIGINT or SIGTERM
func (s *Server) ListenForKillSignals() {
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'. Shutting down", sig.String())
			s.Shutdown()
		}
	}()
}

// Shutdown stops the HTTP server, closes the node, and flushes the database.
// It is safe to call more than once.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.Log.Infof("Shutdown")
		if s.signalIn != nil {
			signal.Stop(s.signalIn)
			close(s.signalIn)
		}
		var firstErr error
		keep := func(err error) {
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
		s.httpLock.Lock()
		s.shuttingDown = true
		httpServer := s.httpServer
		s.httpLock.Unlock()
		if httpServer != nil {
			s.Log.Infof("Closing HTTP server")
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			keep(httpServer.Shutdown(ctx))
			cancel()
		}
		s.hub.Close()
		keep(s.runner.Close())
		keep(s.db.Close())
		if s.archive != nil {
			keep(s.archive.Close())
		}
		if firstErr != nil {
			s.Log.Warnf("Shutdown complete, with error: %v", firstErr)
		} else {
			s.Log.Infof("Shutdown complete")
		}
		s.shutdownComplete <- firstErr
	})
}

// WaitForShutdown blocks until Shutdown has finished
func (s *Server) WaitForShutdown() error {
	err := <-s.shutdownComplete
	// Let any other waiters through
	s.shutdownComplete <- err
	return err
}
