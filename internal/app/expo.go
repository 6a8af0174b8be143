// Package app wires each service: configuration, logging, the catalog,
// the background managers and the HTTP server, plus the shutdown path
// that drains them all on SIGINT.
package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cadreworks/cadre/internal/api"
	"github.com/cadreworks/cadre/internal/collection"
	"github.com/cadreworks/cadre/internal/config"
	"github.com/cadreworks/cadre/internal/filter"
	"github.com/cadreworks/cadre/internal/photodb"
	"github.com/cadreworks/cadre/internal/refresh"
	"github.com/cadreworks/cadre/internal/selector"
)

const shutdownTimeout = 5 * time.Second

func newLogger() *zap.Logger {
	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}
	zap.ReplaceGlobals(logger)
	return logger
}

// Expo is the Curator service.
type Expo struct {
	log         *zap.Logger
	db          *sql.DB
	collections *collection.Manager
	jobs        *refresh.Manager
	httpServer  *http.Server
}

// NewExpo loads configuration from dir and assembles the service.
func NewExpo(addr, dir string) (*Expo, error) {
	log := newLogger().Named("expo")

	cfg, err := config.LoadExpo(dir)
	if err != nil {
		return nil, err
	}

	dbPath := cfg.DBPath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(dir, dbPath)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}

	db, err := photodb.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := photodb.Setup(db); err != nil {
		db.Close()
		return nil, err
	}

	collections := collection.NewManager(db, log)
	jobs := refresh.NewManager(db, log, &photoSource{db: db, collections: collections, log: log},
		cfg.PostCommands)

	handler := &api.ExpoHandler{
		Collections: collections,
		Jobs:        jobs,
		Log:         log,
		WebDir:      filepath.Join(dir, "web"),
	}

	return &Expo{
		log:         log,
		db:          db,
		collections: collections,
		jobs:        jobs,
		httpServer:  &http.Server{Addr: addr, Handler: handler.Routes()},
	}, nil
}

// Run starts the workers and serves HTTP until SIGINT/SIGTERM, then
// drains everything.
func (a *Expo) Run() error {
	if err := a.collections.Init(); err != nil {
		return err
	}
	if err := a.jobs.Init(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("listening", zap.String("addr", a.httpServer.Addr))
		if err := a.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.httpServer.Shutdown(shutdownCtx)

		a.jobs.StopAll()
		a.collections.StopAll()
		return a.db.Close()
	})

	return g.Wait()
}

// photoSource ties the selector to the collection catalog: pick a row,
// then ask the owning collection for a concrete URL.
type photoSource struct {
	db          *sql.DB
	collections *collection.Manager
	log         *zap.Logger
}

func (s *photoSource) NextPhoto(expr filter.Expr, order filter.Order) (*collection.PhotoInfo, error) {
	selection, err := selector.Next(s.db, expr, order)
	if err != nil {
		return nil, err
	}
	if selection == nil {
		return nil, nil
	}

	info, err := s.collections.PhotoInfo(selection.CollectionID, selection.PhotoID)
	if err != nil {
		return nil, err
	}

	s.log.Debug("selected photo", zap.String("url", info.URL), zap.String("path", info.Path))
	return info, nil
}
