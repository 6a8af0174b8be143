package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cadreworks/cadre/internal/api"
	"github.com/cadreworks/cadre/internal/config"
	"github.com/cadreworks/cadre/internal/display"
)

// Affiche is the Display Agent service.
type Affiche struct {
	log        *zap.Logger
	engine     *display.Engine
	httpServer *http.Server
}

// NewAffiche loads configuration from dir and assembles the service,
// preparing (and wiping) the temp directories.
func NewAffiche(addr, dir string) (*Affiche, error) {
	log := newLogger().Named("affiche")

	cfg, err := config.LoadAffiche(dir)
	if err != nil {
		return nil, err
	}

	tempPath := cfg.TempPath
	if !filepath.IsAbs(tempPath) {
		tempPath = filepath.Join(dir, tempPath)
	}

	engine, err := display.NewEngine(cfg.DisplayWriterCommand, tempPath, log)
	if err != nil {
		return nil, err
	}

	handler := &api.AfficheHandler{
		Engine: engine,
		Config: cfg,
		Log:    log,
		WebDir: filepath.Join(dir, "web"),
	}

	return &Affiche{
		log:        log,
		engine:     engine,
		httpServer: &http.Server{Addr: addr, Handler: handler.Routes()},
	}, nil
}

func (a *Affiche) Run() error {
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
		return a.httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
