// Package app constructs and runs the Varasto process: configuration,
// stores, pipeline services and the HTTP/MCP surfaces, with a
// drain-then-close shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/varasto-kb/varasto/internal/chunk"
	"github.com/varasto-kb/varasto/internal/config"
	"github.com/varasto-kb/varasto/internal/embed"
	"github.com/varasto-kb/varasto/internal/events"
	"github.com/varasto-kb/varasto/internal/httpapi"
	"github.com/varasto-kb/varasto/internal/indexer"
	"github.com/varasto-kb/varasto/internal/logging"
	"github.com/varasto-kb/varasto/internal/mcpserver"
	"github.com/varasto-kb/varasto/internal/search"
	"github.com/varasto-kb/varasto/internal/store"
	"github.com/varasto-kb/varasto/internal/syncer"
	"github.com/varasto-kb/varasto/internal/vector"
	"github.com/varasto-kb/varasto/internal/watcher"
)

// App owns every long-lived service.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	lock     *flock.Flock
	store    store.Store
	vectors  vector.Store
	embedder embed.Embedder
	bus      *events.Bus
	observer *watcher.Observer
	indexer  *indexer.Service
	syncer   *syncer.Engine
	engine   *search.Engine
	httpSrv  *httpapi.Server
	mcpSvc   *mcpserver.Service

	cleanupLog func()
}

// New builds the application. Construction order follows the dependency
// graph leaves-first; any failure tears down what was already opened.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, cleanupLog func()) (*App, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	// One process per state store. A second varasto pointed at the same
	// data directory refuses to start instead of corrupting state.
	lock := flock.New(filepath.Join(cfg.DataDir, "varasto.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire process lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("another varasto process holds %s", lock.Path())
	}

	app := &App{cfg: cfg, logger: logger, lock: lock, cleanupLog: cleanupLog}

	app.store, err = store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		app.release()
		return nil, err
	}

	app.vectors, err = vector.NewQdrantStore(ctx, vector.Config{
		Host:       cfg.VectorHost,
		Port:       cfg.VectorPort,
		Collection: cfg.VectorCollection,
		Dimension:  uint64(cfg.EmbeddingDimension),
		Alpha:      cfg.HybridAlpha,
		APIKey:     cfg.VectorAPIKey,
		UseTLS:     cfg.VectorUseTLS,
	})
	if err != nil {
		app.release()
		return nil, err
	}

	ollama, err := embed.NewOllamaEmbedder(ctx, embed.OllamaConfig{
		Host:       cfg.EmbeddingHost,
		Model:      cfg.EmbeddingModel,
		Dimensions: cfg.EmbeddingDimension,
		BatchSize:  cfg.EmbedBatchSize,
	})
	if err != nil {
		app.release()
		return nil, err
	}
	app.embedder = embed.NewCachedEmbedder(ollama, embed.DefaultCacheSize)

	app.bus = events.NewBus()

	splitter := chunk.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap)
	app.indexer = indexer.New(cfg.RootPath, indexer.Config{
		Workers:          cfg.IndexWorkers,
		EmbeddingVersion: cfg.EmbeddingVersion,
		PollInterval:     cfg.IndexingPollInterval,
	}, app.store, app.vectors, app.embedder, splitter, app.bus, logging.For(logger, "indexer"))

	app.observer, err = watcher.New(cfg.RootPath, watcher.Options{
		DebounceWindow: cfg.WatchDebounce,
	}, logging.For(logger, "watcher"))
	if err != nil {
		app.release()
		return nil, err
	}

	app.syncer = syncer.NewEngine(cfg.RootPath, syncer.Config{
		RequestTimeout: cfg.SyncRequestTimeout,
		Deadline:       cfg.SyncDeadline,
	}, app.store, app.bus, logging.For(logger, "syncer"))
	for _, provider := range []syncer.Provider{
		syncer.GitHubProvider{},
		syncer.GoogleDriveProvider{},
		syncer.SharePointProvider{},
		syncer.BoxProvider{},
		syncer.AzureDevOpsProvider{},
		syncer.JiraProvider{},
		syncer.ConfluenceProvider{},
	} {
		app.syncer.Register(provider)
	}
	app.syncer.OnSynced = func(folder string) {
		app.indexer.ScheduleFolder(context.Background(), folder)
	}

	app.engine = search.New(app.store, app.vectors, app.embedder, logging.For(logger, "search"))
	app.httpSrv = httpapi.New(cfg.RootPath, app.store, app.indexer, app.syncer, app.engine, app.bus,
		logging.For(logger, "http"))
	app.mcpSvc = mcpserver.New(app.engine, app.store, mcpserver.Config{
		SearchLimit: cfg.MCPSearchLimit,
		BaseURL:     "http://localhost" + cfg.HTTPAddr,
	}, logging.For(logger, "mcp"))

	return app, nil
}

// Run serves until the context is cancelled, then drains: the observer
// and sync scheduler stop first, indexer workers finish their current
// file, and the stores close last.
func (a *App) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	if err := a.observer.Start(ctx); err != nil {
		return err
	}
	a.indexer.Start(ctx)

	// Observer events feed the indexer and the UI fan-out.
	group.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-a.observer.Events():
				if !ok {
					return nil
				}
				a.publishFSEvent(ev)
				a.indexer.HandleEvent(ctx, ev)
			}
		}
	})

	// Remote sources re-sync on a fixed cadence.
	group.Go(func() error {
		a.syncer.Schedule(ctx, 15*time.Minute)
		return nil
	})

	httpServer := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.httpSrv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	group.Go(func() error {
		a.logger.Info("http listening", slog.String("addr", a.cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	switch a.cfg.MCPTransport {
	case "stdio":
		group.Go(func() error {
			return a.mcpSvc.RunStdio(ctx)
		})
	default:
		mcpServer := &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.MCPPort),
			Handler:           a.mcpSvc.HTTPHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		group.Go(func() error {
			a.logger.Info("mcp listening", slog.Int("port", a.cfg.MCPPort))
			if err := mcpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return mcpServer.Shutdown(shutdownCtx)
		})
	}

	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err := group.Wait()
	a.drain()
	return err
}

// publishFSEvent translates an observer event onto the bus.
func (a *App) publishFSEvent(ev watcher.Event) {
	typ := events.TypeModified
	switch ev.Type {
	case watcher.EventCreated:
		typ = events.TypeCreated
	case watcher.EventDeleted:
		typ = events.TypeDeleted
	case watcher.EventMoved:
		typ = events.TypeMoved
	}
	a.bus.Publish(events.Event{
		Type:    typ,
		Path:    ev.Path,
		OldPath: ev.OldPath,
		IsDir:   ev.IsDir,
	})
}

// drain stops services in reverse dependency order.
func (a *App) drain() {
	a.logger.Info("draining")
	_ = a.observer.Close()
	a.indexer.Stop()
	a.bus.Close()
	a.release()
	a.logger.Info("shutdown complete")
	if a.cleanupLog != nil {
		a.cleanupLog()
	}
}

// release closes whatever construction managed to open.
func (a *App) release() {
	if a.embedder != nil {
		_ = a.embedder.Close()
	}
	if a.vectors != nil {
		_ = a.vectors.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.lock != nil {
		_ = a.lock.Unlock()
	}
}
