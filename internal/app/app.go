package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"chunkup/internal/api"
	"chunkup/internal/config"
	"chunkup/internal/database"
	"chunkup/internal/storage"
	"chunkup/internal/upload"
)

// App is the application layer between the CLI and the upload service.
// It constructs all dependencies from config and manages their lifecycle;
// Close must be called when done.
type App struct {
	cfg      *config.Config
	registry *database.SQLiteRegistry
	storage  storage.Backend
	service  *upload.Service
	reaper   *upload.Reaper
	logger   *slog.Logger
	logFile  *os.File
}

// New creates a fully wired App from the given config.
// command identifies the CLI command being run (e.g. "serve", "reap") and is
// attached to every log line.
func New(ctx context.Context, cfg *config.Config, command string) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger, logFile, err := newLogger(cfg.LogDir, newRunID())
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger = logger.With("command", command)

	reg, err := openRegistry(cfg.Database)
	if err != nil {
		closeLog(logFile)
		return nil, err
	}

	store, err := storage.NewStorageFromConfig(ctx, cfg.Storage)
	if err != nil {
		reg.Close()
		closeLog(logFile)
		return nil, fmt.Errorf("creating storage: %w", err)
	}
	if v, ok := store.(interface{ ValidateSetup() error }); ok {
		if err := v.ValidateSetup(); err != nil {
			reg.Close()
			closeLog(logFile)
			return nil, fmt.Errorf("validating storage: %w", err)
		}
	}

	return assemble(cfg, reg, store, logger, logFile), nil
}

// assemble builds the service and reaper on top of already opened resources.
func assemble(cfg *config.Config, reg *database.SQLiteRegistry, store storage.Backend, logger *slog.Logger, logFile *os.File) *App {
	adapter := &slogAdapter{l: logger}
	svc := upload.NewService(reg, store, adapter, upload.RealClock{}, upload.Limits{
		MaxDeclaredSize:    cfg.Upload.MaxDeclaredSize,
		MaxExtensionLength: cfg.Upload.MaxExtensionLength,
	})
	reaper := upload.NewReaper(svc, upload.UUIDGenerator{}, upload.ReaperConfig{
		StaleThreshold: cfg.Reaper.StaleThreshold.Duration,
		PageSize:       cfg.Reaper.PageSize,
		MaxAttempts:    cfg.Reaper.MaxAttempts,
	})

	return &App{
		cfg:      cfg,
		registry: reg,
		storage:  store,
		service:  svc,
		reaper:   reaper,
		logger:   logger,
		logFile:  logFile,
	}
}

// openRegistry opens the registry and makes sure its schema is current.
// An in-memory registry starts empty and is migrated on the spot; a file
// registry must have been migrated with `chunkup migrate`.
func openRegistry(cfg config.DatabaseConfig) (*database.SQLiteRegistry, error) {
	reg, err := database.NewRegistryFromConfig(cfg, upload.RealClock{})
	if err != nil {
		return nil, fmt.Errorf("creating registry: %w", err)
	}

	if cfg.Type == "memory" {
		err = reg.MigrateUp()
	} else {
		err = reg.CheckMigrations()
	}
	if err != nil {
		reg.Close()
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}
	return reg, nil
}

// Migrate brings the registry described by cfg up to the latest schema and
// returns the versions before and after. A fresh database reports 0 before.
func Migrate(cfg *config.Config) (before, after uint, err error) {
	reg, err := database.NewRegistryFromConfig(cfg.Database, upload.RealClock{})
	if err != nil {
		return 0, 0, fmt.Errorf("creating registry: %w", err)
	}
	defer reg.Close()

	before, err = reg.Version()
	if err != nil {
		return 0, 0, err
	}
	if err := reg.MigrateUp(); err != nil {
		return before, 0, err
	}
	after, err = reg.Version()
	if err != nil {
		return before, 0, err
	}
	return before, after, nil
}

// Config returns the config the App was built from.
func (a *App) Config() *config.Config { return a.cfg }

// Service returns the upload lifecycle service.
func (a *App) Service() *upload.Service { return a.service }

// Logger returns the application logger.
func (a *App) Logger() *slog.Logger { return a.logger }

// Reap runs a single reaper sweep.
func (a *App) Reap(ctx context.Context) (*upload.SweepRun, error) {
	return a.reaper.Sweep(ctx)
}

// StatusReport summarizes the registry for `chunkup status`.
type StatusReport struct {
	Counts  map[upload.Status]int
	LastRun *upload.SweepRun // nil if no sweep has finished
}

// Status returns upload counts per status and the last finished sweep.
func (a *App) Status(ctx context.Context) (*StatusReport, error) {
	counts, err := a.registry.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	last, err := a.registry.LastSweepRun(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading last sweep: %w", err)
	}
	return &StatusReport{Counts: counts, LastRun: last}, nil
}

// History returns the most recent sweep runs, newest first.
func (a *App) History(ctx context.Context, limit int) ([]*upload.SweepRun, error) {
	return a.registry.ListSweepRuns(ctx, limit)
}

// BackupDB writes a consistent snapshot of the registry to destPath.
func (a *App) BackupDB(ctx context.Context, destPath string) error {
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	return a.registry.BackupTo(ctx, destPath)
}

// Handler returns the HTTP handler serving the upload API.
func (a *App) Handler() http.Handler {
	return api.NewRouter(a.service, a.storage, a.logger, api.Options{
		BaseURL:      a.cfg.Storage.BaseURL,
		MaxChunkSize: a.cfg.Server.MaxChunkSize,
	})
}

// Serve runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully. When reapEvery is positive a reaper sweep also runs on that
// interval in the background.
func (a *App) Serve(ctx context.Context, reapEvery time.Duration) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	reaperDone := make(chan struct{})
	reaperCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	go func() {
		defer close(reaperDone)
		if reapEvery > 0 {
			a.runReaper(reaperCtx, reapEvery)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down http server")
	case err := <-errCh:
		if err != nil {
			stopReaper()
			<-reaperDone
			return fmt.Errorf("http server: %w", err)
		}
	}

	stopReaper()
	<-reaperDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	a.logger.Info("http server stopped")
	return nil
}

// runReaper sweeps every interval until ctx is cancelled. A failed sweep
// does not stop the loop; the next tick retries from the same cursor.
func (a *App) runReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run, err := a.reaper.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				a.logger.Warn("background sweep failed, retrying next tick", "error", err)
				continue
			}
			a.logger.Debug("background sweep done", "run_id", run.RunID, "claimed", run.Claimed)
		}
	}
}

// Close closes the registry and the log file.
func (a *App) Close() error {
	var firstErr error
	if err := a.registry.Close(); err != nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}
	closeLog(a.logFile)
	return firstErr
}

func closeLog(f *os.File) {
	if f != nil {
		f.Close()
	}
}

// newRunID returns a short identifier tying together the log lines of one
// process.
func newRunID() string {
	return uuid.New().String()[:8]
}
