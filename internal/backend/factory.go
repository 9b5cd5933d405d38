package backend

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/dbpulse/ingest/internal/config"
	"github.com/dbpulse/ingest/internal/models"
	"github.com/dbpulse/ingest/internal/queue"
	"github.com/dbpulse/ingest/internal/store"
)

// Deps carries everything a backend might need; which ones are used depends
// on the configured mode.
type Deps struct {
	Config     *config.Config
	Repository *store.RunRepository
	Logger     *slog.Logger
}

var (
	initOnce sync.Once
	instance Backend
	initErr  error
)

// Init selects and constructs the process-wide backend from configuration.
// The first call wins; later calls return the same instance. The instance
// lives for the process lifetime — the host closes it on shutdown.
func Init(deps Deps) (Backend, error) {
	initOnce.Do(func() {
		instance, initErr = New(deps)
	})
	return instance, initErr
}

// Get returns the backend selected by Init. It panics when called before
// initialization, which is always a wiring bug in the host process.
func Get() Backend {
	if instance == nil {
		panic("backend: Get called before Init")
	}
	return instance
}

// New builds a backend without touching the singleton; tests and embedders
// use it directly.
func New(deps Deps) (Backend, error) {
	cfg := deps.Config

	switch cfg.Backend.Mode {
	case models.BackendDirect:
		return NewDirect(cfg.Database.DSN(), deps.Repository, deps.Logger), nil

	case models.BackendPooled:
		return NewPooled(cfg.Database.DSN(), cfg.Backend.PoolMinConns, cfg.Backend.PoolMaxConns,
			deps.Repository, deps.Logger)

	case models.BackendAsyncQueue:
		q, err := queue.New(queue.Config{
			Addr:         cfg.Redis.Addr(),
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			MaxRetries:   cfg.Backend.MaxRetries,
			RetryBackoff: cfg.Backend.RetryBackoff,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing queue: %w", err)
		}
		return NewAsyncQueue(q, cfg.Backend.EnqueueETA, deps.Logger), nil

	case models.BackendDisabled:
		return NewDisabled(), nil

	default:
		return nil, fmt.Errorf("unknown backend mode %q", cfg.Backend.Mode)
	}
}
