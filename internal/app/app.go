package app

import (
	"context"
	"fmt"

	"github.com/abdulachik/schedpost/internal/api"
	"github.com/abdulachik/schedpost/internal/compose"
	"github.com/abdulachik/schedpost/internal/config"
	"github.com/abdulachik/schedpost/internal/db"
	"github.com/abdulachik/schedpost/internal/dispatcher"
	"github.com/abdulachik/schedpost/internal/lease"
	"github.com/abdulachik/schedpost/internal/notify"
	"github.com/abdulachik/schedpost/internal/poster"
	"github.com/abdulachik/schedpost/internal/scheduler"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
)

// App is the main application container holding all dependencies.
type App struct {
	Config     *config.Config
	Store      *db.Store
	Publisher  poster.Publisher
	Dispatcher *dispatcher.Dispatcher
	Composer   *compose.Composer
	Scheduler  *scheduler.Scheduler

	redis *redis.Client
}

// New creates a new application instance with all dependencies wired up.
// The publisher is built from cfg, so missing credentials fail here.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	pub, err := poster.New(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithPublisher(ctx, cfg, pub)
}

// NewWithPublisher wires the application around an existing publisher.
func NewWithPublisher(ctx context.Context, cfg *config.Config, pub poster.Publisher) (*App, error) {
	store, err := db.NewStore(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	a := &App{
		Config:    cfg,
		Store:     store,
		Publisher: pub,
	}

	var runLease lease.Lease = lease.NewLocal()
	if cfg.RedisAddr != "" {
		client, err := lease.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			store.Close()
			return nil, err
		}
		a.redis = client
		runLease = lease.NewRedis(client, lease.DefaultKey)
	}

	a.Dispatcher = dispatcher.New(dispatcher.Config{
		Store:      store,
		Publisher:  pub,
		Workers:    cfg.DispatchWorkers,
		Rate:       cfg.DispatchRate,
		ClaimLease: cfg.ClaimLease,
	})

	a.Composer = compose.New(compose.Config{
		Store:      store,
		Publisher:  pub,
		Dispatcher: a.Dispatcher,
		ClaimLease: cfg.ClaimLease,
	})

	a.Scheduler = scheduler.New(scheduler.Config{
		Runner:    a.Dispatcher,
		Publisher: pub,
		Lease:     runLease,
		LeaseTTL:  cfg.RunLease,
		Notifier:  notify.NewLogNotifier(nil),
		Schedule:  cfg.DispatchSchedule,
	})

	return a, nil
}

// Router builds the HTTP API on top of the container.
func (a *App) Router() *gin.Engine {
	return api.NewRouter(api.Config{
		Trigger:     a.Scheduler,
		Composer:    a.Composer,
		Health:      a.Scheduler.Health(),
		CronSecret:  a.Config.CronSecret,
		RecentLimit: a.Config.RecentLimit,
	})
}

// Close closes all resources.
func (a *App) Close() error {
	if a.redis != nil {
		a.redis.Close()
	}
	if a.Store != nil {
		return a.Store.Close()
	}
	return nil
}
