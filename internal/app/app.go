// Package app builds every component from a config.Config and runs the
// long-lived ones together.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/petrijr/jobflow/internal/audit"
	"github.com/petrijr/jobflow/internal/config"
	"github.com/petrijr/jobflow/internal/dedicated"
	"github.com/petrijr/jobflow/internal/events"
	"github.com/petrijr/jobflow/internal/liveness"
	"github.com/petrijr/jobflow/internal/notify"
	"github.com/petrijr/jobflow/internal/queue"
	"github.com/petrijr/jobflow/internal/resources"
	"github.com/petrijr/jobflow/internal/sandbox"
	"github.com/petrijr/jobflow/internal/schedule"
	"github.com/petrijr/jobflow/internal/store"
	"github.com/petrijr/jobflow/internal/sweep"
	"github.com/petrijr/jobflow/pkg/api"
	"github.com/petrijr/jobflow/pkg/worker"
)

// App owns the components of one jobflow process.
type App struct {
	Config *config.Config
	Log    *slog.Logger

	Store store.Store
	Queue *queue.Service
	Bus   notify.Bus

	Sandbox   *sandbox.Registry
	Pool      *dedicated.Pool
	Resources *resources.Client
	Sweeper   *sweep.Sweeper
	// Scheduler is nil without a schedules file.
	Scheduler *schedule.Scheduler
	Workers   []*worker.Worker

	closers []func() error
}

// New connects to every configured backend. On error, whatever was already
// opened is closed again.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *App, err error) {
	if log == nil {
		log = slog.Default()
	}
	a := &App{Config: cfg, Log: log}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Store = st
	a.onClose(st.Close)

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
		rdb = redis.NewClient(ropts)
		a.onClose(rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
	}

	if a.Bus, err = openBus(ctx, cfg, st, rdb, log); err != nil {
		return nil, err
	}
	a.onClose(a.Bus.Close)

	sink, err := a.openAudit(ctx, cfg, st)
	if err != nil {
		return nil, err
	}

	observers := []api.Observer{api.NewLoggingObserver(log)}
	if cfg.AMQPURL != "" {
		pub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, err
		}
		a.onClose(pub.Close)
		observers = append(observers, events.NewObserver(pub, log))
	}

	qopts := queue.Options{
		Observer:       api.NewCompositeObserver(observers...),
		Audit:          sink,
		Notifier:       a.Bus,
		Logger:         log,
		RestartZombies: cfg.RestartZombieJobs,
	}
	if rdb != nil {
		qopts.Liveness = liveness.NewRedis(rdb, "", 0)
	}
	a.Queue = queue.New(st, qopts)

	a.Sandbox = sandbox.NewDefaultRegistry(sandbox.ProcessOptions{
		BaseDir:    cfg.JobDir,
		KeepJobDir: cfg.KeepJobDir,
		Logger:     log,
	})
	a.Pool = dedicated.NewPool(dedicated.Options{
		BaseDir:      cfg.JobDir,
		IdleTimeout:  cfg.DedicatedIdleTimeout,
		PingInterval: cfg.DedicatedPingInterval,
		Logger:       log,
	})
	a.onClose(a.Pool.Close)

	var resolver worker.ArgResolver
	if cfg.BaseInternalURL != "" {
		a.Resources = resources.NewClient(resources.Options{
			BaseURL: cfg.BaseInternalURL,
			Token:   cfg.Token,
			RPS:     cfg.ResourceRPS,
			Logger:  log,
		})
		resolver = resources.NewResolver(a.Resources)
	}

	a.Sweeper, err = sweep.New(a.Queue, sweep.Options{
		Schedule:      cfg.SweepSchedule,
		ZombieTimeout: cfg.ZombieTimeout,
		Retention:     cfg.RetentionPeriod,
		Logger:        log,
	})
	if err != nil {
		return nil, err
	}

	if cfg.SchedulesFile != "" {
		scs, err := schedule.LoadFile(cfg.SchedulesFile)
		if err != nil {
			return nil, err
		}
		if a.Scheduler, err = schedule.New(a.Queue, scs, log); err != nil {
			return nil, err
		}
	}

	for i := range cfg.NumWorkers {
		id := cfg.WorkerID
		if cfg.NumWorkers > 1 {
			id = fmt.Sprintf("%s-%d", cfg.WorkerID, i+1)
		}
		a.Workers = append(a.Workers, worker.New(a.Queue, worker.Config{
			WorkerID:          id,
			WorkerGroup:       cfg.WorkerGroup,
			Tags:              cfg.WorkerTags,
			PollInterval:      cfg.PollInterval,
			MaxPollInterval:   cfg.MaxPollInterval,
			HeartbeatInterval: cfg.HeartbeatInterval,
			LogFlushInterval:  cfg.LogFlushInterval,
			DefaultTimeout:    cfg.DefaultTimeout,
			MemoryLimitMB:     cfg.MemoryLimitMB,
			Token:             cfg.Token,
		}, worker.Options{
			Sandbox:   a.Sandbox,
			Dedicated: a.Pool,
			Resolver:  resolver,
			Wakeups:   a.Bus,
			Logger:    log,
		}))
	}
	return a, nil
}

// Run runs the workers, the sweeper and the scheduler until ctx is done or
// one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range a.Workers {
		g.Go(func() error { return w.Run(ctx) })
	}
	g.Go(func() error { return a.Sweeper.Run(ctx) })
	if a.Scheduler != nil {
		g.Go(func() error { return a.Scheduler.Run(ctx) })
	}
	return g.Wait()
}

// Close releases everything New opened, in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(fn func() error) { a.closers = append(a.closers, fn) }

// openAudit prefers MongoDB, then the job database itself.
func (a *App) openAudit(ctx context.Context, cfg *config.Config, st store.Store) (api.AuditSink, error) {
	if cfg.MongoURL != "" {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURL))
		if err != nil {
			return nil, fmt.Errorf("mongo connect: %w", err)
		}
		a.onClose(func() error { return client.Disconnect(context.Background()) })
		sink := audit.NewMongoSink(client, cfg.MongoDatabase, "")
		if err := sink.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		return sink, nil
	}
	if sqlStore, ok := st.(*store.SQLStore); ok {
		return audit.NewSQLSink(ctx, sqlStore.DB(), sqlStore.Dialect())
	}
	return api.NoopAuditSink{}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	var (
		driver string
		dsn    = cfg.DatabaseURL
		newSQL func(context.Context, *sql.DB) (*store.SQLStore, error)
	)
	switch cfg.DatabaseDriver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		driver, newSQL = "sqlite", store.NewSQLite
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		}
	case "postgres":
		driver, newSQL = "pgx", store.NewPostgres
	case "mysql":
		driver, newSQL = "mysql", store.NewMySQL
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.DatabaseDriver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.DatabaseDriver, err)
	}
	if driver == "sqlite" {
		// One writer at a time; concurrent writers only produce SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.DatabaseDriver, err)
	}
	st, err := newSQL(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func openBus(ctx context.Context, cfg *config.Config, st store.Store, rdb *redis.Client, log *slog.Logger) (notify.Bus, error) {
	switch cfg.Notify {
	case "postgres":
		sqlStore, ok := st.(*store.SQLStore)
		if !ok {
			return nil, errors.New("postgres notify needs the postgres store")
		}
		return notify.NewPostgres(ctx, sqlStore.DB(), cfg.DatabaseURL, log)
	case "redis":
		if rdb == nil {
			return nil, errors.New("redis notify needs a redis url")
		}
		return notify.NewRedis(ctx, rdb)
	default:
		return notify.NewLocal(), nil
	}
}
