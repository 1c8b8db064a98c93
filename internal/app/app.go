package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atvirokodosprendimai/compmut/internal/adapters/httpapi"
	"github.com/atvirokodosprendimai/compmut/internal/adapters/notify"
	sqliteadapter "github.com/atvirokodosprendimai/compmut/internal/adapters/sqlite"
	"github.com/atvirokodosprendimai/compmut/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/compmut/internal/adapters/wake"
	"github.com/atvirokodosprendimai/compmut/internal/config"
	"github.com/atvirokodosprendimai/compmut/internal/core/handler"
	"github.com/atvirokodosprendimai/compmut/internal/core/ports"
	"github.com/atvirokodosprendimai/compmut/internal/core/usecase"
	"github.com/atvirokodosprendimai/compmut/internal/metrics"
	"github.com/atvirokodosprendimai/compmut/migrations"
)

const (
	migrateTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
	// embeddedWindow is the run length of one embedded worker invocation.
	// Each window re-runs startup reconciliation.
	embeddedWindow = time.Hour
)

var registerMetrics sync.Once

// wakeChannel is what both sides of the pipeline need from a wake driver.
type wakeChannel interface {
	ports.WakePinger
	ports.WakeWaiter
}

type resourceCloser struct {
	closers []io.Closer
}

func (r resourceCloser) Close() error {
	var firstErr error
	for i := len(r.closers) - 1; i >= 0; i-- {
		c := r.closers[i]
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// App is the composition root shared by every command.
type App struct {
	cfg config.Config
	log *zap.Logger

	db        *gormsqlite.DB
	mutations *sqliteadapter.MutationRepository
	wake      wakeChannel
	redisWake *wake.Redis
	producer  *usecase.Producer

	closer resourceCloser
}

// New opens and migrates the database and builds the producer side. Worker
// pieces are built lazily by NewWorker.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	registerMetrics.Do(func() { metrics.MustRegister(prometheus.DefaultRegisterer) })

	db, err := gormsqlite.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	a := &App{cfg: cfg, log: log, db: db}
	a.closer.closers = append(a.closer.closers, db)

	if _, err := a.Migrate(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}

	switch cfg.Wake.Driver {
	case "redis":
		client, err := wake.Dial(ctx, wake.RedisOptions{
			Addr:        cfg.Wake.Redis.Addr,
			Password:    cfg.Wake.Redis.Password,
			DB:          cfg.Wake.Redis.DB,
			DialTimeout: cfg.Wake.Redis.DialTimeout,
		})
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.redisWake = wake.NewRedis(client, cfg.Wake.Redis.Channel, log.Named("wake"))
		a.wake = a.redisWake
		a.closer.closers = append(a.closer.closers, client, a.redisWake)
	default:
		a.wake = wake.NewLocal()
	}

	a.mutations = sqliteadapter.NewMutationRepository(db)
	a.producer = usecase.NewProducer(a.mutations, a.wake, log.Named("producer"), usecase.ProducerConfig{
		InitialWait: cfg.Producer.InitialWait,
		MaxWait:     cfg.Producer.MaxWait,
		ActorMaxLen: cfg.Producer.ActorMaxLen,
	})
	return a, nil
}

func (a *App) Producer() *usecase.Producer { return a.producer }

// Migrate applies pending migrations and returns the resulting version.
func (a *App) Migrate(ctx context.Context) (int64, error) {
	sqlDB, err := a.db.WriteSQLDB()
	if err != nil {
		return 0, fmt.Errorf("resolve writer sql db: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, migrateTimeout)
	defer cancel()
	if err := migrations.Up(ctx, sqlDB); err != nil {
		return 0, err
	}
	return migrations.Version(ctx, sqlDB)
}

// NewWorker assembles the dispatch table, the notifier chain and the worker.
// With the redis driver it also subscribes to the wake channel.
func (a *App) NewWorker(ctx context.Context) (*usecase.Worker, error) {
	workerLog := a.log.Named("worker")

	model := sqliteadapter.NewCompetitionStore(a.db)
	table := usecase.NewDispatchTable(workerLog, handler.Default(model, a.cfg.Worker.Regions, workerLog)...)
	if err := table.Validate(); err != nil {
		return nil, err
	}

	if a.redisWake != nil {
		if err := a.redisWake.Start(ctx); err != nil {
			return nil, err
		}
	}

	owner := uuid.NewString()
	workerLog.Debug("worker identity", zap.String("owner", owner))

	return usecase.NewWorker(
		a.mutations,
		sqliteadapter.NewProgressRepository(a.db),
		sqliteadapter.NewLeaseRepository(a.db),
		table,
		a.wake,
		a.notifier(),
		workerLog,
		usecase.WorkerConfig{
			PollInterval: a.cfg.Worker.PollInterval,
			MaxAttempts:  a.cfg.Worker.MaxAttempts,
			LeaseTTL:     a.cfg.Worker.LeaseTTL,
			Owner:        owner,
		},
	), nil
}

func (a *App) notifier() ports.Notifier {
	var base ports.Notifier = notify.NewLog(a.log.Named("notify"))
	if a.cfg.Notify.WebhookURL != "" {
		base = notify.NewWebhook(a.cfg.Notify.WebhookURL, a.cfg.Notify.WebhookSecret, a.cfg.Notify.WebhookTimeout)
	}
	return notify.NewDailyLimit(base, sqliteadapter.NewNotificationLog(a.db))
}

func (a *App) NewServer() *http.Server {
	h := httpapi.NewHandler(a.producer, a.mutations, a.wake, a.db, a.log.Named("http"))
	return &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Serve runs the HTTP API until ctx ends. With worker.embedded the worker runs
// in the same process and shares the in-process wake channel.
func (a *App) Serve(ctx context.Context) error {
	var w *usecase.Worker
	if a.cfg.Worker.Embedded {
		var err error
		if w, err = a.NewWorker(ctx); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	server := a.NewServer()
	g.Go(func() error { return a.listen(ctx, server) })

	if a.cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error { return a.listen(ctx, metricsServer) })
	}

	if w != nil {
		g.Go(func() error {
			for ctx.Err() == nil {
				if err := w.Run(ctx, time.Now().UTC().Add(embeddedWindow)); err != nil {
					return err
				}
			}
			return nil
		})
	}

	return g.Wait()
}

func (a *App) listen(ctx context.Context, server *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		a.log.Info("listening", zap.String("addr", server.Addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (a *App) Close() error {
	return a.closer.Close()
}
