package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"captainhook/internal/auth"
	"captainhook/internal/config"
	"captainhook/internal/constants"
	"captainhook/internal/dispatch"
	"captainhook/internal/logger"
	"captainhook/internal/pool"
	"captainhook/internal/reader"
	"captainhook/internal/state"
	"captainhook/internal/status"
	"captainhook/internal/subscription"
	"captainhook/pkg/bootstrap"
	"captainhook/pkg/cel"
	"captainhook/pkg/health"
	"captainhook/pkg/metrics"
	"captainhook/pkg/migrations"
	"captainhook/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	dbConnector    *bootstrap.DatabaseConnector
	redis          *redis.Client
	db             *sql.DB
	mongoClient    *mongo.Client
	tracerProvider *tracing.TracerProvider

	subscriptions *subscription.Service
	notifier      *subscription.Notifier
	dispatcher    *dispatch.Service
	pool          *pool.Pool
	readers       []*reader.Reader
	server        *status.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName(constants.ServiceName)
	}
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

// Initialize connects every backend, loads subscriptions and restores the
// pool and reader state persisted by a previous run.
func (a *App) Initialize(ctx context.Context) error {
	metrics.Register()

	tp, err := tracing.Init(a.Config.Tracing, constants.ServiceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	if err := a.initDatabases(ctx); err != nil {
		return fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := a.runMigrations(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := a.InitState(state.Dependencies{Redis: a.redis, Postgres: a.db}); err != nil {
		return err
	}

	if err := a.InitBroker(); err != nil {
		return err
	}

	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return fmt.Errorf("failed to create CEL evaluator: %w", err)
	}

	if err := a.initSubscriptions(ctx, evaluator); err != nil {
		return fmt.Errorf("failed to initialize subscriptions: %w", err)
	}

	a.initDispatcher(evaluator)
	a.pool = pool.New(a.Config.Pool.Name, a.Config.Pool.Size, a.Store, a.dispatcher, a.Logger.Named("pool"))

	if err := a.initReaders(ctx); err != nil {
		return fmt.Errorf("failed to initialize readers: %w", err)
	}

	if err := a.rehydrate(ctx); err != nil {
		return fmt.Errorf("failed to restore state: %w", err)
	}

	a.initServer(ctx)
	return nil
}

func (a *App) initDatabases(ctx context.Context) error {
	if a.Config.State.Backend == constants.StateBackendRedis {
		rdb, err := a.dbConnector.InitRedis(ctx)
		if err != nil {
			return err
		}
		a.redis = rdb
	}

	if a.Config.State.Backend == constants.StateBackendPostgres {
		db, err := a.dbConnector.InitPostgreSQL(ctx)
		if err != nil {
			return err
		}
		a.db = db
	}

	if a.Config.Subscriptions.Source == constants.SubscriptionSourceMongoDB {
		client, err := a.dbConnector.InitMongoDB(ctx)
		if err != nil {
			return err
		}
		a.mongoClient = client
	}
	return nil
}

func (a *App) runMigrations(ctx context.Context) error {
	if !a.Config.Database.RunMigrations {
		return nil
	}

	if a.db != nil {
		if err := migrations.RunPostgres(a.db); err != nil {
			return err
		}
		a.Logger.InfowCtx(ctx, "PostgreSQL migrations applied")
	}

	if a.mongoClient != nil {
		db := a.mongoClient.Database(a.dbConnector.MongoDatabaseName())
		if err := migrations.EnsureSubscriptionsCollection(ctx, db, a.Config.Subscriptions.Collection); err != nil {
			return err
		}
		a.Logger.InfowCtx(ctx, "MongoDB subscription indexes ensured", "collection", a.Config.Subscriptions.Collection)
	}
	return nil
}

func (a *App) initSubscriptions(ctx context.Context, evaluator *cel.Evaluator) error {
	var repo subscription.Repository
	switch a.Config.Subscriptions.Source {
	case constants.SubscriptionSourceMongoDB:
		if a.mongoClient == nil {
			return fmt.Errorf("subscription source mongodb requires database.mongodb.uri")
		}
		db := a.mongoClient.Database(a.dbConnector.MongoDatabaseName())
		repo = subscription.NewMongoDBRepository(db, a.Config.Subscriptions.Collection)
	case constants.SubscriptionSourceFile:
		repo = subscription.NewFileRepository(a.Config.Subscriptions.File)
	default:
		return fmt.Errorf("unknown subscription source: %s", a.Config.Subscriptions.Source)
	}

	svc := subscription.NewService(repo, a.Config.Subscriptions, evaluator, a.Logger.Named("subscriptions"))
	if err := svc.Reload(ctx, true); err != nil {
		return err
	}

	a.subscriptions = svc
	if topic := a.Config.Broker.Kafka.ConfigUpdateTopic; topic != "" {
		a.notifier = subscription.NewNotifier(a.Broker, topic, "")
	}
	return nil
}

func (a *App) initDispatcher(evaluator *cel.Evaluator) {
	tokens := auth.NewRegistry(auth.RegistryOptions{
		HTTPClient:           &http.Client{Timeout: a.Config.Auth.TokenTimeout},
		DefaultRefreshBefore: a.Config.Auth.DefaultRefreshBefore,
	}, a.Logger.Named("auth"))

	clients := dispatch.NewClientFactory(dispatch.ClientFactoryOptions{
		CircuitBreaker: a.Config.CircuitBreaker,
		RateLimit:      a.Config.Dispatch.RateLimit,
	})

	a.dispatcher = dispatch.NewService(
		a.subscriptions,
		evaluator,
		clients,
		tokens,
		dispatch.OptionsFromConfig(a.Config.Dispatch),
		a.Logger.Named("dispatch"),
	)
}

// readerEventTypes returns the normalized configured event types that have a
// subscription, or every subscribed event type when none are configured.
func (a *App) readerEventTypes(ctx context.Context) []string {
	configured := a.Config.Reader.EventTypes
	if len(configured) == 0 {
		configured = a.subscriptions.EventTypes()
	}

	seen := make(map[string]bool, len(configured))
	var eventTypes []string
	for _, et := range configured {
		key := subscription.Key(et)
		if seen[key] {
			continue
		}
		seen[key] = true
		if _, err := a.subscriptions.Get(key); err != nil {
			a.Logger.WarnwCtx(ctx, "No subscription for configured event type, reader not started", "event_type", et)
			continue
		}
		eventTypes = append(eventTypes, key)
	}
	return eventTypes
}

func (a *App) initReaders(ctx context.Context) error {
	eventTypes := a.readerEventTypes(ctx)
	if len(eventTypes) == 0 {
		a.Logger.WarnwCtx(ctx, "No event types to read, only the status API will run")
	}

	for _, et := range eventTypes {
		receiver, err := a.Broker.NewReceiver(et)
		if err != nil {
			return fmt.Errorf("failed to create receiver for %s: %w", et, err)
		}

		opts := reader.OptionsFromConfig(et, a.Config.Reader, a.Config.Broker.Kafka.Retry)
		r := reader.New(opts, receiver, a.pool, a.Store, a.Logger.Named("reader"))
		a.pool.RegisterReader(et, r)
		a.readers = append(a.readers, r)
	}

	a.Logger.InfowCtx(ctx, "Readers created", "event_types", eventTypes)
	return nil
}

// rehydrate restores reader leases before the pool so orphaned slots can be
// finalized through the reader that owns them.
func (a *App) rehydrate(ctx context.Context) error {
	for _, r := range a.readers {
		if err := r.Rehydrate(ctx); err != nil {
			return fmt.Errorf("reader %s: %w", r.EventType(), err)
		}
	}
	return a.pool.Rehydrate(ctx)
}

func (a *App) initServer(ctx context.Context) {
	registry := health.NewCheckerRegistry()
	if a.redis != nil {
		registry.Register(health.NewRedisChecker(a.redis))
	}
	if a.db != nil {
		registry.Register(health.NewPostgreSQLChecker(a.db))
	}
	if a.mongoClient != nil {
		// Dispatch keeps running on the cached subscriptions.
		registry.RegisterOptional(health.NewMongoDBChecker(a.mongoClient))
	}
	if a.Config.Broker.Type == constants.BrokerTypeKafka {
		registry.Register(health.NewKafkaChecker(a.Config.Broker.Kafka.Brokers))
	}

	readers := make([]status.ReaderView, 0, len(a.readers))
	for _, r := range a.readers {
		readers = append(readers, r)
	}

	handler := status.NewHandler(a.pool, readers, a.subscriptions, registry, a.Logger.Named("status"))
	if a.notifier != nil {
		handler.WithNotifier(a.notifier)
	}
	a.server = status.NewServer(ctx, a.Config, handler, a.Logger.Named("http"))
}

// Run blocks until ctx is done or a component fails, then shuts down.
func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.pool.Run(gCtx)
	})

	for _, r := range a.readers {
		g.Go(func() error {
			return r.Run(gCtx)
		})
	}

	g.Go(func() error {
		return a.subscriptions.StartReloader(gCtx)
	})

	if a.notifier != nil {
		topic := a.Config.Broker.Kafka.ConfigUpdateTopic
		handler := subscription.NewConfigUpdateHandler(a.subscriptions, a.Logger.Named("config-updates")).
			IgnoreOrigin(a.notifier.Origin())
		g.Go(func() error {
			a.Logger.InfowCtx(gCtx, "Listening for subscription updates", "topic", topic)
			return a.Broker.Subscribe(gCtx, topic, handler.Handle)
		})
	}

	g.Go(func() error {
		return a.server.Run(gCtx)
	})

	err := g.Wait()
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		err = nil
	}

	if shutdownErr := a.Shutdown(context.Background()); shutdownErr != nil {
		a.Logger.ErrorwCtx(ctx, "Shutdown failed", "error", shutdownErr)
		if err == nil {
			err = shutdownErr
		}
	}
	return err
}

func (a *App) Shutdown(ctx context.Context) error {
	return a.Base.Shutdown(ctx, func(ctx context.Context) []error {
		var errs []error
		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}
		errs = append(errs, a.dbConnector.ShutdownDatabases(ctx, a.redis, a.db, a.mongoClient)...)
		return errs
	})
}
