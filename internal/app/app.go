package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/unclebandit/whatsapp-delivery-core/internal/config"
	"github.com/unclebandit/whatsapp-delivery-core/internal/db"
	"github.com/unclebandit/whatsapp-delivery-core/internal/provider/twilio"
	"github.com/unclebandit/whatsapp-delivery-core/internal/queue"
	"github.com/unclebandit/whatsapp-delivery-core/internal/ratelimit"
	"github.com/unclebandit/whatsapp-delivery-core/internal/repository"
	"github.com/unclebandit/whatsapp-delivery-core/internal/service"
)

const (
	defaultTimeout = 5 * time.Second
	driverRedis    = "redis"
)

type Repository struct {
	Tenants     *repository.TenantRepository
	Inbound     *repository.InboundMessageRepository
	OptOuts     *repository.OptOutRepository
	Events      *repository.EventLogRepository
	Outbound    *repository.OutboundMessageRepository
	DeadLetters *repository.DeadLetterRepository
	Sessions    *repository.LiveSessionRepository
}

type Service struct {
	Alerter     *service.LogAlerter
	Events      *service.EventLogger
	OptOuts     *service.OptOutService
	Sessions    *service.LiveSessionService
	Classifier  *service.Classifier
	Ingress     *service.IngressService
	Outbox      *service.OutboxWriter
	DeadLetters *service.DeadLetterService
	Dispatcher  *service.Dispatcher
	Reaper      *service.Reaper
}

// App owns the shared infrastructure of every binary: Postgres, optional
// Redis and RabbitMQ, the provider adapter, and the service graph on top.
type App struct {
	Cfg      *config.Config
	Log      *zap.Logger
	DB       *sql.DB
	RDB      *redis.Client
	AMQP     *amqp.Connection
	Provider *twilio.Adapter
	Queue    queue.Queue
	Repo     *Repository
	Service  *Service
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	conn, err := db.Open(cfg.Database, log)
	if err != nil {
		log.Error("Failed to initialize database", zap.Error(err))
		return nil, err
	}

	a := &App{Cfg: cfg, Log: log, DB: conn}

	if cfg.Database.Migration.AutoApply {
		if err := db.Migrate(conn, log); err != nil {
			a.Shutdown(context.Background())
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	if a.RDB, err = initRedis(cfg.Redis, log); err != nil {
		a.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to initialize redis: %w", err)
	}

	if a.AMQP, err = initAMQP(cfg.AMQP, log); err != nil {
		a.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to initialize amqp: %w", err)
	}

	if a.Provider, err = twilio.New(cfg.Twilio, log); err != nil {
		a.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to initialize provider: %w", err)
	}

	if a.Queue, err = a.initQueue(); err != nil {
		a.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to initialize queue: %w", err)
	}

	a.Repo = initRepository(conn)
	a.Service = initService(cfg, log, a.Repo, a.Provider, a.Queue)

	return a, nil
}

func MustNew(cfg *config.Config, log *zap.Logger) *App {
	a, err := New(cfg, log)
	if err != nil {
		panic(err)
	}
	return a
}

// Distributed reports whether jobs travel over RabbitMQ. Without it the
// queue is process-local and the server must consume its own jobs.
func (a *App) Distributed() bool {
	return a.AMQP != nil
}

// QueueStats returns the queue's counters, if the implementation keeps any.
func (a *App) QueueStats() (queue.Stats, bool) {
	s, ok := a.Queue.(interface{ Stats() queue.Stats })
	if !ok {
		return queue.Stats{}, false
	}
	return s.Stats(), true
}

// Limiter builds the webhook rate limiter on Redis when configured and
// available, in memory otherwise.
func (a *App) Limiter() *ratelimit.FixedWindow {
	var store ratelimit.CounterStore = ratelimit.NewMemoryStore()
	if a.Cfg.RateLimit.Driver == driverRedis {
		if a.RDB != nil {
			store = ratelimit.NewRedisStore(a.RDB)
		} else {
			a.Log.Warn("Rate limit driver is redis but redis is disabled; using memory store")
		}
	}
	return ratelimit.NewFixedWindow(store, a.Cfg.RateLimit.Max, a.Cfg.RateLimit.Window, a.Log)
}

// Shutdown drains the queue and closes connections in reverse order of
// creation. It is safe on a partially built App.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error

	if a.Queue != nil {
		if err := a.Queue.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close queue: %w", err))
		}
		a.Log.Debug("Queue closed")
	}

	if a.AMQP != nil {
		if err := a.AMQP.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("failed to close amqp: %w", err))
		}
		a.Log.Debug("AMQP connection closed")
	}

	if a.RDB != nil {
		if err := a.RDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
		a.Log.Debug("Redis closed")
	}

	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
		a.Log.Debug("Database closed")
	}

	return errors.Join(errs...)
}

func initRedis(cfg config.Redis, log *zap.Logger) (*redis.Client, error) {
	if !cfg.Enable {
		return nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}

	log.Info("Connected to redis", zap.String("addr", cfg.Addr()))

	return rdb, nil
}

func initAMQP(cfg config.AMQP, log *zap.Logger) (*amqp.Connection, error) {
	if !cfg.Enable {
		return nil, nil
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, err
	}

	log.Info("Connected to rabbitmq")

	return conn, nil
}

func (a *App) initQueue() (queue.Queue, error) {
	opts := queue.Options{
		MaxAttempts: a.Cfg.Queue.MaxAttempts,
		BackoffBase: a.Cfg.Queue.BackoffBase,
		Concurrency: a.Cfg.Queue.Concurrency,
		DedupeTTL:   a.Cfg.Queue.DedupeTTL,
	}

	var dedupe queue.DedupeStore = queue.NewMemoryDedupe()
	if a.RDB != nil {
		dedupe = queue.NewRedisDedupe(a.RDB)
	}

	if a.AMQP != nil {
		q, err := queue.NewAMQPQueue(a.AMQP, dedupe, opts, a.Log)
		if err != nil {
			return nil, err
		}
		return q, nil
	}

	return queue.NewInMemoryQueue(opts, dedupe, a.Log), nil
}

func initRepository(conn *sql.DB) *Repository {
	return &Repository{
		Tenants:     &repository.TenantRepository{DB: conn},
		Inbound:     &repository.InboundMessageRepository{DB: conn},
		OptOuts:     &repository.OptOutRepository{DB: conn},
		Events:      &repository.EventLogRepository{DB: conn},
		Outbound:    &repository.OutboundMessageRepository{DB: conn},
		DeadLetters: &repository.DeadLetterRepository{DB: conn},
		Sessions:    &repository.LiveSessionRepository{DB: conn},
	}
}

func initService(cfg *config.Config, log *zap.Logger, repo *Repository, p *twilio.Adapter, q queue.Queue) *Service {
	alerter := service.NewLogAlerter(log)
	events := service.NewEventLogger(repo.Events, log)
	optOuts := service.NewOptOutService(repo.OptOuts, events, log)
	sessions := service.NewLiveSessionService(repo.Sessions, events, cfg.LiveSession.Window(), log)

	dispatchOpts := service.DispatcherOptions{
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    cfg.Outbox.BatchSize,
		MaxRetries:   cfg.Outbox.MaxRetries,
		BackoffBase:  cfg.Outbox.BackoffBase,
		BackoffCap:   cfg.Outbox.BackoffCap,
	}

	return &Service{
		Alerter:     alerter,
		Events:      events,
		OptOuts:     optOuts,
		Sessions:    sessions,
		Classifier:  service.NewClassifier(repo.Tenants, optOuts, sessions, events, alerter, log),
		Ingress:     service.NewIngressService(repo.Tenants, repo.Inbound, events, q, cfg.Queue.Topic, log),
		Outbox:      service.NewOutboxWriter(repo.Outbound, log),
		DeadLetters: &service.DeadLetterService{Repo: repo.DeadLetters},
		Dispatcher:  service.NewDispatcher(repo.Outbound, optOuts, p, events, alerter, dispatchOpts, log),
		Reaper: service.NewReaper(repo.Sessions, events, cfg.LiveSession.Window(),
			cfg.LiveSession.ReapInterval, cfg.LiveSession.ReapBatch, log),
	}
}
