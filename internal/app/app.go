package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"ordersync/backend/internal/batch"
	"ordersync/backend/internal/cache"
	"ordersync/backend/internal/config"
	"ordersync/backend/internal/events"
	"ordersync/backend/internal/httpapi"
	"ordersync/backend/internal/idempotency"
	"ordersync/backend/internal/pipeline"
	"ordersync/backend/internal/pullsync"
	"ordersync/backend/internal/resolve"
	"ordersync/backend/internal/session"
	"ordersync/backend/internal/store"
	"ordersync/backend/internal/store/memory"
	pgstore "ordersync/backend/internal/store/postgres"
	"ordersync/backend/internal/store/sqlite"
	"ordersync/backend/internal/sweeper"
)

// Backends are the external systems the engine runs against.
type Backends struct {
	Repo   store.Repository
	Audit  store.AuditLog
	Replay cache.ReplayCache
	Events events.Publisher
}

// App is the fully wired engine shared by the server and the operator CLI.
type App struct {
	Config      config.Config
	Backends    Backends
	Sessions    *session.Manager
	Idempotency *idempotency.Store
	Coordinator *batch.Coordinator
	Auth        *httpapi.AuthManager
	Sweeper     *sweeper.Sweeper
	PullSync    *pullsync.Poller

	closers []func() error
}

// OpenBackends picks the store, replay cache, event sink and audit log from
// cfg. DATABASE_URL selects PostgreSQL and its schema is ensured; without it
// the seeded in-memory store is used.
func OpenBackends(ctx context.Context, cfg config.Config) (Backends, []func() error, error) {
	var backends Backends
	closers := make([]func() error, 0, 4)
	fail := func(err error) (Backends, []func() error, error) {
		closeAll(closers)
		return Backends{}, nil, err
	}

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fail(fmt.Errorf("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback: %w", err))
		}
		closers = append(closers, pg.Close)
		if err := pg.EnsureSchema(ctx); err != nil {
			return fail(err)
		}
		backends.Repo = pg
		log.Println("repository: postgres")
	} else {
		backends.Repo = memory.NewSeeded()
		log.Println("repository: in-memory")
	}
	backends.Audit = backends.Repo

	if cfg.AuditDBPath != "" {
		auditStore, err := sqlite.Open(cfg.AuditDBPath)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, auditStore.Close)
		backends.Audit = auditStore
		log.Printf("audit log: sqlite %s", cfg.AuditDBPath)
	}

	backends.Replay = cache.NoopReplayCache{}
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisReplayCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using noop replay cache", err)
			_ = redisCache.Close()
		} else {
			backends.Replay = redisCache
			closers = append(closers, redisCache.Close)
			log.Println("replay cache: redis")
		}
	} else {
		log.Println("replay cache: noop")
	}

	backends.Events = events.NoopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		publisher := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		backends.Events = publisher
		closers = append(closers, publisher.Close)
		log.Printf("events: kafka topic %s", cfg.KafkaTopic)
	} else {
		log.Println("events: noop")
	}

	return backends, closers, nil
}

// Open builds the engine on the backends named by cfg.
func Open(ctx context.Context, cfg config.Config) (*App, error) {
	backends, closers, err := OpenBackends(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a, err := Assemble(cfg, backends)
	if err != nil {
		closeAll(closers)
		return nil, err
	}
	a.closers = closers
	return a, nil
}

// Assemble wires the engine on top of already opened backends.
func Assemble(cfg config.Config, backends Backends) (*App, error) {
	policy := cfg.Policy
	repo := backends.Repo

	auth, err := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.APIKeys)
	if err != nil {
		return nil, err
	}

	sessions := session.NewManager(repo, repo, policy.OpeningTimeout(), policy.CollaboratorTimeout())
	p := pipeline.New(pipeline.Deps{
		Orders:    repo,
		Ledger:    repo,
		Inventory: repo,
		Sessions:  sessions,
		Partners:  resolve.NewPartnerResolver(repo, policy.DefaultPartnerID),
		Products:  resolve.NewProductResolver(repo, resolve.ProductChecks(policy.ProductChecks), policy.FuzzyThreshold),
		Payments:  resolve.NewPaymentResolver(policy.PaymentKeywords, policy.FallbackPaymentMethodID),
	}, pipeline.Config{
		AllowedStatuses:     policy.AllowedStatuses,
		TotalTolerance:      policy.TotalToleranceDecimal(),
		PaymentTolerance:    policy.PaymentToleranceDecimal(),
		AutoInvoice:         policy.AutoInvoice,
		CollaboratorTimeout: policy.CollaboratorTimeout(),
	})
	idem := idempotency.NewStore(repo, backends.Replay, policy.ProcessingTimeout(), policy.Retention())

	coordinator := batch.NewCoordinator(batch.Deps{
		Pipeline:    p,
		Sessions:    sessions,
		Registers:   repo,
		Partners:    repo,
		Idempotency: idem,
		Audit:       backends.Audit,
		Auth:        auth,
		Events:      backends.Events,
	}, batch.Config{MaxBatchOrders: policy.MaxBatchOrders, DefaultRegisterID: cfg.DefaultRegisterID})

	a := &App{
		Config:      cfg,
		Backends:    backends,
		Sessions:    sessions,
		Idempotency: idem,
		Coordinator: coordinator,
		Auth:        auth,
		Sweeper:     sweeper.New(idem, backends.Audit, sessions, policy.AuditRetention(), policy.OpeningTimeout()),
	}

	if cfg.PullSync.URL != "" {
		a.PullSync = pullsync.New(pullsync.Config{
			URL:        cfg.PullSync.URL,
			APIKey:     cfg.PullSync.APIKey,
			RegisterID: cfg.PullSync.RegisterID,
			Interval:   time.Duration(cfg.PullSync.IntervalMinutes) * time.Minute,
		}, coordinator, nil)
	}
	return a, nil
}

// API returns the HTTP surface over the engine.
func (a *App) API() *httpapi.API {
	return httpapi.New(httpapi.Deps{
		Webhooks:    a.Coordinator,
		Sessions:    a.Sessions,
		Audit:       a.Backends.Audit,
		Idempotency: a.Idempotency,
	}, a.Auth, a.Config.AllowedOrigin)
}

// Close releases the backends in reverse opening order.
func (a *App) Close() {
	closeAll(a.closers)
	a.closers = nil
}

func closeAll(closers []func() error) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			log.Printf("close error: %v", err)
		}
	}
}
