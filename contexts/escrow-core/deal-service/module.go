package dealservice

import (
	"log/slog"
	"time"

	httpadapter "meridian/contexts/escrow-core/deal-service/adapters/http"
	"meridian/contexts/escrow-core/deal-service/adapters/memory"
	"meridian/contexts/escrow-core/deal-service/application"
	"meridian/contexts/escrow-core/deal-service/ports"
)

type Module struct {
	Handler  httpadapter.Handler
	Service  application.Service
	Store    *memory.Store
	Provider *memory.Provider
}

type Dependencies struct {
	Repository           ports.Repository
	EventLog             ports.EventLog
	Idempotency          ports.IdempotencyStore
	EventDedup           ports.EventDedupStore
	Outbox               ports.OutboxWriter
	Scheduler            ports.ReleaseScheduler
	Provider             ports.PaymentProvider
	Clock                ports.Clock
	IDGenerator          ports.IDGenerator
	IdempotencyTTL       time.Duration
	ProviderTimeout      time.Duration
	AutoReleaseDelayDays int
	Logger               *slog.Logger
}

func NewModule(deps Dependencies) Module {
	service := application.Service{
		Repo:                 deps.Repository,
		EventLog:             deps.EventLog,
		Idempotency:          deps.Idempotency,
		EventDedup:           deps.EventDedup,
		Outbox:               deps.Outbox,
		Scheduler:            deps.Scheduler,
		Provider:             deps.Provider,
		Clock:                deps.Clock,
		IDGen:                deps.IDGenerator,
		IdempotencyTTL:       deps.IdempotencyTTL,
		ProviderTimeout:      deps.ProviderTimeout,
		AutoReleaseDelayDays: deps.AutoReleaseDelayDays,
		Logger:               deps.Logger,
	}
	return Module{
		Handler: httpadapter.Handler{
			Service: service,
			Logger:  deps.Logger,
		},
		Service: service,
	}
}

func NewInMemoryModule(logger *slog.Logger) Module {
	store := memory.NewStore()
	provider := memory.NewProvider()
	module := NewModule(Dependencies{
		Repository:     store,
		EventLog:       store,
		Idempotency:    store,
		EventDedup:     store,
		Outbox:         store,
		Scheduler:      store,
		Provider:       provider,
		Clock:          store,
		IDGenerator:    store,
		IdempotencyTTL: 7 * 24 * time.Hour,
		Logger:         logger,
	})
	module.Store = store
	module.Provider = provider
	return module
}
