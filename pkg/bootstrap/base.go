package bootstrap

import (
	"context"
	"fmt"

	"captainhook/internal/broker"
	"captainhook/internal/config"
	"captainhook/internal/logger"
	"captainhook/internal/state"
)

// Base owns the broker connection and the state store shared by every reader
// and the pool.
type Base struct {
	Config *config.Config
	Logger logger.Logger
	Broker broker.Broker
	Store  state.Store
}

func NewBase(cfg *config.Config, log logger.Logger) *Base {
	return &Base{
		Config: cfg,
		Logger: log,
	}
}

func (b *Base) InitBroker() error {
	br, err := broker.New(b.Config.Broker, b.Logger.Named("broker"))
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}
	b.Broker = br
	return nil
}

func (b *Base) InitState(deps state.Dependencies) error {
	store, err := state.New(b.Config, deps)
	if err != nil {
		return fmt.Errorf("failed to create state store: %w", err)
	}
	b.Store = store
	return nil
}

// ShutdownBroker closes the broker, which also closes its receivers, and
// then the state store.
func (b *Base) ShutdownBroker() []error {
	var errs []error

	if b.Broker != nil {
		if err := b.Broker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("broker close error: %w", err))
		}
	}

	if b.Store != nil {
		if err := b.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("state store close error: %w", err))
		}
	}

	return errs
}

func (b *Base) Shutdown(ctx context.Context, additionalShutdown func(ctx context.Context) []error) error {
	b.Logger.InfowCtx(ctx, "Shutting down application...")

	var errs []error

	errs = append(errs, b.ShutdownBroker()...)

	if additionalShutdown != nil {
		errs = append(errs, additionalShutdown(ctx)...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	b.Logger.InfowCtx(ctx, "Application exited successfully")
	return nil
}
