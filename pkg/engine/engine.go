package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"mercator-hq/ledger/pkg/config"
	"mercator-hq/ledger/pkg/costs"
	"mercator-hq/ledger/pkg/ledger"
	"mercator-hq/ledger/pkg/ledger/accounts"
	"mercator-hq/ledger/pkg/ledger/lease"
	"mercator-hq/ledger/pkg/ledger/notify"
	"mercator-hq/ledger/pkg/ledger/retention"
	"mercator-hq/ledger/pkg/ledger/state"
	"mercator-hq/ledger/pkg/ledger/storage"
	"mercator-hq/ledger/pkg/ledger/workflow"
	"mercator-hq/ledger/pkg/telemetry/health"
	"mercator-hq/ledger/pkg/telemetry/metrics"
	"mercator-hq/ledger/pkg/telemetry/tracing"
)

// minCallGrant is reserved for a call whose worst case prices to zero.
const minCallGrant int64 = 1

// Engine is an assembled budget ledger. All methods are safe for
// concurrent use.
type Engine struct {
	config *config.Config

	store    storage.Store
	coord    *state.Coordinator
	calc     *costs.Calculator
	accounts *accounts.Ledger
	leases   *lease.Manager
	sweeper  *lease.Sweeper
	workflow *workflow.Workflow
	pruner   *retention.Pruner

	collector *metrics.Collector
	ops       *metrics.OperationMetrics
	tracer    *tracing.Tracer
	health    *health.Checker
	logger    *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Open builds an engine from cfg. It opens the store, refuses to start on
// unconverted floating-point data, loads and reconciles every entity and
// loads the pricing table. On error everything opened so far is closed.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := ResolveSecrets(ctx, cfg)
	if err != nil {
		return nil, err
	}

	defaultGrant, maxGrant, err := cfg.Leases.Grants()
	if err != nil {
		return nil, err
	}
	maxRequested, err := cfg.Workflow.MaxRequested()
	if err != nil {
		return nil, err
	}

	var cleanup []func()
	fail := func(err error) (*Engine, error) {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		return nil, err
	}

	store := o.store
	if store == nil {
		if store, err = OpenStore(ctx, cfg.Storage); err != nil {
			return nil, err
		}
	}
	cleanup = append(cleanup, func() { _ = store.Close() })

	if _, err := storage.CheckStartup(ctx, store); err != nil {
		return fail(err)
	}

	tracer := o.tracer
	if tracer == nil {
		if tracer, err = tracing.New(&cfg.Telemetry.Tracing); err != nil {
			return fail(fmt.Errorf("failed to initialize tracing: %w", err))
		}
	}
	cleanup = append(cleanup, func() { _ = tracer.Shutdown(context.Background()) })

	collector := o.collector
	if collector == nil {
		collector = metrics.NewCollector(nil)
	}

	coord := state.New(store, state.Config{
		Recorder: state.RecorderConfig{
			Shards:        cfg.Coordinator.Shards,
			QueueSize:     cfg.Coordinator.QueueSize,
			MaxAttempts:   cfg.Coordinator.RetryAttempts,
			RetryDelay:    cfg.Coordinator.RetryDelay,
			MaxRetryDelay: cfg.Coordinator.MaxRetryDelay,
			WriteTimeout:  cfg.Coordinator.WriteTimeout,
		},
		SubscriberBuffer: cfg.Coordinator.SubscriberBuffer,
	}, state.NewMetrics(collector.Registry()))
	cleanup = append(cleanup, func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Coordinator.ShutdownTimeout)
		defer cancel()
		_ = coord.Close(ctx)
	})
	if err := coord.Load(ctx); err != nil {
		return fail(fmt.Errorf("failed to load ledger state: %w", err))
	}

	table := o.pricing
	if table == nil && cfg.Pricing.File != "" {
		if table, err = costs.LoadFile(cfg.Pricing.File, cfg.Pricing.Format); err != nil {
			return fail(fmt.Errorf("failed to load pricing: %w", err))
		}
	}

	acct := accounts.New(coord)
	e := &Engine{
		config:   cfg,
		store:    store,
		coord:    coord,
		calc:     costs.NewCalculator(table, cfg.Pricing.DefaultMaxOutputTokens),
		accounts: acct,
		leases: lease.NewManager(coord, acct, lease.Config{
			DefaultGrant:   defaultGrant,
			MaxGrant:       maxGrant,
			DefaultTTL:     cfg.Leases.DefaultTTL,
			StaleThreshold: cfg.Leases.StaleThreshold,
			SweepSchedule:  cfg.Leases.SweepSchedule,
		}),
		workflow: workflow.New(coord, acct, workflow.Config{
			MinJustification:   cfg.Workflow.MinJustification,
			MaxJustification:   cfg.Workflow.MaxJustification,
			MinReason:          cfg.Workflow.MinReason,
			MaxReason:          cfg.Workflow.MaxReason,
			MaxRequestedBudget: maxRequested,
		}),
		collector: collector,
		ops:       collector.Operations(),
		tracer:    tracer,
		health:    health.New(0),
		logger:    slog.Default().With("component", "engine"),
	}
	e.sweeper = lease.NewSweeper(e.leases)
	e.pruner = retention.NewPruner(store, retention.Config{
		RetentionDays: cfg.Audit.RetentionDays,
		PruneSchedule: cfg.Audit.PruneSchedule,
		ArchivePath:   cfg.Audit.ArchivePath,
	})
	e.leases.OnTerminate(func(l ledger.Lease) {
		e.ops.RecordReturned(string(l.Status), l.ReturnedAmount)
	})

	if err := collector.WatchLedger(e); err != nil {
		return fail(fmt.Errorf("failed to register ledger metrics: %w", err))
	}
	e.health.RegisterCheck("store", e.checkStore)
	e.health.RegisterCheck("quarantine", e.checkQuarantine)

	e.logger.Info("ledger engine opened",
		"backend", cfg.Storage.Backend,
		"accounts", len(coord.Accounts()),
		"models", e.calc.Models(),
	)
	return e, nil
}

// Run starts background work and blocks until ctx is cancelled or a
// component fails: the lease sweeper, the audit pruner when
// audit.retention_days is set, the pricing file watcher when pricing.watch
// is set and the Redis bridge when notify.redis is enabled.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if err := e.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("failed to start lease sweeper: %w", err)
	}
	defer e.sweeper.Stop()

	if err := e.pruner.Start(ctx); err != nil {
		return fmt.Errorf("failed to start audit pruner: %w", err)
	}
	defer e.pruner.Stop()

	if e.config.Pricing.Watch {
		w, err := costs.NewWatcher(e.config.Pricing.File, e.config.Pricing.Format, e.calc, e.config.Pricing.WatchDebounce)
		if err != nil {
			return fmt.Errorf("failed to start pricing watcher: %w", err)
		}
		defer w.Stop()
		g.Go(func() error { return w.Watch(ctx) })
	}

	if rc := e.config.Notify.Redis; rc.Enabled {
		bridge, err := notify.NewRedisBridge(ctx, notify.Config{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
			Channel:  rc.Channel,
		})
		if err != nil {
			return err
		}
		defer bridge.Close()

		sub := e.coord.Subscribe()
		defer sub.Close()
		g.Go(func() error {
			if err := bridge.Forward(ctx, sub); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return g.Wait()
}

// Close stops the background schedulers, drains pending durable writes within the
// configured shutdown timeout and closes the store and tracer. It is safe
// to call more than once.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.sweeper.Stop()
		e.pruner.Stop()

		ctx, cancel := context.WithTimeout(ctx, e.config.Coordinator.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := e.coord.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to drain durable writes: %w", err))
		}
		if err := e.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
		if err := e.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down tracer: %w", err))
		}
		e.closeErr = errors.Join(errs...)
		e.logger.Info("ledger engine closed")
	})
	return e.closeErr
}

// Flush waits until every committed change has been written durably.
func (e *Engine) Flush(ctx context.Context) error {
	return e.coord.Flush(ctx)
}

// Config returns the configuration the engine was opened with.
func (e *Engine) Config() *config.Config {
	return e.config
}

// Metrics returns the metrics collector.
func (e *Engine) Metrics() *metrics.Collector {
	return e.collector
}

// Health returns the readiness checker.
func (e *Engine) Health() *health.Checker {
	return e.health
}

// Subscribe returns a stream of change notifications.
func (e *Engine) Subscribe() *state.Subscription {
	return e.coord.Subscribe()
}

// StoreStatus reports the durable schema state.
func (e *Engine) StoreStatus(ctx context.Context) (storage.Status, error) {
	return e.store.Status(ctx)
}

// Snapshot aggregates balances across every account. It implements
// metrics.Source.
func (e *Engine) Snapshot() metrics.Snapshot {
	var s metrics.Snapshot
	for _, a := range e.accounts.List() {
		s.Accounts++
		s.Allocated += a.TotalAllocated
		s.Spent += a.TotalSpent
		s.Reserved += a.Reserved
		s.Remaining += a.BudgetRemaining
	}
	s.ActiveLeases = len(e.leases.List(lease.Filter{Status: ledger.LeaseActive}))
	s.PendingRequests = len(e.workflow.ListRequests(workflow.RequestFilter{Status: ledger.RequestPending}))
	s.Quarantined = len(e.coord.Quarantined())
	return s
}

func (e *Engine) checkStore(ctx context.Context) error {
	_, err := e.store.Status(ctx)
	return err
}

func (e *Engine) checkQuarantine(context.Context) error {
	if n := len(e.coord.Quarantined()); n > 0 {
		return fmt.Errorf("%d entities quarantined", n)
	}
	return nil
}

// observe runs fn inside a span and records the outcome as an operation
// metric. Unexpected failures are logged at error level; domain refusals
// only at debug.
func observe[T any](ctx context.Context, e *Engine, op string, fn func(context.Context, trace.Span) (T, error)) (T, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "ledger."+op)
	v, err := fn(ctx, span)
	tracing.End(span, &err)

	class := tracing.ErrorClass(err)
	e.ops.RecordOperation(op, class, time.Since(start))
	switch {
	case err == nil:
	case class == "error", errors.Is(err, ledger.ErrInvariantViolation):
		e.logger.ErrorContext(ctx, "ledger operation failed", "operation", op, "error", err)
	default:
		e.logger.DebugContext(ctx, "ledger operation refused", "operation", op, "reason", class, "error", err)
	}
	return v, err
}
