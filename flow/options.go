package flow

import (
	"time"

	"github.com/dshills/taskflow-go/flow/emit"
	"github.com/dshills/taskflow-go/flow/guard"
	"github.com/dshills/taskflow-go/flow/store"
)

// Option is a functional option for configuring an Orchestrator.
//
// Options are chainable and only the configuration you need must be
// specified:
//
//	orc := flow.New(executor,
//	    flow.WithMaxConcurrent(8),
//	    flow.WithCheckpointStore(st),
//	)
type Option func(*orchestratorConfig) error

// orchestratorConfig collects options before they are applied. The
// indirection allows validation and composition of options.
type orchestratorConfig struct {
	emitter         emit.Emitter
	metrics         *Metrics
	clock           Clock
	checkpoints     store.Store
	security        *guard.SecurityContext
	maxConcurrent   int
	defaultTimeout  time.Duration
	resourceTimeout time.Duration
	retainOnSuccess bool
}

// WithEmitter sets the event emitter that receives every lifecycle event
// the orchestrator produces (task starts, transitions, retries,
// checkpoints, cancellations).
//
// Default: emit.NullEmitter (events are discarded).
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *orchestratorConfig) error {
		cfg.emitter = e
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection for the
// orchestrator's executions.
//
// Default: nil (no metrics are recorded).
func WithMetrics(m *Metrics) Option {
	return func(cfg *orchestratorConfig) error {
		cfg.metrics = m
		return nil
	}
}

// WithClock replaces the orchestrator's time source. Tests inject a fake
// clock here to exercise backoff and rate-limit behavior without real
// sleeping.
//
// Default: the system clock.
func WithClock(c Clock) Option {
	return func(cfg *orchestratorConfig) error {
		cfg.clock = c
		return nil
	}
}

// WithCheckpointStore sets the store used to persist checkpoints after
// each settled task. Without a store no checkpoints are written and
// executions cannot be resumed.
//
// Default: nil (checkpointing disabled).
func WithCheckpointStore(st store.Store) Option {
	return func(cfg *orchestratorConfig) error {
		cfg.checkpoints = st
		return nil
	}
}

// WithSecurity sets the security context holding the HMAC signer and the
// cancellation rate limiter. Each orchestrator instance gets its own
// context so concurrent orchestrators never share limiter state.
//
// Default: a context with signing disabled and no cancellation limit.
func WithSecurity(sc *guard.SecurityContext) Option {
	return func(cfg *orchestratorConfig) error {
		cfg.security = sc
		return nil
	}
}

// WithMaxConcurrent bounds how many tasks of one parallel group run at
// the same time.
//
// Default: 0 (no bound; the whole group runs concurrently).
func WithMaxConcurrent(n int) Option {
	return func(cfg *orchestratorConfig) error {
		cfg.maxConcurrent = n
		return nil
	}
}

// WithDefaultTaskTimeout bounds a single action attempt for tasks that
// do not declare their own Timeout.
//
// Default: 0 (no timeout).
func WithDefaultTaskTimeout(d time.Duration) Option {
	return func(cfg *orchestratorConfig) error {
		cfg.defaultTimeout = d
		return nil
	}
}

// WithRetainCheckpoints keeps an execution's checkpoints after it
// completes successfully. Failed and cancelled executions always have
// their checkpoints invalidated, so resuming into a dead execution is
// impossible regardless of this setting.
//
// Default: false (checkpoints are invalidated on success too).
func WithRetainCheckpoints(retain bool) Option {
	return func(cfg *orchestratorConfig) error {
		cfg.retainOnSuccess = retain
		return nil
	}
}

// WithResourceTimeout bounds how long a task waits to acquire its
// exclusive resource tags before dispatch. When the timeout elapses the
// task fails with code RESOURCE_TIMEOUT instead of hanging.
//
// Default: 30s.
func WithResourceTimeout(d time.Duration) Option {
	return func(cfg *orchestratorConfig) error {
		cfg.resourceTimeout = d
		return nil
	}
}
