// Package saga coordinates long-running multi-step workflows that span
// services without a shared lock table or clock. Steps run strictly in
// order; when a forward action fails past its retry budget, the
// compensating actions of the completed steps run in reverse order. Saga
// execution is not atomic and claims no isolation: intermediate states are
// externally visible. That is the explicit trade-off against two-phase
// commit.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kurodb/kurodb/core/wal"
)

var (
	// ErrSagaFailed reports a saga whose forward path failed and whose
	// compensations all succeeded. Retryable at the workflow level.
	ErrSagaFailed = errors.New("saga failed and was compensated")
	// ErrCompensationFailed reports a saga stuck after a compensating
	// action exhausted its retry budget. Terminal; requires operator
	// intervention, never silent.
	ErrCompensationFailed = errors.New("saga compensation failed, operator attention required")
)

// Status is the lifecycle state of a saga instance.
type Status int

const (
	StatusRunning Status = iota
	StatusCompensating
	StatusCompleted
	StatusCompensated
	StatusCompensationFailed
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusCompensating:
		return "compensating"
	case StatusCompleted:
		return "completed"
	case StatusCompensated:
		return "compensated"
	case StatusCompensationFailed:
		return "compensation_failed"
	default:
		return "unknown"
	}
}

// ActionInput carries the execution context into a forward or compensating
// action. IdempotencyKey is stable across retries of the same action, so
// external side effects (payments, refunds) can be deduplicated downstream;
// exactly-once is explicitly not assumed.
type ActionInput struct {
	SagaID         string
	Step           int
	StepName       string
	IdempotencyKey string
	// Prev is the recorded result of the previous step, nil for the first.
	Prev json.RawMessage
	// Result is set for compensating actions: the forward result of the
	// step being compensated.
	Result json.RawMessage
}

// Action is one forward or compensating operation. Actions must tolerate
// being retried with the same idempotency key.
type Action func(ctx context.Context, in ActionInput) (json.RawMessage, error)

// Step pairs a forward action with its compensation. Compensate may be nil
// for steps with nothing to undo.
type Step struct {
	Name       string
	Forward    Action
	Compensate Action
}

// Instance is one saga execution.
type Instance struct {
	ID    string
	Steps []Step

	mu          sync.Mutex
	status      Status
	currentStep int
	results     []json.RawMessage
	failedStep  int
	cause       error
}

// Status returns the instance's current status.
func (in *Instance) Status() Status {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.status
}

// Err returns the failure cause for a non-completed saga.
func (in *Instance) Err() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.cause
}

// Result returns the recorded forward result of step i.
func (in *Instance) Result(i int) json.RawMessage {
	in.mu.Lock()
	defer in.mu.Unlock()
	if i < 0 || i >= len(in.results) {
		return nil
	}
	return in.results[i]
}

func (in *Instance) setStatus(s Status) {
	in.mu.Lock()
	in.status = s
	in.mu.Unlock()
}

// Config tunes retry behavior for saga actions.
type Config struct {
	// MaxAttempts per action, forward and compensating. Default 3.
	MaxAttempts int
	// BaseBackoff is the delay after the first failure; it doubles per
	// retry up to MaxBackoff. Defaults 50ms / 2s.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.BaseBackoff <= 0 {
		out.BaseBackoff = 50 * time.Millisecond
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = 2 * time.Second
	}
	return out
}

// sagaMark is the WAL payload recording a saga status transition.
type sagaMark struct {
	SagaID     string `json:"saga_id"`
	Status     string `json:"status"`
	FailedStep int    `json:"failed_step,omitempty"`
	Cause      string `json:"cause,omitempty"`
}

// Coordinator runs sagas. Safe for concurrent use; each saga instance is an
// independent state machine.
type Coordinator struct {
	cfg    Config
	wal    *wal.LogManager
	logger *zap.Logger

	mu        sync.Mutex
	attention []*Instance
}

// NewCoordinator creates a saga coordinator. log may be nil to run without
// durable status marks.
func NewCoordinator(cfg Config, log *wal.LogManager, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:    cfg.withDefaults(),
		wal:    log,
		logger: logger,
	}
}

// Run executes steps in order and returns the instance. On forward failure
// at step i, compensations for steps i-1..0 run in reverse; the failed
// step's own compensation is never invoked. The returned error is nil,
// ErrSagaFailed, or ErrCompensationFailed.
func (c *Coordinator) Run(ctx context.Context, steps []Step) (*Instance, error) {
	in := &Instance{
		ID:      uuid.NewString(),
		Steps:   steps,
		status:  StatusRunning,
		results: make([]json.RawMessage, len(steps)),
	}
	c.logger.Info("saga started", zap.String("saga", in.ID), zap.Int("steps", len(steps)))

	failedAt := -1
	var failure error
	for i, step := range steps {
		in.mu.Lock()
		in.currentStep = i
		in.mu.Unlock()

		result, err := c.runAction(ctx, in, i, step.Name, step.Forward, in.stepInput(i, nil))
		if err != nil {
			failedAt = i
			failure = err
			break
		}
		in.mu.Lock()
		in.results[i] = result
		in.mu.Unlock()
	}

	if failedAt < 0 {
		in.setStatus(StatusCompleted)
		c.mark(in, 0, nil)
		c.logger.Info("saga completed", zap.String("saga", in.ID))
		return in, nil
	}

	in.mu.Lock()
	in.failedStep = failedAt
	in.cause = failure
	in.status = StatusCompensating
	in.mu.Unlock()
	c.logger.Warn("saga step failed, compensating",
		zap.String("saga", in.ID),
		zap.Int("step", failedAt),
		zap.String("step_name", steps[failedAt].Name),
		zap.Error(failure))

	if err := c.compensate(ctx, in, failedAt); err != nil {
		in.setStatus(StatusCompensationFailed)
		c.mark(in, failedAt, err)
		c.addAttention(in)
		c.logger.Error("saga compensation failed",
			zap.String("saga", in.ID),
			zap.Error(err))
		return in, fmt.Errorf("%w: saga %s: %v", ErrCompensationFailed, in.ID, err)
	}

	in.setStatus(StatusCompensated)
	c.mark(in, failedAt, failure)
	return in, fmt.Errorf("%w: step %d (%s): %w", ErrSagaFailed, failedAt, steps[failedAt].Name, failure)
}

// compensate undoes steps failedAt-1..0 in reverse order.
func (c *Coordinator) compensate(ctx context.Context, in *Instance, failedAt int) error {
	for i := failedAt - 1; i >= 0; i-- {
		step := in.Steps[i]
		if step.Compensate == nil {
			continue
		}
		input := in.stepInput(i, in.Result(i))
		if _, err := c.runAction(ctx, in, i, step.Name+".compensate", step.Compensate, input); err != nil {
			return fmt.Errorf("compensate step %d (%s): %w", i, step.Name, err)
		}
	}
	return nil
}

// runAction invokes one action with bounded retries and exponential backoff.
// The idempotency key is fixed before the first attempt, so every retry of
// the same action presents the same key.
func (c *Coordinator) runAction(ctx context.Context, in *Instance, step int, name string, action Action, input ActionInput) (json.RawMessage, error) {
	input.IdempotencyKey = uuid.NewString()

	backoff := c.cfg.BaseBackoff
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		result, err := action(ctx, input)
		if err == nil {
			return result, nil
		}
		lastErr = err
		c.logger.Debug("saga action failed",
			zap.String("saga", in.ID),
			zap.String("action", name),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt == c.cfg.MaxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
	return nil, lastErr
}

func (in *Instance) stepInput(step int, result json.RawMessage) ActionInput {
	var prev json.RawMessage
	if step > 0 {
		prev = in.Result(step - 1)
	}
	return ActionInput{
		SagaID:   in.ID,
		Step:     step,
		StepName: in.Steps[step].Name,
		Prev:     prev,
		Result:   result,
	}
}

// mark appends the saga's terminal status to the WAL, keeping stuck sagas
// discoverable across restarts.
func (c *Coordinator) mark(in *Instance, failedStep int, cause error) {
	if c.wal == nil {
		return
	}
	m := sagaMark{
		SagaID:     in.ID,
		Status:     in.Status().String(),
		FailedStep: failedStep,
	}
	if cause != nil {
		m.Cause = cause.Error()
	}
	payload, err := json.Marshal(m)
	if err != nil {
		c.logger.Warn("failed to encode saga mark", zap.String("saga", in.ID), zap.Error(err))
		return
	}
	if _, err := c.wal.AppendSync(&wal.Record{Type: wal.RecordTypeSagaMark, Payload: payload}); err != nil {
		c.logger.Warn("failed to append saga mark", zap.String("saga", in.ID), zap.Error(err))
	}
}

func (c *Coordinator) addAttention(in *Instance) {
	c.mu.Lock()
	c.attention = append(c.attention, in)
	c.mu.Unlock()
}

// NeedsAttention lists sagas stuck in StatusCompensationFailed. These are
// never retried automatically.
func (c *Coordinator) NeedsAttention() []*Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Instance, len(c.attention))
	copy(out, c.attention)
	return out
}
