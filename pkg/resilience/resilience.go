// Package resilience wraps external calls with retry-with-backoff and a
// per-operation circuit breaker. It is the only path through which the
// executor and context stores reach the network.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glowdesk/concierge/pkg/domain"
)

// ---------------------------------------------------------------------------
// Failure classification
// ---------------------------------------------------------------------------

// FailureClass partitions call failures into the three outcomes callers can
// act on.
type FailureClass int

const (
	// ClassTransient failures are retried and eventually trip the circuit.
	ClassTransient FailureClass = iota
	// ClassPermanent failures are surfaced immediately, no retry.
	ClassPermanent
	// ClassCircuitOpen means the call was rejected without a network attempt.
	ClassCircuitOpen
)

func (c FailureClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassCircuitOpen:
		return "circuit_open"
	}
	return "unknown"
}

// Error is the classified failure returned by Executor.Call.
type Error struct {
	Class FailureClass
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Class)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrCircuitOpen is wrapped into every circuit-rejected Error.
var ErrCircuitOpen = errors.New("circuit open")

// IsCircuitOpen reports whether err is a circuit rejection.
func IsCircuitOpen(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Class == ClassCircuitOpen
}

// ClassOf extracts the failure class from an Executor error.
// Unclassified errors default to transient.
func ClassOf(err error) FailureClass {
	var re *Error
	if errors.As(err, &re) {
		return re.Class
	}
	return ClassTransient
}

// StatusError carries an HTTP-ish status code from a provider response so
// the classifier can map status classes to failure classes.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

type markedError struct {
	class FailureClass
	err   error
}

func (e *markedError) Error() string { return e.err.Error() }
func (e *markedError) Unwrap() error { return e.err }

// Permanent marks err as permanent regardless of default classification.
func Permanent(err error) error {
	return &markedError{class: ClassPermanent, err: err}
}

// Transient marks err as transient regardless of default classification.
func Transient(err error) error {
	return &markedError{class: ClassTransient, err: err}
}

// Classifier maps a raw call error to a failure class.
type Classifier func(error) FailureClass

// DefaultClassifier treats network-level errors, timeouts, 408/429 and 5xx
// as transient, and other 4xx as permanent. Unknown errors are transient.
func DefaultClassifier(err error) FailureClass {
	var marked *markedError
	if errors.As(err, &marked) {
		return marked.class
	}

	var status *StatusError
	if errors.As(err, &status) {
		switch {
		case status.Code == 408, status.Code == 429, status.Code >= 500:
			return ClassTransient
		case status.Code >= 400:
			return ClassPermanent
		}
		return ClassTransient
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	return ClassTransient
}

// ---------------------------------------------------------------------------
// Circuit breaker — per-operation, shared across all senders
// ---------------------------------------------------------------------------

// State is the circuit position for one operation.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// circuit is the shared mutable state for one operation ID. All transitions
// use compare-and-swap; many senders may trip or observe the same circuit
// simultaneously.
type circuit struct {
	state     atomic.Int32
	failures  atomic.Int32 // consecutive transient failures
	changedAt atomic.Int64 // unix nanos of last state change
}

// allow reports whether a call may proceed. After the cool-down exactly one
// caller wins the open→half-open swap and becomes the probe.
func (c *circuit) allow(now time.Time, coolDown time.Duration) bool {
	switch State(c.state.Load()) {
	case StateClosed:
		return true
	case StateOpen:
		changed := time.Unix(0, c.changedAt.Load())
		if now.Sub(changed) < coolDown {
			return false
		}
		if c.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen)) {
			c.changedAt.Store(now.UnixNano())
			return true
		}
		return false
	default: // half-open, probe already in flight
		return false
	}
}

// recordSuccess resets the failure streak and closes the circuit.
// A permanent (non-transient) response also lands here: the dependency
// answered, so the transient streak is broken.
func (c *circuit) recordSuccess(now time.Time) (closed bool) {
	c.failures.Store(0)
	if c.state.Swap(int32(StateClosed)) != int32(StateClosed) {
		c.changedAt.Store(now.UnixNano())
		return true
	}
	return false
}

// recordTransient counts a transient failure. A failed half-open probe
// reopens immediately; a closed circuit opens once the streak crosses the
// threshold.
func (c *circuit) recordTransient(now time.Time, threshold int) (opened bool) {
	if c.state.CompareAndSwap(int32(StateHalfOpen), int32(StateOpen)) {
		c.changedAt.Store(now.UnixNano())
		c.failures.Store(int32(threshold))
		return true
	}

	streak := c.failures.Add(1)
	if int(streak) >= threshold &&
		c.state.CompareAndSwap(int32(StateClosed), int32(StateOpen)) {
		c.changedAt.Store(now.UnixNano())
		return true
	}
	return false
}

// Snapshot is a point-in-time view of one circuit, for diagnostics.
type Snapshot struct {
	Op                  string    `json:"op"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ChangedAt           time.Time `json:"changed_at"`
}

// Registry holds one circuit per operation ID. It is the only mutable state
// shared across concurrent senders.
type Registry struct {
	circuits sync.Map // op string -> *circuit
}

// NewRegistry creates an empty circuit registry.
func NewRegistry() *Registry { return &Registry{} }

func (r *Registry) get(op string) *circuit {
	if c, ok := r.circuits.Load(op); ok {
		return c.(*circuit)
	}
	c, _ := r.circuits.LoadOrStore(op, &circuit{})
	return c.(*circuit)
}

// Snapshot returns the current view of one operation's circuit.
func (r *Registry) Snapshot(op string) (Snapshot, bool) {
	v, ok := r.circuits.Load(op)
	if !ok {
		return Snapshot{}, false
	}
	c := v.(*circuit)
	return Snapshot{
		Op:                  op,
		State:               State(c.state.Load()),
		ConsecutiveFailures: int(c.failures.Load()),
		ChangedAt:           time.Unix(0, c.changedAt.Load()),
	}, true
}

// All returns snapshots of every known circuit.
func (r *Registry) All() []Snapshot {
	var out []Snapshot
	r.circuits.Range(func(key, _ interface{}) bool {
		if snap, ok := r.Snapshot(key.(string)); ok {
			out = append(out, snap)
		}
		return true
	})
	return out
}

// ---------------------------------------------------------------------------
// Executor — retry with backoff behind the circuit
// ---------------------------------------------------------------------------

// Policy controls the retry schedule.
type Policy struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
	Multiplier  float64       `json:"multiplier"`
}

// Breaker controls the circuit thresholds.
type Breaker struct {
	FailureThreshold int           `json:"failure_threshold"`
	CoolDown         time.Duration `json:"cool_down"`
}

// DefaultPolicy returns a sensible retry schedule.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2,
	}
}

// DefaultBreaker returns sensible circuit thresholds.
func DefaultBreaker() Breaker {
	return Breaker{FailureThreshold: 3, CoolDown: 30 * time.Second}
}

// Executor runs functions under the retry policy and circuit registry.
type Executor struct {
	policy   Policy
	breaker  Breaker
	registry *Registry
	classify Classifier
	events   domain.EventBus
	log      *slog.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// Option customizes an Executor.
type Option func(*Executor)

// WithRegistry injects a shared circuit registry.
func WithRegistry(r *Registry) Option {
	return func(e *Executor) { e.registry = r }
}

// WithClassifier overrides the failure classifier.
func WithClassifier(c Classifier) Option {
	return func(e *Executor) { e.classify = c }
}

// WithEventBus publishes circuit transitions and retries as domain events.
func WithEventBus(bus domain.EventBus) Option {
	return func(e *Executor) { e.events = bus }
}

// NewExecutor creates an executor with the given policy and breaker settings.
func NewExecutor(policy Policy, breaker Breaker, opts ...Option) *Executor {
	if policy.Multiplier <= 1 {
		policy.Multiplier = 2
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	e := &Executor{
		policy:   policy,
		breaker:  breaker,
		registry: NewRegistry(),
		classify: DefaultClassifier,
		log:      slog.Default().With("component", "resilience"),
		now:      time.Now,
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry exposes the circuit registry for diagnostics.
func (e *Executor) Registry() *Registry { return e.registry }

// Call runs fn under retry and circuit discipline for the given operation
// ID. The returned error, if any, is always a *Error.
func (e *Executor) Call(ctx context.Context, op string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	c := e.registry.get(op)

	for attempt := 1; ; attempt++ {
		if !c.allow(e.now(), e.breaker.CoolDown) {
			return nil, &Error{Class: ClassCircuitOpen, Op: op, Err: ErrCircuitOpen}
		}

		result, err := fn(ctx)
		if err == nil {
			if c.recordSuccess(e.now()) {
				e.publish(domain.EventCircuitClosed, op)
			}
			return result, nil
		}

		if e.classify(err) == ClassPermanent {
			// Dependency answered; the transient streak is broken.
			if c.recordSuccess(e.now()) {
				e.publish(domain.EventCircuitClosed, op)
			}
			return nil, &Error{Class: ClassPermanent, Op: op, Err: err}
		}

		if c.recordTransient(e.now(), e.breaker.FailureThreshold) {
			e.log.Warn("circuit opened", "op", op, "err", err)
			e.publish(domain.EventCircuitOpened, op)
		}

		if attempt >= e.policy.MaxAttempts {
			return nil, &Error{Class: ClassTransient, Op: op, Err: err}
		}

		delay := e.backoff(attempt)
		e.log.Debug("retrying call", "op", op, "attempt", attempt, "delay", delay, "err", err)
		e.publish(domain.EventCallRetried, op)
		if serr := e.sleep(ctx, delay); serr != nil {
			return nil, &Error{Class: ClassTransient, Op: op, Err: serr}
		}
	}
}

func (e *Executor) backoff(attempt int) time.Duration {
	d := time.Duration(float64(e.policy.BaseDelay) * math.Pow(e.policy.Multiplier, float64(attempt-1)))
	if e.policy.MaxDelay > 0 && d > e.policy.MaxDelay {
		d = e.policy.MaxDelay
	}
	return d
}

func (e *Executor) publish(eventType domain.EventType, op string) {
	if e.events == nil {
		return
	}
	e.events.Publish(domain.NewEvent(eventType, domain.EntityID(op), nil))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
